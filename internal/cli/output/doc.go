// Package output renders undocore-cli results as aligned tables or JSON.
package output
