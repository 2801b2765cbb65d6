// Package undo ties the undo subsystems to the checkpoint file.
//
// A Manager owns one ordered list of subsystems. That single slice drives
// shared memory sizing and initialization, the checkpoint write, the
// startup read and (reversed) process exit, so the save and restore order
// cannot drift apart. The checkpoint file carries no per-subsystem framing:
// each subsystem must read back exactly the bytes it wrote.
package undo
