// Package adaptive provides authenticated encryption for WAL record data.
//
// The AEAD algorithm is picked from the platform: AES-256-GCM where the
// runtime uses hardware AES, ChaCha20-Poly1305 elsewhere. Ciphertexts are
// bound to a log position with SealAt/OpenAt, so a record copied to a
// different position fails authentication. Keys come from configuration as
// hex or base64 and are expanded per purpose with HKDF-SHA256.
//
// Usage:
//
//	master, err := adaptive.ParseKey(cfg.EncryptionKey)
//	key, err := adaptive.DeriveKey(master, "wal")
//	c, err := adaptive.New(key)
//	sealed, err := c.SealAt(pos, plaintext)
package adaptive
