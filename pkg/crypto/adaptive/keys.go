package adaptive

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of derived keys.
const KeySize = 32

// ErrWeakKey is returned for master keys shorter than 16 bytes.
var ErrWeakKey = errors.New("adaptive: master key shorter than 16 bytes")

// ParseKey decodes a key given as hex or standard base64.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("adaptive: empty key")
	}

	key, err := hex.DecodeString(s)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("adaptive: key is neither hex nor base64")
		}
	}
	if len(key) < 16 {
		return nil, ErrWeakKey
	}
	return key, nil
}

// DeriveKey expands master into a KeySize key for purpose using HKDF-SHA256.
// Distinct purposes yield independent keys.
func DeriveKey(master []byte, purpose string) ([]byte, error) {
	if len(master) < 16 {
		return nil, ErrWeakKey
	}
	r := hkdf.New(sha256.New, master, nil, []byte("undocore/"+purpose))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("adaptive: derive key: %w", err)
	}
	return key, nil
}
