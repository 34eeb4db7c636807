// Package vault provides at-rest encryption for stored settings
// payloads: 256-bit key derivation from operator-supplied material,
// AES-GCM envelope encrypt/decrypt, and the three-mode read/write
// policy (off / dual / enc_only).
package vault

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

var (
	// ErrNoKey means the mode requires encryption but no usable key
	// could be derived. Write paths under enc_only must fail hard.
	ErrNoKey = errors.New("vault: no usable encryption key")

	// ErrUnreadable means the stored payload could not be recovered
	// under the current key and mode.
	ErrUnreadable = errors.New("vault: stored payload unreadable")
)

// scrypt parameters for passphrase stretching
const (
	scryptN = 16384
	scryptR = 8
	scryptP = 1
	keyLen  = 32
)

// deriveKey turns operator key material into a 32-byte AES key.
// Accepted forms, in priority order: 64 hex characters, base64 of
// exactly 32 bytes, or an arbitrary passphrase stretched with scrypt
// against the supplied salt.
func deriveKey(material, salt string) ([]byte, error) {
	if material == "" {
		return nil, ErrNoKey
	}

	if len(material) == 64 {
		if key, err := hex.DecodeString(material); err == nil {
			return key, nil
		}
	}

	if key, err := base64.StdEncoding.DecodeString(material); err == nil && len(key) == keyLen {
		return key, nil
	}

	if salt == "" {
		return nil, fmt.Errorf("%w: passphrase requires a salt", ErrNoKey)
	}
	key, err := scrypt.Key([]byte(material), []byte(salt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("stretch passphrase: %w", err)
	}
	return key, nil
}
