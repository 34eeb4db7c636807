package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strings"
)

// Envelope format: "enc:v1:" + base64(IV ‖ auth tag ‖ ciphertext).
// The prefix versions the format so the layout can change later
// without guessing at stored values.
const (
	envPrefix = "enc:v1:"
	ivLen     = 12
	tagLen    = 16
)

// seal encrypts plaintext with a fresh random IV and returns the
// prefixed envelope string.
func seal(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	// Seal returns ciphertext ‖ tag; the envelope stores the tag
	// between IV and ciphertext.
	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	buf := make([]byte, 0, ivLen+tagLen+len(ct))
	buf = append(buf, iv...)
	buf = append(buf, tag...)
	buf = append(buf, ct...)

	return envPrefix + base64.StdEncoding.EncodeToString(buf), nil
}

// open decrypts an envelope produced by seal. The second return is
// false for anything malformed, truncated, or failing tag
// verification; callers apply mode-specific fallback instead of
// handling an error chain.
func open(key []byte, envelope string) (string, bool) {
	if !strings.HasPrefix(envelope, envPrefix) {
		return "", false
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(envelope, envPrefix))
	if err != nil || len(raw) < ivLen+tagLen {
		return "", false
	}

	iv := raw[:ivLen]
	tag := raw[ivLen : ivLen+tagLen]
	ct := raw[ivLen+tagLen:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", false
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", false
	}

	sealed := make([]byte, 0, len(ct)+tagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", false
	}
	return string(plaintext), true
}

// IsEnvelope reports whether a stored value carries the envelope
// prefix.
func IsEnvelope(s string) bool {
	return strings.HasPrefix(s, envPrefix)
}
