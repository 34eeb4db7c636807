package vault

import (
	"github.com/colegrim/hubdeck/internal/config"
	"github.com/colegrim/hubdeck/internal/logx"
)

// Stub is the fixed marker written to the plaintext column under
// enc_only, so the column never holds real data.
const Stub = "enc"

// Vault applies the configured encryption mode to payloads on their
// way in and out of the store.
type Vault struct {
	mode config.Mode
	key  []byte
	warn *logx.Warner
}

// New derives the key once from config and returns a Vault. A key
// derivation failure is not fatal here: off mode never needs the key,
// dual degrades to plaintext-only with a single warning, and enc_only
// surfaces ErrNoKey on each write attempt.
func New(cfg config.Config, warn *logx.Warner) *Vault {
	v := &Vault{mode: cfg.EncryptionMode.Normalize(), warn: warn}

	key, err := deriveKey(cfg.EncryptionKey, cfg.PassphraseSalt)
	if err != nil {
		switch v.mode {
		case config.ModeDual:
			warn.WarnOnce("vault: derive key", "encryption key unavailable, storing plaintext only",
				"mode", string(v.mode), "err", err)
		case config.ModeEncOnly:
			warn.WarnOnce("vault: derive key", "encryption key unavailable, writes will be rejected",
				"mode", string(v.mode), "err", err)
		}
		return v
	}
	v.key = key
	return v
}

// Mode returns the configured encryption mode.
func (v *Vault) Mode() config.Mode {
	return v.mode
}

// Ready reports whether a usable key is loaded.
func (v *Vault) Ready() bool {
	return v.key != nil
}

// StoredColumns maps a payload to the (plain, enc) column pair to
// write, per the mode policy. Under enc_only with no key it returns
// ErrNoKey and the write must be rejected.
func (v *Vault) StoredColumns(data string) (plain, enc string, err error) {
	switch v.mode {
	case config.ModeOff:
		return data, "", nil

	case config.ModeDual:
		if v.key == nil {
			return data, "", nil
		}
		env, err := seal(v.key, data)
		if err != nil {
			return "", "", err
		}
		return data, env, nil

	case config.ModeEncOnly:
		if v.key == nil {
			return "", "", ErrNoKey
		}
		env, err := seal(v.key, data)
		if err != nil {
			return "", "", err
		}
		return Stub, env, nil
	}
	return data, "", nil
}

// Resolve recovers the payload from a stored (plain, enc) column pair
// per the mode read policy. The ctx string keys warn-once logging so
// a single broken row does not flood the log.
func (v *Vault) Resolve(plain, enc, ctx string) (string, error) {
	switch v.mode {
	case config.ModeOff:
		if plain != "" && plain != Stub {
			return plain, nil
		}
		// Best-effort migration path for rows written under an
		// encrypted mode.
		if enc != "" && v.key != nil {
			if data, ok := open(v.key, enc); ok {
				return data, nil
			}
		}
		if enc == "" {
			return plain, nil
		}
		return "", ErrUnreadable

	case config.ModeDual:
		if enc != "" && v.key != nil {
			if data, ok := open(v.key, enc); ok {
				return data, nil
			}
			v.warn.WarnOnce("vault: decrypt "+ctx, "stored payload undecryptable, falling back to plaintext", "ctx", ctx)
		}
		if plain != "" && plain != Stub {
			return plain, nil
		}
		if enc == "" {
			return plain, nil
		}
		return "", ErrUnreadable

	case config.ModeEncOnly:
		if enc == "" {
			// Row predates enc_only; real plaintext is still usable.
			if plain != "" && plain != Stub {
				return plain, nil
			}
			return "", ErrUnreadable
		}
		if v.key == nil {
			return "", ErrNoKey
		}
		data, ok := open(v.key, enc)
		if !ok {
			return "", ErrUnreadable
		}
		return data, nil
	}
	return plain, nil
}
