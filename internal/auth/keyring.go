package auth

import (
	"errors"
	"strings"
)

// Rejection reasons returned by Keyring.Resolve.
var (
	// ErrMissingKey means no credential was supplied at all.
	ErrMissingKey = errors.New("auth: no API key provided")

	// ErrInvalidKey means a credential was supplied but is not in the table.
	ErrInvalidKey = errors.New("auth: invalid API key")
)

// Keyring is the immutable credential→user lookup table. It is built once at
// startup from configuration and is safe for concurrent use.
type Keyring struct {
	keys map[string]string
}

// NewKeyring copies the given table into a Keyring. Later mutation of the
// argument does not affect the ring.
func NewKeyring(keys map[string]string) *Keyring {
	cp := make(map[string]string, len(keys))
	for k, u := range keys {
		cp[k] = u
	}
	return &Keyring{keys: cp}
}

// Resolve returns the user bound to token. Returns ErrMissingKey for an empty
// token and ErrInvalidKey for a token not in the table — callers use the
// distinction for 401 vs 403 responses.
func (k *Keyring) Resolve(token string) (string, error) {
	if token == "" {
		return "", ErrMissingKey
	}
	user, ok := k.keys[token]
	if !ok {
		return "", ErrInvalidKey
	}
	return user, nil
}

// Len returns the number of keys in the ring.
func (k *Keyring) Len() int { return len(k.keys) }

// Mask renders a credential safe for logging: the first and last 4 characters
// stay visible, the middle is replaced with asterisks. Tokens of 8 characters
// or fewer collapse to a fixed mask.
func Mask(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
