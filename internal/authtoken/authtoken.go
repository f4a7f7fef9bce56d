// Package authtoken handles the hex string representation of
// mutation-plane auth tokens and their loading from files or the
// environment.
package authtoken

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// EnvVar names the environment variable consulted by LoadFromEnv.
const EnvVar = "MUTATION_AUTH_TOKEN"

var (
	ErrEmpty     = errors.New("authtoken: empty token")
	ErrOddLength = errors.New("authtoken: hex string has odd length")
	ErrNotHex    = errors.New("authtoken: invalid hex digit")
	ErrNotSet    = errors.New("authtoken: environment variable not set")
)

// Token is a raw auth token. The canonical interchange form is
// lowercase hex pairs.
type Token []byte

// FromHexString parses hex pairs, accepting either case.
func FromHexString(s string) (Token, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}
	if len(s)%2 != 0 {
		return nil, ErrOddLength
	}
	raw, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotHex, err)
	}
	return Token(raw), nil
}

// HexString renders the canonical lowercase hex form.
func (t Token) HexString() string {
	return hex.EncodeToString(t)
}

// LoadFromFile reads a hex token from path, tolerating surrounding
// whitespace and a trailing newline.
func LoadFromFile(path string) (Token, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authtoken: read %s: %w", path, err)
	}
	return FromHexString(string(raw))
}

// LoadFromEnv reads a hex token from EnvVar.
func LoadFromEnv() (Token, error) {
	raw, ok := os.LookupEnv(EnvVar)
	if !ok {
		return nil, ErrNotSet
	}
	return FromHexString(raw)
}
