// Package auth provides token validation helpers for the mutation
// plane. It avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates one presented auth token.
type Validator interface {
	Validate(token []byte) error
}

// StaticToken accepts a single shared token, compared in constant
// time. An empty expected token rejects everything.
type StaticToken struct {
	Token []byte
}

func (s StaticToken) Validate(token []byte) error {
	if len(s.Token) == 0 {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare(s.Token, token) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// TokenSet accepts any of a fixed set of tokens.
type TokenSet struct {
	Tokens [][]byte
}

func (s TokenSet) Validate(token []byte) error {
	err := ErrUnauthorized
	for _, candidate := range s.Tokens {
		if subtle.ConstantTimeCompare(candidate, token) == 1 {
			err = nil
		}
	}
	return err
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token []byte) error

func (f FuncValidator) Validate(token []byte) error {
	return f(token)
}
