// Package auth validates the tokens tunnel clients present during the 0x80
// sub-negotiation.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidToken is returned for a token no checker accepts.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrEmptyToken is returned for a zero-length token, which never authenticates.
	ErrEmptyToken = errors.New("auth: empty token")

	// ErrNoTokens is returned when building a checker with nothing to check against.
	ErrNoTokens = errors.New("auth: no tokens configured")
)

// TokenChecker decides whether a tunnel client may proceed.
type TokenChecker interface {
	Check(ctx context.Context, token string) error
}

// StaticTokens accepts any of a fixed set of plaintext tokens.
type StaticTokens []string

// Check compares token against every entry in constant time.
func (s StaticTokens) Check(_ context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	match := 0
	for _, want := range s {
		match |= subtle.ConstantTimeCompare([]byte(want), []byte(token))
	}
	if match != 1 {
		return ErrInvalidToken
	}
	return nil
}

// HashedTokens accepts a token matching any of a set of bcrypt hashes.
type HashedTokens []string

// Check compares token against each hash. bcrypt is slow, so ctx is checked between
// comparisons.
func (h HashedTokens) Check(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	for _, hash := range h {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			return nil
		}
	}
	return ErrInvalidToken
}

// Any accepts a token when one of its checkers does.
type Any []TokenChecker

// Check tries each checker in order.
func (a Any) Check(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	for _, c := range a {
		err := c.Check(ctx, token)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return ErrInvalidToken
}

// NewChecker builds the checker for a set of plaintext tokens and bcrypt hashes.
// Hashes are validated up front so a typo fails at startup rather than at login.
func NewChecker(tokens, hashes []string) (TokenChecker, error) {
	var checkers Any

	var plain StaticTokens
	for _, t := range tokens {
		if t != "" {
			plain = append(plain, t)
		}
	}
	if len(plain) > 0 {
		checkers = append(checkers, plain)
	}

	if len(hashes) > 0 {
		for i, hash := range hashes {
			if _, err := bcrypt.Cost([]byte(hash)); err != nil {
				return nil, fmt.Errorf("hashed token %d: %w", i, err)
			}
		}
		checkers = append(checkers, HashedTokens(hashes))
	}

	switch len(checkers) {
	case 0:
		return nil, ErrNoTokens
	case 1:
		return checkers[0], nil
	default:
		return checkers, nil
	}
}

// HashToken returns the bcrypt hash of token for use in hashed_tokens.
// A cost of zero selects bcrypt.DefaultCost.
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}
