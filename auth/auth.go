// Package auth verifies login credentials.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Verifier checks a username and password.
type Verifier interface {
	Verify(ctx context.Context, username, password string) error
}

// Credential is one accepted username and password pair.
type Credential struct {
	Username string
	Password string
}

// StaticVerifier accepts a fixed set of credentials loaded from configuration.
type StaticVerifier struct {
	users map[string][]byte
}

func NewStaticVerifier(creds []Credential) *StaticVerifier {
	users := make(map[string][]byte, len(creds))
	for _, c := range creds {
		users[c.Username] = []byte(c.Password)
	}
	return &StaticVerifier{users: users}
}

func (v *StaticVerifier) Verify(ctx context.Context, username, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	want, ok := v.users[username]
	if !ok || username == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare(want, []byte(password)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// Len reports how many users are configured.
func (v *StaticVerifier) Len() int {
	return len(v.users)
}
