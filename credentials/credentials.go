// Package credentials looks up the automation credentials that are injected into a script's environment.
package credentials

import (
	"context"
	"errors"
	"os"
)

// ErrNotFound is returned when a user has no stored credentials. Scripts then run without any.
var ErrNotFound = errors.New("credentials not found")

const (
	DefaultUsernameEnv = "AUTOMATION_USERNAME"
	DefaultPasswordEnv = "AUTOMATION_PASSWORD"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Env returns the credentials as environment variables with the given names.
func (c Credentials) Env(usernameVar, passwordVar string) map[string]string {
	return map[string]string{
		usernameVar: c.Username,
		passwordVar: c.Password,
	}
}

// Store returns the decrypted credentials for a user.
type Store interface {
	Lookup(ctx context.Context, user string) (Credentials, error)
}

// None is a store without any credentials.
type None struct{}

func (None) Lookup(ctx context.Context, user string) (Credentials, error) {
	return Credentials{}, ErrNotFound
}

// Static holds credentials in memory, keyed by user.
type Static map[string]Credentials

func (s Static) Lookup(ctx context.Context, user string) (Credentials, error) {
	c, ok := s[user]
	if !ok {
		return Credentials{}, ErrNotFound
	}
	return c, nil
}

// Env reads a single set of credentials from the server's own environment, for every user.
type Env struct {
	UsernameVar string
	PasswordVar string
}

func (e Env) Lookup(ctx context.Context, user string) (Credentials, error) {
	username, ok := os.LookupEnv(e.UsernameVar)
	if !ok || username == "" {
		return Credentials{}, ErrNotFound
	}
	return Credentials{Username: username, Password: os.Getenv(e.PasswordVar)}, nil
}
