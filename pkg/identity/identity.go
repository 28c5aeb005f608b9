// Package identity provides the client identity and the auth token sources
// used to scope the duplex channel.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// Identity is a stable client identifier shaped like a UUID v4. It is
// generated once per process and never changes.
type Identity struct {
	id string
}

// New generates a random identity.
func New() Identity {
	return Identity{id: uuid.NewString()}
}

// Parse validates s as a UUID and returns it as an identity.
func Parse(s string) (Identity, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: invalid client id %q: %w", s, err)
	}
	return Identity{id: u.String()}, nil
}

func (i Identity) String() string {
	return i.id
}

// IsZero reports whether the identity was never initialised.
func (i Identity) IsZero() bool {
	return i.id == ""
}

// TokenStore provides the session token issued by the login flow.
type TokenStore interface {
	GetToken(context.Context) (string, error)
	SetToken(context.Context, string) error
}

type fileTokenStore struct {
	path string
}

// NewFileTokenStore returns a token store backed by a file. A missing file
// means there is no token. Writes replace the file atomically.
func NewFileTokenStore(path string) TokenStore {
	return &fileTokenStore{path: path}
}

func (s *fileTokenStore) GetToken(ctx context.Context) (string, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("identity: couldn't read token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func (s *fileTokenStore) SetToken(ctx context.Context, token string) error {
	if token == "" {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("identity: couldn't remove token: %w", err)
		}
		return nil
	}
	if err := renameio.WriteFile(s.path, []byte(token), 0600); err != nil {
		return fmt.Errorf("identity: couldn't write token: %w", err)
	}
	return nil
}

// StaticToken is an in-memory token store.
type StaticToken string

func (s *StaticToken) GetToken(context.Context) (string, error) {
	return string(*s), nil
}

func (s *StaticToken) SetToken(_ context.Context, token string) error {
	*s = StaticToken(token)
	return nil
}
