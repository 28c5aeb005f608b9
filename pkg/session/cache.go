package session

import (
	"context"
	"strings"
	"sync"

	"github.com/igolaizola/videomusic/pkg/apperr"
)

// Fetcher retrieves sessions from the server.
type Fetcher interface {
	Sessions(ctx context.Context) ([]Summary, error)
	Session(ctx context.Context, id string) (*Session, error)
}

// Cache mirrors the server session list. A refresh replaces the whole
// snapshot; a failed refresh leaves it untouched. Session detail is never
// cached.
type Cache struct {
	fetcher Fetcher

	mu       sync.RWMutex
	sessions []Summary
}

func NewCache(f Fetcher) *Cache {
	return &Cache{fetcher: f}
}

// List fetches the session list and replaces the snapshot.
func (c *Cache) List(ctx context.Context) ([]Summary, error) {
	sessions, err := c.fetcher.Sessions(ctx)
	if err != nil {
		return nil, asFetch("list sessions", err)
	}
	if sessions == nil {
		sessions = []Summary{}
	}
	c.mu.Lock()
	c.sessions = sessions
	c.mu.Unlock()
	return clone(sessions), nil
}

// Get fetches the full detail of one session.
func (c *Cache) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, apperr.New(apperr.Validation, "session", "session id is required")
	}
	s, err := c.fetcher.Session(ctx, id)
	if err != nil {
		return nil, asFetch("get session "+id, err)
	}
	return s, nil
}

// Snapshot returns a copy of the last fetched list, nil if never fetched.
func (c *Cache) Snapshot() []Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.sessions)
}

// Filter returns the sessions whose title or style contains query, ignoring
// case. An empty query returns every session.
func Filter(sessions []Summary, query string) []Summary {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []Summary
	for _, s := range sessions {
		if q == "" ||
			strings.Contains(strings.ToLower(s.Title), q) ||
			strings.Contains(strings.ToLower(s.Style), q) {
			out = append(out, s)
		}
	}
	return out
}

func asFetch(op string, err error) error {
	if apperr.KindOf(err) == apperr.Fetch || apperr.KindOf(err) == apperr.AuthRequired {
		return err
	}
	return apperr.Wrap(apperr.Fetch, "session", "couldn't "+op, err)
}

func clone(s []Summary) []Summary {
	if s == nil {
		return nil
	}
	return append([]Summary(nil), s...)
}
