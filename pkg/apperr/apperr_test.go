package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(NotConnected, "send", ""))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NotErrorIs(t, err, ErrFetch)
	assert.Equal(t, NotConnected, KindOf(err))
}

func TestMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errors.New("plain"), "plain"},
		{New(AuthRequired, "connect", ""), "authentication required, log in first"},
		{New(Validation, "generate", "title is required"), "title is required"},
		{Wrap(Fetch, "sessions", "couldn't load sessions", errors.New("dial tcp: refused")), "couldn't load sessions (dial tcp: refused)"},
	}
	for _, tt := range tests {
		if got := Message(tt.err); got != tt.want {
			t.Fatalf("Message(%v) = %q; want %q", tt.err, got, tt.want)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(Fetch, "api", "", errors.New("boom"))
	assert.Equal(t, "api: couldn't reach the server: boom", err.Error())
	assert.Equal(t, "unknown", Kind(42).String())
}
