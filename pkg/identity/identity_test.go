package identity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	assert.NotEqual(t, a, b)
	u, err := uuid.Parse(a.String())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), u.Version())
	assert.False(t, a.IsZero())
	assert.True(t, Identity{}.IsZero())
}

func TestParse(t *testing.T) {
	id := New()
	got, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = Parse("not-a-uuid")
	assert.Error(t, err)
}

func TestFileTokenStore(t *testing.T) {
	ctx := context.Background()
	store := NewFileTokenStore(filepath.Join(t.TempDir(), "token"))

	tok, err := store.GetToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, store.SetToken(ctx, "secret"))
	tok, err = store.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret", tok)

	require.NoError(t, store.SetToken(ctx, ""))
	tok, err = store.GetToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestStaticToken(t *testing.T) {
	ctx := context.Background()
	var s StaticToken
	require.NoError(t, s.SetToken(ctx, "abc"))
	tok, err := s.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}
