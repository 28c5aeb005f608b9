package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/igolaizola/videomusic/pkg/apperr"
	"github.com/igolaizola/videomusic/pkg/log"
	"github.com/igolaizola/videomusic/pkg/servertest"
	"github.com/igolaizola/videomusic/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(url string) *Client {
	l := log.Nop()
	return New(&Config{BaseURL: url, Backoff: []time.Duration{time.Millisecond, time.Millisecond}, Logger: &l})
}

func TestAuthFlow(t *testing.T) {
	srv := servertest.New(servertest.WithUser("ana", "secret"))
	defer srv.Close()
	ctx := context.Background()
	c := newClient(srv.URL)

	_, err := c.Status(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrAuthRequired)
	assert.Equal(t, "Not authenticated", apperr.Message(err))

	_, _, err = c.Login(ctx, "ana", "wrong")
	assert.ErrorIs(t, err, apperr.ErrAuthRequired)
	assert.Equal(t, "Invalid username or password", apperr.Message(err))

	_, _, err = c.Login(ctx, "", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	user, token, err := c.Login(ctx, "ana", "secret")
	require.NoError(t, err)
	assert.Equal(t, "ana", user.Username)
	assert.NotEmpty(t, token)
	assert.Equal(t, token, c.Token())

	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ana", me.Username)

	require.NoError(t, c.Logout(ctx))
	assert.Empty(t, c.Token())

	other := newClient(srv.URL)
	other.SetToken(token)
	_, err = other.Me(ctx)
	assert.ErrorIs(t, err, apperr.ErrAuthRequired)
}

func TestRegisterAndChangePassword(t *testing.T) {
	srv := servertest.New(servertest.WithUser("ana", "secret"))
	defer srv.Close()
	ctx := context.Background()
	c := newClient(srv.URL)

	require.NoError(t, c.Register(ctx, "bob", "bob@example.com", "pass1"))
	err := c.Register(ctx, "bob", "bob@example.com", "pass1")
	assert.ErrorIs(t, err, apperr.ErrFetch)
	assert.Contains(t, apperr.Message(err), "already exists")

	_, _, err = c.Login(ctx, "bob", "pass1")
	require.NoError(t, err)

	err = c.ChangePassword(ctx, "wrong", "pass2")
	assert.ErrorIs(t, err, apperr.ErrFetch)
	require.NoError(t, c.ChangePassword(ctx, "pass1", "pass2"))

	_, _, err = c.Login(ctx, "bob", "pass1")
	assert.ErrorIs(t, err, apperr.ErrAuthRequired)
	_, _, err = c.Login(ctx, "bob", "pass2")
	require.NoError(t, err)
}

func TestConfigRoundTrip(t *testing.T) {
	srv := servertest.New()
	defer srv.Close()
	ctx := context.Background()
	c := newClient(srv.URL)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Ready)

	require.NoError(t, c.UpdateConfig(ctx, Settings{SunoAPIKey: "suno-key", OpenAIAPIKey: "openai-key"}))
	assert.Equal(t, DefaultSunoBaseURL, srv.Setting("suno_base_url"))
	assert.Equal(t, DefaultOpenAIAssistantID, srv.Setting("openai_assistant_id"))

	cfg, err := c.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, Masked, cfg.SunoAPIKey)
	assert.Equal(t, "", cfg.ReplicateAPIToken)

	// Sending the masked values back keeps the stored secrets.
	require.NoError(t, c.UpdateConfig(ctx, *cfg))
	assert.Equal(t, "suno-key", srv.Setting("suno_api_key"))

	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Status{SunoConfigured: true, OpenAIConfigured: true, Ready: true}, st)

	results, err := c.ValidateAPIs(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "openai", results[0].Name)
	assert.False(t, results[0].Valid)
	assert.Equal(t, "suno", results[1].Name)
	assert.True(t, results[1].Valid)

	lyrics, err := c.GenerateLyrics(ctx, "sunrise")
	require.NoError(t, err)
	assert.Contains(t, lyrics, "sunrise")

	_, err = c.GenerateLyrics(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSessions(t *testing.T) {
	srv := servertest.New()
	defer srv.Close()
	ctx := context.Background()
	srv.AddSession(&session.Session{
		ID:         "abc",
		Title:      "Dawn",
		Style:      "lofi",
		AudioFiles: []session.File{{Title: "Dawn", URL: "/api/files/abc/dawn.mp3"}},
	})
	srv.AddFile("/api/files/abc/dawn.mp3", []byte("ID3"))
	c := newClient(srv.URL)

	list, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "abc", list[0].ID)
	assert.True(t, list[0].HasAudio)
	assert.False(t, list[0].HasImage)

	s, err := c.Session(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "Dawn", s.AudioFiles[0].Title)

	_, err = c.Session(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrFetch)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
	assert.Contains(t, apperr.Message(err), "Session not found")

	rc, err := c.Open(ctx, s.AudioFiles[0].URL)
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "ID3", string(b))

	_, err = c.Open(ctx, "/api/files/abc/none.mp3")
	assert.ErrorIs(t, err, apperr.ErrFetch)

	srv.SetFailing(true)
	_, err = c.Sessions(ctx)
	assert.ErrorIs(t, err, apperr.ErrFetch)
}

func TestRetryTemporary(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"suno_configured":true,"ready":true}`))
	}))
	defer srv.Close()

	st, err := newClient(srv.URL).Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Ready)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":[{"msg":"field required"},{"msg":"value is not a valid string"}]}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Status(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	var e *apperr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "field required; value is not a valid string", e.Msg)
}

func TestURL(t *testing.T) {
	c := newClient("http://localhost:8000/")
	assert.Equal(t, "http://localhost:8000/api/status", c.URL("/api/status"))
	assert.Equal(t, "http://localhost:8000/api/status", c.URL("api/status"))
	assert.Equal(t, "https://cdn.example.com/a.mp3", c.URL("https://cdn.example.com/a.mp3"))
}
