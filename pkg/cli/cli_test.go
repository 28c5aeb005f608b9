package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/igolaizola/videomusic/pkg/apperr"
	"github.com/igolaizola/videomusic/pkg/controller"
	"github.com/igolaizola/videomusic/pkg/servertest"
	"github.com/igolaizola/videomusic/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := newRoot(&out, "v1.0.0", "abc123", "2024-05-01").ParseAndRun(ctx, args)
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0 abc123 2024-05-01\n", out)
}

func TestSessionsFormats(t *testing.T) {
	srv := servertest.New()
	defer srv.Close()
	srv.AddSession(&session.Session{
		ID:         "abc",
		Title:      "Dawn",
		Style:      "lofi",
		AudioFiles: []session.File{{URL: "/api/files/abc/dawn.mp3"}},
	})
	srv.AddSession(&session.Session{ID: "def", Title: "Storm", Style: "metal"})

	out, err := run(t, "sessions", "--server", srv.URL, "--format", "csv", "--query", "LOFI")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "session_id,timestamp,title,style,has_audio,has_image,has_video,output_directory", lines[0])
	assert.Equal(t, "abc,,Dawn,lofi,true,false,false,", lines[1])

	out, err = run(t, "sessions", "--server", srv.URL, "--format", "yaml", "--query", "storm")
	require.NoError(t, err)
	assert.Contains(t, out, "session_id: def")
	assert.NotContains(t, out, "abc")

	out, err = run(t, "sessions", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Dawn")
	assert.Contains(t, out, "Storm")
	assert.Contains(t, out, "audio")

	_, err = run(t, "sessions", "--server", srv.URL, "--format", "xml")
	assert.Error(t, err)
}

func TestSong(t *testing.T) {
	srv := servertest.New()
	defer srv.Close()

	out, err := run(t, "song", "--server", srv.URL, "--reconnect-delay", "10ms",
		"--lyrics", "la la", "--title", "Dawn", "--style", "lofi")
	require.NoError(t, err)
	assert.Contains(t, out, "Iniciando generación de música")
	assert.Contains(t, out, "[100%] Música generada exitosamente")
	assert.Contains(t, out, `session session-1 "Dawn"`)
	assert.Contains(t, out, "audio /api/files/session-1/session-1_1.mp3")
	assert.Contains(t, out, "image /api/files/session-1/session-1_cover.png")
}

func TestSongValidation(t *testing.T) {
	srv := servertest.New()
	defer srv.Close()

	_, err := run(t, "song", "--server", srv.URL, "--title", "Dawn", "--style", "lofi")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Empty(t, srv.Commands())
}

func TestVideoRemoteError(t *testing.T) {
	srv := servertest.New()
	defer srv.Close()

	_, err := run(t, "video", "--server", srv.URL, "--id", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRemote)
	assert.Contains(t, err.Error(), "missing")
}

func TestAuthRequired(t *testing.T) {
	srv := servertest.New(servertest.WithUser("ana", "secret"))
	defer srv.Close()

	_, err := run(t, "song", "--server", srv.URL, "--auth",
		"--lyrics", "la la", "--title", "Dawn", "--style", "lofi")
	assert.ErrorIs(t, err, apperr.ErrAuthRequired)

	_, err = run(t, "status", "--server", srv.URL)
	assert.ErrorIs(t, err, apperr.ErrAuthRequired)
}

func TestLoginAndConfig(t *testing.T) {
	srv := servertest.New(servertest.WithUser("ana", "secret"))
	defer srv.Close()
	tokenFile := t.TempDir() + "/token"

	out, err := run(t, "login", "--server", srv.URL, "--token-file", tokenFile,
		"--username", "ana", "--password", "secret")
	require.NoError(t, err)
	assert.Equal(t, "logged in as ana\n", out)

	out, err = run(t, "whoami", "--server", srv.URL, "--token-file", tokenFile)
	require.NoError(t, err)
	assert.Equal(t, "ana <ana@example.com>\n", out)

	_, err = run(t, "config", "--server", srv.URL, "--token-file", tokenFile,
		"--set", "--suno-api-key", "sk-1")
	require.NoError(t, err)
	assert.Equal(t, "sk-1", srv.Setting("suno_api_key"))

	out, err = run(t, "config", "--server", srv.URL, "--token-file", tokenFile)
	require.NoError(t, err)
	assert.Contains(t, out, "suno_api_key: ")
	assert.Contains(t, out, "***")
	assert.NotContains(t, out, "sk-1")

	out, err = run(t, "status", "--server", srv.URL, "--token-file", tokenFile)
	require.NoError(t, err)
	assert.Contains(t, out, "suno: yes")
	assert.Contains(t, out, "openai: no")

	out, err = run(t, "validate", "--server", srv.URL, "--token-file", tokenFile)
	require.NoError(t, err)
	assert.Contains(t, out, "suno: ok")

	_, err = run(t, "lyrics", "--server", srv.URL, "--token-file", tokenFile, "--description", "sunrise")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OpenAI not configured")

	out, err = run(t, "logout", "--server", srv.URL, "--token-file", tokenFile)
	require.NoError(t, err)
	assert.Equal(t, "logged out\n", out)
}

func TestWriteSessionsEmptyYAML(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeSessions(&out, "yaml", nil))
	assert.Equal(t, "[]\n", out.String())
}

func TestConnectFailureStopsRedialing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := run(t, "song", "--server", srv.URL, "--reconnect-delay", "5ms",
		"--lyrics", "la la", "--title", "Dawn", "--style", "lofi")
	require.Error(t, err)

	seen := hits.Load()
	require.NotZero(t, seen)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, hits.Load())
}

func TestPrintResultRefreshFailure(t *testing.T) {
	var out bytes.Buffer
	n := controller.Notification{
		SessionID: "abc",
		Message:   "Música generada exitosamente",
		Err:       apperr.Wrap(apperr.Fetch, "session", "Session not found", errors.New("api: 404 not found")),
	}
	require.NoError(t, printResult(&out, n, nil))
	assert.Contains(t, out.String(), "couldn't refresh session: Session not found")
	assert.NotContains(t, out.String(), "404")
}
