package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectAttempt(true)
		m.Reconnect()
		m.DecodeError()
		m.Event("progress")
		m.Command("ping")
		m.Connected(true)
		m.Run("generate_song", "completed")
		m.Progress(50)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.Reconnect()
	m.Reconnect()
	m.Event("progress")
	m.Progress(42)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	body := string(b)
	assert.Contains(t, body, "videomusic_channel_reconnects_total 2")
	assert.Contains(t, body, `videomusic_channel_events_total{type="progress"} 1`)
	assert.Contains(t, body, "videomusic_generation_progress_percent 42")
}
