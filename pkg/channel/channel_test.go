package channel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/igolaizola/videomusic/pkg/apperr"
	"github.com/igolaizola/videomusic/pkg/identity"
	"github.com/igolaizola/videomusic/pkg/log"
	"github.com/igolaizola/videomusic/pkg/metrics"
	"github.com/igolaizola/videomusic/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 256), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, b []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(b))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func testConfig(d Dialer) *Config {
	l := log.Nop()
	return &Config{
		BaseURL:        "http://localhost:8000",
		Identity:       identity.New(),
		Keepalive:      time.Hour,
		ReconnectDelay: 10 * time.Millisecond,
		Dialer:         d,
		Logger:         &l,
	}
}

func TestBuildURL(t *testing.T) {
	id, err := identity.Parse("6f1c2c55-0b7e-4c1e-9d53-0c4f1f5a8a11")
	require.NoError(t, err)
	tests := []struct {
		base  string
		token string
		want  string
	}{
		{"http://localhost:8000", "", "ws://localhost:8000/ws/6f1c2c55-0b7e-4c1e-9d53-0c4f1f5a8a11"},
		{"https://example.com/", "abc", "wss://example.com/ws/6f1c2c55-0b7e-4c1e-9d53-0c4f1f5a8a11?token=abc"},
		{"wss://example.com/app", "a b", "wss://example.com/app/ws/6f1c2c55-0b7e-4c1e-9d53-0c4f1f5a8a11?token=a+b"},
	}
	for _, tt := range tests {
		got, err := buildURL(tt.base, id, tt.token)
		require.NoError(t, err, tt.base)
		assert.Equal(t, tt.want, got)
	}

	for _, base := range []string{"ftp://example.com", "http://", "::bad"} {
		_, err := buildURL(base, id, "")
		assert.Error(t, err, base)
	}
}

func TestConcurrentConnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var mu sync.Mutex
	dials := 0
	release := make(chan struct{})
	c := New(testConfig(DialerFunc(func(ctx context.Context, _ string) (Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		<-release
		return newFakeConn(), nil
	})))

	const n = 32
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Connect(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	var ok, already int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyConnected):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, already)
	mu.Lock()
	assert.Equal(t, 1, dials)
	mu.Unlock()
	require.NoError(t, c.Close())
	assert.Equal(t, Disconnected, c.State())
}

func TestConnectRequiresToken(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dialed := false
	cfg := testConfig(DialerFunc(func(context.Context, string) (Conn, error) {
		dialed = true
		return newFakeConn(), nil
	}))
	cfg.RequireAuth = true
	c := New(cfg)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrAuthRequired)
	assert.False(t, dialed)
	assert.Equal(t, Disconnected, c.State())
}

func TestSendNotConnected(t *testing.T) {
	c := New(testConfig(nil))
	err := c.Send(protocol.Ping{})
	assert.ErrorIs(t, err, apperr.ErrNotConnected)
}

func TestEventsInArrivalOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conn := newFakeConn()
	m := metrics.New()
	cfg := testConfig(DialerFunc(func(context.Context, string) (Conn, error) {
		return conn, nil
	}))
	cfg.Metrics = m
	c := New(cfg)

	var mu sync.Mutex
	var got []string
	c.OnEvent(func(ev protocol.Event) {
		mu.Lock()
		defer mu.Unlock()
		if p, ok := ev.(protocol.Progress); ok {
			got = append(got, p.Message)
		}
	})
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, Connected, c.State())

	conn.in <- []byte(`{"type":"progress","message":"one"}`)
	conn.in <- []byte(`not json`)
	conn.in <- []byte(`{"type":"mystery"}`)
	conn.in <- []byte(`{"type":"progress","message":"two"}`)
	conn.in <- []byte(`{"type":"progress","message":"three"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"one", "two", "three"}, got)
	mu.Unlock()

	require.NoError(t, c.Send(protocol.GenerateImage{SessionID: "s1"}))
	assert.Contains(t, conn.Written(), `{"command":"generate_image","session_id":"s1"}`)

	require.NoError(t, c.Close())
	assert.Equal(t, Disconnected, c.State())
	assert.ErrorIs(t, c.Send(protocol.Ping{}), apperr.ErrNotConnected)
}

func TestReconnectsAfterDrop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var mu sync.Mutex
	var conns []*fakeConn
	var dials []time.Time
	cfg := testConfig(DialerFunc(func(context.Context, string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		conn := newFakeConn()
		conns = append(conns, conn)
		dials = append(dials, time.Now())
		return conn, nil
	}))
	cfg.ReconnectDelay = 50 * time.Millisecond
	c := New(cfg)
	rec := &stateRecorder{}
	c.OnStateChange(rec.record)

	require.NoError(t, c.Connect(context.Background()))
	mu.Lock()
	dropped := time.Now()
	conns[0].Close()
	mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(conns) == 2 && c.State() == Connected
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.GreaterOrEqual(t, dials[1].Sub(dropped), 50*time.Millisecond)
	mu.Unlock()

	require.NoError(t, c.Close())
	assert.Equal(t, []State{Connecting, Connected, Reconnecting, Connected, Disconnected}, rec.get())
}

func TestReconnectsForever(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var mu sync.Mutex
	attempts := 0
	cfg := testConfig(DialerFunc(func(context.Context, string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return nil, errors.New("connection refused")
	}))
	cfg.ReconnectDelay = time.Millisecond
	c := New(cfg)

	err := c.Connect(context.Background())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 10
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, Reconnecting, c.State())

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	require.NoError(t, c.Close())
	mu.Lock()
	after := attempts
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, after, attempts)
	mu.Unlock()
	assert.Equal(t, Disconnected, c.State())
}

func TestKeepalive(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conn := newFakeConn()
	cfg := testConfig(DialerFunc(func(context.Context, string) (Conn, error) {
		return conn, nil
	}))
	cfg.Keepalive = 5 * time.Millisecond
	c := New(cfg)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool {
		n := 0
		for _, w := range conn.Written() {
			if w == `{"command":"ping"}` {
				n++
			}
		}
		return n >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestWebsocketServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 10)
	var mu sync.Mutex
	var connections int

	r := chi.NewRouter()
	r.Get("/ws/{clientID}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mu.Lock()
		connections++
		mu.Unlock()
		received <- chi.URLParam(r, "clientID")
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				return
			}
			cmd, err := protocol.DecodeCommand(b)
			if err != nil {
				continue
			}
			received <- cmd.Name()
			var frames []string
			switch cmd.(type) {
			case protocol.Ping:
				frames = []string{`{"type":"pong"}`}
			case protocol.GenerateSong:
				frames = []string{
					`{"type":"progress","message":"Iniciando generación"}`,
					`{"type":"complete","data":{"session_id":"abc","title":"T","output_directory":"out/abc"}}`,
				}
			}
			for _, f := range frames {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
					return
				}
			}
		}
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	l := log.Nop()
	id := identity.New()
	c := New(&Config{
		BaseURL:        srv.URL,
		Identity:       id,
		Token:          "secret",
		RequireAuth:    true,
		ReconnectDelay: 10 * time.Millisecond,
		Logger:         &l,
	})
	events := make(chan protocol.Event, 10)
	c.OnEvent(func(ev protocol.Event) { events <- ev })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	assert.Equal(t, id.String(), <-received)

	require.NoError(t, c.Send(protocol.GenerateSong{Request: protocol.NewGenerationRequest("la la", "T", "pop")}))
	assert.Equal(t, "generate_song", <-received)

	ev := <-events
	assert.Equal(t, protocol.Progress{Message: "Iniciando generación"}, ev)
	ev = <-events
	complete, ok := ev.(protocol.Complete)
	require.True(t, ok)
	assert.Equal(t, "abc", complete.Summary.SessionID)

	require.NoError(t, c.Send(protocol.Ping{}))
	assert.Equal(t, "ping", <-received)
	assert.Equal(t, protocol.Pong{}, <-events)

	bad := New(&Config{BaseURL: srv.URL, Token: "wrong", ReconnectDelay: time.Hour, Logger: &l})
	err := bad.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "403"), err.Error())
	require.NoError(t, bad.Close())

	mu.Lock()
	assert.Equal(t, 1, connections)
	mu.Unlock()
}
