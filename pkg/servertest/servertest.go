// Package servertest runs an in-process generation server for tests. It
// speaks the same HTTP API and websocket protocol as the real server and
// scripts progress events for each command.
package servertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/igolaizola/videomusic/pkg/protocol"
	"github.com/igolaizola/videomusic/pkg/session"
)

const cookieName = "auth_token"

// Script returns the events the server streams in answer to a command.
type Script func(s *Server, cmd protocol.Command) []protocol.Event

type Server struct {
	*httptest.Server

	mu       sync.Mutex
	users    map[string]string
	tokens   map[string]string
	sessions map[string]*session.Session
	files    map[string][]byte
	settings map[string]string
	commands []protocol.Command
	clients  []string
	conns    map[*wsConn]struct{}
	script   Script
	failing  bool
	auth     bool
	seq      int
}

type Option func(*Server)

// WithUser enables authentication and registers a user.
func WithUser(username, password string) Option {
	return func(s *Server) {
		s.auth = true
		s.users[username] = password
	}
}

// WithScript replaces the default command script.
func WithScript(script Script) Option {
	return func(s *Server) {
		s.script = script
	}
}

func New(opts ...Option) *Server {
	s := &Server{
		users:    map[string]string{},
		tokens:   map[string]string{},
		sessions: map[string]*session.Session{},
		files:    map[string][]byte{},
		settings: map[string]string{},
		conns:    map[*wsConn]struct{}{},
		script:   DefaultScript,
	}
	for _, o := range opts {
		o(s)
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

// Close disconnects every websocket client and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

// AddSession stores a session as if it had been generated.
func (s *Server) AddSession(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
}

// AddFile serves content at path.
func (s *Server) AddFile(path string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = content
}

// SetFailing makes every API call fail with a 500 status.
func (s *Server) SetFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

// Commands returns the commands received over websocket, pings excluded.
func (s *Server) Commands() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Command(nil), s.commands...)
}

// Clients returns the client ids that opened a websocket.
func (s *Server) Clients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clients...)
}

// Push sends an event to every connected client.
func (s *Server) Push(ev protocol.Event) {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.send(ev)
	}
}

// DropConnections closes every websocket without a close handshake.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = map[*wsConn]struct{}{}
	s.mu.Unlock()
	for c := range conns {
		_ = c.conn.Close()
	}
}

// NewSessionID allocates a session id.
func (s *Server) NewSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("session-%d", s.seq)
}

// Session returns a stored session.
func (s *Server) Session(id string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	cp := *sess
	return &cp, true
}

// Setting returns a stored configuration value.
func (s *Server) Setting(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[key]
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/auth/login", s.login)
	r.Post("/api/auth/register", s.register)
	r.Get("/ws/{clientID}", s.serveWS)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/api/auth/logout", s.logout)
		r.Get("/api/auth/me", s.me)
		r.Post("/api/auth/change-password", s.changePassword)
		r.Get("/api/status", s.status)
		r.Get("/api/config", s.getConfig)
		r.Post("/api/config", s.postConfig)
		r.Post("/api/validate-apis", s.validate)
		r.Post("/api/generate-lyrics", s.lyrics)
		r.Get("/api/sessions", s.listSessions)
		r.Get("/api/sessions/{sessionID}", s.getSession)
		r.Get("/api/files/{sessionID}/{name}", s.file)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func detail(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}

func (s *Server) user(r *http.Request) (string, bool) {
	ck, err := r.Cookie(cookieName)
	if err != nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.tokens[ck.Value]
	return u, ok
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		failing, auth := s.failing, s.auth
		s.mu.Unlock()
		if failing {
			detail(w, http.StatusInternalServerError, "internal error")
			return
		}
		if auth {
			if _, ok := s.user(r); !ok {
				detail(w, http.StatusUnauthorized, "Not authenticated")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.mu.Lock()
	pass, ok := s.users[req.Username]
	token := ""
	if ok && pass == req.Password {
		token = fmt.Sprintf("token-%s-%d", req.Username, len(s.tokens)+1)
		s.tokens[token] = req.Username
	}
	s.mu.Unlock()
	if token == "" {
		detail(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: cookieName, Value: token, MaxAge: 86400, Path: "/"})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    map[string]any{"id": 1, "username": req.Username, "email": req.Username + "@example.com", "is_admin": false},
	})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.mu.Lock()
	_, exists := s.users[req.Username]
	if !exists {
		s.users[req.Username] = req.Password
	}
	s.mu.Unlock()
	if exists {
		detail(w, http.StatusBadRequest, "Username or email already exists")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "User created successfully"})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if ck, err := r.Cookie(cookieName); err == nil {
		s.mu.Lock()
		delete(s.tokens, ck.Value)
		s.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) changePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	name, _ := s.user(r)
	s.mu.Lock()
	ok := s.users[name] == req.CurrentPassword
	if ok {
		s.users[name] = req.NewPassword
	}
	s.mu.Unlock()
	if !ok {
		detail(w, http.StatusBadRequest, "Current password is incorrect")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Password changed successfully"})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	name, _ := s.user(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{"id": 1, "username": name, "email": name + "@example.com", "is_admin": false},
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	suno := s.settings["suno_api_key"] != ""
	replicate := s.settings["replicate_api_token"] != ""
	openai := s.settings["openai_api_key"] != ""
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{
		"suno_configured":      suno,
		"replicate_configured": replicate,
		"openai_configured":    openai,
		"ready":                suno,
	})
}

var secretKeys = []string{"suno_api_key", "replicate_api_token", "openai_api_key"}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := map[string]string{
		"suno_base_url":       s.settings["suno_base_url"],
		"openai_assistant_id": s.settings["openai_assistant_id"],
	}
	for _, k := range secretKeys {
		resp[k] = ""
		if s.settings[k] != "" {
			resp[k] = "***"
		}
	}
	s.mu.Unlock()
	if resp["suno_base_url"] == "" {
		resp["suno_base_url"] = "https://api.sunoapi.org"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) postConfig(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.mu.Lock()
	for _, k := range secretKeys {
		if v := req[k]; v != "" && v != "***" {
			s.settings[k] = v
		}
	}
	s.settings["suno_base_url"] = req["suno_base_url"]
	s.settings["openai_assistant_id"] = req["openai_assistant_id"]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Configuration updated successfully"})
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	results := map[string][2]any{}
	if s.settings["suno_api_key"] != "" {
		results["suno"] = [2]any{true, "✅ Suno API connected"}
	}
	if s.settings["openai_api_key"] != "" {
		results["openai"] = [2]any{false, "❌ Invalid API key"}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) lyrics(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.mu.Lock()
	configured := s.settings["openai_api_key"] != ""
	s.mu.Unlock()
	if !configured {
		detail(w, http.StatusBadRequest, "OpenAI not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"lyrics": "[Verse]\n" + req.Description + "\n[Chorus]\n" + strings.ToUpper(req.Description),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var list []session.Summary
	for _, sess := range s.sessions {
		list = append(list, sess.Summary())
	}
	s.mu.Unlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].Timestamp.After(list[j].Timestamp.Time)
	})
	if list == nil {
		list = []session.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.Session(chi.URLParam(r, "sessionID"))
	if !ok {
		detail(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) file(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	b, ok := s.files[r.URL.Path]
	s.mu.Unlock()
	if !ok {
		detail(w, http.StatusNotFound, "File not found")
		return
	}
	_, _ = w.Write(b)
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(ev protocol.Event) error {
	b, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

var upgrader = websocket.Upgrader{}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	auth := s.auth
	_, valid := s.tokens[r.URL.Query().Get("token")]
	s.mu.Unlock()
	if auth && !valid {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Invalid or expired session"),
			time.Now().Add(time.Second))
		return
	}

	c := &wsConn{conn: conn}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.clients = append(s.clients, chi.URLParam(r, "clientID"))
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := protocol.DecodeCommand(b)
		if err != nil {
			_ = c.send(protocol.Error{Message: "Invalid command"})
			continue
		}
		if _, ok := cmd.(protocol.Ping); ok {
			_ = c.send(protocol.Pong{})
			continue
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		script := s.script
		s.mu.Unlock()
		for _, ev := range script(s, cmd) {
			if err := c.send(ev); err != nil {
				return
			}
		}
	}
}
