// Package api is a client for the request/response side of the generation
// server: status, configuration, sessions, lyrics and authentication.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/igolaizola/videomusic/pkg/apperr"
	"github.com/igolaizola/videomusic/pkg/log"
	"github.com/rs/zerolog"
)

// CookieName is the cookie carrying the session token.
const CookieName = "auth_token"

type Client struct {
	client  *http.Client
	baseURL string
	backoff []time.Duration
	log     zerolog.Logger

	mu    sync.RWMutex
	token string
}

type Config struct {
	BaseURL string
	Token   string
	Client  *http.Client
	// Backoff is the wait before each retry of a temporary failure.
	Backoff []time.Duration
	Logger  *zerolog.Logger
}

var defaultBackoff = []time.Duration{
	1 * time.Second,
	3 * time.Second,
}

func New(cfg *Config) *Client {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: 2 * time.Minute,
		}
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = defaultBackoff
	}
	logger := log.WithComponent("api")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Client{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		backoff: backoff,
		log:     logger,
		token:   cfg.Token,
	}
}

// Token returns the session token used for requests.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the session token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// URL resolves a server path or an absolute URL.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

type errStatusCode int

func (e errStatusCode) Error() string {
	return fmt.Sprintf("%d", e)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var s errStatusCode
	if errors.As(err, &s) {
		return int(s)
	}
	return 0
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (*http.Response, error) {
	attempts := 0
	for {
		resp, err := c.doAttempt(ctx, method, path, in, out)
		if err == nil {
			return resp, nil
		}
		if attempts >= len(c.backoff) || !temporary(err) {
			return nil, classify(method, path, err)
		}
		wait := c.backoff[attempts]
		attempts++
		c.log.Debug().Err(err).Dur("wait", wait).Str("path", path).Msg("retrying")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, classify(method, path, ctx.Err())
		case <-t.C:
		}
	}
}

func temporary(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	switch StatusCode(err) {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout,
		http.StatusTooManyRequests, 520:
		return true
	}
	return false
}

func classify(method, path string, err error) error {
	op := fmt.Sprintf("api: %s %s", method, path)
	var detail *detailError
	msg := ""
	if errors.As(err, &detail) {
		msg = detail.detail
	}
	if StatusCode(err) == http.StatusUnauthorized {
		return apperr.Wrap(apperr.AuthRequired, op, msg, err)
	}
	return apperr.Wrap(apperr.Fetch, op, msg, err)
}

type detailError struct {
	detail string
	err    error
}

func (e *detailError) Error() string {
	if e.detail == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %v", e.detail, e.err)
}

func (e *detailError) Unwrap() error {
	return e.err
}

func (c *Client) doAttempt(ctx context.Context, method, path string, in, out any) (*http.Response, error) {
	var reqBody io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("api: couldn't marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(body)
	}
	c.log.Debug().Str("method", method).Str("path", path).Msg("request")

	u := c.URL(path)
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("api: couldn't create request: %w", err)
	}
	c.addHeaders(req, in != nil)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: couldn't %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api: couldn't read response body: %w", err)
	}
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("response")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &detailError{detail: parseDetail(respBody), err: errStatusCode(resp.StatusCode)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return nil, fmt.Errorf("api: couldn't unmarshal response body (%T): %w", out, err)
		}
	}
	return resp, nil
}

func (c *Client) addHeaders(req *http.Request, hasBody bool) {
	req.Header.Set("accept", "application/json")
	if hasBody {
		req.Header.Set("content-type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.AddCookie(&http.Cookie{Name: CookieName, Value: token})
	}
}

// parseDetail extracts the error detail returned by the server. The detail
// can be a string or a list of validation errors.
func parseDetail(b []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(b, &body); err != nil || len(body.Detail) == 0 {
		s := strings.TrimSpace(string(b))
		if len(s) > 100 {
			s = s[:100] + "..."
		}
		return s
	}
	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return s
	}
	var list []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(body.Detail, &list); err == nil {
		var msgs []string
		for _, l := range list {
			msgs = append(msgs, l.Msg)
		}
		return strings.Join(msgs, "; ")
	}
	return string(body.Detail)
}

// Open streams a file served by the server, such as the media URLs of a
// session.
func (c *Client) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	u := c.URL(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("api: couldn't create request: %w", err)
	}
	c.addHeaders(req, false)
	req.Header.Set("accept", "*/*")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classify(http.MethodGet, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, classify(http.MethodGet, path, &detailError{detail: parseDetail(b), err: errStatusCode(resp.StatusCode)})
	}
	return resp.Body, nil
}

func escape(s string) string {
	return url.PathEscape(s)
}
