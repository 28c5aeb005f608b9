package api

import (
	"context"
	"net/http"

	"github.com/igolaizola/videomusic/pkg/apperr"
)

type User struct {
	ID       int    `json:"id" yaml:"id"`
	Username string `json:"username" yaml:"username"`
	Email    string `json:"email" yaml:"email"`
	IsAdmin  bool   `json:"is_admin" yaml:"is_admin"`
}

// Login authenticates and keeps the issued session token. The token is
// returned so callers can persist it.
func (c *Client) Login(ctx context.Context, username, password string) (*User, string, error) {
	if username == "" || password == "" {
		return nil, "", apperr.New(apperr.Validation, "api", "username and password are required")
	}
	req := struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{Username: username, Password: password}
	var resp struct {
		Success bool  `json:"success"`
		User    *User `json:"user"`
	}
	httpResp, err := c.do(ctx, http.MethodPost, "/api/auth/login", &req, &resp)
	if err != nil {
		return nil, "", err
	}
	var token string
	for _, ck := range httpResp.Cookies() {
		if ck.Name == CookieName {
			token = ck.Value
		}
	}
	if token == "" {
		return nil, "", apperr.New(apperr.Remote, "api", "login response without session token")
	}
	c.SetToken(token)
	return resp.User, token, nil
}

// Logout ends the server session and forgets the token.
func (c *Client) Logout(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil); err != nil {
		return err
	}
	c.SetToken("")
	return nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var resp struct {
		User *User `json:"user"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &resp); err != nil {
		return nil, err
	}
	return resp.User, nil
}

// Register creates a new user account.
func (c *Client) Register(ctx context.Context, username, email, password string) error {
	req := struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}{Username: username, Email: email, Password: password}
	_, err := c.do(ctx, http.MethodPost, "/api/auth/register", &req, nil)
	return err
}

// ChangePassword replaces the password of the authenticated user.
func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	req := struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}{CurrentPassword: current, NewPassword: next}
	_, err := c.do(ctx, http.MethodPost, "/api/auth/change-password", &req, nil)
	return err
}
