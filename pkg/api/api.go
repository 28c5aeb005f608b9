package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/igolaizola/videomusic/pkg/apperr"
	"github.com/igolaizola/videomusic/pkg/session"
)

// Masked is the placeholder the server returns for configured secrets.
const Masked = "***"

// Default settings reported when the user has nothing configured.
const (
	DefaultSunoBaseURL       = "https://api.sunoapi.org"
	DefaultOpenAIAssistantID = "asst_tR6OL8QLpSsDDlc6hKdBmVNU"
)

type Status struct {
	SunoConfigured      bool `json:"suno_configured" yaml:"suno_configured"`
	ReplicateConfigured bool `json:"replicate_configured" yaml:"replicate_configured"`
	OpenAIConfigured    bool `json:"openai_configured" yaml:"openai_configured"`
	Ready               bool `json:"ready" yaml:"ready"`
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var resp Status
	if _, err := c.do(ctx, http.MethodGet, "/api/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settings are the integration credentials of the user. Secrets read from the
// server are masked.
type Settings struct {
	SunoAPIKey        string `json:"suno_api_key" yaml:"suno_api_key"`
	SunoBaseURL       string `json:"suno_base_url" yaml:"suno_base_url"`
	ReplicateAPIToken string `json:"replicate_api_token" yaml:"replicate_api_token"`
	OpenAIAPIKey      string `json:"openai_api_key" yaml:"openai_api_key"`
	OpenAIAssistantID string `json:"openai_assistant_id" yaml:"openai_assistant_id"`
}

func (c *Client) Config(ctx context.Context) (*Settings, error) {
	var resp Settings
	if _, err := c.do(ctx, http.MethodGet, "/api/config", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateConfig stores the settings. Empty or masked secrets keep the value
// already stored on the server; empty base url and assistant id fall back to
// the defaults.
func (c *Client) UpdateConfig(ctx context.Context, s Settings) error {
	if s.SunoBaseURL == "" {
		s.SunoBaseURL = DefaultSunoBaseURL
	}
	if s.OpenAIAssistantID == "" {
		s.OpenAIAssistantID = DefaultOpenAIAssistantID
	}
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/config", &s, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return apperr.New(apperr.Remote, "api", fmt.Sprintf("couldn't update config: %s", resp.Message))
	}
	return nil
}

// Validation is the connectivity check result of one integration.
type Validation struct {
	Valid   bool
	Message string
}

// UnmarshalJSON decodes the [valid, message] pair sent by the server.
func (v *Validation) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("api: invalid validation result: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("api: invalid validation result: %s", string(b))
	}
	if err := json.Unmarshal(pair[0], &v.Valid); err != nil {
		return fmt.Errorf("api: invalid validation flag: %w", err)
	}
	if err := json.Unmarshal(pair[1], &v.Message); err != nil {
		return fmt.Errorf("api: invalid validation message: %w", err)
	}
	return nil
}

type ValidationResult struct {
	Name string
	Validation
}

// ValidateAPIs checks the connectivity of every configured integration.
// Results are sorted by name.
func (c *Client) ValidateAPIs(ctx context.Context) ([]ValidationResult, error) {
	var resp struct {
		Results map[string]Validation `json:"results"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/validate-apis", nil, &resp); err != nil {
		return nil, err
	}
	var results []ValidationResult
	for name, v := range resp.Results {
		results = append(results, ValidationResult{Name: name, Validation: v})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Name < results[j].Name
	})
	return results, nil
}

// GenerateLyrics asks the server to write lyrics from a description.
func (c *Client) GenerateLyrics(ctx context.Context, description string) (string, error) {
	if description == "" {
		return "", apperr.New(apperr.Validation, "api", "description is required")
	}
	req := struct {
		Description string `json:"description"`
	}{Description: description}
	var resp struct {
		Lyrics string `json:"lyrics"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/generate-lyrics", &req, &resp); err != nil {
		return "", err
	}
	return resp.Lyrics, nil
}

func (c *Client) Sessions(ctx context.Context) ([]session.Summary, error) {
	var resp struct {
		Sessions []session.Summary `json:"sessions"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) Session(ctx context.Context, id string) (*session.Session, error) {
	var resp session.Session
	if _, err := c.do(ctx, http.MethodGet, "/api/sessions/"+escape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
