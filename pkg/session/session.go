// Package session holds the server side generation sessions and an in-memory
// mirror of them.
package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// File is a media file reference inside a session.
type File struct {
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	Path  string `json:"path,omitempty" yaml:"path,omitempty"`
	URL   string `json:"url" yaml:"url"`
}

// Summary is a session as reported by the session list.
type Summary struct {
	ID              string    `json:"session_id" yaml:"session_id" csv:"session_id"`
	Timestamp       Timestamp `json:"timestamp" yaml:"timestamp" csv:"timestamp"`
	Title           string    `json:"title" yaml:"title" csv:"title"`
	Style           string    `json:"style" yaml:"style" csv:"style"`
	HasAudio        bool      `json:"has_audio" yaml:"has_audio" csv:"has_audio"`
	HasImage        bool      `json:"has_image" yaml:"has_image" csv:"has_image"`
	HasVideo        bool      `json:"has_video" yaml:"has_video" csv:"has_video"`
	OutputDirectory string    `json:"output_directory,omitempty" yaml:"output_directory,omitempty" csv:"output_directory"`
}

// Session is the full detail of a session. Media flags are derived from the
// file references.
type Session struct {
	ID              string    `json:"session_id" yaml:"session_id"`
	Timestamp       Timestamp `json:"timestamp" yaml:"timestamp"`
	Title           string    `json:"title" yaml:"title"`
	Style           string    `json:"style" yaml:"style"`
	Lyrics          string    `json:"lyrics" yaml:"lyrics"`
	OutputDirectory string    `json:"output_directory,omitempty" yaml:"output_directory,omitempty"`
	AudioFiles      []File    `json:"audio_files" yaml:"audio_files"`
	ImageFile       *File     `json:"image_file" yaml:"image_file,omitempty"`
	VideoFile       *File     `json:"video_file" yaml:"video_file,omitempty"`
}

func (s *Session) HasAudio() bool {
	return len(s.AudioFiles) > 0
}

func (s *Session) HasImage() bool {
	return s.ImageFile != nil && s.ImageFile.URL != ""
}

func (s *Session) HasVideo() bool {
	return s.VideoFile != nil && s.VideoFile.URL != ""
}

// Summary returns the list view of the session.
func (s *Session) Summary() Summary {
	return Summary{
		ID:              s.ID,
		Timestamp:       s.Timestamp,
		Title:           s.Title,
		Style:           s.Style,
		HasAudio:        s.HasAudio(),
		HasImage:        s.HasImage(),
		HasVideo:        s.HasVideo(),
		OutputDirectory: s.OutputDirectory,
	}
}

// Timestamp accepts the formats the server emits: RFC 3339, ISO 8601 without
// zone, and unix seconds.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(secs)
		nsec := int64((secs - float64(sec)) * 1e9)
		return Timestamp{time.Unix(sec, nsec).UTC()}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("session: invalid timestamp %q", s)
}

func (t Timestamp) String() string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	v, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t Timestamp) MarshalYAML() (any, error) {
	return t.String(), nil
}

func (t Timestamp) MarshalCSV() (string, error) {
	return t.String(), nil
}
