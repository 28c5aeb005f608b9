package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/igolaizola/videomusic/pkg/apperr"
)

// Event is sent from the server to the client. The set is closed: Progress,
// Complete, Error and Pong.
type Event interface {
	// Type returns the wire discriminant.
	Type() string
	event()
}

// Progress carries a human readable status message.
type Progress struct {
	Message string
}

// Complete signals a finished command.
type Complete struct {
	Summary Summary
}

// Error signals a failed command.
type Error struct {
	Message string
}

// Pong answers a keepalive ping.
type Pong struct{}

func (Progress) Type() string { return "progress" }
func (Complete) Type() string { return "complete" }
func (Error) Type() string    { return "error" }
func (Pong) Type() string     { return "pong" }

func (Progress) event() {}
func (Complete) event() {}
func (Error) event()    {}
func (Pong) event()     {}

// Summary identifies the session affected by a completed command.
type Summary struct {
	SessionID       string `json:"session_id"`
	Title           string `json:"title,omitempty"`
	OutputDirectory string `json:"output_directory,omitempty"`
	Message         string `json:"message,omitempty"`
}

type eventFrame struct {
	Type    string          `json:"type"`
	Message *string         `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *string         `json:"error,omitempty"`
}

func decodeErr(format string, args ...any) error {
	return apperr.New(apperr.ChannelDecode, "protocol", fmt.Sprintf(format, args...))
}

// DecodeEvent parses an inbound frame. Any malformed frame or unknown
// discriminant returns a ChannelDecode error.
func DecodeEvent(b []byte) (Event, error) {
	var f eventFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, apperr.Wrap(apperr.ChannelDecode, "protocol", "couldn't unmarshal event", err)
	}
	switch f.Type {
	case "progress":
		if f.Message == nil {
			return nil, decodeErr("progress event without message")
		}
		return Progress{Message: *f.Message}, nil
	case "complete":
		if len(f.Data) == 0 || string(f.Data) == "null" {
			return nil, decodeErr("complete event without data")
		}
		var s Summary
		if err := json.Unmarshal(f.Data, &s); err != nil {
			return nil, apperr.Wrap(apperr.ChannelDecode, "protocol", "couldn't unmarshal complete data", err)
		}
		if s.SessionID == "" {
			return nil, decodeErr("complete event without session id")
		}
		return Complete{Summary: s}, nil
	case "error":
		switch {
		case f.Error != nil:
			return Error{Message: *f.Error}, nil
		case f.Message != nil:
			return Error{Message: *f.Message}, nil
		}
		return nil, decodeErr("error event without message")
	case "pong":
		return Pong{}, nil
	case "":
		return nil, decodeErr("event without type")
	default:
		return nil, decodeErr("unknown event type %q", f.Type)
	}
}

// EncodeEvent serializes an event. It is the inverse of DecodeEvent and is
// used by fake servers.
func EncodeEvent(ev Event) ([]byte, error) {
	var f eventFrame
	switch e := ev.(type) {
	case Progress:
		f.Type = e.Type()
		f.Message = &e.Message
	case Complete:
		f.Type = e.Type()
		data, err := json.Marshal(e.Summary)
		if err != nil {
			return nil, fmt.Errorf("protocol: couldn't marshal summary: %w", err)
		}
		f.Data = data
	case Error:
		f.Type = e.Type()
		f.Error = &e.Message
	case Pong:
		f.Type = e.Type()
	default:
		return nil, fmt.Errorf("protocol: unknown event %T", ev)
	}
	return json.Marshal(f)
}
