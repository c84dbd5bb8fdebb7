package claudecli

import (
	"encoding/json"
	"fmt"
)

// Event types emitted on stdout in stream-json mode, one JSON object per line.
const (
	EventSystem    = "system"
	EventAssistant = "assistant"
	EventUser      = "user"
	EventResult    = "result"
)

// System event subtypes.
const (
	SubtypeInit = "init"
)

// Event is one parsed stream-json line. Fields beyond the discriminators are
// populated only for the event types that carry them; unknown fields are
// ignored so newer CLI versions keep parsing.
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// SessionID is the CLI's own session identifier, present on system/init
	// and result events.
	SessionID string `json:"session_id,omitempty"`

	// Message carries the API message payload for assistant/user events.
	Message *EventMessage `json:"message,omitempty"`

	// Result is the final response text on result events.
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// Raw preserves the original line for re-emission.
	Raw []byte `json:"-"`
}

// EventMessage is the message body of assistant and user events.
type EventMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one block inside a message's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"` // tool name for tool_use blocks
}

// ParseEvent decodes one stream-json line. The returned event keeps a copy of
// the raw line.
func ParseEvent(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("parsing stream-json line: %w", err)
	}
	ev.Raw = make([]byte, len(line))
	copy(ev.Raw, line)
	return &ev, nil
}

// Text extracts the human-readable text of an event: the result text for
// result events, the concatenated text blocks for assistant messages, and
// empty otherwise.
func (e *Event) Text() string {
	if e.Type == EventResult {
		return e.Result
	}
	if e.Message == nil {
		return ""
	}
	var out string
	for _, b := range e.Message.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}
