// Package chat defines the transport-neutral message types exchanged
// between the chat client and the bridge.
package chat

import (
	"strings"
	"time"
)

// CommandPrefix marks a message as a control command rather than
// conversational input for the assistant.
const CommandPrefix = "@@"

// Message is one inbound line from the chat channel.
type Message struct {
	Text      string
	UserID    string
	ChannelID string
	Timestamp time.Time
	ThreadTS  string
}

// IsCommand reports whether the message is a control command. A message is a
// command iff its text, after trimming surrounding whitespace, begins with
// the command prefix.
func (m Message) IsCommand() bool {
	return strings.HasPrefix(strings.TrimSpace(m.Text), CommandPrefix)
}
