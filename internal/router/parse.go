// Package router classifies inbound chat lines as control commands or
// conversation and dispatches them to the session registry, task queues,
// and cron scheduler.
package router

import (
	"errors"
	"strings"
	"unicode"

	"github.com/claudebridge/claudebridge/internal/chat"
)

// Prefix marks a control command.
const Prefix = chat.CommandPrefix

// ErrUnterminatedQuote reports a quoted argument with no closing quote.
var ErrUnterminatedQuote = errors.New("unterminated quote")

// Command is one parsed control line.
type Command struct {
	Name string
	Args []string
	Raw  string
}

// IsCommand reports whether the line's leading non-whitespace characters
// are the control prefix.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), Prefix)
}

// Parse splits a control line into its command name and arguments. The
// name is the first token with the prefix stripped, lowercased. Arguments
// are whitespace-separated, except an argument starting with a double
// quote runs to the matching close quote (the quotes are stripped).
func Parse(text string) (Command, error) {
	trimmed := strings.TrimSpace(text)
	rest := strings.TrimPrefix(trimmed, Prefix)

	name := rest
	argText := ""
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		name, argText = rest[:i], rest[i:]
	}

	args, err := tokenize(argText)
	if err != nil {
		return Command{}, err
	}
	return Command{
		Name: strings.ToLower(name),
		Args: args,
		Raw:  trimmed,
	}, nil
}

// tokenize splits on whitespace. A token opening with a double quote
// consumes everything up to the closing quote as a single argument.
func tokenize(s string) ([]string, error) {
	var out []string
	rs := []rune(s)
	i := 0
	for i < len(rs) {
		for i < len(rs) && unicode.IsSpace(rs[i]) {
			i++
		}
		if i >= len(rs) {
			break
		}
		if rs[i] == '"' {
			i++
			start := i
			for i < len(rs) && rs[i] != '"' {
				i++
			}
			if i >= len(rs) {
				return nil, ErrUnterminatedQuote
			}
			out = append(out, string(rs[start:i]))
			i++
			continue
		}
		start := i
		for i < len(rs) && !unicode.IsSpace(rs[i]) {
			i++
		}
		out = append(out, string(rs[start:i]))
	}
	return out, nil
}
