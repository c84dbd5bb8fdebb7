// Package slack implements the chat transport over Slack's socket mode.
//
// A Client opens a websocket obtained from apps.connections.open, acks
// every envelope it receives, and surfaces channel messages on a bounded
// inbound channel. Outbound messages go through the Web API with retries
// and are chunked to Slack's message size limit.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/claudebridge/claudebridge/internal/chat"
	"github.com/claudebridge/claudebridge/internal/common/config"
	"github.com/claudebridge/claudebridge/internal/common/logger"
)

const (
	defaultAPIBase = "https://slack.com/api"

	// sendLimit is the maximum message size Slack renders reliably.
	sendLimit = 4000

	// Envelope ids are remembered for this long so redelivered envelopes
	// after a reconnect are dropped.
	dedupTTL = 5 * time.Minute

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second

	inboundBuffer = 64
)

// errAPIRejected marks API-level rejections (bad tokens, missing scopes)
// that redialing cannot fix.
var errAPIRejected = errors.New("slack api rejected the request")

// Client is a socket-mode Slack client.
type Client struct {
	appToken string
	botToken string
	channel  string
	apiBase  string
	retries  int

	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *logger.Logger

	inbound chan chat.Message
	seen    *gocache.Cache

	// typingTS remembers the "Processing..." notice per channel so the
	// next Send can remove it.
	mu       sync.Mutex
	typingTS map[string]string
}

// NewClient builds a Client from the slack section of the configuration.
func NewClient(cfg config.SlackConfig, log *logger.Logger) *Client {
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	retries := cfg.SendRetries
	if retries <= 0 {
		retries = 3
	}
	return &Client{
		appToken:   cfg.AppToken,
		botToken:   cfg.BotToken,
		channel:    cfg.Channel,
		apiBase:    strings.TrimRight(apiBase, "/"),
		retries:    retries,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
		logger:     log.WithFields(zap.String("component", "slack")),
		inbound:    make(chan chat.Message, inboundBuffer),
		seen:       gocache.New(dedupTTL, 2*dedupTTL),
		typingTS:   make(map[string]string),
	}
}

// Messages returns the inbound message channel. It is closed when Run
// returns.
func (c *Client) Messages() <-chan chat.Message { return c.inbound }

// Run connects to Slack and keeps the connection alive until ctx is
// cancelled, redialing with capped exponential backoff after read errors.
// API-level rejections are returned immediately.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.inbound)

	backoff := reconnectMin
	for {
		connected, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errAPIRejected) {
			return err
		}
		if connected {
			backoff = reconnectMin
		}
		c.logger.Warn("socket-mode connection lost",
			zap.Error(err),
			zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// envelope is a socket-mode frame. Frames without an envelope_id (hello,
// disconnect) are control messages.
type envelope struct {
	EnvelopeID string          `json:"envelope_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Reason     string          `json:"reason"`
}

type envelopeAck struct {
	EnvelopeID string `json:"envelope_id"`
}

type messageEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	Text     string `json:"text"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

type eventsPayload struct {
	Event messageEvent `json:"event"`
}

// connectOnce opens one websocket connection and reads it until it fails.
// The returned bool reports whether the hello handshake completed.
func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	wsURL, err := c.openSocketURL(ctx)
	if err != nil {
		return false, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	// Unblock ReadJSON when the context ends.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	var hello envelope
	if err := conn.ReadJSON(&hello); err != nil {
		return false, fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != "hello" {
		return false, fmt.Errorf("expected hello envelope, got %q", hello.Type)
	}
	c.logger.Info("socket-mode connection established")

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return true, err
		}
		if env.Type == "disconnect" {
			c.logger.Info("server requested disconnect", zap.String("reason", env.Reason))
			return true, nil
		}
		c.handleEnvelope(ctx, conn, env)
	}
}

// openSocketURL performs the apps.connections.open call and returns the
// websocket URL to dial.
func (c *Client) openSocketURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+"/apps.connections.open", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.appToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("apps.connections.open: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		OK    bool   `json:"ok"`
		URL   string `json:"url"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("apps.connections.open: decode response: %w", err)
	}
	if !out.OK {
		return "", fmt.Errorf("%w: apps.connections.open: %s", errAPIRejected, out.Error)
	}
	return out.URL, nil
}

// handleEnvelope acks the envelope and surfaces channel messages. Every
// envelope with an id is acked, even ones the client then drops.
func (c *Client) handleEnvelope(ctx context.Context, conn *websocket.Conn, env envelope) {
	if env.EnvelopeID != "" {
		if err := conn.WriteJSON(envelopeAck{EnvelopeID: env.EnvelopeID}); err != nil {
			c.logger.Warn("envelope ack failed", zap.Error(err))
		}
	}
	if env.Type != "events_api" {
		return
	}
	if env.EnvelopeID != "" {
		if err := c.seen.Add(env.EnvelopeID, true, gocache.DefaultExpiration); err != nil {
			c.logger.Debug("duplicate envelope dropped", zap.String("envelope_id", env.EnvelopeID))
			return
		}
	}

	var payload eventsPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.logger.Warn("unparseable events_api payload", zap.Error(err))
		return
	}
	ev := payload.Event
	if ev.Type != "message" || ev.Subtype != "" {
		return
	}
	if ev.BotID != "" || ev.Text == "" {
		return
	}
	if c.channel != "" && ev.Channel != c.channel {
		return
	}

	msg := chat.Message{
		Text:      ev.Text,
		UserID:    ev.User,
		ChannelID: ev.Channel,
		Timestamp: time.Now(),
		ThreadTS:  ev.ThreadTS,
	}
	select {
	case c.inbound <- msg:
	case <-ctx.Done():
	}
}

// Send posts text to a channel, chunked to the Slack message size limit.
// Any typing notice pending for the channel is removed first.
func (c *Client) Send(ctx context.Context, channel, text string) error {
	if text == "" {
		return nil
	}
	c.clearTyping(ctx, channel)
	for _, chunk := range splitMessage(text, sendLimit) {
		if _, err := c.postMessage(ctx, channel, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Typing posts a short "Processing..." notice. The next Send to the same
// channel deletes it. Failures are logged and swallowed.
func (c *Client) Typing(ctx context.Context, channel string) {
	ts, err := c.postMessage(ctx, channel, "⏳ Processing...")
	if err != nil {
		c.logger.Debug("typing notice failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.typingTS[channel] = ts
	c.mu.Unlock()
}

func (c *Client) clearTyping(ctx context.Context, channel string) {
	c.mu.Lock()
	ts, ok := c.typingTS[channel]
	delete(c.typingTS, channel)
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.deleteMessage(ctx, channel, ts); err != nil {
		c.logger.Debug("typing notice cleanup failed", zap.Error(err))
	}
}

// postMessage performs a chat.postMessage call with exponential backoff on
// transport errors and 429s. It returns the posted message timestamp.
func (c *Client) postMessage(ctx context.Context, channel, text string) (string, error) {
	body, err := json.Marshal(map[string]string{"channel": channel, "text": text})
	if err != nil {
		return "", err
	}

	delay := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		ts, retry, err := c.postOnce(ctx, "/chat.postMessage", body)
		if err == nil {
			return ts, nil
		}
		if !retry {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("send failed after %d attempts: %w", c.retries, lastErr)
}

func (c *Client) deleteMessage(ctx context.Context, channel, ts string) error {
	body, err := json.Marshal(map[string]string{"channel": channel, "ts": ts})
	if err != nil {
		return err
	}
	_, _, err = c.postOnce(ctx, "/chat.delete", body)
	return err
}

// postOnce performs a single Web API POST. retry reports whether the error
// is transport-level and worth another attempt.
func (c *Client) postOnce(ctx context.Context, method string, body []byte) (ts string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+method, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.botToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", true, fmt.Errorf("%s: rate limited", method)
	}
	if resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("%s: status %d", method, resp.StatusCode)
	}

	var out struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", true, fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !out.OK {
		return "", false, fmt.Errorf("%w: %s: %s", errAPIRejected, method, out.Error)
	}
	return out.TS, false, nil
}

// splitMessage breaks text into chunks of at most limit runes on line
// boundaries. A fenced code block that crosses a chunk boundary is closed
// at the end of the chunk and reopened in the next so every chunk renders
// on its own.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var (
		chunks  []string
		cur     []string
		curLen  int
		inFence bool
		fence   string
	)

	// An open fence needs four runes of headroom for the closing "\n```".
	room := func() int {
		if inFence {
			return limit - 4
		}
		return limit
	}
	cost := func(line string) int {
		n := utf8.RuneCountInString(line)
		if len(cur) > 0 {
			n++ // joining newline
		}
		return n
	}
	appendLine := func(line string) {
		curLen += cost(line)
		cur = append(cur, line)
	}
	flush := func() {
		if len(cur) == 0 {
			return
		}
		body := strings.Join(cur, "\n")
		if inFence {
			body += "\n```"
		}
		chunks = append(chunks, body)
		cur = cur[:0]
		curLen = 0
		if inFence {
			appendLine(fence)
		}
	}

	for _, line := range strings.Split(text, "\n") {
		if len(cur) > 0 && curLen+cost(line) > room() {
			flush()
		}
		// A single line longer than the limit is cut at rune boundaries.
		for curLen+cost(line) > room() {
			avail := room() - curLen
			if len(cur) > 0 {
				avail--
			}
			if avail < 1 {
				avail = 1
			}
			r := []rune(line)
			appendLine(string(r[:avail]))
			flush()
			line = string(r[avail:])
		}
		appendLine(line)
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inFence {
				inFence, fence = false, ""
			} else {
				inFence, fence = true, strings.TrimSpace(line)
			}
		}
	}
	flush()
	return chunks
}
