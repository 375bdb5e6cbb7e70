// Package channel maintains the live WebSocket connection to Deepgram's
// streaming transcription API. The caller pushes binary audio in and reads
// an ordered event stream back out.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

const defaultEndpoint = "wss://api.deepgram.com/v1/listen"

// ErrMissingAPIKey is returned by Connect before any network I/O happens.
var ErrMissingAPIKey = errors.New("Deepgram API key is missing")

type Config struct {
	APIKey      string
	Model       string // default "nova-2"
	Language    string // default "en-US"
	SmartFormat bool
	Encoding    string // default "linear16"
	SampleRate  int
	Channels    int
	Endpoint    string // overridable for tests; default wss://api.deepgram.com/v1/listen
}

type EventType int

const (
	// Opened fires once, after negotiation completes.
	Opened EventType = iota
	// Result carries one recognition hypothesis; IsFinal commits it.
	Result
	// Error reports a transport fault. It never terminates the stream on
	// its own; a Closed event always follows a fatal one.
	Error
	// Closed is the last event on the stream.
	Closed
)

func (t EventType) String() string {
	switch t {
	case Opened:
		return "opened"
	case Result:
		return "result"
	case Error:
		return "error"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Event is the tagged variant delivered on Channel.Events, in receipt order.
type Event struct {
	Type    EventType
	Text    string // Result only
	IsFinal bool   // Result only
	Err     error  // Error only
}

// response mirrors the fields of Deepgram's live Results message that we
// consume: channel.alternatives[0].transcript plus the finality flags.
type response struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type Channel struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event

	finishOnce sync.Once
	closeOnce  sync.Once
}

// BuildURL assembles the listen endpoint with the recognition parameters
// from cfg as query params.
func BuildURL(cfg Config) (string, error) {
	raw := cfg.Endpoint
	if raw == "" {
		raw = defaultEndpoint
	}
	endpoint, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	q := endpoint.Query()
	model := cfg.Model
	if model == "" {
		model = "nova-2"
	}
	q.Set("model", model)
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	q.Set("encoding", encoding)
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("interim_results", "true")
	endpoint.RawQuery = q.Encode()

	return endpoint.String(), nil
}

// Connect dials the streaming endpoint and starts the reader. A missing
// API key fails immediately, without touching the network.
func Connect(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	endpoint, err := BuildURL(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)

	streamCtx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.Dial(streamCtx, endpoint, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}

	c := &Channel{
		conn:   conn,
		ctx:    streamCtx,
		cancel: cancel,
		events: make(chan Event, 32),
	}

	c.events <- Event{Type: Opened}
	go c.readLoop()

	return c, nil
}

// Events returns the inbound event stream. The channel is closed after the
// Closed event has been delivered.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Send forwards one audio chunk. Best effort: callers are expected to gate
// on the Opened event; a send on a dead socket just returns the error.
func (c *Channel) Send(chunk []byte) error {
	return c.conn.Write(c.ctx, websocket.MessageBinary, chunk)
}

// Finish signals end-of-stream. Deepgram flushes pending results and then
// closes from its side. Safe to call more than once.
func (c *Channel) Finish() error {
	var err error
	c.finishOnce.Do(func() {
		err = c.conn.Write(c.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
	})
	return err
}

// Close tears the socket down. The reader exits and emits Closed.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

func (c *Channel) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if !normalClose(err) {
				c.events <- Event{Type: Error, Err: err}
			}
			c.events <- Event{Type: Closed}
			return
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.events <- Event{Type: Error, Err: fmt.Errorf("deepgram response parse: %w", err)}
			continue
		}
		ev, ok := mapResponse(resp)
		if !ok {
			continue
		}
		c.events <- ev
	}
}

// mapResponse converts one decoded server message into a Result event.
// Non-result messages (Metadata, SpeechStarted, UtteranceEnd, ...) are
// dropped.
func mapResponse(resp response) (Event, bool) {
	if resp.Type != "" && resp.Type != "Results" {
		return Event{}, false
	}
	transcript := ""
	if len(resp.Channel.Alternatives) > 0 {
		transcript = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
	}
	return Event{
		Type:    Result,
		Text:    transcript,
		IsFinal: resp.IsFinal || resp.SpeechFinal || resp.FromFinalize,
	}, true
}

func normalClose(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
