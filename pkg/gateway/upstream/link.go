package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Voice and format defaults matching the original backend.
const (
	DefaultVoice = "Ara"

	// TurnDetectionManual keeps turn flow deterministic for buffered
	// chunks; TurnDetectionServerVAD lets the upstream detect new speech
	// (needed for barge-in on persistent sessions).
	TurnDetectionManual    = ""
	TurnDetectionServerVAD = "server_vad"
)

var ErrMissingCredential = errors.New("missing upstream api key")

// Conn is the subset of a websocket connection the link needs. Satisfied by
// *websocket.Conn; tests substitute fakes.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens an upstream connection. The default dials with
// gorilla/websocket and a bearer Authorization header.
type Dialer func(ctx context.Context, url, apiKey string) (Conn, error)

func defaultDialer(ctx context.Context, url, apiKey string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("upstream dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("upstream dial: %w", err)
	}
	return conn, nil
}

// Client creates upstream links for sessions and one-shot turns.
type Client struct {
	URL    string
	APIKey string
	Voice  string
	Dial   Dialer
	Logger *slog.Logger
}

func NewClient(url, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{URL: url, APIKey: apiKey, Voice: DefaultVoice, Dial: defaultDialer, Logger: logger}
}

// SessionSettings select the initial upstream configuration for a link.
type SessionSettings struct {
	Instructions  string
	TurnDetection string // TurnDetectionManual or TurnDetectionServerVAD
	SampleRateHz  int
}

// Link is one live upstream connection. Events are delivered on a channel
// fed by a single reader goroutine; the channel closes when the connection
// dies or Close is called. Malformed frames are skipped, unknown event
// types are delivered as-is for the caller to ignore.
type Link struct {
	conn   Conn
	logger *slog.Logger
	voice  string

	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	readErr error
}

// Connect dials the upstream and sends the initial session configuration.
func (c *Client) Connect(ctx context.Context, settings SessionSettings) (*Link, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, ErrMissingCredential
	}
	dial := c.Dial
	if dial == nil {
		dial = defaultDialer
	}
	conn, err := dial(ctx, c.URL, c.APIKey)
	if err != nil {
		return nil, err
	}

	l := &Link{
		conn:   conn,
		logger: c.Logger,
		voice:  c.voice(),
		events: make(chan Event, 32),
		done:   make(chan struct{}),
	}
	go l.readLoop()

	if err := l.SendSessionUpdate(settings); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

func (c *Client) voice() string {
	if strings.TrimSpace(c.Voice) != "" {
		return c.Voice
	}
	return DefaultVoice
}

func (l *Link) readLoop() {
	defer close(l.events)
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.mu.Lock()
			if !l.closed {
				l.readErr = err
			}
			l.mu.Unlock()
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if strings.TrimSpace(ev.Type) == "" {
			continue
		}
		select {
		case l.events <- ev:
		case <-l.done:
			return
		}
	}
}

// Events returns the upstream event stream. It is closed when the link dies.
func (l *Link) Events() <-chan Event { return l.events }

// Err reports why the event stream ended, nil for a local Close.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readErr
}

func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()
	return l.conn.Close()
}

func (l *Link) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// SendSessionUpdate (re)configures the upstream session: voice, audio
// format, turn detection and the composed instructions.
func (l *Link) SendSessionUpdate(settings SessionSettings) error {
	voice := l.voice
	if voice == "" {
		voice = DefaultVoice
	}
	rate := settings.SampleRateHz
	if rate <= 0 {
		rate = 24000
	}
	var detection turnDetection
	if settings.TurnDetection != TurnDetectionManual {
		mode := settings.TurnDetection
		detection.Type = &mode
	}
	return l.send(sessionUpdateMsg{
		Type: "session.update",
		Session: sessionPayload{
			Voice:         voice,
			Instructions:  settings.Instructions,
			TurnDetection: detection,
			Audio: audioConfig{
				Input:  audioStream{Format: audioFormat{Type: "audio/pcm", Rate: rate}},
				Output: audioStream{Format: audioFormat{Type: "audio/pcm", Rate: rate}},
			},
		},
	})
}

// SendAudio appends one base64 PCM fragment to the upstream input buffer.
func (l *Link) SendAudio(b64 string) error {
	return l.send(appendAudioMsg{Type: "input_audio_buffer.append", Audio: b64})
}

// Commit closes the current input buffer as one user turn.
func (l *Link) Commit() error {
	return l.send(commitMsg{Type: "input_audio_buffer.commit"})
}

// CreateResponse asks the upstream to generate the reply for the committed
// input.
func (l *Link) CreateResponse() error {
	return l.send(responseCreateMsg{
		Type:     "response.create",
		Response: responsePayload{Modalities: []string{"text", "audio"}},
	})
}

// CancelResponse aborts the in-flight response (barge-in, early completion).
func (l *Link) CancelResponse() error {
	return l.send(responseCancelMsg{Type: "response.cancel"})
}
