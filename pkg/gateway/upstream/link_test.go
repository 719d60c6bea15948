package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeConn scripts inbound frames through a channel and records outbound
// writes.
type fakeConn struct {
	in chan []byte

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 32)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.in
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.in)
	}
	return nil
}

func (f *fakeConn) deliver(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	f.in <- data
}

func (f *fakeConn) deliverRaw(raw string) {
	f.in <- []byte(raw)
}

func (f *fakeConn) writtenTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, data := range f.written {
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) == nil {
			out = append(out, msg.Type)
		}
	}
	return out
}

func (f *fakeConn) lastWritten() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return nil
	}
	return f.written[len(f.written)-1]
}

func testClient(conn *fakeConn) *Client {
	c := NewClient("wss://example.invalid/realtime", "key", slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.Dial = func(ctx context.Context, url, apiKey string) (Conn, error) {
		return conn, nil
	}
	return c
}

func TestConnectRequiresAPIKey(t *testing.T) {
	c := testClient(newFakeConn())
	c.APIKey = "  "
	if _, err := c.Connect(context.Background(), SessionSettings{}); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("err: %v", err)
	}
}

func TestConnectSendsSessionUpdate(t *testing.T) {
	conn := newFakeConn()
	c := testClient(conn)
	c.Voice = "Ara"

	link, err := c.Connect(context.Background(), SessionSettings{Instructions: "instr", SampleRateHz: 24000})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer link.Close()

	var msg struct {
		Type    string `json:"type"`
		Session struct {
			Voice         string `json:"voice"`
			Instructions  string `json:"instructions"`
			TurnDetection struct {
				Type *string `json:"type"`
			} `json:"turn_detection"`
			Audio struct {
				Input struct {
					Format struct {
						Type string `json:"type"`
						Rate int    `json:"rate"`
					} `json:"format"`
				} `json:"input"`
			} `json:"audio"`
		} `json:"session"`
	}
	if err := json.Unmarshal(conn.lastWritten(), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "session.update" || msg.Session.Voice != "Ara" || msg.Session.Instructions != "instr" {
		t.Fatalf("session.update: %+v", msg)
	}
	if msg.Session.TurnDetection.Type != nil {
		t.Fatalf("manual turn detection should be null, got %v", *msg.Session.TurnDetection.Type)
	}
	if msg.Session.Audio.Input.Format.Type != "audio/pcm" || msg.Session.Audio.Input.Format.Rate != 24000 {
		t.Fatalf("audio format: %+v", msg.Session.Audio.Input.Format)
	}
}

func TestSendSessionUpdateServerVAD(t *testing.T) {
	conn := newFakeConn()
	link, err := testClient(conn).Connect(context.Background(), SessionSettings{TurnDetection: TurnDetectionServerVAD})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer link.Close()

	if !strings.Contains(string(conn.lastWritten()), `"type":"server_vad"`) {
		t.Fatalf("server_vad missing: %s", conn.lastWritten())
	}
}

func TestLinkSkipsMalformedFrames(t *testing.T) {
	conn := newFakeConn()
	link, err := testClient(conn).Connect(context.Background(), SessionSettings{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer link.Close()

	conn.deliverRaw(`{not json`)
	conn.deliverRaw(`{"delta":"no type"}`)
	conn.deliver(t, Event{Type: EventTextDelta, Delta: "Hallo"})

	select {
	case ev := <-link.Events():
		if ev.Type != EventTextDelta || ev.Delta != "Hallo" {
			t.Fatalf("event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestLinkErrSurvivesRemoteClose(t *testing.T) {
	conn := newFakeConn()
	link, err := testClient(conn).Connect(context.Background(), SessionSettings{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Remote side dies.
	close(conn.in)
	conn.mu.Lock()
	conn.closed = true
	conn.mu.Unlock()

	select {
	case _, ok := <-link.Events():
		if ok {
			t.Fatalf("expected closed event channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event channel never closed")
	}
	if link.Err() == nil {
		t.Fatalf("expected read error after remote close")
	}
}

func TestLinkLocalCloseHasNoErr(t *testing.T) {
	conn := newFakeConn()
	link, err := testClient(conn).Connect(context.Background(), SessionSettings{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case _, ok := <-link.Events():
		if ok {
			t.Fatalf("expected closed event channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event channel never closed")
	}
	if err := link.Err(); err != nil {
		t.Fatalf("local close should not report an error, got %v", err)
	}
}

func TestTurnMessages(t *testing.T) {
	conn := newFakeConn()
	link, err := testClient(conn).Connect(context.Background(), SessionSettings{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer link.Close()

	if err := link.SendAudio("QUJD"); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := link.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := link.CreateResponse(); err != nil {
		t.Fatalf("create response: %v", err)
	}
	if err := link.CancelResponse(); err != nil {
		t.Fatalf("cancel response: %v", err)
	}

	got := conn.writtenTypes()
	want := []string{"session.update", "input_audio_buffer.append", "input_audio_buffer.commit", "response.create", "response.cancel"}
	if len(got) != len(want) {
		t.Fatalf("written types: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("written[%d]=%q, want %q", i, got[i], want[i])
		}
	}
}
