package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/key2drive/wally-gateway/pkg/gateway/config"
	"github.com/key2drive/wally-gateway/pkg/gateway/live/session"
	"github.com/key2drive/wally-gateway/pkg/gateway/live/sessions"
	"github.com/key2drive/wally-gateway/pkg/gateway/upstream"
)

type stubLink struct {
	events chan upstream.Event
}

func newStubLink() *stubLink { return &stubLink{events: make(chan upstream.Event)} }

func (l *stubLink) SendSessionUpdate(upstream.SessionSettings) error { return nil }
func (l *stubLink) SendAudio(string) error                           { return nil }
func (l *stubLink) Commit() error                                    { return nil }
func (l *stubLink) CreateResponse() error                            { return nil }
func (l *stubLink) CancelResponse() error                            { return nil }
func (l *stubLink) Events() <-chan upstream.Event                    { return l.events }
func (l *stubLink) Err() error                                       { return nil }
func (l *stubLink) Close() error                                     { return nil }

func newVoiceServer(t *testing.T) (*httptest.Server, *sessions.Registry) {
	t.Helper()
	registry := sessions.NewRegistry()
	h := VoiceHandler{
		Registry: registry,
		Dial: func(context.Context, upstream.SessionSettings) (session.UpstreamLink, error) {
			return newStubLink(), nil
		},
		Config: config.Config{
			LiveIdleTimeout:        time.Minute,
			LiveHandshakeTimeout:   time.Second,
			LiveWSWriteTimeout:     time.Second,
			LiveWSPingInterval:     20 * time.Second,
			LiveMaxMessageBytes:    1 << 20,
			LiveMaxAudioChunkBytes: 1 << 20,
			SampleRateHz:           24000,
		},
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		registry.CloseAll("test_done")
		srv.Close()
	})
	return srv, registry
}

func dialVoice(t *testing.T, srv *httptest.Server, initFrame string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteMessage(websocket.TextMessage, []byte(initFrame)); err != nil {
		t.Fatalf("write init: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return out
}

func TestVoiceInitCreatesSession(t *testing.T) {
	srv, registry := newVoiceServer(t)
	conn := dialVoice(t, srv, `{"type":"session.init"}`)

	created := readFrame(t, conn)
	if created["type"] != "session.created" {
		t.Fatalf("expected session.created, got %v", created)
	}
	if created["sessionId"] == "" || created["token"] == "" {
		t.Fatalf("missing credentials: %v", created)
	}

	ready := readFrame(t, conn)
	if ready["type"] != "session.ready" {
		t.Fatalf("expected session.ready, got %v", ready)
	}
	if registry.Count() != 1 {
		t.Fatalf("registry count: %d", registry.Count())
	}
}

func TestVoiceReattachJoinsSameSession(t *testing.T) {
	srv, _ := newVoiceServer(t)
	first := dialVoice(t, srv, `{"type":"session.init"}`)
	created := readFrame(t, first)
	sessionID, _ := created["sessionId"].(string)
	token, _ := created["token"].(string)
	readFrame(t, first) // session.ready

	second := dialVoice(t, srv, `{"type":"session.init","sessionId":"`+sessionID+`","token":"`+token+`"}`)
	joined := readFrame(t, second)
	if joined["type"] != "session.created" || joined["sessionId"] != sessionID {
		t.Fatalf("reattach did not join the session: %v", joined)
	}
}

func TestVoiceReattachWrongTokenRejected(t *testing.T) {
	srv, registry := newVoiceServer(t)
	first := dialVoice(t, srv, `{"type":"session.init"}`)
	created := readFrame(t, first)
	sessionID, _ := created["sessionId"].(string)
	readFrame(t, first)

	second := dialVoice(t, srv, `{"type":"session.init","sessionId":"`+sessionID+`","token":"wrong"}`)
	rejected := readFrame(t, second)
	if rejected["type"] != "session.error" {
		t.Fatalf("expected session.error, got %v", rejected)
	}
	if registry.Count() != 1 {
		t.Fatalf("wrong token must not create a session, count=%d", registry.Count())
	}
}

func TestVoiceRejectsNonInitFirstFrame(t *testing.T) {
	srv, registry := newVoiceServer(t)
	conn := dialVoice(t, srv, `{"type":"commit"}`)
	rejected := readFrame(t, conn)
	if rejected["type"] != "session.error" {
		t.Fatalf("expected session.error, got %v", rejected)
	}
	if registry.Count() != 0 {
		t.Fatalf("bad handshake must not create a session")
	}
}
