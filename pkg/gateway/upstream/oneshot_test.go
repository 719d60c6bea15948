package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunTurnCollectsDeltasAndAudio(t *testing.T) {
	conn := newFakeConn()
	c := testClient(conn)

	chunk := base64.StdEncoding.EncodeToString([]byte{1, 2})
	go func() {
		conn.deliver(t, Event{Type: EventTranscriptCompleted, Transcript: " Was kostet der Golf? "})
		conn.deliver(t, Event{Type: EventTextDelta, Delta: "Der Golf "})
		conn.deliver(t, Event{Type: EventTextDelta, Delta: "passt gut."})
		conn.deliver(t, Event{Type: EventAudioDelta, Delta: chunk})
		conn.deliver(t, Event{Type: EventAudioDelta, Delta: chunk})
		conn.deliver(t, Event{Type: EventResponseDone})
	}()

	got, err := c.RunTurn(context.Background(), TurnOptions{PCMBase64: "QUJD", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if got.Text != "Der Golf passt gut." {
		t.Fatalf("text: %q", got.Text)
	}
	if got.Transcript != "Was kostet der Golf?" {
		t.Fatalf("transcript: %q", got.Transcript)
	}
	wantAudio := base64.StdEncoding.EncodeToString([]byte{1, 2, 1, 2})
	if got.AudioBase64 != wantAudio {
		t.Fatalf("audio: %q, want %q", got.AudioBase64, wantAudio)
	}
	if got.EarlyFinish {
		t.Fatalf("unexpected early finish")
	}
}

func TestRunTurnFallsBackToResponsePayloadText(t *testing.T) {
	conn := newFakeConn()
	go func() {
		conn.deliver(t, Event{Type: EventResponseDone, Response: &ResponsePayload{
			Output: []OutputItem{{Content: []ContentPart{{Transcript: "Nur im Payload."}}}},
		}})
	}()

	got, err := testClient(conn).RunTurn(context.Background(), TurnOptions{PCMBase64: "QUJD", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if got.Text != "Nur im Payload." {
		t.Fatalf("text: %q", got.Text)
	}
}

func TestRunTurnQuickTranscriptShortCircuits(t *testing.T) {
	conn := newFakeConn()
	go func() {
		conn.deliver(t, Event{Type: EventTranscriptCompleted, Transcript: "Hallo"})
	}()

	got, err := testClient(conn).RunTurn(context.Background(), TurnOptions{
		PCMBase64: "QUJD",
		Timeout:   2 * time.Second,
		Quick: func(transcript string) string {
			if transcript == "Hallo" {
				return "Hallo! Ich bin WALLY."
			}
			return ""
		},
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !got.EarlyFinish || got.Text != "Hallo! Ich bin WALLY." {
		t.Fatalf("result: %+v", got)
	}

	types := conn.writtenTypes()
	if types[len(types)-1] != "response.cancel" {
		t.Fatalf("upstream response not canceled: %v", types)
	}
}

func TestRunTurnUpstreamError(t *testing.T) {
	conn := newFakeConn()
	go func() {
		conn.deliver(t, Event{Type: EventError, Error: &ErrorDetail{Message: "rate limited", Code: "429"}})
	}()

	_, err := testClient(conn).RunTurn(context.Background(), TurnOptions{PCMBase64: "QUJD", Timeout: 2 * time.Second})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err: %v", err)
	}
}

func TestRunTurnTimesOut(t *testing.T) {
	conn := newFakeConn()
	_, err := testClient(conn).RunTurn(context.Background(), TurnOptions{PCMBase64: "QUJD", Timeout: 30 * time.Millisecond})
	if !errors.Is(err, ErrTurnTimeout) {
		t.Fatalf("err: %v", err)
	}
}

func TestRunTurnContextCancel(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := testClient(conn).RunTurn(ctx, TurnOptions{PCMBase64: "QUJD", Timeout: 2 * time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err: %v", err)
	}
}

func TestRunTurnUpstreamClosedEarly(t *testing.T) {
	conn := newFakeConn()
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(conn.in)
		conn.mu.Lock()
		conn.closed = true
		conn.mu.Unlock()
	}()

	_, err := testClient(conn).RunTurn(context.Background(), TurnOptions{PCMBase64: "QUJD", Timeout: 2 * time.Second})
	if err == nil || !strings.Contains(err.Error(), "upstream closed") {
		t.Fatalf("err: %v", err)
	}
}
