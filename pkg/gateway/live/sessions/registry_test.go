package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/key2drive/wally-gateway/pkg/gateway/live/session"
	"github.com/key2drive/wally-gateway/pkg/gateway/upstream"
)

type nopLink struct {
	events chan upstream.Event
}

func newNopLink() *nopLink { return &nopLink{events: make(chan upstream.Event)} }

func (l *nopLink) SendSessionUpdate(upstream.SessionSettings) error { return nil }
func (l *nopLink) SendAudio(string) error                           { return nil }
func (l *nopLink) Commit() error                                    { return nil }
func (l *nopLink) CreateResponse() error                            { return nil }
func (l *nopLink) CancelResponse() error                            { return nil }
func (l *nopLink) Events() <-chan upstream.Event                    { return l.events }
func (l *nopLink) Err() error                                       { return nil }
func (l *nopLink) Close() error                                     { return nil }

func testDeps() session.Dependencies {
	return session.Dependencies{
		Dial: func(context.Context, upstream.SessionSettings) (session.UpstreamLink, error) {
			return newNopLink(), nil
		},
		Config: session.Config{IdleTimeout: time.Minute},
	}
}

func TestLookupChecksToken(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create(testDeps())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer r.CloseAll("test_done")

	got, err := r.Lookup(s.ID(), s.Token())
	if err != nil || got != s {
		t.Fatalf("lookup with valid token: %v", err)
	}
	if _, err := r.Lookup(s.ID(), "wrong"); err != ErrBadToken {
		t.Fatalf("expected ErrBadToken, got %v", err)
	}
	if _, err := r.Lookup("missing", "x"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEvictedSessionLeavesRegistry(t *testing.T) {
	r := NewRegistry()
	deps := testDeps()
	deps.Config.IdleTimeout = 20 * time.Millisecond
	s, err := r.Create(deps)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Count() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if r.Count() != 0 {
		t.Fatalf("session not removed after idle eviction")
	}
	if _, err := r.Lookup(s.ID(), s.Token()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after eviction, got %v", err)
	}
}

func TestCloseAllDrains(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		if _, err := r.Create(testDeps()); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	r.CloseAll("shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !r.Wait(ctx) {
		t.Fatalf("sessions did not drain")
	}
	if r.Count() != 0 {
		t.Fatalf("registry not empty after CloseAll, count=%d", r.Count())
	}
	if _, err := r.Create(testDeps()); err == nil {
		t.Fatalf("create after shutdown must fail")
	}
}
