// Package sessions holds the process-wide map of live sessions.
package sessions

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"

	"github.com/key2drive/wally-gateway/pkg/gateway/live/session"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrBadToken = errors.New("session token mismatch")
)

// Registry maps session ids to running sessions. Create registers the
// session and starts its loop; the session removes itself on teardown
// through the OnClose hook wired by the caller.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	wg       sync.WaitGroup
	closed   bool
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session.Session)}
}

// Create builds the session from deps, wires eviction back into the
// registry, registers it and starts its loop.
func (r *Registry) Create(deps session.Dependencies) (*session.Session, error) {
	callerOnClose := deps.OnClose
	deps.OnClose = func(id string) {
		r.remove(id)
		if callerOnClose != nil {
			callerOnClose(id)
		}
	}

	s, err := session.New(deps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("registry is shut down")
	}
	if _, dup := r.sessions[s.ID()]; dup {
		r.mu.Unlock()
		return nil, errors.New("session id already registered")
	}
	r.sessions[s.ID()] = s
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		s.Run()
	}()
	return s, nil
}

// Lookup finds a session and verifies the presented token. A mismatch is a
// hard rejection, never a silent new session.
func (r *Registry) Lookup(id, token string) (*session.Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(s.Token()), []byte(token)) != 1 {
		return nil, ErrBadToken
	}
	return s, nil
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// CloseAll asks every session to shut down. New sessions are refused
// afterwards.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	r.closed = true
	all := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Close(reason)
	}
}

// Wait blocks until every session loop has finished or ctx expires.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
