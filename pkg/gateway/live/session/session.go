// Package session implements the realtime turn relay: one upstream link per
// conversation, any number of attached clients, and a single event loop that
// owns all mutable turn state.
package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/key2drive/wally-gateway/pkg/gateway/catalog"
	"github.com/key2drive/wally-gateway/pkg/gateway/diag"
	"github.com/key2drive/wally-gateway/pkg/gateway/live/protocol"
	"github.com/key2drive/wally-gateway/pkg/gateway/reply"
	"github.com/key2drive/wally-gateway/pkg/gateway/turnctx"
	"github.com/key2drive/wally-gateway/pkg/gateway/upstream"
)

// UpstreamLink is the slice of the upstream connection the loop drives.
// Satisfied by *upstream.Link; tests substitute fakes.
type UpstreamLink interface {
	SendSessionUpdate(settings upstream.SessionSettings) error
	SendAudio(b64 string) error
	Commit() error
	CreateResponse() error
	CancelResponse() error
	Events() <-chan upstream.Event
	Err() error
	Close() error
}

// UpstreamDialer opens the session's upstream connection and sends the
// initial configuration.
type UpstreamDialer func(ctx context.Context, settings upstream.SessionSettings) (UpstreamLink, error)

// DialerForClient adapts an upstream client to the loop's dialer shape.
func DialerForClient(c *upstream.Client) UpstreamDialer {
	return func(ctx context.Context, settings upstream.SessionSettings) (UpstreamLink, error) {
		link, err := c.Connect(ctx, settings)
		if err != nil {
			return nil, err
		}
		return link, nil
	}
}

type state int

const (
	stateConnecting state = iota
	stateIdle
	stateActiveTurn
	stateClosed
)

type Config struct {
	IdleTimeout        time.Duration
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	MaxMessageBytes    int64
	MaxAudioChunkBytes int
	SampleRateHz       int
	OutboundQueueSize  int
}

type Dependencies struct {
	ID        string
	Token     string
	Dial      UpstreamDialer
	Inventory *catalog.Inventory
	Diag      *diag.Recorder
	Logger    *slog.Logger
	Config    Config
	Update    turnctx.Update
	OnClose   func(id string)
	Now       func() time.Time
}

// Session relays turns between attached clients and one upstream link. All
// session state is owned by the Run loop; Attach and Close communicate with
// it through channels.
type Session struct {
	id      string
	token   string
	dial    UpstreamDialer
	inv     *catalog.Inventory
	diag    *diag.Recorder
	logger  *slog.Logger
	cfg     Config
	onClose func(id string)
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	inbound  chan clientMessage
	attachCh chan attachRequest

	// Loop-owned state below; never touched outside Run.
	clients map[string]*client
	link    UpstreamLink
	state   state
	update  turnctx.Update
	turnCtx turnctx.Context
	history []turnctx.Exchange

	activeTurnID   string
	turnStartedAt  time.Time
	textBuf        strings.Builder
	audioScriptBuf strings.Builder
	audioBuf       []byte
	lastTranscript string

	closeMu     sync.Mutex
	closeReason string
}

type attachRequest struct {
	conn  wsConn
	reply chan error
}

func New(deps Dependencies) (*Session, error) {
	if deps.Dial == nil {
		return nil, fmt.Errorf("upstream dialer is required")
	}
	if strings.TrimSpace(deps.ID) == "" {
		deps.ID = uuid.NewString()
	}
	if strings.TrimSpace(deps.Token) == "" {
		deps.Token = uuid.NewString()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.IdleTimeout <= 0 {
		deps.Config.IdleTimeout = 2 * time.Minute
	}
	if deps.Config.ConnectTimeout <= 0 {
		deps.Config.ConnectTimeout = 15 * time.Second
	}
	if deps.Config.MaxAudioChunkBytes <= 0 {
		deps.Config.MaxAudioChunkBytes = 1 << 20
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.SampleRateHz <= 0 {
		deps.Config.SampleRateHz = 24000
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       deps.ID,
		token:    deps.Token,
		dial:     deps.Dial,
		inv:      deps.Inventory,
		diag:     deps.Diag,
		logger:   deps.Logger.With("session", deps.ID),
		cfg:      deps.Config,
		onClose:  deps.OnClose,
		now:      deps.Now,
		ctx:      ctx,
		cancel:   cancel,
		inbound:  make(chan clientMessage, 64),
		attachCh: make(chan attachRequest),
		clients:  make(map[string]*client),
		update:   deps.Update,
		history:  append([]turnctx.Exchange(nil), deps.Update.History...),
		state:    stateConnecting,
	}
	return s, nil
}

func (s *Session) ID() string    { return s.id }
func (s *Session) Token() string { return s.token }

// Attach hands a freshly upgraded connection to the session loop. The caller
// must have verified the token already. Fails once the session is closing.
func (s *Session) Attach(conn wsConn) error {
	req := attachRequest{conn: conn, reply: make(chan error, 1)}
	select {
	case s.attachCh <- req:
		return <-req.reply
	case <-s.ctx.Done():
		return fmt.Errorf("session %s is closed", s.id)
	}
}

// Close tears the session down with the given reason. Idempotent.
func (s *Session) Close(reason string) {
	select {
	case <-s.ctx.Done():
	default:
		s.setCloseReason(reason)
		s.cancel()
	}
}

func (s *Session) setCloseReason(reason string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closeReason == "" {
		s.closeReason = reason
	}
}

func (s *Session) getCloseReason() string {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeReason
}

// Run drives the session until teardown. It is the only goroutine that
// mutates session state.
func (s *Session) Run() {
	defer s.teardown()

	dialCtx, cancelDial := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	link, err := s.dial(dialCtx, s.settings())
	cancelDial()
	if err != nil {
		s.logger.Error("live upstream connect failed", "error", err)
		s.broadcast(protocol.SessionError(upstreamErrorText(err), ""), true)
		s.setCloseReason("upstream_error")
		return
	}
	s.link = link
	s.state = stateIdle
	s.broadcast(protocol.SessionReady(), true)

	idleTimer := time.NewTimer(s.cfg.IdleTimeout)
	defer idleTimer.Stop()
	idleDeadline := s.now().Add(s.cfg.IdleTimeout)

	rearmIdle := func() {
		idleDeadline = s.now().Add(s.cfg.IdleTimeout)
	}

	for {
		select {
		case <-s.ctx.Done():
			return

		case req := <-s.attachCh:
			s.attach(req)
			rearmIdle()

		case msg := <-s.inbound:
			if msg.gone {
				s.detach(msg.client)
				continue
			}
			rearmIdle()
			if msg.decodeErr != nil {
				s.sendTo(msg.client, protocol.SessionError(msg.decodeErr.Error(), ""), true)
				continue
			}
			s.handleClientMessage(msg.client, msg.msg)

		case ev, ok := <-s.link.Events():
			if !ok {
				s.upstreamGone()
				return
			}
			rearmIdle()
			s.handleUpstreamEvent(ev)

		case <-idleTimer.C:
			now := s.now()
			if len(s.clients) == 0 && !now.Before(idleDeadline) {
				s.logger.Info("live session idle, evicting")
				s.setCloseReason("idle_timeout")
				return
			}
			wait := idleDeadline.Sub(now)
			if wait <= 0 {
				wait = s.cfg.IdleTimeout
			}
			idleTimer.Reset(wait)
		}
	}
}

func (s *Session) settings() upstream.SessionSettings {
	s.turnCtx = turnctx.Build(s.effectiveUpdate(), s.inventoryProfiles())
	return upstream.SessionSettings{
		Instructions:  s.turnCtx.Instructions,
		TurnDetection: upstream.TurnDetectionServerVAD,
		SampleRateHz:  s.cfg.SampleRateHz,
	}
}

func (s *Session) effectiveUpdate() turnctx.Update {
	up := s.update
	up.History = s.history
	return up
}

func (s *Session) inventoryProfiles() []catalog.Profile {
	if s.inv == nil {
		return nil
	}
	return s.inv.Profiles()
}

func (s *Session) attach(req attachRequest) {
	c := newClient(req.conn, s.cfg.OutboundQueueSize)
	s.clients[c.id] = c

	go c.readLoop(s.cfg, s.inbound, s.ctx.Done())
	go func() {
		w := outboundWriter{
			ws:       req.conn,
			done:     mergedDone(s.ctx.Done(), c.done),
			cfg:      s.cfg,
			priority: c.priority,
			normal:   c.normal,
		}
		if err := w.Run(); err != nil {
			s.logger.Debug("live client writer stopped", "client", c.id, "error", err)
		}
	}()

	s.sendTo(c, protocol.SessionCreated(s.id, s.token), true)
	if s.state != stateConnecting {
		s.sendTo(c, protocol.SessionReady(), true)
	}
	req.reply <- nil
	s.logger.Info("live client attached", "client", c.id, "clients", len(s.clients))
}

func (s *Session) detach(c *client) {
	if _, ok := s.clients[c.id]; !ok {
		return
	}
	delete(s.clients, c.id)
	c.stop()
	s.logger.Info("live client detached", "client", c.id, "clients", len(s.clients))
}

func (s *Session) handleClientMessage(c *client, msg any) {
	switch m := msg.(type) {
	case protocol.ClientPing:
		s.sendTo(c, protocol.Pong(), false)

	case protocol.ClientSessionUpdate:
		s.applyContextUpdate(m.Context)

	case protocol.ClientInputAudio:
		s.handleInputAudio(c, m)

	case protocol.ClientCommit:
		s.handleCommit(c, m)

	case protocol.ClientCancel:
		s.handleCancel("client_cancel")

	case protocol.ClientSessionInit:
		// Attachment already happened; a second init is a client bug.
		s.sendTo(c, protocol.SessionError("session already initialized", ""), true)

	default:
		s.sendTo(c, protocol.SessionError("unsupported message", ""), true)
	}
}

func (s *Session) applyContextUpdate(payload protocol.ContextPayload) {
	up := payload.Update()
	if len(up.History) > 0 {
		s.history = boundHistory(up.History)
	}
	up.History = nil
	s.update = up

	if s.link != nil {
		if err := s.link.SendSessionUpdate(s.settings()); err != nil {
			s.logger.Warn("live context reconfigure failed", "error", err)
			s.broadcast(protocol.SessionError("context update failed", ""), true)
			return
		}
	}
	s.broadcast(protocol.ContextUpdated(), true)
}

func (s *Session) handleInputAudio(c *client, m protocol.ClientInputAudio) {
	if s.state == stateConnecting || s.link == nil {
		s.sendTo(c, protocol.SessionError("session not ready", ""), true)
		return
	}
	if len(m.Audio) > s.cfg.MaxAudioChunkBytes {
		s.sendTo(c, protocol.SessionError("audio chunk too large", ""), true)
		return
	}
	if _, err := base64.StdEncoding.DecodeString(m.Audio); err != nil {
		s.sendTo(c, protocol.SessionError("audio is not valid base64", ""), true)
		return
	}
	if err := s.link.SendAudio(m.Audio); err != nil {
		s.fatalUpstream(err)
	}
}

func (s *Session) handleCommit(c *client, m protocol.ClientCommit) {
	if s.state == stateConnecting || s.link == nil {
		s.sendTo(c, protocol.SessionError("session not ready", ""), true)
		return
	}
	if s.state == stateActiveTurn {
		s.sendTo(c, protocol.SessionError("a turn is already active", s.activeTurnID), true)
		return
	}

	turnID := strings.TrimSpace(m.TurnID)
	if turnID == "" {
		turnID = uuid.NewString()
	}
	s.resetTurnBuffers()
	s.activeTurnID = turnID
	s.turnStartedAt = s.now()
	s.state = stateActiveTurn

	if err := s.link.Commit(); err != nil {
		s.fatalUpstream(err)
		return
	}
	if err := s.link.CreateResponse(); err != nil {
		s.fatalUpstream(err)
		return
	}
	s.broadcast(protocol.TurnStarted(turnID), true)
	s.logger.Info("live turn started", "turn", turnID)
}

func (s *Session) handleCancel(reason string) {
	if s.state != stateActiveTurn {
		return
	}
	turnID := s.activeTurnID
	if s.link != nil {
		if err := s.link.CancelResponse(); err != nil {
			s.logger.Warn("live cancel signal failed", "error", err)
		}
	}
	s.recordTurn(diag.StatusAborted, reason)
	s.resetTurnBuffers()
	s.state = stateIdle
	s.broadcast(protocol.TurnCanceled(turnID, reason), true)
	s.logger.Info("live turn canceled", "turn", turnID, "reason", reason)
}

func (s *Session) handleUpstreamEvent(ev upstream.Event) {
	switch ev.Type {
	case upstream.EventError:
		s.handleUpstreamError(ev)

	case upstream.EventSpeechStarted:
		// Barge-in: new user speech while a response is streaming.
		s.handleCancel("barge_in")

	case upstream.EventTranscriptCompleted:
		transcript := strings.TrimSpace(ev.Transcript)
		if transcript == "" {
			return
		}
		s.lastTranscript = transcript
		s.appendHistory("user", transcript)
		s.broadcast(protocol.InputTranscript(s.activeTurnID, transcript), true)

	case upstream.EventOutputTextDelta, upstream.EventTextDelta:
		if ev.Delta == "" {
			return
		}
		s.textBuf.WriteString(ev.Delta)
		s.broadcast(protocol.TextDelta(s.activeTurnID, ev.Delta), false)

	case upstream.EventAudioTranscriptDelta:
		if ev.Delta == "" {
			return
		}
		s.audioScriptBuf.WriteString(ev.Delta)
		s.broadcast(protocol.AudioTranscriptDelta(s.activeTurnID, ev.Delta), false)

	case upstream.EventAudioDelta:
		if ev.Delta == "" {
			return
		}
		chunk, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return
		}
		s.audioBuf = append(s.audioBuf, chunk...)
		s.broadcast(protocol.AudioDelta(s.activeTurnID, ev.Delta), false)

	case upstream.EventResponseDone:
		s.finishTurn(ev)

	default:
		// Unknown upstream event types are forward compatibility, not errors.
	}
}

func (s *Session) handleUpstreamError(ev upstream.Event) {
	detail := "upstream error"
	if ev.Error != nil {
		detail = ev.Error.Detail()
	}
	s.logger.Error("live upstream error", "detail", detail)
	if s.state == stateActiveTurn {
		turnID := s.activeTurnID
		s.recordTurn(diag.StatusError, detail)
		s.resetTurnBuffers()
		s.state = stateIdle
		s.broadcast(protocol.SessionError(detail, turnID), true)
		return
	}
	s.broadcast(protocol.SessionError(detail, ""), true)
}

func (s *Session) finishTurn(ev upstream.Event) {
	if s.state != stateActiveTurn {
		return
	}
	turnID := s.activeTurnID

	raw := strings.TrimSpace(s.textBuf.String())
	if raw == "" {
		raw = strings.TrimSpace(s.audioScriptBuf.String())
	}
	if raw == "" && ev.Response != nil {
		raw = strings.TrimSpace(ev.Response.CollectText())
	}

	text, rewritten := reply.Stabilize(reply.Input{
		RawText:    raw,
		Transcript: s.lastTranscript,
		Ctx:        s.snapshotContext(),
	})
	s.appendHistory("assistant", text)

	// Rewritten text no longer matches the spoken audio; drop the audio.
	audioB64 := ""
	if !rewritten && len(s.audioBuf) > 0 {
		audioB64 = base64.StdEncoding.EncodeToString(s.audioBuf)
	}

	s.recordTurn(diag.StatusOK, "")
	s.broadcast(protocol.ResponseDone(turnID, text, s.lastTranscript, audioB64), true)
	s.resetTurnBuffers()
	s.state = stateIdle
	s.logger.Info("live turn done", "turn", turnID, "chars", len(text))

	// Re-issue instructions so the next turn sees the new history.
	if s.link != nil {
		if err := s.link.SendSessionUpdate(s.settings()); err != nil {
			s.logger.Warn("live history reconfigure failed", "error", err)
		}
	}
}

// snapshotContext rebuilds the turn context with current history so the
// stabilizer sees the latest assistant turn for its anti-repeat check.
func (s *Session) snapshotContext() turnctx.Context {
	return turnctx.Build(s.effectiveUpdate(), s.inventoryProfiles())
}

func (s *Session) appendHistory(role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.history = boundHistory(append(s.history, turnctx.Exchange{Role: role, Text: text}))
}

func boundHistory(history []turnctx.Exchange) []turnctx.Exchange {
	limit := turnctx.MaxHistoryTurns * 2
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

func (s *Session) resetTurnBuffers() {
	s.activeTurnID = ""
	s.turnStartedAt = time.Time{}
	s.textBuf.Reset()
	s.audioScriptBuf.Reset()
	s.audioBuf = nil
	s.lastTranscript = ""
}

func (s *Session) recordTurn(status diag.Status, errText string) {
	if s.diag == nil {
		return
	}
	elapsed := int64(0)
	if !s.turnStartedAt.IsZero() {
		elapsed = s.now().Sub(s.turnStartedAt).Milliseconds()
	}
	s.diag.Record(diag.Turn{
		At:         s.now(),
		Status:     status,
		TurnID:     s.activeTurnID,
		UpstreamMS: elapsed,
		TotalMS:    elapsed,
		Error:      errText,
	})
}

func (s *Session) fatalUpstream(err error) {
	s.logger.Error("live upstream write failed", "error", err)
	s.broadcast(protocol.SessionError(upstreamErrorText(err), s.activeTurnID), true)
	s.setCloseReason("upstream_error")
	s.cancel()
}

func (s *Session) upstreamGone() {
	detail := "upstream connection closed"
	if err := s.link.Err(); err != nil {
		detail = upstreamErrorText(err)
	}
	s.logger.Error("live upstream closed", "detail", detail)
	if s.state == stateActiveTurn {
		s.recordTurn(diag.StatusError, detail)
	}
	s.broadcast(protocol.SessionError(detail, s.activeTurnID), true)
	s.setCloseReason("upstream_error")
}

func (s *Session) broadcast(v any, prioritized bool) {
	for id, c := range s.clients {
		if err := c.send(v, prioritized); err != nil {
			s.logger.Warn("live client dropped on backpressure", "client", id)
			delete(s.clients, id)
			c.stop()
		}
	}
}

func (s *Session) sendTo(c *client, v any, prioritized bool) {
	if err := c.send(v, prioritized); err != nil {
		s.logger.Warn("live client dropped on backpressure", "client", c.id)
		delete(s.clients, c.id)
		c.stop()
	}
}

func (s *Session) teardown() {
	s.state = stateClosed
	reason := s.getCloseReason()
	if reason == "" {
		reason = "closed"
	}
	s.broadcast(protocol.SessionClosed(reason), true)
	for id, c := range s.clients {
		delete(s.clients, id)
		c.stop()
	}
	s.cancel()
	if s.link != nil {
		_ = s.link.Close()
	}
	if s.onClose != nil {
		s.onClose(s.id)
	}
	s.logger.Info("live session closed", "reason", reason)
}

func upstreamErrorText(err error) string {
	if err == nil {
		return "upstream error"
	}
	return "upstream error: " + err.Error()
}

// mergedDone closes when either input closes, so a client writer stops on
// session shutdown or individual detach.
func mergedDone(a, b <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		select {
		case <-a:
		case <-b:
		}
	}()
	return out
}
