package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/key2drive/wally-gateway/pkg/gateway/catalog"
	"github.com/key2drive/wally-gateway/pkg/gateway/config"
	"github.com/key2drive/wally-gateway/pkg/gateway/diag"
	"github.com/key2drive/wally-gateway/pkg/gateway/live/protocol"
	"github.com/key2drive/wally-gateway/pkg/gateway/live/session"
	"github.com/key2drive/wally-gateway/pkg/gateway/live/sessions"
	"github.com/key2drive/wally-gateway/pkg/gateway/turnctx"
)

// VoiceHandler upgrades GET /v1/voice and hands the socket to a live
// session: a fresh one, or an existing one when the client reattaches with
// a session id and matching token.
type VoiceHandler struct {
	Registry  *sessions.Registry
	Dial      session.UpstreamDialer
	Inventory *catalog.Inventory
	Diag      *diag.Recorder
	Logger    *slog.Logger
	Config    config.Config
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.originAllowed(r) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	init, ok := h.readInit(conn)
	if !ok {
		_ = conn.Close()
		return
	}
	// Handshake deadline must not leak into the session's read loop.
	_ = conn.SetReadDeadline(time.Time{})

	s, err := h.resolveSession(init)
	if err != nil {
		h.writeError(conn, err.Error())
		_ = conn.Close()
		return
	}
	if err := s.Attach(conn); err != nil {
		h.writeError(conn, "session is closed")
		_ = conn.Close()
		return
	}
}

// readInit enforces the handshake: the first frame must be session.init.
func (h VoiceHandler) readInit(conn *websocket.Conn) (protocol.ClientSessionInit, bool) {
	if h.Config.LiveMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxMessageBytes)
	}
	handshakeTimeout := h.Config.LiveHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	messageType, frame, err := conn.ReadMessage()
	if err != nil || messageType != websocket.TextMessage {
		h.writeError(conn, "first frame must be session.init")
		return protocol.ClientSessionInit{}, false
	}
	decoded, err := protocol.DecodeClientMessage(frame)
	if err != nil {
		h.writeError(conn, err.Error())
		return protocol.ClientSessionInit{}, false
	}
	init, ok := decoded.(protocol.ClientSessionInit)
	if !ok {
		h.writeError(conn, "first frame must be session.init")
		return protocol.ClientSessionInit{}, false
	}
	return init, true
}

func (h VoiceHandler) resolveSession(init protocol.ClientSessionInit) (*session.Session, error) {
	if strings.TrimSpace(init.SessionID) != "" {
		s, err := h.Registry.Lookup(init.SessionID, init.Token)
		if err != nil {
			if errors.Is(err, sessions.ErrBadToken) {
				return nil, errors.New("session token mismatch")
			}
			return nil, errors.New("session not found")
		}
		return s, nil
	}

	var update turnctx.Update
	if init.Context != nil {
		update = init.Context.Update()
	}
	return h.Registry.Create(session.Dependencies{
		Dial:      h.Dial,
		Inventory: h.Inventory,
		Diag:      h.Diag,
		Logger:    h.Logger,
		Config:    h.sessionConfig(),
		Update:    update,
	})
}

func (h VoiceHandler) sessionConfig() session.Config {
	return session.Config{
		IdleTimeout:        h.Config.LiveIdleTimeout,
		ConnectTimeout:     h.Config.LiveConnectTimeout,
		ReadTimeout:        h.Config.LiveWSReadTimeout,
		WriteTimeout:       h.Config.LiveWSWriteTimeout,
		PingInterval:       h.Config.LiveWSPingInterval,
		MaxMessageBytes:    h.Config.LiveMaxMessageBytes,
		MaxAudioChunkBytes: h.Config.LiveMaxAudioChunkBytes,
		SampleRateHz:       h.Config.SampleRateHz,
		OutboundQueueSize:  h.Config.LiveOutboundQueueSize,
	}
}

func (h VoiceHandler) originAllowed(r *http.Request) bool {
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h VoiceHandler) writeError(conn *websocket.Conn, message string) {
	payload, err := json.Marshal(protocol.SessionError(message, ""))
	if err != nil {
		return
	}
	writeTimeout := h.Config.LiveWSWriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}
