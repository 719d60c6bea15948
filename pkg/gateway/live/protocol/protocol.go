// Package protocol defines the client-facing wire protocol: tagged JSON
// messages in both directions over one persistent websocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/key2drive/wally-gateway/pkg/gateway/catalog"
	"github.com/key2drive/wally-gateway/pkg/gateway/turnctx"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ContextPayload is the catalog/vehicle/history body of session.init and
// session.update messages.
type ContextPayload struct {
	Profiles          []catalog.Profile  `json:"profiles,omitempty"`
	CurrentVehicle    *catalog.Profile   `json:"currentVehicle,omitempty"`
	VehicleID         string             `json:"vehicleId,omitempty"`
	SingleVehicleMode bool               `json:"singleVehicleMode,omitempty"`
	RawContext        string             `json:"rawContext,omitempty"`
	History           []turnctx.Exchange `json:"history,omitempty"`
}

// Update converts the wire payload into a turn-context update.
func (p ContextPayload) Update() turnctx.Update {
	return turnctx.Update{
		Profiles:          p.Profiles,
		CurrentVehicle:    p.CurrentVehicle,
		VehicleID:         p.VehicleID,
		SingleVehicleMode: p.SingleVehicleMode,
		RawContext:        p.RawContext,
		History:           p.History,
	}
}

// Client→server messages.

type ClientSessionInit struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Token     string          `json:"token,omitempty"`
	Context   *ContextPayload `json:"context,omitempty"`
}

type ClientSessionUpdate struct {
	Type    string         `json:"type"`
	Context ContextPayload `json:"context"`
}

type ClientInputAudio struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type ClientCommit struct {
	Type   string `json:"type"`
	TurnID string `json:"turnId,omitempty"`
}

type ClientCancel struct {
	Type string `json:"type"`
}

type ClientPing struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses one inbound frame. Unknown types yield an
// "unsupported" DecodeError; the session answers with a per-message error
// acknowledgment and stays alive.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "session.init":
		var msg ClientSessionInit
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.init", "")
		}
		if msg.SessionID != "" && strings.TrimSpace(msg.Token) == "" {
			return nil, badRequest("session.init.token is required with sessionId", "token")
		}
		return msg, nil
	case "session.update":
		var msg ClientSessionUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.update", "")
		}
		return msg, nil
	case "input_audio":
		var msg ClientInputAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid input_audio", "")
		}
		if strings.TrimSpace(msg.Audio) == "" {
			return nil, badRequest("input_audio.audio is required", "audio")
		}
		return msg, nil
	case "commit":
		var msg ClientCommit
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid commit", "")
		}
		return msg, nil
	case "response.cancel":
		var msg ClientCancel
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid response.cancel", "")
		}
		return msg, nil
	case "session.ping":
		var msg ClientPing
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.ping", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

// Server→client messages.

type ServerSessionCreated struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

type ServerSessionReady struct {
	Type string `json:"type"`
}

type ServerContextUpdated struct {
	Type string `json:"type"`
}

type ServerTurnStarted struct {
	Type   string `json:"type"`
	TurnID string `json:"turnId"`
}

type ServerTurnCanceled struct {
	Type   string `json:"type"`
	TurnID string `json:"turnId"`
	Reason string `json:"reason,omitempty"`
}

type ServerInputTranscript struct {
	Type       string `json:"type"`
	TurnID     string `json:"turnId,omitempty"`
	Transcript string `json:"transcript"`
}

type ServerTextDelta struct {
	Type   string `json:"type"`
	TurnID string `json:"turnId,omitempty"`
	Delta  string `json:"delta"`
}

type ServerAudioDelta struct {
	Type   string `json:"type"`
	TurnID string `json:"turnId,omitempty"`
	Delta  string `json:"delta"`
}

type ServerAudioTranscriptDelta struct {
	Type   string `json:"type"`
	TurnID string `json:"turnId,omitempty"`
	Delta  string `json:"delta"`
}

type ServerResponseDone struct {
	Type        string `json:"type"`
	TurnID      string `json:"turnId"`
	Text        string `json:"text"`
	Transcript  string `json:"transcript,omitempty"`
	AudioBase64 string `json:"audioBase64,omitempty"`
}

type ServerSessionError struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	TurnID string `json:"turnId,omitempty"`
}

type ServerSessionClosed struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

type ServerPong struct {
	Type string `json:"type"`
}

// Constructors keep the type tags in one place.

func SessionCreated(sessionID, token string) ServerSessionCreated {
	return ServerSessionCreated{Type: "session.created", SessionID: sessionID, Token: token}
}

func SessionReady() ServerSessionReady { return ServerSessionReady{Type: "session.ready"} }

func ContextUpdated() ServerContextUpdated {
	return ServerContextUpdated{Type: "session.context.updated"}
}

func TurnStarted(turnID string) ServerTurnStarted {
	return ServerTurnStarted{Type: "turn.started", TurnID: turnID}
}

func TurnCanceled(turnID, reason string) ServerTurnCanceled {
	return ServerTurnCanceled{Type: "turn.canceled", TurnID: turnID, Reason: reason}
}

func InputTranscript(turnID, transcript string) ServerInputTranscript {
	return ServerInputTranscript{Type: "input.transcript", TurnID: turnID, Transcript: transcript}
}

func TextDelta(turnID, delta string) ServerTextDelta {
	return ServerTextDelta{Type: "response.text.delta", TurnID: turnID, Delta: delta}
}

func AudioDelta(turnID, delta string) ServerAudioDelta {
	return ServerAudioDelta{Type: "response.audio.delta", TurnID: turnID, Delta: delta}
}

func AudioTranscriptDelta(turnID, delta string) ServerAudioTranscriptDelta {
	return ServerAudioTranscriptDelta{Type: "response.audio_transcript.delta", TurnID: turnID, Delta: delta}
}

func ResponseDone(turnID, text, transcript, audioB64 string) ServerResponseDone {
	return ServerResponseDone{Type: "response.done", TurnID: turnID, Text: text, Transcript: transcript, AudioBase64: audioB64}
}

func SessionError(message, turnID string) ServerSessionError {
	return ServerSessionError{Type: "session.error", Error: message, TurnID: turnID}
}

func SessionClosed(reason string) ServerSessionClosed {
	return ServerSessionClosed{Type: "session.closed", Reason: reason}
}

func Pong() ServerPong { return ServerPong{Type: "session.pong"} }
