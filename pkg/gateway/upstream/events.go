// Package upstream speaks to the realtime speech service over a websocket.
// The wire protocol is treated as an opaque stream of typed JSON events;
// unknown event types are passed through and ignored by callers.
package upstream

import "strings"

// Server event types the relay reacts to. Anything else is ignored.
const (
	EventError                = "error"
	EventSessionCreated       = "session.created"
	EventSessionUpdated       = "session.updated"
	EventTranscriptCompleted  = "conversation.item.input_audio_transcription.completed"
	EventOutputTextDelta      = "response.output_text.delta"
	EventTextDelta            = "response.text.delta"
	EventAudioTranscriptDelta = "response.output_audio_transcript.delta"
	EventAudioTranscriptDone  = "response.output_audio_transcript.done"
	EventAudioDelta           = "response.output_audio.delta"
	EventResponseDone         = "response.done"
	EventSpeechStarted        = "input_audio_buffer.speech_started"
	EventSpeechStopped        = "input_audio_buffer.speech_stopped"
)

// Event is the decoded upstream message. Fields are shared across event
// types; which ones are meaningful depends on Type.
type Event struct {
	Type       string           `json:"type"`
	Delta      string           `json:"delta,omitempty"`
	Transcript string           `json:"transcript,omitempty"`
	Error      *ErrorDetail     `json:"error,omitempty"`
	Response   *ResponsePayload `json:"response,omitempty"`
}

// IsTextDelta covers both delta spellings the upstream has used.
func (e Event) IsTextDelta() bool {
	return e.Type == EventOutputTextDelta || e.Type == EventTextDelta
}

// ErrorDetail is the error payload of an "error" event.
type ErrorDetail struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Detail assembles a human-readable error string from whatever fields the
// upstream provided.
func (e *ErrorDetail) Detail() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	if strings.TrimSpace(e.Message) != "" {
		parts = append(parts, strings.TrimSpace(e.Message))
	}
	if strings.TrimSpace(e.Type) != "" {
		parts = append(parts, "type="+strings.TrimSpace(e.Type))
	}
	if strings.TrimSpace(e.Code) != "" {
		parts = append(parts, "code="+strings.TrimSpace(e.Code))
	}
	return strings.Join(parts, " | ")
}

type ResponsePayload struct {
	OutputText string       `json:"output_text,omitempty"`
	Output     []OutputItem `json:"output,omitempty"`
}

type OutputItem struct {
	Content []ContentPart `json:"content,omitempty"`
}

type ContentPart struct {
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// CollectText flattens a response.done payload into plain text, used when
// no deltas were accumulated during the turn.
func (r *ResponsePayload) CollectText() string {
	if r == nil {
		return ""
	}
	if t := strings.TrimSpace(r.OutputText); t != "" {
		return t
	}
	var parts []string
	for _, item := range r.Output {
		for _, c := range item.Content {
			if t := strings.TrimSpace(c.Text); t != "" {
				parts = append(parts, t)
			} else if t := strings.TrimSpace(c.Transcript); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// Client→upstream messages.

type sessionUpdateMsg struct {
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	Voice         string        `json:"voice"`
	Instructions  string        `json:"instructions"`
	TurnDetection turnDetection `json:"turn_detection"`
	Audio         audioConfig   `json:"audio"`
}

type turnDetection struct {
	Type *string `json:"type"`
}

type audioConfig struct {
	Input  audioStream `json:"input"`
	Output audioStream `json:"output"`
}

type audioStream struct {
	Format audioFormat `json:"format"`
}

type audioFormat struct {
	Type string `json:"type"`
	Rate int    `json:"rate"`
}

type appendAudioMsg struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type commitMsg struct {
	Type string `json:"type"`
}

type responseCreateMsg struct {
	Type     string          `json:"type"`
	Response responsePayload `json:"response"`
}

type responsePayload struct {
	Modalities []string `json:"modalities"`
}

type responseCancelMsg struct {
	Type string `json:"type"`
}
