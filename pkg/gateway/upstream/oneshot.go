package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTurnTimeout bounds a one-shot upstream turn end to end.
const DefaultTurnTimeout = 24 * time.Second

var ErrTurnTimeout = errors.New("upstream turn timeout")

// QuickTranscript is an optional strategy invoked as soon as a user
// transcript is available mid-stream. A non-empty result cancels the
// upstream response and completes the turn early with that text.
type QuickTranscript func(transcript string) string

// TurnOptions drive one non-streaming turn.
type TurnOptions struct {
	Instructions string
	PCMBase64    string
	Timeout      time.Duration
	Quick        QuickTranscript
}

// TurnResult is the collected output of one completed turn. Text is the raw
// upstream text; stabilization happens at the caller.
type TurnResult struct {
	Text        string
	Transcript  string
	AudioBase64 string
	// EarlyFinish is set when a quick-transcript strategy short-circuited
	// the turn before the upstream finished.
	EarlyFinish bool
}

// RunTurn opens a throwaway upstream connection, plays one configuration +
// committed-audio + response-start sequence and collects streamed deltas
// until the turn completes. Cancellation of ctx closes the connection and
// suppresses the result.
func (c *Client) RunTurn(ctx context.Context, opts TurnOptions) (TurnResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTurnTimeout
	}

	link, err := c.Connect(ctx, SessionSettings{
		Instructions:  opts.Instructions,
		TurnDetection: TurnDetectionManual,
	})
	if err != nil {
		return TurnResult{}, err
	}
	defer link.Close()

	if err := link.SendAudio(opts.PCMBase64); err != nil {
		return TurnResult{}, fmt.Errorf("append audio: %w", err)
	}
	if err := link.Commit(); err != nil {
		return TurnResult{}, fmt.Errorf("commit audio: %w", err)
	}
	if err := link.CreateResponse(); err != nil {
		return TurnResult{}, fmt.Errorf("start response: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		text       strings.Builder
		transcript string
		audio      []byte
	)

	for {
		select {
		case <-ctx.Done():
			return TurnResult{}, ctx.Err()
		case <-timer.C:
			return TurnResult{}, ErrTurnTimeout
		case ev, ok := <-link.Events():
			if !ok {
				if err := link.Err(); err != nil {
					return TurnResult{}, fmt.Errorf("upstream closed: %w", err)
				}
				return TurnResult{}, errors.New("upstream closed before completion")
			}
			switch {
			case ev.Type == EventError:
				detail := ev.Error.Detail()
				if detail == "" {
					detail = "upstream error"
				}
				return TurnResult{}, errors.New(detail)
			case ev.Type == EventTranscriptCompleted:
				transcript = strings.TrimSpace(ev.Transcript)
				if opts.Quick != nil {
					if quick := strings.TrimSpace(opts.Quick(transcript)); quick != "" {
						_ = link.CancelResponse()
						return TurnResult{Text: quick, Transcript: transcript, EarlyFinish: true}, nil
					}
				}
			case ev.IsTextDelta(), ev.Type == EventAudioTranscriptDelta:
				text.WriteString(ev.Delta)
			case ev.Type == EventAudioTranscriptDone:
				if strings.TrimSpace(text.String()) == "" {
					text.Reset()
					text.WriteString(strings.TrimSpace(ev.Transcript))
				}
			case ev.Type == EventAudioDelta:
				if chunk, decErr := base64.StdEncoding.DecodeString(ev.Delta); decErr == nil {
					audio = append(audio, chunk...)
				}
			case ev.Type == EventResponseDone:
				raw := strings.TrimSpace(text.String())
				if raw == "" {
					raw = ev.Response.CollectText()
				}
				var audioB64 string
				if len(audio) > 0 {
					audioB64 = base64.StdEncoding.EncodeToString(audio)
				}
				return TurnResult{
					Text:        raw,
					Transcript:  transcript,
					AudioBase64: audioB64,
				}, nil
			}
		}
	}
}
