package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/key2drive/wally-gateway/pkg/gateway/apierror"
	"github.com/key2drive/wally-gateway/pkg/gateway/catalog"
	"github.com/key2drive/wally-gateway/pkg/gateway/diag"
	"github.com/key2drive/wally-gateway/pkg/gateway/mw"
	"github.com/key2drive/wally-gateway/pkg/gateway/reply"
	"github.com/key2drive/wally-gateway/pkg/gateway/turnctx"
	"github.com/key2drive/wally-gateway/pkg/gateway/upstream"
)

// TurnRunner executes one throwaway upstream turn. Satisfied by
// *upstream.Client.
type TurnRunner interface {
	RunTurn(ctx context.Context, opts upstream.TurnOptions) (upstream.TurnResult, error)
}

// Transcoder converts an encoded audio container to raw PCM16.
type Transcoder interface {
	ToPCM16(ctx context.Context, container []byte) ([]byte, error)
}

// TurnHandler runs POST /api/turn: one audio payload in, one stabilized
// reply out, no persistent session.
type TurnHandler struct {
	Runner       TurnRunner
	Transcoder   Transcoder
	Inventory    *catalog.Inventory
	Diag         *diag.Recorder
	Logger       *slog.Logger
	Timeout      time.Duration
	MaxBodyBytes int64
}

type turnRequest struct {
	// Exactly one of these carries the user audio. AudioBase64 is raw
	// PCM16 at the session sample rate; ContainerBase64 is an encoded
	// container (webm/ogg/m4a) that goes through ffmpeg first.
	AudioBase64     string `json:"audioBase64"`
	ContainerBase64 string `json:"containerBase64"`

	Profiles          []catalog.Profile  `json:"profiles"`
	CurrentVehicle    *catalog.Profile   `json:"currentVehicle"`
	VehicleID         string             `json:"vehicleId"`
	SingleVehicleMode bool               `json:"singleVehicleMode"`
	RawContext        string             `json:"rawContext"`
	History           []turnctx.Exchange `json:"history"`
}

type turnResponse struct {
	OK          bool   `json:"ok"`
	NoAudio     bool   `json:"noAudio,omitempty"`
	TurnID      string `json:"turnId,omitempty"`
	Text        string `json:"text,omitempty"`
	Transcript  string `json:"transcript,omitempty"`
	AudioBase64 string `json:"audioBase64,omitempty"`
}

func (h TurnHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	}
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteJSON(w, apierror.New(apierror.KindPayload, "invalid json body"), reqID)
		return
	}

	// Empty recordings happen all the time with flaky microphones; answer
	// with a constant success shape so the widget can prompt a retry.
	if strings.TrimSpace(req.AudioBase64) == "" && strings.TrimSpace(req.ContainerBase64) == "" {
		writeTurnJSON(w, turnResponse{OK: false, NoAudio: true})
		return
	}

	turnID := uuid.NewString()
	started := time.Now()

	tctx := turnctx.Build(turnctx.Update{
		Profiles:          req.Profiles,
		CurrentVehicle:    req.CurrentVehicle,
		VehicleID:         req.VehicleID,
		SingleVehicleMode: req.SingleVehicleMode,
		RawContext:        req.RawContext,
		History:           req.History,
	}, h.inventoryProfiles())

	pcmB64, decodeMS, err := h.preparePCM(r.Context(), req)
	if err != nil {
		// A hang-up during transcoding is an abort, not a payload error,
		// and the dead connection gets nothing.
		if r.Context().Err() != nil {
			h.record(diag.StatusAborted, turnID, 0, decodeMS, 0, started, "client disconnected")
			logger.Info("turn aborted by client", "turn", turnID)
			return
		}
		h.record(diag.StatusError, turnID, 0, decodeMS, 0, started, err.Error())
		apierror.WriteJSON(w, err, reqID)
		return
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = upstream.DefaultTurnTimeout
	}

	upstreamStart := time.Now()
	res, err := h.Runner.RunTurn(r.Context(), upstream.TurnOptions{
		Instructions: tctx.Instructions,
		PCMBase64:    pcmB64,
		Timeout:      timeout,
		Quick: func(transcript string) string {
			if text, ok := reply.Deterministic(transcript, tctx); ok {
				return text
			}
			return ""
		},
	})
	upstreamMS := time.Since(upstreamStart).Milliseconds()

	if err != nil {
		// The caller hanging up is not an error; just make sure nothing
		// gets written to the dead connection.
		if r.Context().Err() != nil && errors.Is(err, context.Canceled) {
			h.record(diag.StatusAborted, turnID, 0, decodeMS, upstreamMS, started, "client disconnected")
			logger.Info("turn aborted by client", "turn", turnID)
			return
		}
		h.record(diag.StatusError, turnID, 0, decodeMS, upstreamMS, started, err.Error())
		logger.Error("turn failed", "turn", turnID, "error", err)
		apierror.WriteJSON(w, turnError(err), reqID)
		return
	}

	text, rewritten := reply.Stabilize(reply.Input{
		RawText:    res.Text,
		Transcript: res.Transcript,
		Ctx:        tctx,
	})
	audioB64 := res.AudioBase64
	if rewritten {
		// The model audio says something else now; text wins.
		audioB64 = ""
	}

	h.record(diag.StatusOK, turnID, 0, decodeMS, upstreamMS, started, "")
	logger.Info("turn done", "turn", turnID, "early", res.EarlyFinish, "chars", len(text))
	writeTurnJSON(w, turnResponse{
		OK:          true,
		TurnID:      turnID,
		Text:        text,
		Transcript:  res.Transcript,
		AudioBase64: audioB64,
	})
}

// preparePCM returns the base64 PCM payload for the upstream, transcoding
// the container form if needed.
func (h TurnHandler) preparePCM(ctx context.Context, req turnRequest) (string, int64, error) {
	if raw := strings.TrimSpace(req.AudioBase64); raw != "" {
		if _, err := base64.StdEncoding.DecodeString(raw); err != nil {
			return "", 0, apierror.New(apierror.KindPayload, "audioBase64 is not valid base64")
		}
		return raw, 0, nil
	}

	container, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.ContainerBase64))
	if err != nil {
		return "", 0, apierror.New(apierror.KindPayload, "containerBase64 is not valid base64")
	}
	if h.Transcoder == nil {
		return "", 0, apierror.New(apierror.KindConfig, "audio transcoding is not available")
	}
	start := time.Now()
	pcm, err := h.Transcoder.ToPCM16(ctx, container)
	decodeMS := time.Since(start).Milliseconds()
	if err != nil {
		return "", decodeMS, apierror.New(apierror.KindPayload, "could not decode audio container")
	}
	if len(pcm) == 0 {
		return "", decodeMS, apierror.New(apierror.KindPayload, "decoded audio is empty")
	}
	return base64.StdEncoding.EncodeToString(pcm), decodeMS, nil
}

func turnError(err error) error {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return err
	}
	if errors.Is(err, upstream.ErrMissingCredential) ||
		errors.Is(err, upstream.ErrTurnTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return err
	}
	return apierror.New(apierror.KindTransport, "upstream turn failed")
}

func (h TurnHandler) inventoryProfiles() []catalog.Profile {
	if h.Inventory == nil {
		return nil
	}
	return h.Inventory.Profiles()
}

func (h TurnHandler) record(status diag.Status, turnID string, recordMS, decodeMS, upstreamMS int64, started time.Time, errText string) {
	if h.Diag == nil {
		return
	}
	h.Diag.Record(diag.Turn{
		At:         time.Now(),
		Status:     status,
		TurnID:     turnID,
		RecordMS:   recordMS,
		DecodeMS:   decodeMS,
		UpstreamMS: upstreamMS,
		TotalMS:    time.Since(started).Milliseconds(),
		Error:      errText,
	})
}

func writeTurnJSON(w http.ResponseWriter, resp turnResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
