package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/key2drive/wally-gateway/pkg/gateway/diag"
)

// DiagnosticsHandler serves the recent turn window with latency percentiles.
type DiagnosticsHandler struct {
	Recorder *diag.Recorder
}

func (h DiagnosticsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type response struct {
		Summary diag.Summary `json:"summary"`
		Recent  []diag.Turn  `json:"recent"`
	}
	out := response{Recent: []diag.Turn{}}
	if h.Recorder != nil {
		out.Summary = h.Recorder.Summary()
		out.Recent = h.Recorder.Snapshot()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}
