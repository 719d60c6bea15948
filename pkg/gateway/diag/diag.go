// Package diag keeps a bounded in-memory window of per-turn latency samples
// for the diagnostics endpoint. Process-scoped, lock-guarded, never reset.
package diag

import (
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusAborted Status = "aborted"
)

// Turn is one recorded turn.
type Turn struct {
	At         time.Time `json:"at"`
	Status     Status    `json:"status"`
	TurnID     string    `json:"turnId,omitempty"`
	RecordMS   int64     `json:"recordMs,omitempty"`
	DecodeMS   int64     `json:"decodeMs,omitempty"`
	UpstreamMS int64     `json:"upstreamMs,omitempty"`
	TotalMS    int64     `json:"totalMs"`
	Error      string    `json:"error,omitempty"`
}

// Summary is the aggregate view exposed by the diagnostics endpoint.
// Percentiles are computed over retained samples only.
type Summary struct {
	Count   int   `json:"count"`
	Errors  int   `json:"errors"`
	Aborted int   `json:"aborted"`
	P50MS   int64 `json:"p50Ms"`
	P90MS   int64 `json:"p90Ms"`
	P99MS   int64 `json:"p99Ms"`
}

const DefaultCapacity = 256

// Recorder is a fixed-capacity ring buffer of turns. Oldest entries are
// evicted first. Reads copy under the lock so appends never tear a snapshot.
type Recorder struct {
	mu    sync.Mutex
	buf   []Turn
	next  int
	total int
}

func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{buf: make([]Turn, 0, capacity)}
}

func (r *Recorder) Record(t Turn) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, t)
	} else {
		r.buf[r.next] = t
	}
	r.next = (r.next + 1) % cap(r.buf)
	r.total++
}

// Snapshot returns retained turns oldest first.
func (r *Recorder) Snapshot() []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Turn, 0, len(r.buf))
	if len(r.buf) < cap(r.buf) {
		return append(out, r.buf...)
	}
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (r *Recorder) Summary() Summary {
	turns := r.Snapshot()
	s := Summary{Count: len(turns)}
	if len(turns) == 0 {
		return s
	}
	totals := make([]int64, 0, len(turns))
	for _, t := range turns {
		switch t.Status {
		case StatusError:
			s.Errors++
		case StatusAborted:
			s.Aborted++
		}
		totals = append(totals, t.TotalMS)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i] < totals[j] })
	s.P50MS = percentile(totals, 50)
	s.P90MS = percentile(totals, 90)
	s.P99MS = percentile(totals, 99)
	return s
}

// percentile uses nearest-rank on an ascending-sorted slice.
func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
