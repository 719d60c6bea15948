package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func newTestTranscoder(run func(ctx context.Context, bin string, args []string) error) *Transcoder {
	t := NewTranscoder("ffmpeg-custom", slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.runCommand = run
	return t
}

func TestToPCM16RejectsEmptyInput(t *testing.T) {
	tr := newTestTranscoder(func(ctx context.Context, bin string, args []string) error {
		t.Fatalf("runCommand called for empty input")
		return nil
	})
	if _, err := tr.ToPCM16(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestToPCM16RunsConfiguredBinary(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0}
	var gotBin string
	tr := newTestTranscoder(func(ctx context.Context, bin string, args []string) error {
		gotBin = bin
		out := args[len(args)-1]
		return os.WriteFile(out, pcm, 0o600)
	})

	got, err := tr.ToPCM16(context.Background(), []byte("container-bytes"))
	if err != nil {
		t.Fatalf("ToPCM16: %v", err)
	}
	if gotBin != "ffmpeg-custom" {
		t.Fatalf("binary: %q", gotBin)
	}
	if string(got) != string(pcm) {
		t.Fatalf("pcm roundtrip: %v", got)
	}
}

func TestToPCM16FallsBackToPathBinary(t *testing.T) {
	var tried []string
	tr := newTestTranscoder(func(ctx context.Context, bin string, args []string) error {
		tried = append(tried, bin)
		if bin == "ffmpeg-custom" {
			return errors.New("not found")
		}
		return os.WriteFile(args[len(args)-1], []byte{9, 9}, 0o600)
	})

	got, err := tr.ToPCM16(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("ToPCM16: %v", err)
	}
	if len(tried) != 2 || tried[1] != "ffmpeg" {
		t.Fatalf("fallback order: %v", tried)
	}
	if len(got) != 2 {
		t.Fatalf("pcm: %v", got)
	}
}

func TestToPCM16DoesNotRetryIdenticalBinary(t *testing.T) {
	var calls int
	tr := newTestTranscoder(func(ctx context.Context, bin string, args []string) error {
		calls++
		return errors.New("exit status 1")
	})
	tr.Binary = "ffmpeg"

	if _, err := tr.ToPCM16(context.Background(), []byte("x")); err == nil {
		t.Fatalf("expected failure")
	}
	if calls != 1 {
		t.Fatalf("ran the same binary %d times, want 1", calls)
	}
}

func TestToPCM16AllBinariesFail(t *testing.T) {
	tr := newTestTranscoder(func(ctx context.Context, bin string, args []string) error {
		return errors.New("exit status 1")
	})
	_, err := tr.ToPCM16(context.Background(), []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "ffmpeg conversion failed") {
		t.Fatalf("err: %v", err)
	}
}

func TestToPCM16CanceledContextWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := newTestTranscoder(func(ctx context.Context, bin string, args []string) error {
		cancel()
		return errors.New("killed")
	})
	_, err := tr.ToPCM16(ctx, []byte("x"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err: %v", err)
	}
}

func TestToPCM16PassesSampleRate(t *testing.T) {
	var gotArgs []string
	tr := newTestTranscoder(func(ctx context.Context, bin string, args []string) error {
		gotArgs = args
		return os.WriteFile(args[len(args)-1], []byte{0}, 0o600)
	})
	if _, err := tr.ToPCM16(context.Background(), []byte("x")); err != nil {
		t.Fatalf("ToPCM16: %v", err)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "-ar 24000") || !strings.Contains(joined, "-f s16le") || !strings.Contains(joined, "-ac 1") {
		t.Fatalf("args: %v", gotArgs)
	}
}
