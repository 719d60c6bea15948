// Package audio shells out to ffmpeg to turn browser audio containers
// (webm/ogg/mp4) into the raw PCM the upstream expects.
package audio

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	// Upstream audio format: mono signed 16-bit little endian at 24 kHz.
	SampleRateHz = 24000

	maxStderrChars = 400
)

// Transcoder converts encoded audio containers to PCM16 via an external
// ffmpeg binary. The configured binary is tried first, then plain "ffmpeg"
// from PATH.
type Transcoder struct {
	Binary string
	Logger *slog.Logger

	// runCommand is swappable for tests.
	runCommand func(ctx context.Context, bin string, args []string) error
}

func NewTranscoder(binary string, logger *slog.Logger) *Transcoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcoder{Binary: binary, Logger: logger, runCommand: runFFmpeg}
}

// ToPCM16 writes the container to a temp file, runs ffmpeg and reads the
// decoded PCM back. Cancellation of ctx kills the external process.
func (t *Transcoder) ToPCM16(ctx context.Context, container []byte) ([]byte, error) {
	if len(container) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}

	id := randHex(6)
	inPath := filepath.Join(os.TempDir(), "wally_in_"+id+".webm")
	outPath := filepath.Join(os.TempDir(), "wally_out_"+id+".pcm")
	if err := os.WriteFile(inPath, container, 0o600); err != nil {
		return nil, fmt.Errorf("write temp audio: %w", err)
	}
	defer func() {
		_ = os.Remove(inPath)
		_ = os.Remove(outPath)
	}()

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", inPath,
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", SampleRateHz),
		"-f", "s16le",
		outPath,
	}

	run := t.runCommand
	if run == nil {
		run = runFFmpeg
	}

	bins := []string{}
	if t.Binary != "" {
		bins = append(bins, t.Binary)
	}
	if t.Binary != "ffmpeg" {
		bins = append(bins, "ffmpeg")
	}

	var lastErr error
	for _, bin := range bins {
		if err := run(ctx, bin, args); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		pcm, err := os.ReadFile(outPath)
		if err != nil {
			return nil, fmt.Errorf("read transcoded audio: %w", err)
		}
		return pcm, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no ffmpeg binary available")
	}
	return nil, fmt.Errorf("ffmpeg conversion failed: %w", lastErr)
}

func runFFmpeg(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := stderr.String()
		if len(detail) > maxStderrChars {
			detail = detail[:maxStderrChars]
		}
		return fmt.Errorf("%s failed: %v: %s", bin, err, detail)
	}
	return nil
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return "000000000000"
	}
	return hex.EncodeToString(b)
}
