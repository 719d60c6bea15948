package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileMissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFileSetsValues(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"# credentials\n" +
		"XAI_API_KEY=xai-test\n" +
		"WALLY_VOICE='Ara'\n" +
		"export WALLY_ADDR=\":4000\"\n" +
		"WALLY_TURN_TIMEOUT=10s\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("WALLY_TURN_TIMEOUT", "24s")
	t.Setenv("XAI_API_KEY", "")
	os.Unsetenv("XAI_API_KEY")
	t.Setenv("WALLY_VOICE", "")
	os.Unsetenv("WALLY_VOICE")
	t.Setenv("WALLY_ADDR", "")
	os.Unsetenv("WALLY_ADDR")

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("XAI_API_KEY"); got != "xai-test" {
		t.Fatalf("XAI_API_KEY=%q, want %q", got, "xai-test")
	}
	if got := os.Getenv("WALLY_VOICE"); got != "Ara" {
		t.Fatalf("WALLY_VOICE=%q, want unquoted %q", got, "Ara")
	}
	if got := os.Getenv("WALLY_ADDR"); got != ":4000" {
		t.Fatalf("WALLY_ADDR=%q, want %q", got, ":4000")
	}
	if got := os.Getenv("WALLY_TURN_TIMEOUT"); got != "24s" {
		t.Fatalf("WALLY_TURN_TIMEOUT=%q, want existing value preserved", got)
	}
}

func TestParseLineSkipsMalformed(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", "# note", "=value", "no_equals"} {
		if _, _, ok := parseLine(raw); ok {
			t.Fatalf("parseLine(%q) accepted, want skipped", raw)
		}
	}
	key, val, ok := parseLine("  A = b c ")
	if !ok || key != "A" || val != "b c" {
		t.Fatalf("parseLine spaced: key=%q val=%q ok=%v", key, val, ok)
	}
}
