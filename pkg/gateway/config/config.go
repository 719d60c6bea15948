package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Upstream realtime service.
	UpstreamURL string
	APIKey      string
	Voice       string

	InventoryPath string
	FFmpegBinary  string

	MaxBodyBytes int64

	// CORS allowlist; empty means any origin is allowed.
	CORSAllowedOrigins map[string]struct{}

	// Live WebSocket sessions (/v1/voice).
	LiveIdleTimeout        time.Duration
	LiveConnectTimeout     time.Duration
	LiveHandshakeTimeout   time.Duration
	LiveWSPingInterval     time.Duration
	LiveWSWriteTimeout     time.Duration
	LiveWSReadTimeout      time.Duration
	LiveMaxMessageBytes    int64
	LiveMaxAudioChunkBytes int
	LiveOutboundQueueSize  int

	// One-shot turns (/api/turn).
	TurnTimeout time.Duration

	SampleRateHz int
	DiagCapacity int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                   envOr("WALLY_ADDR", ":3001"),
		UpstreamURL:            envOr("WALLY_REALTIME_URL", "wss://api.x.ai/v1/realtime"),
		APIKey:                 apiKeyFromEnv(),
		Voice:                  envOr("WALLY_VOICE", "Ara"),
		InventoryPath:          envOr("WALLY_INVENTORY_PATH", "data/inventory.json"),
		FFmpegBinary:           envOr("WALLY_FFMPEG_BIN", "ffmpeg"),
		MaxBodyBytes:           envInt64Or("WALLY_MAX_BODY_BYTES", 32<<20), // 32 MiB, audio uploads
		CORSAllowedOrigins:     make(map[string]struct{}),
		LiveIdleTimeout:        envDurationOr("WALLY_LIVE_IDLE_TIMEOUT", 2*time.Minute),
		LiveConnectTimeout:     envDurationOr("WALLY_LIVE_CONNECT_TIMEOUT", 15*time.Second),
		LiveHandshakeTimeout:   envDurationOr("WALLY_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveWSPingInterval:     envDurationOr("WALLY_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:     envDurationOr("WALLY_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:      envDurationOr("WALLY_LIVE_WS_READ_TIMEOUT", 0),
		LiveMaxMessageBytes:    envInt64Or("WALLY_LIVE_MAX_MESSAGE_BYTES", 2<<20),
		LiveMaxAudioChunkBytes: envIntOr("WALLY_LIVE_MAX_AUDIO_CHUNK_BYTES", 1<<20),
		LiveOutboundQueueSize:  envIntOr("WALLY_LIVE_OUTBOUND_QUEUE_SIZE", 128),
		TurnTimeout:            envDurationOr("WALLY_TURN_TIMEOUT", 24*time.Second),
		SampleRateHz:           envIntOr("WALLY_SAMPLE_RATE_HZ", 24000),
		DiagCapacity:           envIntOr("WALLY_DIAG_CAPACITY", 256),
		ReadHeaderTimeout:      envDurationOr("WALLY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:            envDurationOr("WALLY_READ_TIMEOUT", 60*time.Second),
		ShutdownGracePeriod:    envDurationOr("WALLY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("WALLY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.UpstreamURL) == "" {
		return Config{}, fmt.Errorf("WALLY_REALTIME_URL must not be empty")
	}
	if !strings.HasPrefix(cfg.UpstreamURL, "ws://") && !strings.HasPrefix(cfg.UpstreamURL, "wss://") {
		return Config{}, fmt.Errorf("WALLY_REALTIME_URL must be a ws:// or wss:// URL")
	}
	if strings.TrimSpace(cfg.InventoryPath) == "" {
		return Config{}, fmt.Errorf("WALLY_INVENTORY_PATH must not be empty")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("WALLY_MAX_BODY_BYTES must be > 0")
	}
	if cfg.LiveIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("WALLY_LIVE_IDLE_TIMEOUT must be > 0")
	}
	if cfg.LiveConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("WALLY_LIVE_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("WALLY_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("WALLY_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("WALLY_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("WALLY_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("WALLY_LIVE_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioChunkBytes <= 0 {
		return Config{}, fmt.Errorf("WALLY_LIVE_MAX_AUDIO_CHUNK_BYTES must be > 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("WALLY_LIVE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.TurnTimeout <= 0 {
		return Config{}, fmt.Errorf("WALLY_TURN_TIMEOUT must be > 0")
	}
	if cfg.SampleRateHz <= 0 {
		return Config{}, fmt.Errorf("WALLY_SAMPLE_RATE_HZ must be > 0")
	}
	if cfg.DiagCapacity <= 0 {
		return Config{}, fmt.Errorf("WALLY_DIAG_CAPACITY must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("WALLY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("WALLY_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("WALLY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// apiKeyFromEnv prefers the xAI key and falls back to an OpenAI key so the
// same build runs against either realtime backend.
func apiKeyFromEnv() string {
	if key := strings.TrimSpace(os.Getenv("XAI_API_KEY")); key != "" {
		return key
	}
	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
