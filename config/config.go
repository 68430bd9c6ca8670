package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every tunable the streaming service consumes, loaded once at
// process start and passed down by value. No package-level state.
type Config struct {
	Host string
	Port string

	// Audio buffering
	BufferCapacityBytes int
	ChunkSizeBytes      int

	// Circuit breaker defaults (one breaker per external service)
	BreakerFailureThreshold  int
	BreakerSuccessThreshold  int
	BreakerTimeout           time.Duration
	BreakerHalfOpenRequests  int
	BreakerErrorThresholdPct float64

	// Upstream reconnect backoff
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	// Sessions
	SessionHistoryMax    int
	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration

	// Providers
	ProviderOrder     []string // synthesis priority, ex: "elevenlabs,googletts"
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
	ElevenLabsWSURL   string
	GCPProjectID      string
	GCPLocation       string
	GeminiModel       string
	OpenAIAPIKey      string

	// Moderation policy: fail open on collaborator outage unless flipped.
	ModerationFailClosed bool

	// External call deadline applied to moderation/generation/synthesis.
	CollaboratorTimeout time.Duration

	RedisAddr       string
	DeviceJWTSecret string
}

func Load() Config {
	return Config{
		Host: envStr("HOST", "0.0.0.0"),
		Port: envStr("PORT", "8080"),

		BufferCapacityBytes: envInt("AUDIO_BUFFER_CAPACITY", 8192),
		ChunkSizeBytes:      envInt("AUDIO_CHUNK_SIZE", 1024),

		BreakerFailureThreshold:  envInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold:  envInt("BREAKER_SUCCESS_THRESHOLD", 3),
		BreakerTimeout:           envDur("BREAKER_TIMEOUT", 60*time.Second),
		BreakerHalfOpenRequests:  envInt("BREAKER_HALF_OPEN_REQUESTS", 3),
		BreakerErrorThresholdPct: envFloat("BREAKER_ERROR_THRESHOLD_PCT", 50.0),

		ReconnectBaseDelay:   envDur("RECONNECT_BASE_DELAY", 1*time.Second),
		ReconnectMaxDelay:    envDur("RECONNECT_MAX_DELAY", 30*time.Second),
		ReconnectMaxAttempts: envInt("RECONNECT_MAX_ATTEMPTS", 10),

		SessionHistoryMax:    envInt("SESSION_HISTORY_MAX", 10),
		SessionIdleTimeout:   envDur("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SessionSweepInterval: envDur("SESSION_SWEEP_INTERVAL", 5*time.Minute),

		ProviderOrder:     envList("TTS_PROVIDER_ORDER", "elevenlabs,googletts"),
		ElevenLabsAPIKey:  os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
		ElevenLabsWSURL:   os.Getenv("ELEVENLABS_WS_URL"),
		GCPProjectID:      os.Getenv("GCP_PROJECT_ID"),
		GCPLocation:       envStr("GCP_LOCATION", "us-central1"),
		GeminiModel:       envStr("GEMINI_MODEL", "gemini-1.5-flash"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),

		ModerationFailClosed: envBool("MODERATION_FAIL_CLOSED", false),

		CollaboratorTimeout: envDur("COLLABORATOR_TIMEOUT", 15*time.Second),

		RedisAddr:       os.Getenv("REDIS_ADDR"),
		DeviceJWTSecret: os.Getenv("DEVICE_JWT_SECRET"),
	}
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key, def string) []string {
	raw := envStr(key, def)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
