// Package config loads and validates the gateway's process configuration
// from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// StorageBackend selects where conversation transcripts are persisted.
type StorageBackend string

const (
	StorageFS       StorageBackend = "fs"
	StoragePostgres StorageBackend = "postgres"
)

type Config struct {
	Addr string

	// AgentAPIKey is the process-wide agent service credential. Individual
	// agent profiles may override it.
	AgentAPIKey string
	// AgentEndpointBase overrides the agent service REST base URL.
	AgentEndpointBase string
	// AgentConfigFile optionally extends the built-in region table; watched
	// for changes when set.
	AgentConfigFile string

	// Carrier REST credentials; empty disables outbound dialing/SMS.
	CarrierAccountSID string
	CarrierAuthToken  string
	CarrierFromNumber string

	// PublicWSURL is the externally reachable media-stream socket URL handed
	// to the carrier in call instructions (wss://host/media-stream).
	PublicWSURL string

	Storage     StorageBackend
	StorageDir  string
	PostgresDSN string

	CORSAllowedOrigins []string

	ConnectTimeout      time.Duration
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("CALLBRIDGE_ADDR", ":8080"),
		AgentAPIKey:         strings.TrimSpace(os.Getenv("CALLBRIDGE_AGENT_API_KEY")),
		AgentEndpointBase:   envOr("CALLBRIDGE_AGENT_ENDPOINT_BASE", "https://api.elevenlabs.io"),
		AgentConfigFile:     strings.TrimSpace(os.Getenv("CALLBRIDGE_AGENT_CONFIG_FILE")),
		CarrierAccountSID:   strings.TrimSpace(os.Getenv("CALLBRIDGE_CARRIER_ACCOUNT_SID")),
		CarrierAuthToken:    strings.TrimSpace(os.Getenv("CALLBRIDGE_CARRIER_AUTH_TOKEN")),
		CarrierFromNumber:   strings.TrimSpace(os.Getenv("CALLBRIDGE_CARRIER_FROM_NUMBER")),
		PublicWSURL:         envOr("CALLBRIDGE_PUBLIC_WS_URL", "wss://localhost:8080/media-stream"),
		Storage:             StorageBackend(envOr("CALLBRIDGE_STORAGE", string(StorageFS))),
		StorageDir:          envOr("CALLBRIDGE_STORAGE_DIR", "conversation_history"),
		PostgresDSN:         strings.TrimSpace(os.Getenv("CALLBRIDGE_POSTGRES_DSN")),
		CORSAllowedOrigins:  splitCSV(os.Getenv("CALLBRIDGE_CORS_ORIGINS")),
		ConnectTimeout:      envDurationOr("CALLBRIDGE_CONNECT_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout:   envDurationOr("CALLBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.AgentAPIKey == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_AGENT_API_KEY must be set")
	}

	switch cfg.Storage {
	case StorageFS:
		if strings.TrimSpace(cfg.StorageDir) == "" {
			return Config{}, fmt.Errorf("CALLBRIDGE_STORAGE_DIR must not be empty")
		}
	case StoragePostgres:
		if cfg.PostgresDSN == "" {
			return Config{}, fmt.Errorf("CALLBRIDGE_POSTGRES_DSN must be set when CALLBRIDGE_STORAGE=postgres")
		}
	default:
		return Config{}, fmt.Errorf("CALLBRIDGE_STORAGE must be one of fs|postgres")
	}

	u, err := url.Parse(cfg.PublicWSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_PUBLIC_WS_URL must be a ws:// or wss:// URL")
	}

	// Carrier credentials come as a set or not at all.
	set := 0
	for _, v := range []string{cfg.CarrierAccountSID, cfg.CarrierAuthToken, cfg.CarrierFromNumber} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return Config{}, fmt.Errorf("CALLBRIDGE_CARRIER_ACCOUNT_SID, CALLBRIDGE_CARRIER_AUTH_TOKEN and CALLBRIDGE_CARRIER_FROM_NUMBER must be set together")
	}

	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// CarrierConfigured reports whether outbound dialing/SMS is enabled.
func (c Config) CarrierConfigured() bool {
	return c.CarrierAccountSID != "" && c.CarrierAuthToken != "" && c.CarrierFromNumber != ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
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
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
