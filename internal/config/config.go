package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Source kinds accepted in MIRROR_SOURCE.
const (
	SourceX         = "x"
	SourceRSS       = "rss"
	SourceJetstream = "jetstream"
)

// Config holds all configuration for the application.
type Config struct {
	// Source is the kind of feed posts are mirrored from.
	Source string

	// Account is the monitored handle on the source.
	Account string

	// PollInterval is the fixed sleep between mirror iterations.
	PollInterval time.Duration

	// CursorStore locates the dedup cursor: "memory", a file path or a
	// sqlite://, postgres:// or redis:// URL.
	CursorStore string

	// UserAgent is sent on page and image fetches. Empty picks a random
	// browser user agent.
	UserAgent string

	MetadataTimeout  time.Duration
	MetadataMaxBytes int64
	MediaTimeout     time.Duration
	MediaMaxBytes    int64
	ResolveTimeout   time.Duration

	// HostInterval is the minimum spacing between requests to one host.
	HostInterval time.Duration

	BlueskyHandle      string
	BlueskyAppPassword string
	BlueskyPDS         string
	BlueskyAppView     string

	XBearerToken string
	XSessionFile string
	XAPIURL      string

	RSSURLTemplate string

	JetstreamURL      string
	JetstreamLookback time.Duration

	// Port is the status server port. 0 disables the server.
	Port int

	KafkaBrokers []string
	KafkaTopic   string

	OTLPEndpoint    string
	OTelServiceName string

	LogLevel slog.Level
}

// CursorKey names this mirror's cursor in shared stores.
func (c *Config) CursorKey() string {
	return c.Source + ":" + strings.ToLower(strings.TrimPrefix(c.Account, "@"))
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Source:             envOrDefault("MIRROR_SOURCE", SourceX),
		Account:            os.Getenv("MIRROR_ACCOUNT"),
		CursorStore:        envOrDefault("MIRROR_CURSOR_STORE", "data/last_mirrored.json"),
		UserAgent:          os.Getenv("MIRROR_USER_AGENT"),
		BlueskyHandle:      os.Getenv("BLUESKY_HANDLE"),
		BlueskyAppPassword: os.Getenv("BLUESKY_APP_PASSWORD"),
		BlueskyPDS:         envOrDefault("BLUESKY_PDS", "https://bsky.social"),
		BlueskyAppView:     envOrDefault("BLUESKY_APPVIEW", "https://public.api.bsky.app"),
		XBearerToken:       os.Getenv("X_BEARER_TOKEN"),
		XSessionFile:       os.Getenv("X_SESSION_FILE"),
		XAPIURL:            envOrDefault("X_API_URL", "https://api.x.com"),
		RSSURLTemplate:     envOrDefault("RSS_URL_TEMPLATE", "https://nitter.net/%s/rss"),
		JetstreamURL:       envOrDefault("JETSTREAM_URL", "wss://jetstream1.us-east.bsky.network/subscribe"),
		KafkaTopic:         envOrDefault("KAFKA_TOPIC", "posts.mirrored"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelServiceName:    envOrDefault("OTEL_SERVICE_NAME", "feed-mirror"),
	}

	var err error
	durations := []struct {
		name string
		def  time.Duration
		dst  *time.Duration
	}{
		{"MIRROR_POLL_INTERVAL", 60 * time.Second, &cfg.PollInterval},
		{"MIRROR_METADATA_TIMEOUT", 10 * time.Second, &cfg.MetadataTimeout},
		{"MIRROR_MEDIA_TIMEOUT", 15 * time.Second, &cfg.MediaTimeout},
		{"MIRROR_RESOLVE_TIMEOUT", 10 * time.Second, &cfg.ResolveTimeout},
		{"MIRROR_HOST_INTERVAL", 500 * time.Millisecond, &cfg.HostInterval},
		{"JETSTREAM_LOOKBACK", 24 * time.Hour, &cfg.JetstreamLookback},
	}
	for _, d := range durations {
		if *d.dst, err = durationEnv(d.name, d.def); err != nil {
			return nil, err
		}
	}

	if cfg.MetadataMaxBytes, err = int64Env("MIRROR_METADATA_MAX_BYTES", 10240); err != nil {
		return nil, err
	}
	if cfg.MediaMaxBytes, err = int64Env("MIRROR_MEDIA_MAX_BYTES", 1<<20); err != nil {
		return nil, err
	}

	cfg.Port = 3000
	if p := os.Getenv("PORT"); p != "" {
		cfg.Port, err = strconv.Atoi(p)
		if err != nil || cfg.Port < 0 {
			return nil, fmt.Errorf("invalid PORT: %q", p)
		}
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(envOrDefault("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Source {
	case SourceX:
		if c.XBearerToken == "" && c.XSessionFile == "" {
			return fmt.Errorf("X_BEARER_TOKEN or X_SESSION_FILE is required for the x source")
		}
	case SourceRSS:
		if !strings.Contains(c.RSSURLTemplate, "%s") {
			return fmt.Errorf("RSS_URL_TEMPLATE must contain %%s")
		}
	case SourceJetstream:
	default:
		return fmt.Errorf("invalid MIRROR_SOURCE %q: want x, rss or jetstream", c.Source)
	}

	if c.Account == "" {
		return fmt.Errorf("MIRROR_ACCOUNT is required")
	}
	if c.BlueskyHandle == "" {
		return fmt.Errorf("BLUESKY_HANDLE is required")
	}
	if c.BlueskyAppPassword == "" {
		return fmt.Errorf("BLUESKY_APP_PASSWORD is required")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func int64Env(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}
