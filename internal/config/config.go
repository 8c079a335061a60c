// Package config loads backstop settings from BACKSTOP_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

var ErrInvalidConfig = errors.New("invalid config")

// Host configures cmd/backstop.
type Host struct {
	ListenAddr      string        `env:"BACKSTOP_LISTEN_ADDR"        envDefault:":8080"`
	PublicURL       string        `env:"BACKSTOP_PUBLIC_URL"`
	Domain          string        `env:"BACKSTOP_DOMAIN"`
	AllowedOrigins  []string      `env:"BACKSTOP_ALLOWED_ORIGINS"    envSeparator:","`
	TrustedSuffix   string        `env:"BACKSTOP_TRUSTED_DOMAIN_SUFFIX"`
	FreshnessWindow time.Duration `env:"BACKSTOP_FRESHNESS_WINDOW"   envDefault:"5s"`

	FastStoreDSN    string        `env:"BACKSTOP_FAST_STORE_DSN"     envDefault:"memory://"`
	DurableStoreDSN string        `env:"BACKSTOP_DURABLE_STORE_DSN"  envDefault:"memory://"`
	StalenessWindow time.Duration `env:"BACKSTOP_STALENESS_WINDOW"   envDefault:"24h"`
	MaxFastLength   int           `env:"BACKSTOP_MAX_FAST_LENGTH"    envDefault:"1000000"`

	BackupInterval time.Duration `env:"BACKSTOP_BACKUP_INTERVAL"    envDefault:"30s"`
	BackupDebounce time.Duration `env:"BACKSTOP_BACKUP_DEBOUNCE"    envDefault:"2s"`

	Upstream       string `env:"BACKSTOP_UPSTREAM"`
	ManifestPath   string `env:"BACKSTOP_MANIFEST"`
	CacheStorePath string `env:"BACKSTOP_CACHE_STORE"`

	ShutdownTimeout time.Duration `env:"BACKSTOP_SHUTDOWN_TIMEOUT"  envDefault:"10s"`
	LogLevel        string        `env:"BACKSTOP_LOG_LEVEL"         envDefault:"info"`
	LogFormat       string        `env:"BACKSTOP_LOG_FORMAT"        envDefault:"json"`
	OTelEndpoint    string        `env:"BACKSTOP_OTEL_ENDPOINT"`
	ServiceName     string        `env:"BACKSTOP_SERVICE_NAME"      envDefault:"backstop"`
}

// Frame configures cmd/backstop-frame.
type Frame struct {
	HostURL          string        `env:"BACKSTOP_FRAME_HOST_URL"    envDefault:"ws://127.0.0.1:8080/ws"`
	Origin           string        `env:"BACKSTOP_FRAME_ORIGIN"`
	StateFile        string        `env:"BACKSTOP_FRAME_STATE_FILE"`
	RestoreOnConnect bool          `env:"BACKSTOP_FRAME_RESTORE"     envDefault:"true"`
	RequestTimeout   time.Duration `env:"BACKSTOP_FRAME_TIMEOUT"     envDefault:"10s"`
	LogLevel         string        `env:"BACKSTOP_LOG_LEVEL"         envDefault:"info"`
	LogFormat        string        `env:"BACKSTOP_LOG_FORMAT"        envDefault:"json"`
}

func LoadHost() (Host, error) {
	return LoadHostFrom(nil)
}

// LoadHostFrom parses environ (os.Environ when nil) into a validated Host.
func LoadHostFrom(environ map[string]string) (Host, error) {
	var cfg Host
	if err := parse(&cfg, environ); err != nil {
		return Host{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Host{}, err
	}
	return cfg, nil
}

func LoadFrame() (Frame, error) {
	return LoadFrameFrom(nil)
}

func LoadFrameFrom(environ map[string]string) (Frame, error) {
	var cfg Frame
	if err := parse(&cfg, environ); err != nil {
		return Frame{}, err
	}
	cfg.HostURL = strings.TrimSpace(cfg.HostURL)
	cfg.Origin = strings.TrimSpace(cfg.Origin)
	cfg.StateFile = strings.TrimSpace(cfg.StateFile)
	if err := cfg.Validate(); err != nil {
		return Frame{}, err
	}
	return cfg, nil
}

func parse(target any, environ map[string]string) error {
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(target, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Host) normalize() {
	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, origin := range c.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	c.AllowedOrigins = origins
	c.Domain = strings.TrimSpace(c.Domain)
	c.PublicURL = strings.TrimSpace(c.PublicURL)
	c.Upstream = strings.TrimSpace(c.Upstream)
	if c.Domain == "" && c.PublicURL != "" {
		if parsed, err := url.Parse(c.PublicURL); err == nil {
			c.Domain = parsed.Hostname()
		}
	}
}

func (c Host) Validate() error {
	var problems []string
	if c.Domain == "" {
		problems = append(problems, "BACKSTOP_DOMAIN or BACKSTOP_PUBLIC_URL is required")
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			problems = append(problems, "BACKSTOP_ALLOWED_ORIGINS must not contain *")
			continue
		}
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			problems = append(problems, fmt.Sprintf("allowed origin %q is not an absolute URL", origin))
		}
	}
	if c.Upstream != "" {
		parsed, err := url.Parse(c.Upstream)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			problems = append(problems, fmt.Sprintf("upstream %q is not an absolute URL", c.Upstream))
		}
	}
	for name, d := range map[string]time.Duration{
		"BACKSTOP_FRESHNESS_WINDOW": c.FreshnessWindow,
		"BACKSTOP_STALENESS_WINDOW": c.StalenessWindow,
		"BACKSTOP_BACKUP_INTERVAL":  c.BackupInterval,
		"BACKSTOP_BACKUP_DEBOUNCE":  c.BackupDebounce,
		"BACKSTOP_SHUTDOWN_TIMEOUT": c.ShutdownTimeout,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.MaxFastLength <= 0 {
		problems = append(problems, "BACKSTOP_MAX_FAST_LENGTH must be positive")
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c Frame) Validate() error {
	var problems []string
	parsed, err := url.Parse(c.HostURL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
		problems = append(problems, fmt.Sprintf("host url %q must be a ws:// or wss:// URL", c.HostURL))
	}
	if c.Origin == "" {
		problems = append(problems, "BACKSTOP_FRAME_ORIGIN is required")
	}
	if c.StateFile == "" {
		problems = append(problems, "BACKSTOP_FRAME_STATE_FILE is required")
	}
	if c.RequestTimeout <= 0 {
		problems = append(problems, "BACKSTOP_FRAME_TIMEOUT must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
