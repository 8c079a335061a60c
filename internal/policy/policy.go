// Package policy announces the host's security posture: the
// content-restriction policy published once at startup, the default
// response headers, and the validation handshake reply.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/backstop/internal/gateway"
	"github.com/agentworkforce/backstop/internal/telemetry"
)

const (
	HeaderContentSecurityPolicy = "Content-Security-Policy"
	SecurityActive              = "active"
	eventType                   = "policy"
)

// Publisher installs the content-restriction policy in the hosting document.
type Publisher interface {
	PublishPolicy(ctx context.Context, policy string) error
}

type PublisherFunc func(ctx context.Context, policy string) error

func (f PublisherFunc) PublishPolicy(ctx context.Context, policy string) error {
	return f(ctx, policy)
}

type Options struct {
	Domain         string
	AllowedOrigins []string
	// TrustedDomainSuffix is the host suffix the service is expected to run
	// under. Empty disables the check.
	TrustedDomainSuffix string
	Publisher           Publisher
	Observer            telemetry.Observer
	Logger              *slog.Logger
	Now                 func() time.Time
}

type ValidationResponse struct {
	Domain    string `json:"domain"`
	Timestamp int64  `json:"timestamp"`
	Active    bool   `json:"active"`
	Security  string `json:"security"`
}

type Announcer struct {
	domain        string
	policy        string
	trustedSuffix string
	publisher     Publisher
	observer      telemetry.Observer
	logger        *slog.Logger
	now           func() time.Time

	initOnce sync.Once
	initErr  error
}

func New(opts Options) *Announcer {
	observer := opts.Observer
	if observer == nil {
		observer = telemetry.Nop()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Announcer{
		domain:        strings.TrimSpace(opts.Domain),
		policy:        BuildContentSecurityPolicy(opts.AllowedOrigins),
		trustedSuffix: strings.ToLower(strings.TrimSpace(opts.TrustedDomainSuffix)),
		publisher:     opts.Publisher,
		observer:      observer,
		logger:        logger,
		now:           now,
	}
}

// BuildContentSecurityPolicy lists each allowed origin once; an origin and its
// trailing-slash form collapse to one source.
func BuildContentSecurityPolicy(origins []string) string {
	seen := map[string]struct{}{}
	sources := []string{"'self'"}
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "" || origin == gateway.AnyOrigin {
			continue
		}
		if _, dup := seen[origin]; dup {
			continue
		}
		seen[origin] = struct{}{}
		sources = append(sources, origin)
	}
	return fmt.Sprintf("default-src %s; script-src 'self' 'unsafe-inline';", strings.Join(sources, " "))
}

func (a *Announcer) ContentSecurityPolicy() string {
	return a.policy
}

// Init publishes the content-restriction policy. Only the first call reaches
// the publisher; later calls return its result.
func (a *Announcer) Init(ctx context.Context) error {
	a.initOnce.Do(func() {
		if a.publisher == nil {
			return
		}
		if err := a.publisher.PublishPolicy(ctx, a.policy); err != nil {
			a.initErr = fmt.Errorf("publish policy: %w", err)
			a.emit(ctx, "policy_publish_failed", map[string]any{"error": err.Error()})
			return
		}
		a.emit(ctx, "policy_published", map[string]any{"policy": a.policy})
	})
	return a.initErr
}

// SecurityHeaders are merged into proxied responses without overwriting
// headers the upstream already set.
func (a *Announcer) SecurityHeaders() http.Header {
	h := http.Header{}
	h.Set(HeaderContentSecurityPolicy, a.policy)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	return h
}

func (a *Announcer) HandleValidation(ctx context.Context, req gateway.Request) error {
	return req.Respond(ctx, gateway.KindValidationResponse, ValidationResponse{
		Domain:    a.domain,
		Timestamp: a.now().UnixMilli(),
		Active:    true,
		Security:  SecurityActive,
	})
}

func (a *Announcer) Register(g *gateway.Gateway) {
	g.RegisterFunc(gateway.KindValidationRequest, a.HandleValidation)
}

type Warning struct {
	Code    string
	Message string
}

// CheckEnvironment inspects the URL the host is served from and reports
// insecure transport or an unexpected domain.
func (a *Announcer) CheckEnvironment(ctx context.Context, rawURL string) []Warning {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		w := Warning{Code: "invalid_base_url", Message: fmt.Sprintf("cannot parse %q", rawURL)}
		a.emit(ctx, "security_alert", map[string]any{"code": w.Code, "error": w.Message})
		return []Warning{w}
	}
	var warnings []Warning
	if !strings.EqualFold(parsed.Scheme, "https") {
		warnings = append(warnings, Warning{Code: "insecure_transport", Message: "served over " + parsed.Scheme})
	}
	host := strings.ToLower(parsed.Hostname())
	if a.trustedSuffix != "" && host != strings.TrimPrefix(a.trustedSuffix, ".") && !strings.HasSuffix(host, "."+strings.TrimPrefix(a.trustedSuffix, ".")) {
		warnings = append(warnings, Warning{Code: "untrusted_domain", Message: host + " is outside " + a.trustedSuffix})
	}
	for _, w := range warnings {
		reason := "security_warning"
		if w.Code == "untrusted_domain" {
			reason = "security_alert"
		}
		a.emit(ctx, reason, map[string]any{"code": w.Code, "error": w.Message})
	}
	return warnings
}

func (a *Announcer) emit(ctx context.Context, reason string, attrs map[string]any) {
	telemetry.Emit(ctx, a.observer, telemetry.Event{Type: eventType, Reason: reason, Attrs: attrs})
}
