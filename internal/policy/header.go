package policy

import (
	"context"
	"net/http"
	"sync/atomic"
)

// HeaderPublisher installs the published policy on every response served by
// the host's HTTP surface.
type HeaderPublisher struct {
	policy atomic.Pointer[string]
}

func (p *HeaderPublisher) PublishPolicy(_ context.Context, policy string) error {
	p.policy.Store(&policy)
	return nil
}

func (p *HeaderPublisher) Policy() string {
	if current := p.policy.Load(); current != nil {
		return *current
	}
	return ""
}

func (p *HeaderPublisher) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if policy := p.Policy(); policy != "" && w.Header().Get(HeaderContentSecurityPolicy) == "" {
			w.Header().Set(HeaderContentSecurityPolicy, policy)
		}
		next.ServeHTTP(w, r)
	})
}
