package proxy

import (
	"context"

	"github.com/agentworkforce/backstop/internal/gateway"
)

// Register routes TakeOverNow and CacheStatusQuery envelopes to p.
func (p *Proxy) Register(g *gateway.Gateway) {
	g.RegisterFunc(gateway.KindTakeOverNow, func(ctx context.Context, _ gateway.Request) error {
		return p.TakeOver(ctx)
	})
	g.RegisterFunc(gateway.KindCacheStatusQuery, func(ctx context.Context, req gateway.Request) error {
		status, err := p.Status(ctx)
		if err != nil {
			return err
		}
		return req.Respond(ctx, gateway.KindCacheStatus, status)
	})
}
