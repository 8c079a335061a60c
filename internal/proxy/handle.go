package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const offlineBody = "Offline"

// Handle answers one outbound request. Excluded hosts pass straight through;
// everything else follows the configured strategy and, when neither network
// nor cache can answer, gets a 503 "Offline" response. An error is returned
// only for excluded hosts whose fetch failed.
func (p *Proxy) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, span := p.tracer.Start(ctx, "proxy.Handle", trace.WithAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
	))
	defer span.End()
	req = req.WithContext(ctx)

	if p.isExcluded(req.URL.Hostname()) {
		span.SetAttributes(attribute.String("backstop.cache.outcome", "bypass"))
		resp, err := p.fetcher.Do(req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "excluded host unreachable")
			return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
		}
		return resp, nil
	}

	generation, strategy := p.serving()
	span.SetAttributes(attribute.String("backstop.cache.generation", generation))

	var (
		resp    *http.Response
		outcome string
	)
	switch strategy {
	case CacheFirst:
		resp, outcome = p.cacheFirst(ctx, req, generation)
	default:
		resp, outcome = p.networkFirst(ctx, req, generation)
	}
	span.SetAttributes(
		attribute.String("backstop.cache.outcome", outcome),
		attribute.Int("http.response.status_code", resp.StatusCode),
	)
	p.mergeSecurityHeaders(resp.Header)
	return resp, nil
}

func (p *Proxy) networkFirst(ctx context.Context, req *http.Request, generation string) (*http.Response, string) {
	resp, err := p.fetcher.Do(req)
	if err == nil {
		return p.storeIfCacheable(ctx, req, resp, generation), "network"
	}
	p.emit(ctx, "network_unavailable", map[string]any{"url": req.URL.String(), "error": err.Error()})
	if cached, ok := p.match(ctx, req, generation); ok {
		return cached, "cache_fallback"
	}
	p.emit(ctx, "offline_fallback", map[string]any{"url": req.URL.String()})
	return offlineResponse(req), "offline"
}

func (p *Proxy) cacheFirst(ctx context.Context, req *http.Request, generation string) (*http.Response, string) {
	if cached, ok := p.match(ctx, req, generation); ok {
		return cached, "cache_hit"
	}
	resp, err := p.fetcher.Do(req)
	if err == nil {
		return p.storeIfCacheable(ctx, req, resp, generation), "network"
	}
	p.emit(ctx, "network_unavailable", map[string]any{"url": req.URL.String(), "error": err.Error()})
	p.emit(ctx, "offline_fallback", map[string]any{"url": req.URL.String()})
	return offlineResponse(req), "offline"
}

// storeIfCacheable snapshots successful GET responses into generation and
// returns a response whose body is still readable by the caller.
func (p *Proxy) storeIfCacheable(ctx context.Context, req *http.Request, resp *http.Response, generation string) *http.Response {
	if req.Method != http.MethodGet || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		_ = resp.Body.Close()
		p.emit(ctx, "network_unavailable", map[string]any{"url": req.URL.String(), "error": err.Error()})
		if cached, ok := p.match(ctx, req, generation); ok {
			return cached
		}
		return offlineResponse(req)
	}
	if int64(len(body)) > p.maxBody {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return resp
	}
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	err = p.put(ctx, generation, CacheKey(req), Snapshot{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: p.now().UTC(),
	})
	if err != nil {
		p.logger.Warn("cache put failed", "generation", generation, "url", req.URL.String(), "error", err)
	}
	return resp
}

// put writes into generation only while it is still serving. Holding the read
// lock keeps activation from deleting it mid-write.
func (p *Proxy) put(ctx context.Context, generation, key string, snap Snapshot) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.servingLocked(generation) {
		return fmt.Errorf("%w: %s", ErrGenerationDeleted, generation)
	}
	cache, err := p.storage.Open(ctx, generation)
	if err != nil {
		return err
	}
	return cache.Put(ctx, key, snap)
}

// match reads from generation, or from the generation serving now when an
// activation superseded it mid-request. Storage is never created here.
func (p *Proxy) match(ctx context.Context, req *http.Request, generation string) (*http.Response, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.servingLocked(generation) {
		generation = p.active
		if generation == "" {
			generation = p.candidate
		}
	}
	cache, found, err := p.storage.Lookup(ctx, generation)
	if err != nil {
		p.logger.Warn("cache lookup failed", "generation", generation, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	snap, ok, err := cache.Match(ctx, CacheKey(req))
	if err != nil {
		p.logger.Warn("cache match failed", "generation", generation, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return snapshotResponse(req, snap), true
}

// mergeSecurityHeaders adds each default header the response lacks.
func (p *Proxy) mergeSecurityHeaders(h http.Header) {
	for key, values := range p.headers {
		if len(h.Values(key)) > 0 {
			continue
		}
		for _, value := range values {
			h.Add(key, value)
		}
	}
}

func snapshotResponse(req *http.Request, snap Snapshot) *http.Response {
	header := snap.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return buildResponse(req, snap.Status, header, snap.Body)
}

func offlineResponse(req *http.Request) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return buildResponse(req, http.StatusServiceUnavailable, header, []byte(offlineBody))
}

func buildResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ServeHTTP exposes Handle as a reverse proxy. Absolute-form request targets
// are forwarded as-is; everything else is resolved against the upstream.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := r.URL
	if !target.IsAbs() {
		if p.upstream == nil {
			http.Error(w, "no upstream configured", http.StatusBadGateway)
			return
		}
		target = p.upstream.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	}
	out := r.Clone(r.Context())
	out.URL = target
	out.Host = target.Host
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := p.Handle(r.Context(), out)
	if err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for key, values := range resp.Header {
		if isHopHeader(key) {
			continue
		}
		w.Header().Del(key)
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, resp.Body)
	}
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, key) {
			return true
		}
	}
	return false
}
