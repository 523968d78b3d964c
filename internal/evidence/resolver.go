package evidence

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const resolveTimeout = 5 * time.Second

// defaultGatewayHosts lists hostname suffixes of known indirection gateways
// whose URLs hide the real source behind a redirect.
var defaultGatewayHosts = []string{
	"vertexaisearch.cloud.google.com",
	"grounding-api-redirect.googleapis.com",
	"www.google.com",
	"l.facebook.com",
	"t.co",
	"lnkd.in",
	"bit.ly",
	"tinyurl.com",
}

// Resolver resolves indirection-gateway URLs to their redirect targets.
// Every failure mode falls back to the original URL.
type Resolver struct {
	client   *http.Client
	gateways []string
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithGatewayHosts overrides the default gateway host suffixes.
func WithGatewayHosts(hosts []string) ResolverOption {
	return func(r *Resolver) {
		r.gateways = hosts
	}
}

// WithHTTPClient overrides the default http.Client. Redirect following stays
// disabled regardless: the Location header is captured manually.
func WithHTTPClient(hc *http.Client) ResolverOption {
	return func(r *Resolver) {
		hc.CheckRedirect = noFollow
		r.client = hc
	}
}

func noFollow(_ *http.Request, _ []*http.Request) error {
	return http.ErrUseLastResponse
}

// NewResolver creates a Resolver with a bounded-timeout client.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		client: &http.Client{
			Timeout:       resolveTimeout,
			CheckRedirect: noFollow,
		},
		gateways: defaultGatewayHosts,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// isGateway reports whether the URL's hostname matches a known indirection
// gateway.
func (r *Resolver) isGateway(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, g := range r.gateways {
		if host == g || strings.HasSuffix(host, "."+g) {
			return true
		}
	}
	return false
}

// Resolve returns the redirect target of a gateway URL, or the input
// unchanged when the URL is not a gateway or resolution fails. A HEAD
// request is tried first; if it yields no usable Location, one GET retry
// follows under the same policy.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) string {
	if !r.isGateway(rawURL) {
		return rawURL
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	if target, ok := r.tryResolve(ctx, http.MethodHead, rawURL); ok {
		return target
	}
	if target, ok := r.tryResolve(ctx, http.MethodGet, rawURL); ok {
		return target
	}

	zap.L().Debug("evidence: redirect resolution fell back to original",
		zap.String("url", rawURL),
	)
	return rawURL
}

func (r *Resolver) tryResolve(ctx context.Context, method, rawURL string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return "", false
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return "", false
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", false
	}

	// Location may be relative; resolve against the request URL.
	target, err := resp.Request.URL.Parse(loc)
	if err != nil {
		return "", false
	}
	return target.String(), true
}

// ResolveAll resolves every URL concurrently, one goroutine per URL, each
// independently time-bounded. Output order matches input order.
func (r *Resolver) ResolveAll(ctx context.Context, urls []string) []string {
	resolved := make([]string, len(urls))

	g, gCtx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			resolved[i] = r.Resolve(gCtx, u)
			return nil
		})
	}
	_ = g.Wait()

	return resolved
}
