// Package gateway is the edge rewrite path. Every inbound request is
// either passed through to the local routes (bypass) or transparently
// proxied to whichever sandbox the config store currently designates.
package gateway

import (
	"context"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dan-fein/sandbox-bootstrap-next/kv"
	"github.com/dan-fein/sandbox-bootstrap-next/model"
)

// bypassPrefixes short-circuit to the local handler: the service's own
// API surface plus static assets the sandbox never serves.
var bypassPrefixes = []string{
	"/api",
	"/watchdog",
	"/favicon.ico",
	"/robots.txt",
	"/sitemap",
	"/bootstrap.js",
	"/bootstrap.js.map",
}

type routeLabel string

const (
	labelActive   routeLabel = "active"
	labelFallback routeLabel = "fallback"
)

type ctxKey int

const targetKey ctxKey = 0

type target struct {
	url   *url.URL
	label routeLabel
}

type Gateway struct {
	store kv.Store
	next  http.Handler

	selfHost      string
	selfMalformed bool
	disabled      bool
	debug         bool

	probeClient *http.Client
	proxy       *httputil.ReverseProxy
}

// Options configures the gateway from the environment capture.
type Options struct {
	// SelfURL is this deployment's own public URL. Requests whose Host
	// matches it must never be rewritten (self-loop protection). A
	// malformed value bypasses everything.
	SelfURL string
	// Disabled turns off rewriting entirely (DISABLE_EDGE_REWRITE).
	Disabled bool
	// Debug adds per-request upstream probe headers.
	Debug bool
}

func New(store kv.Store, next http.Handler, opts Options) *Gateway {
	g := &Gateway{
		store:       store,
		next:        next,
		disabled:    opts.Disabled,
		debug:       opts.Debug,
		probeClient: &http.Client{Timeout: 5 * time.Second},
	}

	if opts.SelfURL != "" {
		u, err := url.Parse(opts.SelfURL)
		if err != nil || u.Host == "" {
			// Can't tell self traffic apart, so treat every request
			// as self and bypass.
			log.Printf("gateway: malformed SANDBOX_SELF_URL %q, bypassing all traffic", opts.SelfURL)
			g.selfMalformed = true
		} else {
			g.selfHost = u.Host
		}
	}

	g.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			t := pr.In.Context().Value(targetKey).(*target)
			pr.Out.URL.Scheme = t.url.Scheme
			pr.Out.URL.Host = t.url.Host
			pr.Out.URL.Path = pr.In.URL.Path
			pr.Out.URL.RawQuery = pr.In.URL.RawQuery
			pr.Out.Host = t.url.Host
			pr.Out.Header.Set("x-sandbox-origin", origin(t.url))
		},
		ModifyResponse: func(resp *http.Response) error {
			t := resp.Request.Context().Value(targetKey).(*target)
			resp.Header.Set("x-sandbox-origin", origin(t.url))
			if t.label == labelActive {
				resp.Header.Set("x-sandbox-routing", "edge-rewrite")
			} else {
				resp.Header.Set("x-sandbox-routing", "edge-rewrite-stale")
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Printf("gateway: upstream %s: %v", r.URL.Host, err)
			noBackend(w)
		},
	}

	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.bypass(r) {
		g.next.ServeHTTP(w, r)
		return
	}

	t, err := g.resolve(r.Context())
	if err != nil {
		log.Printf("gateway: resolve backend: %v", err)
		noBackend(w)
		return
	}
	if t == nil {
		noBackend(w)
		return
	}

	if g.debug {
		g.probeUpstream(w.Header(), r, t)
	}

	r = r.WithContext(context.WithValue(r.Context(), targetKey, t))
	g.proxy.ServeHTTP(w, r)
}

func (g *Gateway) bypass(r *http.Request) bool {
	if g.selfMalformed {
		return true
	}
	if g.selfHost != "" && r.Host == g.selfHost {
		return true
	}
	if g.disabled {
		return true
	}
	if r.Header.Get("x-sandbox-bypass") == "true" {
		return true
	}
	for _, prefix := range bypassPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// resolve reads the designated backend, preferring the active pointer
// and falling back to last-known-good. Returns nil when neither is set.
func (g *Gateway) resolve(ctx context.Context) (*target, error) {
	active, err := kv.ReadString(ctx, g.store, model.KeyActiveURL, model.LegacyKeyActiveURL)
	if err != nil {
		return nil, err
	}
	raw, label := active, labelActive
	if raw == "" {
		fallback, err := kv.ReadString(ctx, g.store, model.KeyLastKnownGoodURL, model.LegacyKeyLastKnownGoodURL)
		if err != nil {
			return nil, err
		}
		raw, label = fallback, labelFallback
	}
	if raw == "" {
		return nil, nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		log.Printf("gateway: unusable backend url %q (%s)", raw, label)
		return nil, nil
	}
	return &target{url: u, label: label}, nil
}

// probeUpstream issues a lightweight request to the composed upstream
// URL and reports the outcome in debug headers. HEAD for GET/HEAD
// requests, OPTIONS otherwise.
func (g *Gateway) probeUpstream(h http.Header, r *http.Request, t *target) {
	method := http.MethodOptions
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		method = http.MethodHead
	}

	u := *t.url
	u.Path = r.URL.Path
	u.RawQuery = r.URL.RawQuery

	status := -1
	req, err := http.NewRequestWithContext(r.Context(), method, u.String(), nil)
	if err == nil {
		req.Header.Set("x-sandbox-bypass", "true")
		var resp *http.Response
		resp, err = g.probeClient.Do(req)
		if err == nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
	}

	h.Set("x-sandbox-probe-status", strconv.Itoa(status))
	if err != nil {
		h.Set("x-sandbox-probe-error", err.Error())
	}
}

func noBackend(w http.ResponseWriter) {
	w.Header().Set("cache-control", "no-store")
	w.Header().Set("content-type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("No healthy sandbox available"))
}

func origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
