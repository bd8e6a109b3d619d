// Package routes holds reverse proxy plumbing for upstream services the
// marketplace front end reaches through escrowd, such as a block explorer or
// a rate provider that needs a server-side API key.
package routes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"escrowmarket/observability/logging"
)

// Upstream names a proxied service.
type Upstream struct {
	Name   string
	Target *url.URL
	// Headers are added to every proxied request, typically credentials.
	Headers map[string]string
}

// ParseUpstream validates a proxy target.
func ParseUpstream(name, target string, headers map[string]string) (Upstream, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/?#") {
		return Upstream{}, fmt.Errorf("proxy name %q invalid", name)
	}
	parsed, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return Upstream{}, fmt.Errorf("proxy %s: %w", name, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Upstream{}, fmt.Errorf("proxy %s: unsupported scheme %q", name, parsed.Scheme)
	}
	if parsed.Host == "" {
		return Upstream{}, fmt.Errorf("proxy %s: host required", name)
	}
	return Upstream{Name: name, Target: parsed, Headers: headers}, nil
}

// NewProxy forwards requests under stripPrefix to the upstream, propagating
// trace context and replacing any caller credentials.
func NewProxy(up Upstream, stripPrefix string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	target := up.Target
	basePath := strings.TrimSuffix(stripPrefix, "/")
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Director = func(req *http.Request) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		req.Host = target.Host
		path := strings.TrimPrefix(req.URL.Path, basePath)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		req.URL.Path = joinPath(target.Path, path)
		req.URL.RawPath = ""
		if target.RawQuery != "" {
			if req.URL.RawQuery == "" {
				req.URL.RawQuery = target.RawQuery
			} else {
				req.URL.RawQuery = target.RawQuery + "&" + req.URL.RawQuery
			}
		}
		req.Header.Del("Authorization")
		req.Header.Del("Cookie")
		for key, value := range up.Headers {
			req.Header.Set(key, value)
		}
		otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("proxy upstream failed",
			slog.String("upstream", up.Name),
			slog.String("url", logging.MaskURL(r.URL.String())),
			slog.Any("error", err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "upstream " + up.Name + " unavailable"})
	}
	proxy.Transport = otelhttp.NewTransport(http.DefaultTransport)
	return proxy
}

func joinPath(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
