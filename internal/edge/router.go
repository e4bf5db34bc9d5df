// Package edge routes inbound site requests by Host header to the artifact prefix of
// the project's newest READY deployment.
package edge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strings"
	"time"
)

// IndexDocument is served for extension-less paths.
const IndexDocument = "/index.html"

// Config controls the proxy.
type Config struct {
	// ArtifactBase is the origin prefix; each deployment lives at <base>/<deploymentId>.
	ArtifactBase string
	// UpstreamTimeout bounds the wait for origin response headers.
	UpstreamTimeout time.Duration
	DialTimeout     time.Duration
}

type targetKey struct{}

// Router is the edge http.Handler.
type Router struct {
	resolver *Resolver
	base     *url.URL
	proxy    *httputil.ReverseProxy
	log      *slog.Logger
	metrics  *Metrics
}

// NewRouter validates cfg and builds the handler. metrics may be nil.
func NewRouter(resolver *Resolver, cfg Config, logger *slog.Logger, metrics *Metrics) (*Router, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.ArtifactBase), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid artifact base %q", cfg.ArtifactBase)
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 15 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	rt := &Router{resolver: resolver, base: base, log: logger.With("component", "edge"), metrics: metrics}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.ResponseHeaderTimeout = cfg.UpstreamTimeout
	rt.proxy = &httputil.ReverseProxy{
		Rewrite:      rt.rewrite,
		Transport:    transport,
		ErrorHandler: rt.proxyError,
	}
	return rt, nil
}

// Origin returns the artifact prefix of a deployment.
func (rt *Router) Origin(deploymentID string) *url.URL {
	return rt.base.JoinPath(deploymentID)
}

// RewritePath applies the single-page-app fallback.
func RewritePath(p string) string {
	if path.Ext(p) == "" {
		return IndexDocument
	}
	return p
}

func (rt *Router) rewrite(pr *httputil.ProxyRequest) {
	origin, _ := pr.In.Context().Value(targetKey{}).(*url.URL)
	pr.Out.URL.Path = RewritePath(pr.In.URL.Path)
	pr.Out.URL.RawPath = ""
	// SetURL joins the origin path with the rewritten path and drops the inbound Host.
	pr.SetURL(origin)
	pr.SetXForwarded()
}

// ServeHTTP resolves the Host header and proxies the request.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w}
	outcome := rt.serve(sw, r)
	status := sw.status
	if status == 0 {
		status = http.StatusOK
	}
	rt.metrics.observe(outcome, status, time.Since(start))
	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	} else if status >= 400 {
		level = slog.LevelWarn
	}
	rt.log.Log(r.Context(), level, "edge_request",
		"host", r.Host,
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"outcome", outcome,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (rt *Router) serve(w *statusWriter, r *http.Request) string {
	sub, err := SubDomain(r.Host)
	if err != nil {
		failure(w, http.StatusBadRequest, err.Error())
		return "no_subdomain"
	}
	target, cached, err := rt.resolver.Resolve(r.Context(), sub)
	rt.metrics.observeCache(cached)
	switch {
	case errors.Is(err, ErrProjectNotFound):
		failure(w, http.StatusNotFound, err.Error())
		return "project_not_found"
	case errors.Is(err, ErrNoReadyDeployment):
		failure(w, http.StatusNotFound, err.Error())
		return "no_ready_deployment"
	case err != nil:
		rt.log.Error("resolve target", "sub_domain", sub, "error", err)
		failure(w, http.StatusInternalServerError, "internal server error")
		return "resolve_error"
	}
	origin := rt.Origin(target.DeploymentID)
	ctx := context.WithValue(r.Context(), targetKey{}, origin)
	rt.proxy.ServeHTTP(w, r.WithContext(ctx))
	if w.proxyErr {
		return "upstream_error"
	}
	return "proxied"
}

func (rt *Router) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	if sw, ok := w.(*statusWriter); ok {
		sw.proxyErr = true
	}
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// client went away; nobody is left to read a response
		w.WriteHeader(499)
		return
	}
	if isTransportError(err) {
		rt.log.Warn("origin unreachable", "host", r.Host, "error", err)
		failure(w, http.StatusBadGateway, "origin unreachable")
		return
	}
	rt.log.Error("proxy failure", "host", r.Host, "error", err)
	failure(w, http.StatusInternalServerError, "internal server error")
}

func isTransportError(err error) bool {
	var (
		netErr  net.Error
		recErr  tls.RecordHeaderError
		certErr *tls.CertificateVerificationError
	)
	return errors.As(err, &netErr) ||
		errors.As(err, &recErr) ||
		errors.As(err, &certErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded)
}

func failure(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg+"\n")
}

type statusWriter struct {
	http.ResponseWriter
	status   int
	proxyErr bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
