// Package proxy implements the core HTTP proxy server.
//
// Traffic flow:
//   - HTTPS CONNECT requests: the connection is hijacked and TLS-terminated
//     locally using a certificate signed on the fly by the mitm cert store,
//     so the decrypted request stream can be inspected and forwarded.
//   - All other HTTP requests: forwarded to their destination unchanged.
//
// Upstream proxy (corporate proxy) chaining is automatic: Go's net/http
// respects HTTP_PROXY / HTTPS_PROXY / NO_PROXY environment variables natively.
// No extra configuration is needed — just set those env vars before starting.
package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"mitmca-proxy/internal/config"
	"mitmca-proxy/internal/logger"
	"mitmca-proxy/internal/metrics"
	"mitmca-proxy/internal/mitm"
)

// Server is the HTTP proxy server.
type Server struct {
	cfg       *config.Config
	store     *mitm.Store
	metrics   *metrics.Metrics // nil = no metrics
	log       *logger.Logger
	transport *http.Transport
}

// New creates and configures a new proxy server. m may be nil if metrics are
// disabled.
func New(cfg *config.Config, store *mitm.Store, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		metrics: m,
		log:     logger.New("PROXY", cfg.LogLevel),
	}

	// transport uses ProxyFromEnvironment — automatically picks up
	// HTTP_PROXY / HTTPS_PROXY / NO_PROXY env vars for upstream chaining.
	s.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return s
}

// ServeHTTP dispatches incoming proxy requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleTunnel(w, r)
		return
	}
	s.handleHTTP(w, r)
}

// handleTunnel handles HTTPS CONNECT requests by hijacking the connection,
// terminating TLS locally with a certificate the store signs on demand for
// the CONNECT target, and forwarding the decrypted requests upstream over a
// fresh TLS connection of our own.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	s.log.Info("connect", host)

	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK) // send "200 Connection established"

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		s.log.Errorf("hijack", "%s: %v", host, err)
		if s.metrics != nil {
			s.metrics.RecordTunnel(err)
		}
		return
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.forwardDecrypted(w, r, host)
	})
	mitm.HandleConn(clientConn, hostname, s.store, handler)
	if s.metrics != nil {
		s.metrics.RecordTunnel(nil)
	}
}

// handleHTTP handles plain HTTP proxy requests (no CONNECT, no TLS
// termination involved).
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	s.log.Infof("forward", "%s %s%s", r.Method, r.Host, r.URL.Path)
	s.forward(w, r, "http", r.Host)
}

// forwardDecrypted forwards a request that arrived over a locally terminated
// TLS tunnel, so its scheme and destination host come from the original
// CONNECT target rather than the request line.
func (s *Server) forwardDecrypted(w http.ResponseWriter, r *http.Request, target string) {
	s.log.Infof("forward_decrypted", "%s %s%s", r.Method, target, r.URL.Path)
	s.forward(w, r, "https", target)
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, scheme, host string) {
	r.URL.Scheme = scheme
	r.URL.Host = host
	if r.Host == "" {
		r.Host = host
	}

	// Strip hop-by-hop headers
	r.RequestURI = ""
	removeHopByHop(r.Header)

	resp, err := s.transport.RoundTrip(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("proxy error: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopByHop(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body) //nolint:errcheck
}

// --- helpers ---

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Proxy-Connection",
}

func removeHopByHop(h http.Header) {
	for _, v := range hopByHopHeaders {
		h.Del(v)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
