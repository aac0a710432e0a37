// Command proxy is an intercepting HTTPS proxy with an on-the-fly
// certificate authority.
//
// It terminates TLS for CONNECT tunnels using leaf certificates signed on
// demand by a local root CA (bootstrapped on first run), so the decrypted
// HTTP traffic can be inspected and forwarded to its real destination.
//
// Upstream proxy chaining (e.g. a corporate proxy) is automatic: Go's net/http
// reads HTTP_PROXY / HTTPS_PROXY / NO_PROXY from the environment. No extra
// configuration is required — set those env vars before starting this process.
//
// Usage:
//
//	# Direct internet access
//	./proxy
//
//	# Behind a corporate proxy
//	HTTPS_PROXY=http://corporate-proxy:8888 ./proxy
//
//	# Custom ports, custom confdir
//	PROXY_PORT=3128 MANAGEMENT_PORT=3129 CONFDIR=/etc/mitmca ./proxy
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mitmca-proxy/internal/config"
	"mitmca-proxy/internal/management"
	"mitmca-proxy/internal/metrics"
	"mitmca-proxy/internal/mitm"
	"mitmca-proxy/internal/proxy"
)

func main() {
	cfg := config.Load()

	printBanner(cfg)

	// Load (or bootstrap) the CA and its leaf cache. This is the one piece
	// of state both the proxy and management servers share.
	store, err := mitm.FromStore(cfg.ConfDir, cfg.CABasename, cfg.CAKeySize, cfg.CAOrganization, cfg.CACommonName, cfg.CAPassphrase)
	if err != nil {
		log.Fatalf("[MITM] Fatal: %v", err)
	}

	// Shared metrics collector — passed to both servers so counters are
	// unified, and wired into the store so cert lookups are instrumented.
	m := metrics.New()
	store.Metrics = m

	// Operator-registered custom certs are persisted alongside the CA so
	// they survive a restart.
	certs := management.NewCertRegistry(store, filepath.Join(cfg.ConfDir, "custom-certs.json"))

	// Start management API in background.
	// Fatal is intentional: the proxy should not run without its control plane.
	mgmt := management.New(cfg, store, certs, m)
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Fatalf("[MANAGEMENT] Fatal: %v", err)
		}
	}()

	// Start proxy server
	proxyServer := proxy.New(cfg, store, m)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.ProxyPort)
	log.Printf("[PROXY] Listening on %s", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           proxyServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Printf("[PROXY] Shutting down…")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[PROXY] Shutdown error: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[PROXY] Fatal: %v", err)
	}
}

func printBanner(cfg *config.Config) {
	upstreamProxy := os.Getenv("HTTPS_PROXY")
	if upstreamProxy == "" {
		upstreamProxy = os.Getenv("HTTP_PROXY")
	}
	if upstreamProxy == "" {
		upstreamProxy = "(direct — set HTTP_PROXY or HTTPS_PROXY to chain upstream)"
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          MITM Certificate Authority Proxy  (Go)      ║
╚══════════════════════════════════════════════════════╝
  Proxy port      : %d
  Management port : %d
  Upstream proxy  : %s
  CA confdir      : %s
  CA basename     : %s

  Point clients here:
    export HTTP_PROXY=http://localhost:%d
    export HTTPS_PROXY=http://localhost:%d

  Trust the generated root (once):
    %s/%s-ca-cert.pem

  Check status:
    curl http://localhost:%d/status
`, cfg.ProxyPort, cfg.ManagementPort,
		upstreamProxy,
		cfg.ConfDir, cfg.CABasename,
		cfg.ProxyPort, cfg.ProxyPort,
		cfg.ConfDir, cfg.CABasename,
		cfg.ManagementPort)
}
