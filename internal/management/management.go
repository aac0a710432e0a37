// Package management provides a lightweight HTTP API for runtime inspection
// and configuration of the running proxy.
//
// Endpoints:
//
//	GET  /status      - proxy health, CA identity, count of registered custom certs
//	GET  /metrics     - counters from internal/metrics
//	GET  /certs       - list operator-registered custom cert bindings
//	POST /certs/add   - register a custom cert/key {"spec":"...","path":"...","passphrase":"..."}
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"mitmca-proxy/internal/config"
	"mitmca-proxy/internal/logger"
	"mitmca-proxy/internal/metrics"
	"mitmca-proxy/internal/mitm"
)

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	store     *mitm.Store
	certs     *CertRegistry
	token     string           // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics // nil = no metrics
	log       *logger.Logger
}

// CertRegistration records one operator-supplied custom cert binding, so it
// can be replayed against a freshly loaded Store on restart.
type CertRegistration struct {
	Spec string `json:"spec"`
	Path string `json:"path"`
}

// CertRegistry tracks operator-registered custom cert/key bindings and
// replays them into a Store on startup. Changes are persisted to disk via
// atomic file writes so they survive proxy restarts (the passphrase itself
// is never persisted — only the spec/path pair).
type CertRegistry struct {
	mu            sync.RWMutex
	store         *mitm.Store
	registrations []CertRegistration
	persistPath   string // empty = no persistence
	log           *logger.Logger
}

// NewCertRegistry creates a registry bound to store. If persistPath is
// non-empty and the file exists, every persisted registration is replayed
// against store immediately.
func NewCertRegistry(store *mitm.Store, persistPath string) *CertRegistry {
	r := &CertRegistry{store: store, persistPath: persistPath, log: logger.New("CERTS", "info")}

	if persistPath == "" {
		return r
	}
	regs, err := r.loadFromDisk()
	switch {
	case err == nil:
		for _, reg := range regs {
			if aerr := store.AddCertFile(reg.Spec, reg.Path, ""); aerr != nil {
				r.log.Warnf("replay", "%s -> %s: %v", reg.Spec, reg.Path, aerr)
				continue
			}
			r.registrations = append(r.registrations, reg)
		}
		r.log.Infof("replay", "replayed %d custom cert registrations from %s", len(r.registrations), persistPath)
	case !os.IsNotExist(err):
		r.log.Warnf("replay", "failed to load %s: %v", persistPath, err)
	}
	return r
}

// Add registers spec -> path (decrypting with passphrase if needed) against
// the store, then persists the spec/path pair to disk.
func (r *CertRegistry) Add(spec, path, passphrase string) error {
	if err := r.store.AddCertFile(spec, path, passphrase); err != nil {
		return err
	}

	r.mu.Lock()
	r.registrations = append(r.registrations, CertRegistration{Spec: spec, Path: path})
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(snapshot)
	return nil
}

// All returns a sorted-by-spec copy of all registrations.
func (r *CertRegistry) All() []CertRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *CertRegistry) snapshotLocked() []CertRegistration {
	out := make([]CertRegistration, len(r.registrations))
	copy(out, r.registrations)
	sort.Slice(out, func(i, j int) bool { return out[i].Spec < out[j].Spec })
	return out
}

func (r *CertRegistry) loadFromDisk() ([]CertRegistration, error) {
	data, err := os.ReadFile(r.persistPath)
	if err != nil {
		return nil, err
	}
	var regs []CertRegistration
	if err := json.Unmarshal(data, &regs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.persistPath, err)
	}
	return regs, nil
}

// persist writes the given registration snapshot to disk atomically.
func (r *CertRegistry) persist(regs []CertRegistration) {
	if r.persistPath == "" {
		return
	}

	data, err := json.MarshalIndent(regs, "", "  ")
	if err != nil {
		r.log.Errorf("persist", "marshal: %v", err)
		return
	}

	dir := filepath.Dir(r.persistPath)
	tmp, err := os.CreateTemp(dir, ".certs-*.tmp")
	if err != nil {
		r.log.Errorf("persist", "create temp: %v", err)
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()        //nolint:errcheck // best-effort cleanup
		os.Remove(tmpName) //nolint:errcheck // #nosec G703 -- tmpName from os.CreateTemp, not user input
		r.log.Errorf("persist", "write: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck // #nosec G703 -- tmpName from os.CreateTemp, not user input
		r.log.Errorf("persist", "close: %v", err)
		return
	}
	if err := os.Rename(tmpName, r.persistPath); err != nil { // #nosec G703 -- paths from trusted config
		os.Remove(tmpName) //nolint:errcheck // #nosec G703 -- tmpName from os.CreateTemp, not user input
		r.log.Errorf("persist", "rename: %v", err)
		return
	}
}

// New creates a management server.
func New(cfg *config.Config, store *mitm.Store, certs *CertRegistry, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		store:     store,
		certs:     certs,
		token:     cfg.ManagementToken,
		metrics:   m,
		log:       logger.New("MANAGEMENT", cfg.LogLevel),
	}
	if s.token != "" {
		s.log.Info("auth", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/certs", s.handleListCerts)
	mux.HandleFunc("/certs/add", s.handleAddCert)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	ca := s.store.DefaultCA()
	type response struct {
		Status       string `json:"status"`
		Uptime       string `json:"uptime"`
		ProxyPort    int    `json:"proxyPort"`
		CACommonName string `json:"caCommonName"`
		CAExpiresAt  string `json:"caExpiresAt"`
		StoreSize    int    `json:"storeSize"`
		CustomCerts  int    `json:"customCerts"`
	}

	writeJSON(w, http.StatusOK, response{
		Status:       "running",
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		ProxyPort:    s.cfg.ProxyPort,
		CACommonName: ca.CN(),
		CAExpiresAt:  ca.NotAfter().Format(time.RFC3339),
		StoreSize:    s.store.Len(),
		CustomCerts:  len(s.certs.All()),
	})
}

func (s *Server) handleListCerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.certs.All())
}

func (s *Server) handleAddCert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		Spec       string `json:"spec"`
		Path       string `json:"path"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Spec == "" || req.Path == "" {
		http.Error(w, `invalid request: need {"spec":"...","path":"..."}`, http.StatusBadRequest)
		return
	}
	if err := s.certs.Add(req.Spec, req.Path, req.Passphrase); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.log.Infof("register_cert", "%s -> %s", req.Spec, req.Path)
	writeJSON(w, http.StatusOK, map[string]string{"added": req.Spec})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[MANAGEMENT] JSON encode error: %v", err)
	}
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.ManagementPort)
	s.log.Infof("listen", "listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
