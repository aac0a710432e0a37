package management

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mitmca-proxy/internal/config"
	"mitmca-proxy/internal/mitm"
)

func testConfig() *config.Config {
	return &config.Config{
		ProxyPort:      8080,
		ManagementPort: 8081,
	}
}

func testStore(t *testing.T) *mitm.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := mitm.FromStore(dir, "test", 2048, "", "", "")
	if err != nil {
		t.Fatalf("FromStore: %v", err)
	}
	return store
}

// --- CertRegistry tests ---

func TestCertRegistry_AddAndList(t *testing.T) {
	store := testStore(t)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "custom.pem")
	writeCustomCert(t, store, certPath)

	reg := NewCertRegistry(store, "")
	if err := reg.Add("custom.example.com", certPath, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}

	all := reg.All()
	if len(all) != 1 || all[0].Spec != "custom.example.com" {
		t.Errorf("All: got %v", all)
	}
}

func TestCertRegistry_Persistence(t *testing.T) {
	store := testStore(t)
	certDir := t.TempDir()
	certPath := filepath.Join(certDir, "custom.pem")
	writeCustomCert(t, store, certPath)

	persistDir := t.TempDir()
	persistPath := filepath.Join(persistDir, "certs.json")

	reg := NewCertRegistry(store, persistPath)
	if err := reg.Add("custom.example.com", certPath, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}

	data, err := os.ReadFile(persistPath)
	if err != nil {
		t.Fatalf("persist file not created: %v", err)
	}
	var regs []CertRegistration
	if err := json.Unmarshal(data, &regs); err != nil {
		t.Fatalf("invalid JSON in persist file: %v", err)
	}

	// Replay against the same CA: the persisted cert reuses that CA's key, so
	// a store with a different CA would reject it as a key mismatch.
	reg2 := NewCertRegistry(store, persistPath)
	all := reg2.All()
	if len(all) != 1 || all[0].Path != certPath {
		t.Errorf("expected registration replayed from disk, got %v", all)
	}
}

// writeCustomCert writes a leaf cert signed by the store's CA (it reuses the
// CA's key, so AddCertFile's key-match check succeeds) to path.
func writeCustomCert(t *testing.T, store *mitm.Store, path string) {
	t.Helper()
	entry, err := store.GetCert("custom.example.com", []mitm.GeneralName{mitm.DNSName("custom.example.com")}, "")
	if err != nil {
		t.Fatalf("GetCert: %v", err)
	}
	if err := os.WriteFile(path, entry.Cert.ToPEM(), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// --- HTTP handler tests ---

func newTestServer(t *testing.T, token string) (*Server, *mitm.Store) {
	t.Helper()
	cfg := testConfig()
	cfg.ManagementToken = token
	store := testStore(t)
	reg := NewCertRegistry(store, "")
	srv := New(cfg, store, reg, nil)
	return srv, store
}

func TestStatus_OK(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["status"] != "running" {
		t.Errorf("expected status=running, got %v", resp["status"])
	}
}

func TestAuth_NoToken_PassThrough(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with no token configured, got %d", w.Code)
	}
}

func TestAuth_ValidToken(t *testing.T) {
	srv, _ := newTestServer(t, "secret123")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d", w.Code)
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	srv, _ := newTestServer(t, "secret123")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	srv, _ := newTestServer(t, "secret123")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with missing token, got %d", w.Code)
	}
}

func TestAddCert_OK(t *testing.T) {
	srv, store := newTestServer(t, "")
	dir := t.TempDir()
	certPath := filepath.Join(dir, "custom.pem")
	writeCustomCert(t, store, certPath)

	bodyBytes, _ := json.Marshal(map[string]string{"spec": "custom.example.com", "path": certPath})
	body := string(bodyBytes)
	req := httptest.NewRequest(http.MethodPost, "/certs/add", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/certs", nil)
	listW := httptest.NewRecorder()
	srv.Handler().ServeHTTP(listW, listReq)

	var regs []CertRegistration
	if err := json.Unmarshal(listW.Body.Bytes(), &regs); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if len(regs) != 1 || regs[0].Spec != "custom.example.com" {
		t.Errorf("expected the new registration to be listed, got %v", regs)
	}
}

func TestAddCert_MissingFields(t *testing.T) {
	srv, _ := newTestServer(t, "")
	body := `{"spec":""}`
	req := httptest.NewRequest(http.MethodPost, "/certs/add", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing fields, got %d", w.Code)
	}
}

func TestAddCert_WrongMethod(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/certs/add", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

func TestListCerts_WrongMethod(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/certs", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST, got %d", w.Code)
	}
}
