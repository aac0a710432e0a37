package mitm

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"mitmca-proxy/internal/logger"
)

// StoreCap bounds the number of generated leaves the store keeps alive at
// once. Once exceeded, the oldest generated entry is evicted along with
// every alias it was registered under (spec.md §3 invariant 3).
const StoreCap = 100

// StoreEntry binds a leaf certificate to its private key and the chain that
// must be presented alongside it during a handshake.
type StoreEntry struct {
	Cert       Cert
	PrivateKey *rsa.PrivateKey
	ChainFile  string // "" if no separate chain file backs this entry
	ChainCerts []Cert
}

// certID is the Store's cache key. Custom (operator-registered) entries key
// on a plain string; generated entries key on the canonicalized (cn, sans)
// tuple, per spec.md §3 "CertId".
type certID struct {
	generated bool
	custom    string
	cn        string
	sansKey   string
}

func customID(s string) certID { return certID{custom: s} }

func generatedID(cn string, sans []GeneralName) certID {
	return certID{generated: true, cn: cn, sansKey: canonicalSANKey(sans)}
}

// canonicalSANKey gives SAN lists a canonical, order-independent string
// form: sort by tag then value before joining, so structurally identical
// SAN sets hash identically regardless of the order they were supplied in
// (spec.md §9 "Cache key identity").
func canonicalSANKey(sans []GeneralName) string {
	sorted := make([]GeneralName, len(sans))
	copy(sorted, sans)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Tag != sorted[j].Tag {
			return sorted[i].Tag < sorted[j].Tag
		}
		return sorted[i].Value < sorted[j].Value
	})
	parts := make([]string, len(sorted))
	for i, s := range sorted {
		parts[i] = fmt.Sprintf("%d:%s", s.Tag, s.Value)
	}
	return strings.Join(parts, "|")
}

// StoreMetrics receives counters from a Store's operations. All methods
// must tolerate concurrent calls. A nil StoreMetrics disables recording.
type StoreMetrics interface {
	CacheHit()
	CacheMiss()
	Eviction()
	ManualRegistration()
	RecordSigningLatency(time.Duration)
}

// Store is an in-memory, bounded cache of leaf certificates keyed by
// request fingerprint, backed by a CA that signs cache misses on demand.
type Store struct {
	mu sync.Mutex

	defaultKey        *rsa.PrivateKey
	defaultCA         Cert
	defaultChainFile  string
	defaultChainCerts []Cert
	dhParams          []byte

	certs       map[certID]*StoreEntry
	aliases     map[*StoreEntry][]certID
	expireQueue []*StoreEntry

	Metrics StoreMetrics
	Log     *logger.Logger
}

// NewStore builds a Store directly from already-loaded CA material. Most
// callers should use FromStore instead, which also handles on-disk
// bootstrap and loading.
func NewStore(key *rsa.PrivateKey, ca Cert, chainFile string, chainCerts []Cert, dhParams []byte) *Store {
	if len(chainCerts) == 0 {
		chainCerts = []Cert{ca}
	}
	return &Store{
		defaultKey:        key,
		defaultCA:         ca,
		defaultChainFile:  chainFile,
		defaultChainCerts: chainCerts,
		dhParams:          dhParams,
		certs:             make(map[certID]*StoreEntry),
		aliases:           make(map[*StoreEntry][]certID),
		Log:               logger.New("MITM", "info"),
	}
}

// DefaultCA returns the store's root certificate.
func (s *Store) DefaultCA() Cert { return s.defaultCA }

// DHParams returns the store's Diffie-Hellman parameters blob.
func (s *Store) DHParams() []byte { return s.dhParams }

// Len reports how many generated leaves currently occupy the expiry queue.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expireQueue)
}

// FromStore loads a Store rooted at dir/basename, bootstrapping a fresh CA
// via CreateStore if the CA file doesn't exist yet.
func FromStore(dir, basename string, keySize int, organization, commonName, passphrase string) (*Store, error) {
	caFile := filepath.Join(dir, basename+"-ca.pem")
	dhFile := filepath.Join(dir, basename+"-dhparam.pem")

	if _, err := os.Stat(caFile); os.IsNotExist(err) {
		if cerr := CreateStore(dir, basename, keySize, organization, commonName); cerr != nil {
			return nil, cerr
		}
	} else if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, caFile, err)
	}

	raw, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, caFile, err)
	}

	key, err := loadPEMPrivateKey(raw, passphrase)
	if err != nil {
		return nil, err
	}

	certs, err := ParseAllCerts(raw)
	if err != nil {
		return nil, err
	}

	dh, err := loadDHParam(dhFile)
	if err != nil {
		return nil, err
	}

	chainFile := ""
	chainCerts := []Cert{certs[0]}
	if len(certs) > 1 {
		chainFile = caFile
		chainCerts = certs
	}

	return NewStore(key, certs[0], chainFile, chainCerts, dh), nil
}

// loadPEMPrivateKey parses an RSA private key from a PEM blob, decrypting it
// with passphrase if the block is encrypted. If the block is unencrypted
// and a passphrase was supplied anyway, the passphrase is silently ignored
// (spec.md §4.1 load_pem_private_key).
func loadPEMPrivateKey(data []byte, passphrase string) (*rsa.PrivateKey, error) {
	for rest := data; ; {
		block, next := pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("%w: no private key PEM block found", ErrParse)
		}
		if block.Type != "RSA PRIVATE KEY" && block.Type != "PRIVATE KEY" {
			rest = next
			continue
		}

		keyBytes := block.Bytes
		if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // RFC1423 legacy encryption is what operators' PKCS1 keys use
			if passphrase == "" {
				return nil, ErrBadPassphrase
			}
			decrypted, err := x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadPassphrase, err)
			}
			keyBytes = decrypted
		}

		if key, err := x509.ParsePKCS1PrivateKey(keyBytes); err == nil {
			return key, nil
		}
		parsed, err := x509.ParsePKCS8PrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key: %v", ErrParse, err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is not RSA", ErrParse)
		}
		return rsaKey, nil
	}
}

// AddCertFile loads an operator-supplied cert+key(+chain) bundle from path
// and registers it under spec (spec.md §4.5 add_cert_file).
func (s *Store) AddCertFile(spec, path, passphrase string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrIO, path, err)
	}

	cert, err := FromPEM(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defaultKey := s.defaultKey
	s.mu.Unlock()

	key, err := loadPEMPrivateKey(raw, passphrase)
	if err != nil {
		if !equalPublicKeys(cert.x.PublicKey, defaultKey.Public()) {
			return fmt.Errorf("%w: unable to find private key in %q: %v", ErrKeyMismatch, path, err)
		}
		key = defaultKey
	} else if !equalPublicKeys(cert.x.PublicKey, key.Public()) {
		return fmt.Errorf("%w: private and public keys in %q do not match", ErrKeyMismatch, path)
	}

	chain, err := ParseAllCerts(raw)
	if err != nil {
		if s.Log != nil {
			s.Log.Warnf("add_cert_file", "failed to parse chain in %q, falling back to leaf-only chain: %v", path, err)
		}
		chain = []Cert{cert}
	}

	if cert.IsCA() {
		if s.Log != nil {
			s.Log.Warnf("add_cert_file", "%q is a CA certificate, registering it as a leaf anyway", path)
		}
	}

	s.AddCert(&StoreEntry{Cert: cert, PrivateKey: key, ChainFile: path, ChainCerts: chain}, spec)
	return nil
}

func equalPublicKeys(a, b any) bool {
	type equaler interface{ Equal(x crypto.PublicKey) bool }
	eq, ok := a.(equaler)
	if !ok {
		return false
	}
	return eq.Equal(b)
}

// AddCert registers entry under its CN (if any), each of its SAN string
// forms, and every name explicitly supplied. Later registrations under the
// same key overwrite earlier ones.
func (s *Store) AddCert(entry *StoreEntry, names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []certID
	if cn := entry.Cert.CN(); cn != "" {
		keys = append(keys, customID(cn))
	}
	for _, san := range entry.Cert.Altnames() {
		keys = append(keys, customID(san.String()))
	}
	for _, n := range names {
		keys = append(keys, customID(n))
	}

	for _, k := range keys {
		s.certs[k] = entry
	}
	s.aliases[entry] = append(s.aliases[entry], keys...)

	if s.Metrics != nil {
		s.Metrics.ManualRegistration()
	}
}

// AsteriskForms returns every wildcard variant of dn, most-specific first,
// e.g. "www.example.com" -> ["www.example.com", "*.example.com", "*.com"].
// The bare "*" is never produced here. Non-DNS names produce a single
// element: their string form.
func AsteriskForms(name GeneralName) []string {
	if name.Tag != TagDNS {
		return []string{name.String()}
	}
	parts := strings.Split(name.Value, ".")
	out := make([]string, 0, len(parts))
	out = append(out, name.Value)
	for i := 1; i < len(parts); i++ {
		out = append(out, "*."+strings.Join(parts[i:], "."))
	}
	return out
}

// GetCert is the hot path: returns the StoreEntry for (commonName, sans),
// reusing a registered or previously generated entry when one matches, and
// otherwise synthesizing and caching a fresh leaf (spec.md §4.5 get_cert).
func (s *Store) GetCert(commonName string, sans []GeneralName, organization string) (*StoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []certID
	if commonName != "" {
		for _, f := range AsteriskForms(DNSName(commonName)) {
			candidates = append(candidates, customID(f))
		}
	}
	for _, san := range sans {
		for _, f := range AsteriskForms(san) {
			candidates = append(candidates, customID(f))
		}
	}
	candidates = append(candidates, customID("*"))
	genKey := generatedID(commonName, sans)
	candidates = append(candidates, genKey)

	for _, key := range candidates {
		if entry, ok := s.certs[key]; ok {
			if s.Metrics != nil {
				s.Metrics.CacheHit()
			}
			return entry, nil
		}
	}

	if s.Metrics != nil {
		s.Metrics.CacheMiss()
	}

	start := time.Now()
	leaf, err := BuildLeaf(s.defaultKey, s.defaultCA, commonName, sans, organization)
	if s.Metrics != nil {
		s.Metrics.RecordSigningLatency(time.Since(start))
	}
	if err != nil {
		// get_cert never fails under correct initialization (spec.md §7);
		// a signing failure here is an invariant violation, not a normal
		// error path for the caller to retry.
		return nil, fmt.Errorf("mitm: invariant violation, leaf signing failed: %w", err)
	}

	entry := &StoreEntry{
		Cert:       leaf,
		PrivateKey: s.defaultKey,
		ChainFile:  s.defaultChainFile,
		ChainCerts: s.defaultChainCerts,
	}
	s.certs[genKey] = entry
	s.aliases[entry] = []certID{genKey}
	s.expire(entry)

	return entry, nil
}

// expire appends entry to the FIFO eviction queue and, once the queue
// exceeds StoreCap, pops the oldest entry and removes every key it was
// registered under from certs (spec.md §3 invariant 3).
func (s *Store) expire(entry *StoreEntry) {
	s.expireQueue = append(s.expireQueue, entry)
	if len(s.expireQueue) <= StoreCap {
		return
	}

	oldest := s.expireQueue[0]
	s.expireQueue = s.expireQueue[1:]

	for _, key := range s.aliases[oldest] {
		if s.certs[key] == oldest {
			delete(s.certs, key)
		}
	}
	delete(s.aliases, oldest)

	if s.Metrics != nil {
		s.Metrics.Eviction()
	}
}
