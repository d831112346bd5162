package trust

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"pan/internal/shared/logger"
)

// issuerFile is the on-disk shape of trusted_agents.json / trusted_peers.json.
type issuerFile struct {
	TrustedIssuers map[string][]string `json:"trusted_issuers"`
}

// IssuerStore caches the trusted-issuer config for one trust domain.
// The file is reloaded lazily once the cache is older than the TTL; a
// failed reload keeps the previous config.
type IssuerStore struct {
	mu       sync.Mutex
	path     string
	ttl      time.Duration
	loadedAt time.Time
	issuers  map[string]map[string]bool
	logger   logger.Interface
}

// NewIssuerStore loads the config once. A missing or unreadable file here
// is fatal; later reload failures only log.
func NewIssuerStore(path string, ttl time.Duration, log logger.Interface) (*IssuerStore, error) {
	s := &IssuerStore{
		path:   path,
		ttl:    ttl,
		logger: log.Named("trust-issuers"),
	}
	issuers, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load trusted issuer config: %w", err)
	}
	s.issuers = issuers
	s.loadedAt = time.Now()
	return s, nil
}

func (s *IssuerStore) load() (map[string]map[string]bool, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var file issuerFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	issuers := make(map[string]map[string]bool, len(file.TrustedIssuers))
	for urn, purposes := range file.TrustedIssuers {
		set := make(map[string]bool, len(purposes))
		for _, p := range purposes {
			set[p] = true
		}
		issuers[urn] = set
	}
	return issuers, nil
}

// refreshLocked reloads once the cache is stale. Callers hold s.mu.
func (s *IssuerStore) refreshLocked() {
	if time.Since(s.loadedAt) < s.ttl {
		return
	}
	issuers, err := s.load()
	if err != nil {
		// Keep the previous config on a failed reload.
		s.logger.Warnw("trusted issuer reload failed, keeping previous config",
			"path", s.path,
			"error", err,
		)
		s.loadedAt = time.Now()
		return
	}
	s.issuers = issuers
	s.loadedAt = time.Now()
}

// Trusted reports whether the issuer is configured with every one of the
// required purposes.
func (s *IssuerStore) Trusted(issuer string, purposes ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()

	granted, ok := s.issuers[issuer]
	if !ok {
		return false
	}
	for _, p := range purposes {
		if !granted[p] {
			return false
		}
	}
	return true
}

// Purposes returns the purposes configured for an issuer.
func (s *IssuerStore) Purposes(issuer string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()

	granted, ok := s.issuers[issuer]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(granted))
	for p := range granted {
		out = append(out, p)
	}
	return out
}
