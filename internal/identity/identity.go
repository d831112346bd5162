// Package identity derives, persists, and exposes the stable node_id of
// this process. Write access is gated behind a one-shot setter capability
// handed out at most once during composition.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	sharedConfig "pan/internal/shared/config"
	"pan/internal/shared/logger"
)

// Namespace for deriving a node_id from a configured textual identifier.
var panNamespace = uuid.MustParse("219dd24f-63c4-5e35-b886-da1b21ecc0e0")

var (
	ErrCorruptPersistFile = errors.New("persisted node id file is corrupt")
	ErrSetterAlreadyTaken = errors.New("node id setter capability already taken")
	ErrSetterUsed         = errors.New("node id setter capability already used")
)

// Service owns the process-wide node identity.
type Service struct {
	mu          sync.RWMutex
	nodeID      string
	persistPath string
	log         logger.Interface

	setterTaken atomic.Bool
}

// New initializes the identity service. Precedence: a valid persisted id,
// then derivation from the configured node_identifier, then a fresh random
// id. A corrupt persist file is fatal under crash_on_corrupt, otherwise the
// id is regenerated in place.
func New(cfg *sharedConfig.IdentityConfig, log logger.Interface) (*Service, error) {
	s := &Service{
		persistPath: cfg.PersistPath,
		log:         log.Named("identity"),
	}

	if cfg.PersistPath != "" {
		raw, err := os.ReadFile(cfg.PersistPath)
		switch {
		case err == nil:
			id := strings.TrimSpace(string(raw))
			if _, perr := uuid.Parse(id); perr == nil && len(id) == 36 {
				s.nodeID = id
				s.log.Infow("adopted persisted node id", "node_id", id)
				return s, nil
			}
			if cfg.CrashOnCorrupt {
				return nil, fmt.Errorf("%w: %s", ErrCorruptPersistFile, cfg.PersistPath)
			}
			s.log.Warnw("persisted node id is corrupt, regenerating",
				"path", cfg.PersistPath,
			)
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read node id file: %w", err)
		}
	}

	if cfg.NodeIdentifier != "" {
		s.nodeID = uuid.NewSHA1(panNamespace, []byte(cfg.NodeIdentifier)).String()
		s.log.Infow("derived node id from identifier",
			"node_id", s.nodeID,
			"identifier", cfg.NodeIdentifier,
		)
	} else {
		s.nodeID = uuid.NewString()
		s.log.Infow("minted random node id", "node_id", s.nodeID)
	}

	if err := s.persist(); err != nil {
		return nil, err
	}
	return s, nil
}

// NodeID returns the stable node identity.
func (s *Service) NodeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeID
}

// persist writes the id with write-then-rename so readers never observe a
// partial file.
func (s *Service) persist() error {
	if s.persistPath == "" {
		return nil
	}
	dir := filepath.Dir(s.persistPath)
	tmp, err := os.CreateTemp(dir, ".node_id-*")
	if err != nil {
		return fmt.Errorf("failed to create node id temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(s.nodeID + "\n"); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("failed to write node id: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to close node id temp file: %w", err)
	}
	if err := os.Rename(name, s.persistPath); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to persist node id: %w", err)
	}
	return nil
}

// Setter hands out the single write capability for the node id. The second
// request fails; no other subsystem may change the identity.
func (s *Service) Setter() (*Setter, error) {
	if !s.setterTaken.CompareAndSwap(false, true) {
		return nil, ErrSetterAlreadyTaken
	}
	return &Setter{svc: s}, nil
}

// Setter is a one-shot capability to replace the node id.
type Setter struct {
	svc  *Service
	used atomic.Bool
}

// Set replaces and persists the node id. It accepts only a well-formed UUID
// and can be invoked exactly once.
func (st *Setter) Set(newID string) error {
	if !st.used.CompareAndSwap(false, true) {
		return ErrSetterUsed
	}
	if _, err := uuid.Parse(newID); err != nil || len(newID) != 36 {
		st.used.Store(false)
		return fmt.Errorf("not a well-formed node id: %q", newID)
	}

	st.svc.mu.Lock()
	old := st.svc.nodeID
	st.svc.nodeID = newID
	err := st.svc.persist()
	st.svc.mu.Unlock()

	if err != nil {
		return err
	}
	st.svc.log.Infow("node id changed", "old", old, "new", newID)
	return nil
}
