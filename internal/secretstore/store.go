package secretstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"mcpauth/pkg/oauth"
)

// ErrNotFound is returned by Get when no credential is stored under a key.
var ErrNotFound = errors.New("credential not found")

// Store is a key-value secret store for client registrations and tokens.
//
// Values are never logged by implementations; only keys and event names are.
type Store interface {
	Get(ctx context.Context, key string) (*oauth.StoredCredential, error)
	Put(ctx context.Context, key string, cred *oauth.StoredCredential) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config selects and configures a backend.
type Config struct {
	// Backend is one of BackendMemory, BackendFile or BackendSQLite.
	Backend string

	// Path is the directory for the file backend or the database file for sqlite.
	Path string
}

// New opens the configured backend. The returned close function releases
// resources held by the backend and is never nil.
func New(cfg Config) (Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), noop, nil
	case BackendFile:
		s, err := NewFileStore(cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case BackendSQLite:
		s, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown secret store backend %q", cfg.Backend)
	}
}

// MemoryStore keeps credentials in process memory only.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*oauth.StoredCredential
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*oauth.StoredCredential)}
}

// Get returns a copy of the credential stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) (*oauth.StoredCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCredential(cred), nil
}

// Put stores a copy of cred under key.
func (s *MemoryStore) Put(_ context.Context, key string, cred *oauth.StoredCredential) error {
	s.mu.Lock()
	s.creds[key] = cloneCredential(cred)
	s.mu.Unlock()
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.creds, key)
	s.mu.Unlock()
	return nil
}

// List returns the stored keys in sorted order.
func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.creds))
	for k := range s.creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func cloneCredential(cred *oauth.StoredCredential) *oauth.StoredCredential {
	if cred == nil {
		return nil
	}
	c := *cred
	if cred.Registration != nil {
		reg := *cred.Registration
		c.Registration = &reg
	}
	c.Token = cred.Token.Clone()
	return &c
}
