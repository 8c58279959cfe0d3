package secretstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"mcpauth/pkg/oauth"
)

// fileRecord is the on-disk form of one credential.
type fileRecord struct {
	Key        string                  `json:"key"`
	Credential *oauth.StoredCredential `json:"credential"`
}

// FileStore persists credentials as JSON files, one per key.
//
// SECURITY: This store handles sensitive OAuth credentials.
//   - Files are created with 0600 permissions (owner read/write only)
//   - The storage directory is created with 0700 permissions (owner only)
//   - Secret values are NEVER logged (only keys)
//   - Files are written to a temporary name and renamed into place
type FileStore struct {
	mu         sync.RWMutex
	storageDir string
	cache      map[string]*oauth.StoredCredential
	logger     *slog.Logger
}

// NewFileStore creates a file store under storageDir, defaulting to
// ~/.config/mcpauth/credentials.
func NewFileStore(storageDir string) (*FileStore, error) {
	if storageDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		storageDir = filepath.Join(homeDir, oauth.DefaultStorageDir)
	}

	if err := os.MkdirAll(storageDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential storage directory: %w", err)
	}

	return &FileStore{
		storageDir: storageDir,
		cache:      make(map[string]*oauth.StoredCredential),
		logger:     slog.Default(),
	}, nil
}

// Dir returns the storage directory.
func (s *FileStore) Dir() string {
	return s.storageDir
}

// Get returns the credential stored under key.
func (s *FileStore) Get(_ context.Context, key string) (*oauth.StoredCredential, error) {
	s.mu.RLock()
	if cred, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return cloneCredential(cred), nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check in case another goroutine populated it
	if cred, ok := s.cache[key]; ok {
		return cloneCredential(cred), nil
	}

	rec, err := s.readFile(fileName(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.Key != key {
		return nil, ErrNotFound
	}

	s.cache[key] = rec.Credential
	return cloneCredential(rec.Credential), nil
}

// Put writes cred under key.
// SECURITY: Secret values are never logged. Only keys are logged for audit purposes.
func (s *FileStore) Put(_ context.Context, key string, cred *oauth.StoredCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneCredential(cred)
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}

	if err := s.writeFile(fileName(key), &fileRecord{Key: key, Credential: stored}); err != nil {
		s.logger.Warn("SECURITY_AUDIT: credential storage failed",
			"event", "credential_store_failed",
			"key", key,
			"error", err.Error(),
		)
		return fmt.Errorf("failed to persist credential: %w", err)
	}

	s.cache[key] = stored
	s.logger.Info("SECURITY_AUDIT: credential stored",
		"event", "credential_stored",
		"key", key,
		"has_token", stored.Token != nil,
		"has_refresh_token", stored.Token != nil && stored.Token.RefreshToken != "",
		"has_registration", stored.Registration != nil,
	)
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
// SECURITY: Logs credential deletion for audit trail without logging values.
func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, key)

	err := os.Remove(filepath.Join(s.storageDir, fileName(key)))
	if err != nil && !os.IsNotExist(err) {
		s.logger.Warn("SECURITY_AUDIT: credential deletion failed",
			"event", "credential_delete_failed",
			"key", key,
			"error", err.Error(),
		)
		return err
	}

	s.logger.Info("SECURITY_AUDIT: credential deleted",
		"event", "credential_deleted",
		"key", key,
	)
	return nil
}

// List returns the stored keys in sorted order.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.storageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential storage directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		rec, err := s.readFile(entry.Name())
		if err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Reload forgets cached credentials so the next Get reads from disk. It is
// called when another process changes the storage directory.
func (s *FileStore) Reload() {
	s.mu.Lock()
	s.cache = make(map[string]*oauth.StoredCredential)
	s.mu.Unlock()
}

// fileName derives a filesystem-safe name from a key.
func fileName(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:16]) + ".json" // first 16 bytes (32 hex chars)
}

func (s *FileStore) readFile(name string) (*fileRecord, error) {
	// #nosec G304 -- name is derived from a hash or a directory listing
	data, err := os.ReadFile(filepath.Join(s.storageDir, name))
	if err != nil {
		return nil, err
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	if rec.Credential == nil {
		return nil, fmt.Errorf("credential file %s is empty", name)
	}
	return &rec, nil
}

func (s *FileStore) writeFile(name string, rec *fileRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	tmp, err := os.CreateTemp(s.storageDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}

	return os.Rename(tmpName, filepath.Join(s.storageDir, name))
}

// isCredentialFile reports whether a directory entry name belongs to the store.
func isCredentialFile(name string) bool {
	return filepath.Ext(name) == ".json" && !strings.HasPrefix(name, ".")
}
