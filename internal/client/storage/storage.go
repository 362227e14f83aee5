// Package storage persists a client database (the secret tree, sync
// profiles, results, merge bases and stored credentials) as one JSON file.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/tree"
)

// FormatVersion is written into every file; newer files are refused.
const FormatVersion = 1

// ErrUnsupportedFormat is returned when a file was written by a newer client.
var ErrUnsupportedFormat = errors.New("unsupported storage format")

// StoredCredential is what the store keeps for a profile in stored auth mode.
// The password is sealed with the database key.
type StoredCredential struct {
	Username string                `json:"username,omitempty"`
	Password models.EncryptedValue `json:"password,omitempty"`
	CertDir  string                `json:"cert_dir,omitempty"`
}

// File is the on-disk document.
type File struct {
	Version int `json:"version"`
	// Salt and Check let a passphrase be derived and verified on open.
	Salt        []byte                      `json:"salt,omitempty"`
	Check       models.EncryptedValue       `json:"check,omitempty"`
	Tree        tree.Snapshot               `json:"tree"`
	Profiles    []models.SyncProfile        `json:"profiles,omitempty"`
	Results     []models.SyncResult         `json:"results,omitempty"`
	Bases       map[string]tree.Snapshot    `json:"bases,omitempty"`
	Credentials map[string]StoredCredential `json:"credentials,omitempty"`
}

// Store is a JSON file store. It is safe for concurrent use; changes stay in
// memory until Save.
type Store struct {
	path string

	mu   sync.Mutex
	data File
}

// Open loads the file at path. A missing file yields an empty store that is
// created on the first Save.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: File{Version: FormatVersion}}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&s.data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if s.data.Version > FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, s.data.Version)
	}
	s.data.Version = FormatVersion
	return s, nil
}

// Path returns the file the store writes to.
func (s *Store) Path() string { return s.path }

// Exists reports whether the file has been written at least once.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Save writes the document atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return writeAtomic(s.path, data)
}

// WriteBackup stores snap next to the database as <path>.<profileID>.bak.
// It returns the backup's path.
func (s *Store) WriteBackup(profileID string, snap tree.Snapshot) (string, error) {
	data, err := snap.Encode()
	if err != nil {
		return "", err
	}
	path := s.path + "." + profileID + ".bak"
	return path, writeAtomic(path, data)
}

// WriteFile atomically replaces path with data readable only by the owner.
func WriteFile(path string, data []byte) error {
	return writeAtomic(path, data)
}

// writeAtomic replaces path with data: a temporary file in the same
// directory is fsynced and renamed over the old one.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Key returns the passphrase salt and check value.
func (s *Store) Key() (salt []byte, check models.EncryptedValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.data.Salt), s.data.Check.Clone()
}

// SetKey records the passphrase salt and check value.
func (s *Store) SetKey(salt []byte, check models.EncryptedValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Salt, s.data.Check = slices.Clone(salt), check.Clone()
}

// Tree returns the stored tree snapshot; it is empty for a new database.
func (s *Store) Tree() tree.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Tree
}

// SetTree replaces the stored tree snapshot.
func (s *Store) SetTree(snap tree.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Tree = snap
}

// Profiles returns the stored sync profiles.
func (s *Store) Profiles() []models.SyncProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.data.Profiles)
}

// SetProfiles replaces the stored profiles and forgets bases and
// credentials of profiles that no longer exist.
func (s *Store) SetProfiles(profiles []models.SyncProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Profiles = slices.Clone(profiles)
	keep := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		keep[p.ID] = true
	}
	for id := range s.data.Bases {
		if !keep[id] {
			delete(s.data.Bases, id)
		}
	}
	for id := range s.data.Credentials {
		if !keep[id] {
			delete(s.data.Credentials, id)
		}
	}
}

// Results returns the stored sync results, oldest first.
func (s *Store) Results() []models.SyncResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.data.Results)
}

// SetResults replaces the stored results; they must be oldest first.
func (s *Store) SetResults(results []models.SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Results = slices.Clone(results)
}

// LoadBase implements syncengine.BaseStore.
func (s *Store) LoadBase(profileID string) (*tree.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base, ok := s.data.Bases[profileID]
	if !ok {
		return nil, nil
	}
	return &base, nil
}

// SaveBase implements syncengine.BaseStore.
func (s *Store) SaveBase(profileID string, snap tree.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Bases == nil {
		s.data.Bases = make(map[string]tree.Snapshot)
	}
	s.data.Bases[profileID] = snap
	return nil
}

// DeleteBase forgets a profile's merge base so its next sync starts over.
func (s *Store) DeleteBase(profileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.Bases, profileID)
}

// Credential returns the stored credential of a profile.
func (s *Store) Credential(profileID string) (StoredCredential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data.Credentials[profileID]
	return c, ok
}

// SetCredential stores a credential for a profile.
func (s *Store) SetCredential(profileID string, c StoredCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Credentials == nil {
		s.data.Credentials = make(map[string]StoredCredential)
	}
	s.data.Credentials[profileID] = c
}

// DeleteCredential forgets a profile's stored credential.
func (s *Store) DeleteCredential(profileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.Credentials, profileID)
}
