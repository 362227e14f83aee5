// Package profile keeps the set of remote hosts the local tree is synced with.
package profile

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atinyakov/secretsync/internal/models"
)

var (
	// ErrDuplicateProfile is returned when another profile already uses the name.
	ErrDuplicateProfile = errors.New("duplicate profile name")
	// ErrNotFound is returned for an unknown profile id.
	ErrNotFound = errors.New("profile not found")
	// ErrInvalidProfile is returned when a profile lacks a name or host.
	ErrInvalidProfile = errors.New("invalid profile")
)

// DefaultRemotePath names the remote snapshot when a profile sets none.
const DefaultRemotePath = "default"

// Registry stores sync profiles in memory. All reads return copies; it is
// safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]models.SyncProfile
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]models.SyncProfile)}
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func normalize(p models.SyncProfile) (models.SyncProfile, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.HostAddress = strings.TrimSpace(p.HostAddress)
	if p.Name == "" || p.HostAddress == "" {
		return p, ErrInvalidProfile
	}
	if p.RemotePath == "" {
		p.RemotePath = DefaultRemotePath
	}
	if p.AuthMode == "" {
		p.AuthMode = models.AuthPrompt
	}
	if p.AuthMode != models.AuthPrompt && p.AuthMode != models.AuthStored {
		return p, ErrInvalidProfile
	}
	return p, nil
}

// nameTakenLocked reports whether a profile other than exceptID uses name.
func (r *Registry) nameTakenLocked(name, exceptID string) bool {
	key := nameKey(name)
	for id, p := range r.profiles {
		if id != exceptID && nameKey(p.Name) == key {
			return true
		}
	}
	return false
}

// List returns all profiles ordered by name.
func (r *Registry) List() []models.SyncProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.SyncProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return nameKey(out[i].Name) < nameKey(out[j].Name)
	})
	return out
}

// IDs returns the ids of all profiles.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns the profile with the given id.
func (r *Registry) Get(id string) (models.SyncProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return models.SyncProfile{}, ErrNotFound
	}
	return p, nil
}

// FindByName returns the profile whose name matches, ignoring case.
func (r *Registry) FindByName(name string) (models.SyncProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := nameKey(name)
	for _, p := range r.profiles {
		if nameKey(p.Name) == key {
			return p, nil
		}
	}
	return models.SyncProfile{}, ErrNotFound
}

// Add registers a new profile and assigns it an id.
func (r *Registry) Add(p models.SyncProfile) (models.SyncProfile, error) {
	p, err := normalize(p)
	if err != nil {
		return models.SyncProfile{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nameTakenLocked(p.Name, "") {
		return models.SyncProfile{}, ErrDuplicateProfile
	}
	p.ID = uuid.NewString()
	r.profiles[p.ID] = p
	return p, nil
}

// Update replaces the stored profile with the same id. LastSyncedAt is kept.
func (r *Registry) Update(p models.SyncProfile) (models.SyncProfile, error) {
	p, err := normalize(p)
	if err != nil {
		return models.SyncProfile{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.profiles[p.ID]
	if !ok {
		return models.SyncProfile{}, ErrNotFound
	}
	if r.nameTakenLocked(p.Name, p.ID) {
		return models.SyncProfile{}, ErrDuplicateProfile
	}
	p.LastSyncedAt = old.LastSyncedAt
	r.profiles[p.ID] = p
	return p, nil
}

// Remove deletes the profile with the given id.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[id]; !ok {
		return ErrNotFound
	}
	delete(r.profiles, id)
	return nil
}

// MarkSynced records a successful sync finishing at t.
func (r *Registry) MarkSynced(id string, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return ErrNotFound
	}
	p.LastSyncedAt = t
	r.profiles[id] = p
	return nil
}

// Restore replaces the registry content with previously persisted profiles.
// Profiles that are invalid or reuse a name or id are rejected as a whole.
func (r *Registry) Restore(profiles []models.SyncProfile) error {
	next := make(map[string]models.SyncProfile, len(profiles))
	names := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		p, err := normalize(p)
		if err != nil {
			return err
		}
		if p.ID == "" {
			return ErrInvalidProfile
		}
		if _, dup := next[p.ID]; dup {
			return ErrDuplicateProfile
		}
		if _, dup := names[nameKey(p.Name)]; dup {
			return ErrDuplicateProfile
		}
		names[nameKey(p.Name)] = struct{}{}
		next[p.ID] = p
	}
	r.mu.Lock()
	r.profiles = next
	r.mu.Unlock()
	return nil
}
