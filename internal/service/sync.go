package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/tree"
)

// ErrInvalidName is returned for empty or slash containing snapshot names.
var ErrInvalidName = errors.New("invalid snapshot name")

// SyncRepository defines the persistence operations needed by the SyncService.
type SyncRepository interface {
	// GetSnapshot returns the current snapshot stored under name, or
	// models.ErrSnapshotNotFound.
	GetSnapshot(ctx context.Context, login, name string) (models.StoredSnapshot, error)
	// PutSnapshot replaces the snapshot if its version equals baseVersion and
	// returns the new version, or models.ErrVersionConflict.
	PutSnapshot(ctx context.Context, login, name string, baseVersion int64, data []byte) (int64, error)
	// ListSnapshots returns the snapshot names owned by login.
	ListSnapshots(ctx context.Context, login string) ([]string, error)
	// DeleteSnapshots removes the named snapshots together with their history.
	DeleteSnapshots(ctx context.Context, login string, names []string) error
}

// SyncService stores the snapshots clients push and hands them back on
// fetch. It never decrypts values; it only checks that a pushed snapshot is
// a well formed tree.
type SyncService struct {
	// repo is the underlying persistence repository.
	repo SyncRepository
}

// NewSyncService constructs a SyncService with the provided SyncRepository.
func NewSyncService(repo SyncRepository) *SyncService {
	return &SyncService{repo: repo}
}

// Get returns the decoded snapshot stored under name and its version.
func (s *SyncService) Get(ctx context.Context, login, name string) (tree.Snapshot, int64, error) {
	if err := checkName(name); err != nil {
		return tree.Snapshot{}, 0, err
	}
	stored, err := s.repo.GetSnapshot(ctx, login, name)
	if err != nil {
		return tree.Snapshot{}, 0, err
	}
	snap, err := tree.DecodeSnapshot(stored.Data)
	if err != nil {
		return tree.Snapshot{}, 0, fmt.Errorf("stored snapshot %q: %w", name, err)
	}
	return snap, stored.Version, nil
}

// Put validates snap and stores it under name on top of baseVersion.
// Returns the new version; tree.ErrCorruptSnapshot for malformed input and
// models.ErrVersionConflict when baseVersion is stale.
func (s *SyncService) Put(ctx context.Context, login, name string, baseVersion int64, snap tree.Snapshot) (int64, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}
	if err := snap.Validate(); err != nil {
		return 0, err
	}
	data, err := snap.Encode()
	if err != nil {
		return 0, err
	}
	return s.repo.PutSnapshot(ctx, login, name, baseVersion, data)
}

// List returns the names of the snapshots owned by login.
func (s *SyncService) List(ctx context.Context, login string) ([]string, error) {
	return s.repo.ListSnapshots(ctx, login)
}

// Delete removes the snapshot stored under name and its history. Deleting a
// missing snapshot is not an error.
func (s *SyncService) Delete(ctx context.Context, login, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	return s.repo.DeleteSnapshots(ctx, login, []string{name})
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" || strings.Contains(name, "/") {
		return ErrInvalidName
	}
	return nil
}
