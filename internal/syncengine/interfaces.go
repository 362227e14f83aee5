package syncengine

import (
	"context"

	"github.com/atinyakov/secretsync/internal/events"
	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/tree"
)

// Transport opens authenticated sessions with a remote host.
type Transport interface {
	// Connect returns an error wrapping ErrAuthRejected when the host refuses
	// the credentials.
	Connect(ctx context.Context, p models.SyncProfile, creds models.Credentials) (Session, error)
}

// Session is one authenticated exchange with a remote host.
type Session interface {
	// FetchRemoteSnapshot returns the remote tree, or an empty snapshot when
	// the host has none yet.
	FetchRemoteSnapshot(ctx context.Context) (tree.Snapshot, error)
	PushMergedSnapshot(ctx context.Context, snap tree.Snapshot) error
	Close() error
}

// Prompter asks the user for credentials. It returns ErrPromptCancelled, or
// the context error, when the user or the run gives up.
type Prompter interface {
	PromptForAuth(ctx context.Context, p models.SyncProfile) (models.Credentials, error)
}

// CredentialStore holds credentials for profiles with stored authentication.
type CredentialStore interface {
	Credentials(p models.SyncProfile) (models.Credentials, bool)
}

// BackupHook is called with the local snapshot before a merge is applied.
type BackupHook interface {
	PreSyncSnapshot(ctx context.Context, p models.SyncProfile, snap tree.Snapshot) error
}

// BaseStore keeps the last snapshot each profile agreed on with its host.
type BaseStore interface {
	// LoadBase returns nil without error when no base is stored.
	LoadBase(profileID string) (*tree.Snapshot, error)
	SaveBase(profileID string, snap tree.Snapshot) error
}

// Publisher receives lifecycle events. Publish must not block.
type Publisher interface {
	Publish(e events.Event)
}
