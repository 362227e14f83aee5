// Package models defines the core data structures shared by the secret tree,
// the sync engine and their collaborators.
package models

import (
	"bytes"
	"time"
)

// EncryptedValue holds a ciphertext produced by the encryption service
// together with the metadata needed to decrypt it.
type EncryptedValue struct {
	// Algorithm names the cipher that produced Ciphertext (e.g. "AES-256-GCM").
	Algorithm string `json:"alg,omitempty"`
	// Nonce is the per-value nonce used during encryption.
	Nonce []byte `json:"nonce,omitempty"`
	// Ciphertext is the sealed payload.
	Ciphertext []byte `json:"ciphertext,omitempty"`
}

// IsEmpty reports whether no value has been stored.
func (v EncryptedValue) IsEmpty() bool {
	return len(v.Ciphertext) == 0 && len(v.Nonce) == 0 && v.Algorithm == ""
}

// Equal reports whether both values carry the same ciphertext and metadata.
func (v EncryptedValue) Equal(o EncryptedValue) bool {
	return v.Algorithm == o.Algorithm &&
		bytes.Equal(v.Nonce, o.Nonce) &&
		bytes.Equal(v.Ciphertext, o.Ciphertext)
}

// Clone returns a deep copy of the value.
func (v EncryptedValue) Clone() EncryptedValue {
	return EncryptedValue{
		Algorithm:  v.Algorithm,
		Nonce:      cloneBytes(v.Nonce),
		Ciphertext: cloneBytes(v.Ciphertext),
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return bytes.Clone(b)
}

// AuthMode selects how the sync engine obtains credentials for a profile.
type AuthMode string

const (
	// AuthPrompt asks the user for credentials on every sync.
	AuthPrompt AuthMode = "prompt"
	// AuthStored uses credentials kept by the credential store.
	AuthStored AuthMode = "stored"
)

// SyncProfile describes one remote host to synchronize with.
type SyncProfile struct {
	// ID is the unique identifier of the profile.
	ID string `json:"id"`
	// Name is the user-facing tracking key; unique within a registry.
	Name string `json:"name"`
	// HostAddress is the base URL of the remote host.
	HostAddress string `json:"host_address"`
	// RemotePath names the snapshot on the remote host.
	RemotePath string `json:"remote_path,omitempty"`
	// AuthMode selects prompt or stored credentials.
	AuthMode AuthMode `json:"auth_mode"`
	// LastSyncedAt is the finish time of the last successful sync.
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// Credentials carries whatever the transport needs to authenticate.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// IsZero reports whether no credential material is present.
func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == "" && c.CertFile == "" && c.KeyFile == ""
}

// Outcome is the terminal state of a sync run.
type Outcome int

const (
	// OutcomeSuccessNoChanges means neither side needed changes.
	OutcomeSuccessNoChanges Outcome = iota
	// OutcomeSuccessChanges means at least one change was applied.
	OutcomeSuccessChanges
	// OutcomeFailed means the run did not complete.
	OutcomeFailed
)

// String returns a human readable form of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccessNoChanges:
		return "success, no changes"
	case OutcomeSuccessChanges:
		return "success, changes"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SyncResult is the immutable record of one completed or aborted sync run.
type SyncResult struct {
	ProfileID     string    `json:"profile_id"`
	HostName      string    `json:"host_name"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Outcome       Outcome   `json:"outcome"`
	LocalChanges  int       `json:"local_changes"`
	RemoteChanges int       `json:"remote_changes"`
	DetailLog     []string  `json:"detail_log,omitempty"`
	// ErrorMessage is set iff Outcome is OutcomeFailed.
	ErrorMessage string `json:"error_message,omitempty"`
}

// Clone returns a deep copy of the result.
func (r SyncResult) Clone() SyncResult {
	out := r
	if r.DetailLog != nil {
		out.DetailLog = append([]string(nil), r.DetailLog...)
	}
	return out
}

// SyncState is the phase of a profile's sync state machine.
type SyncState int

const (
	StateIdle SyncState = iota
	StateConnecting
	StateExchanging
	StateMerging
	StateSuccess
	StateFailed
)

// String returns the lower-case state name.
func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateExchanging:
		return "exchanging"
	case StateMerging:
		return "merging"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether a run is in flight in this state.
func (s SyncState) Active() bool {
	return s == StateConnecting || s == StateExchanging || s == StateMerging
}
