// Package resultlog records the outcome of every sync run.
package resultlog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atinyakov/secretsync/internal/models"
)

// Log is an append-only history of sync results, optionally capped per
// profile. Reads return deep copies, so a caller's entries stay valid after
// eviction. It is safe for concurrent use.
type Log struct {
	mu        sync.RWMutex
	retention int
	entries   []models.SyncResult // oldest first
}

// New returns a log keeping at most retention entries per profile. Zero or
// less keeps everything.
func New(retention int) *Log {
	return &Log{retention: retention}
}

// Append adds r and evicts the oldest entries of r's profile beyond the
// retention limit.
func (l *Log) Append(r models.SyncResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, r.Clone())
	l.evictLocked(r.ProfileID)
}

func (l *Log) evictLocked(profileID string) {
	if l.retention <= 0 {
		return
	}
	count := 0
	for _, e := range l.entries {
		if e.ProfileID == profileID {
			count++
		}
	}
	drop := count - l.retention
	if drop <= 0 {
		return
	}
	kept := l.entries[:0]
	for _, e := range l.entries {
		if drop > 0 && e.ProfileID == profileID {
			drop--
			continue
		}
		kept = append(kept, e)
	}
	// Clear the tail so evicted entries can be collected.
	clear(l.entries[len(kept):])
	l.entries = kept
}

// All returns every entry, most recent first.
func (l *Log) All() []models.SyncResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.SyncResult, 0, len(l.entries))
	for i := len(l.entries) - 1; i >= 0; i-- {
		out = append(out, l.entries[i].Clone())
	}
	return out
}

// ForProfile returns the entries of one profile, most recent first.
func (l *Log) ForProfile(profileID string) []models.SyncResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []models.SyncResult
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ProfileID == profileID {
			out = append(out, l.entries[i].Clone())
		}
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Restore replaces the content with persisted entries given oldest first,
// applying retention.
func (l *Log) Restore(entries []models.SyncResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]models.SyncResult, 0, len(entries))
	seen := make(map[string]struct{})
	for _, e := range entries {
		l.entries = append(l.entries, e.Clone())
		seen[e.ProfileID] = struct{}{}
	}
	for id := range seen {
		l.evictLocked(id)
	}
}

// AsText renders the log most recent first, one block per run.
func (l *Log) AsText() string {
	return Format(l.All())
}

// Format renders results in the given order, one block per run.
func Format(results []models.SyncResult) string {
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "[%s] %s: %s", r.FinishedAt.Format(time.RFC3339), r.HostName, r.Outcome)
		if r.Outcome != models.OutcomeFailed {
			fmt.Fprintf(&b, " (local %d, remote %d)", r.LocalChanges, r.RemoteChanges)
		}
		b.WriteString("\n")
		if r.ErrorMessage != "" {
			fmt.Fprintf(&b, "  error: %s\n", r.ErrorMessage)
		}
		for _, line := range r.DetailLog {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	return b.String()
}
