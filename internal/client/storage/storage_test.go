package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/tree"
)

func snapshot(name string) tree.Snapshot {
	return tree.Snapshot{RootID: "r", Nodes: []tree.SnapshotNode{{ID: "r", Name: name, LastModified: 1}}}
}

func TestOpenMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	s, err := Open(path)
	require.NoError(t, err)
	assert.False(t, s.Exists())
	assert.True(t, s.Tree().IsEmpty())
	assert.Empty(t, s.Profiles())

	base, err := s.LoadBase("p")
	require.NoError(t, err)
	assert.Nil(t, base)
}

func TestSaveAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	s, err := Open(path)
	require.NoError(t, err)

	profiles := []models.SyncProfile{
		{ID: "p1", Name: "home", HostAddress: "https://h", AuthMode: models.AuthStored},
		{ID: "p2", Name: "work", HostAddress: "https://w", AuthMode: models.AuthPrompt},
	}
	result := models.SyncResult{ProfileID: "p1", Outcome: models.OutcomeSuccessChanges, FinishedAt: time.Unix(100, 0).UTC()}

	s.SetKey([]byte("salt"), models.EncryptedValue{Algorithm: "x", Ciphertext: []byte("c")})
	s.SetTree(snapshot("root"))
	s.SetProfiles(profiles)
	s.SetResults([]models.SyncResult{result})
	require.NoError(t, s.SaveBase("p1", snapshot("base")))
	s.SetCredential("p1", StoredCredential{Username: "alice", Password: models.EncryptedValue{Ciphertext: []byte("pw")}})
	require.NoError(t, s.Save())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	re, err := Open(path)
	require.NoError(t, err)
	assert.True(t, re.Exists())
	salt, check := re.Key()
	assert.Equal(t, []byte("salt"), salt)
	assert.Equal(t, []byte("c"), check.Ciphertext)
	assert.Equal(t, snapshot("root"), re.Tree())
	assert.Equal(t, profiles, re.Profiles())
	assert.Equal(t, []models.SyncResult{result}, re.Results())
	base, err := re.LoadBase("p1")
	require.NoError(t, err)
	require.NotNil(t, base)
	assert.Equal(t, "base", base.Nodes[0].Name)
	cred, ok := re.Credential("p1")
	require.True(t, ok)
	assert.Equal(t, "alice", cred.Username)

	// No temporary files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSetProfilesForgetsRemovedProfiles(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "db.json"))
	require.NoError(t, err)
	require.NoError(t, s.SaveBase("gone", snapshot("b")))
	s.SetCredential("gone", StoredCredential{Username: "u"})
	require.NoError(t, s.SaveBase("kept", snapshot("b")))

	s.SetProfiles([]models.SyncProfile{{ID: "kept"}})

	base, _ := s.LoadBase("gone")
	assert.Nil(t, base)
	_, ok := s.Credential("gone")
	assert.False(t, ok)
	base, _ = s.LoadBase("kept")
	assert.NotNil(t, base)
}

func TestOpenRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte("{"), 0o600))
	_, err := Open(garbage)
	assert.Error(t, err)

	future := filepath.Join(dir, "future.json")
	require.NoError(t, os.WriteFile(future, []byte(`{"version": 99}`), 0o600))
	_, err = Open(future)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestWriteBackup(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "db.json"))
	require.NoError(t, err)

	path, err := s.WriteBackup("p1", snapshot("root"))
	require.NoError(t, err)
	assert.Equal(t, s.Path()+".p1.bak", path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	got, err := tree.DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snapshot("root"), got)
}

func TestWriteFileReplacesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))
	require.NoError(t, WriteFile(path, []byte("new")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
