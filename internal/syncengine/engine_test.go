package syncengine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/atinyakov/secretsync/internal/events"
	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/profile"
	"github.com/atinyakov/secretsync/internal/resultlog"
	"github.com/atinyakov/secretsync/internal/syncengine"
	"github.com/atinyakov/secretsync/internal/tree"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRemote is an in-memory host. When gate is set, Connect blocks until
// it is closed or the context ends.
type fakeRemote struct {
	mu         sync.Mutex
	snap       tree.Snapshot
	pushes     int
	connectErr error
	fetchErr   error
	pushErr    error
	gate       chan struct{}
	connected  chan struct{}
	creds      []models.Credentials
}

type fakeSession struct{ r *fakeRemote }

type fakeTransport struct {
	remotes map[string]*fakeRemote // by host address
}

func (t *fakeTransport) Connect(ctx context.Context, p models.SyncProfile, creds models.Credentials) (syncengine.Session, error) {
	r := t.remotes[p.HostAddress]
	r.mu.Lock()
	r.creds = append(r.creds, creds)
	gate, connected, err := r.gate, r.connected, r.connectErr
	r.mu.Unlock()
	if connected != nil {
		close(connected)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &fakeSession{r: r}, nil
}

func (s *fakeSession) FetchRemoteSnapshot(context.Context) (tree.Snapshot, error) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.r.fetchErr != nil {
		return tree.Snapshot{}, s.r.fetchErr
	}
	return s.r.snap, nil
}

func (s *fakeSession) PushMergedSnapshot(_ context.Context, snap tree.Snapshot) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.r.pushErr != nil {
		return s.r.pushErr
	}
	s.r.snap = snap
	s.r.pushes++
	return nil
}

func (s *fakeSession) Close() error { return nil }

type fakePrompter struct {
	creds models.Credentials
	err   error
	calls int
	mu    sync.Mutex
}

func (p *fakePrompter) PromptForAuth(ctx context.Context, _ models.SyncProfile) (models.Credentials, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.creds, p.err
}

type storedCreds map[string]models.Credentials

func (s storedCreds) Credentials(p models.SyncProfile) (models.Credentials, bool) {
	c, ok := s[p.ID]
	return c, ok
}

type memBases struct {
	mu    sync.Mutex
	bases map[string]tree.Snapshot
}

func (m *memBases) LoadBase(id string) (*tree.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.bases[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memBases) SaveBase(id string, s tree.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bases[id] = s
	return nil
}

type backupFunc func(ctx context.Context, p models.SyncProfile, s tree.Snapshot) error

func (f backupFunc) PreSyncSnapshot(ctx context.Context, p models.SyncProfile, s tree.Snapshot) error {
	return f(ctx, p, s)
}

type fixture struct {
	tree      *tree.Tree
	profiles  *profile.Registry
	results   *resultlog.Log
	transport *fakeTransport
	prompter  *fakePrompter
	bases     *memBases
	bus       *events.Bus
	cfg       syncengine.Config
}

func newFixture(t *testing.T, hosts ...string) *fixture {
	t.Helper()
	clk := testclock.NewClock(time.UnixMilli(10_000))
	f := &fixture{
		tree:      tree.New(clk, "root"),
		profiles:  profile.NewRegistry(),
		results:   resultlog.New(0),
		transport: &fakeTransport{remotes: map[string]*fakeRemote{}},
		prompter:  &fakePrompter{creds: models.Credentials{Username: "u", Password: "p"}},
		bases:     &memBases{bases: map[string]tree.Snapshot{}},
		bus:       events.NewBus(nil),
	}
	for _, h := range hosts {
		f.transport.remotes[h] = &fakeRemote{}
	}
	f.cfg = syncengine.Config{
		Tree:      f.tree,
		Profiles:  f.profiles,
		Results:   f.results,
		Transport: f.transport,
		Prompter:  f.prompter,
		Bases:     f.bases,
		Events:    f.bus,
		Clock:     clk,
	}
	return f
}

func (f *fixture) engine(t *testing.T) *syncengine.Engine {
	t.Helper()
	e, err := syncengine.New(f.cfg)
	require.NoError(t, err)
	return e
}

func (f *fixture) addProfile(t *testing.T, name, host string) models.SyncProfile {
	t.Helper()
	p, err := f.profiles.Add(models.SyncProfile{Name: name, HostAddress: host})
	require.NoError(t, err)
	return p
}

func (f *fixture) addSecret(t *testing.T, name string) tree.SecretNode {
	t.Helper()
	n, err := f.tree.Upsert(f.tree.Root().ID, tree.SecretNode{
		Name:  name,
		Value: models.EncryptedValue{Algorithm: "test", Ciphertext: []byte(name)},
	})
	require.NoError(t, err)
	return n
}

func syncAndWait(t *testing.T, e *syncengine.Engine, id string, prompt bool) models.SyncResult {
	t.Helper()
	run, err := e.Sync(context.Background(), id, prompt)
	require.NoError(t, err)
	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	return res
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := syncengine.New(syncengine.Config{})
	assert.Error(t, err)
}

func TestSyncUploadsToEmptyRemote(t *testing.T) {
	f := newFixture(t, "h1")
	p := f.addProfile(t, "one", "h1")
	f.addSecret(t, "a")
	e := f.engine(t)

	res := syncAndWait(t, e, p.ID, false)
	assert.Equal(t, models.OutcomeSuccessChanges, res.Outcome)
	assert.Empty(t, res.ErrorMessage)
	assert.Positive(t, res.RemoteChanges)
	assert.Equal(t, 1, f.transport.remotes["h1"].pushes)
	assert.Equal(t, f.tree.Serialize(), f.transport.remotes["h1"].snap)

	got, err := f.profiles.Get(p.ID)
	require.NoError(t, err)
	assert.False(t, got.LastSyncedAt.IsZero())
	_, ok := f.bases.bases[p.ID]
	assert.True(t, ok)

	// A second run finds nothing to do.
	res = syncAndWait(t, e, p.ID, false)
	assert.Equal(t, models.OutcomeSuccessNoChanges, res.Outcome)
	assert.Equal(t, 1, f.transport.remotes["h1"].pushes)
	assert.Equal(t, models.StateIdle, e.State(p.ID))
	assert.Equal(t, 2, f.results.Len())
}

func TestSyncTwiceReturnsAlreadySyncing(t *testing.T) {
	f := newFixture(t, "h1", "h2")
	a := f.addProfile(t, "a", "h1")
	b := f.addProfile(t, "b", "h2")
	gate := make(chan struct{})
	connected := make(chan struct{})
	f.transport.remotes["h1"].gate = gate
	f.transport.remotes["h1"].connected = connected
	e := f.engine(t)

	runA, err := e.Sync(context.Background(), a.ID, false)
	require.NoError(t, err)
	<-connected
	assert.True(t, e.IsSyncing())
	assert.Equal(t, models.StateConnecting, e.State(a.ID))

	_, err = e.Sync(context.Background(), a.ID, false)
	assert.ErrorIs(t, err, syncengine.ErrAlreadySyncing)

	// Another profile is not blocked by the first.
	resB := syncAndWait(t, e, b.ID, false)
	assert.NotEqual(t, models.OutcomeFailed, resB.Outcome)

	close(gate)
	resA, err := runA.Wait(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, models.OutcomeFailed, resA.Outcome)
	e.Wait()
	assert.False(t, e.IsSyncing())
}

func TestAbortDuringConnectLeavesTreeUntouched(t *testing.T) {
	f := newFixture(t, "h1")
	p := f.addProfile(t, "a", "h1")
	f.addSecret(t, "a")
	gate := make(chan struct{})
	connected := make(chan struct{})
	f.transport.remotes["h1"].gate = gate
	f.transport.remotes["h1"].connected = connected
	remote := tree.New(nil, "other")
	_, _ = remote.Upsert(remote.Root().ID, tree.SecretNode{Name: "remote"})
	f.transport.remotes["h1"].snap = remote.Serialize()
	before := f.tree.Serialize()
	e := f.engine(t)

	run, err := e.Sync(context.Background(), p.ID, false)
	require.NoError(t, err)
	<-connected
	assert.True(t, e.Abort(p.ID))

	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	defer close(gate)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.ErrorMessage, syncengine.ErrAborted.Error())
	assert.Equal(t, before, f.tree.Serialize())
	assert.False(t, e.IsSyncing())
	assert.False(t, e.Abort(p.ID))
}

func TestAbortDuringBackupHookLeavesTreeUntouched(t *testing.T) {
	f := newFixture(t, "h1")
	p := f.addProfile(t, "a", "h1")
	remote := tree.New(nil, "other")
	_, _ = remote.Upsert(remote.Root().ID, tree.SecretNode{Name: "remote"})
	f.transport.remotes["h1"].snap = remote.Serialize()
	before := f.tree.Serialize()

	inHook := make(chan struct{})
	f.cfg.Backup = backupFunc(func(ctx context.Context, _ models.SyncProfile, _ tree.Snapshot) error {
		close(inHook)
		<-ctx.Done()
		return ctx.Err()
	})
	e := f.engine(t)

	run, err := e.Sync(context.Background(), p.ID, false)
	require.NoError(t, err)
	<-inHook
	assert.Equal(t, models.StateMerging, e.State(p.ID))
	e.AbortAll()

	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, before, f.tree.Serialize())
}

func TestBackupHookFailureFailsRun(t *testing.T) {
	f := newFixture(t, "h1")
	p := f.addProfile(t, "a", "h1")
	f.cfg.Backup = backupFunc(func(context.Context, models.SyncProfile, tree.Snapshot) error {
		return errors.New("disk full")
	})
	e := f.engine(t)

	res := syncAndWait(t, e, p.ID, false)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.ErrorMessage, "disk full")
	assert.Zero(t, f.transport.remotes["h1"].pushes)
}

func TestOneFailureOneSuccess(t *testing.T) {
	f := newFixture(t, "ha", "hb")
	a := f.addProfile(t, "a", "ha")
	b := f.addProfile(t, "b", "hb")
	f.transport.remotes["ha"].connectErr = errors.New("connection refused")

	f.addSecret(t, "local")
	remote := f.tree.Serialize()
	extra := tree.SnapshotNode{ID: "extra", ParentID: remote.RootID, Name: "extra", LastModified: 1}
	remote.Nodes[0].Children = append(remote.Nodes[0].Children, extra.ID)
	remote.Nodes = append(remote.Nodes, extra)
	f.transport.remotes["hb"].snap = remote
	e := f.engine(t)

	runA, err := e.Sync(context.Background(), a.ID, false)
	require.NoError(t, err)
	runB, err := e.Sync(context.Background(), b.ID, false)
	require.NoError(t, err)

	resA, err := runA.Wait(context.Background())
	require.NoError(t, err)
	resB, err := runB.Wait(context.Background())
	require.NoError(t, err)
	e.Wait()

	assert.Equal(t, models.OutcomeFailed, resA.Outcome)
	assert.Contains(t, resA.ErrorMessage, syncengine.ErrConnectionError.Error())
	assert.Equal(t, models.OutcomeSuccessChanges, resB.Outcome)
	assert.Equal(t, 2, resB.LocalChanges)

	all := f.results.All()
	require.Len(t, all, 2)
	assert.False(t, all[0].FinishedAt.Before(all[1].FinishedAt))
	assert.False(t, e.IsSyncing())

	_, err = f.tree.GetNode("extra")
	assert.NoError(t, err)
}

func TestSyncAll(t *testing.T) {
	f := newFixture(t, "ha", "hb")
	f.addProfile(t, "a", "ha")
	f.addProfile(t, "b", "hb")
	f.addSecret(t, "s")
	e := f.engine(t)

	results := e.SyncAll(context.Background(), false)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, models.OutcomeSuccessChanges, r.Outcome)
	}
	assert.Equal(t, f.tree.Serialize(), f.transport.remotes["ha"].snap)
	assert.Equal(t, f.tree.Serialize(), f.transport.remotes["hb"].snap)
}

func TestSyncStoredSkipsPromptProfiles(t *testing.T) {
	f := newFixture(t, "ha", "hb")
	f.addProfile(t, "prompted", "ha")
	stored, err := f.profiles.Add(models.SyncProfile{Name: "stored", HostAddress: "hb", AuthMode: models.AuthStored})
	require.NoError(t, err)
	f.cfg.Credentials = storedCreds{stored.ID: {Username: "s"}}
	f.addSecret(t, "s")
	e := f.engine(t)

	results := e.SyncStored(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, stored.ID, results[0].ProfileID)
	assert.Zero(t, f.prompter.calls)
	assert.Empty(t, f.transport.remotes["ha"].creds)
}

func TestCredentialSelection(t *testing.T) {
	f := newFixture(t, "h1")
	p, err := f.profiles.Add(models.SyncProfile{Name: "a", HostAddress: "h1", AuthMode: models.AuthStored})
	require.NoError(t, err)
	stored := models.Credentials{Username: "stored"}
	f.cfg.Credentials = storedCreds{p.ID: stored}
	e := f.engine(t)

	syncAndWait(t, e, p.ID, false)
	assert.Zero(t, f.prompter.calls)
	assert.Equal(t, stored, f.transport.remotes["h1"].creds[0])

	syncAndWait(t, e, p.ID, true)
	assert.Equal(t, 1, f.prompter.calls)
	assert.Equal(t, "u", f.transport.remotes["h1"].creds[1].Username)
}

func TestPromptCancelledAborts(t *testing.T) {
	f := newFixture(t, "h1")
	p := f.addProfile(t, "a", "h1")
	f.prompter.err = syncengine.ErrPromptCancelled
	e := f.engine(t)

	res := syncAndWait(t, e, p.ID, false)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.ErrorMessage, syncengine.ErrAborted.Error())
	assert.Empty(t, f.transport.remotes["h1"].creds)
}

func TestAuthRejected(t *testing.T) {
	f := newFixture(t, "h1")
	p := f.addProfile(t, "a", "h1")
	f.transport.remotes["h1"].connectErr = syncengine.ErrAuthRejected
	e := f.engine(t)

	res := syncAndWait(t, e, p.ID, false)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, syncengine.ErrAuthRejected.Error(), res.ErrorMessage)
}

func TestPushFailureKeepsLocalMerge(t *testing.T) {
	f := newFixture(t, "h1")
	p := f.addProfile(t, "a", "h1")
	f.addSecret(t, "local")
	remote := tree.New(nil, "other")
	_, _ = remote.Upsert(remote.Root().ID, tree.SecretNode{ID: "r1", Name: "remote"})
	f.transport.remotes["h1"].snap = remote.Serialize()
	f.transport.remotes["h1"].pushErr = errors.New("quota exceeded")
	e := f.engine(t)

	res := syncAndWait(t, e, p.ID, false)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.ErrorMessage, "quota exceeded")
	_, err := f.tree.GetNode("r1")
	assert.NoError(t, err, "merge stays applied")
	_, ok := f.bases.bases[p.ID]
	assert.False(t, ok, "base is only saved after a complete exchange")
}

func TestCorruptRemoteLeavesTreeUntouched(t *testing.T) {
	f := newFixture(t, "h1")
	p := f.addProfile(t, "a", "h1")
	f.addSecret(t, "local")
	f.transport.remotes["h1"].snap = tree.Snapshot{RootID: "x", Nodes: []tree.SnapshotNode{{ID: "x"}, {ID: "x"}}}
	before := f.tree.Serialize()
	e := f.engine(t)

	res := syncAndWait(t, e, p.ID, false)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.ErrorMessage, "merge")
	assert.Equal(t, before, f.tree.Serialize())
}

func TestTombstonesPurgedAfterEveryProfileSynced(t *testing.T) {
	f := newFixture(t, "ha", "hb")
	a := f.addProfile(t, "a", "ha")
	b := f.addProfile(t, "b", "hb")
	n := f.addSecret(t, "doomed")
	e := f.engine(t)

	syncAndWait(t, e, a.ID, false)
	syncAndWait(t, e, b.ID, false)
	require.NoError(t, f.tree.Delete(n.ID))

	syncAndWait(t, e, a.ID, false)
	assert.Len(t, f.tree.Tombstones(), 1)
	syncAndWait(t, e, b.ID, false)
	assert.Empty(t, f.tree.Tombstones())
}

func TestEventsPublished(t *testing.T) {
	f := newFixture(t, "h1")
	p := f.addProfile(t, "a", "h1")
	ch, stop := f.bus.Subscribe(32, nil)
	defer stop()
	e := f.engine(t)

	res := syncAndWait(t, e, p.ID, false)

	var states []models.SyncState
	var sawStart bool
	var finish *events.SyncFinish
	for finish == nil {
		switch ev := (<-ch).(type) {
		case events.SyncStart:
			sawStart = true
		case events.StateChange:
			states = append(states, ev.State)
		case events.SyncFinish:
			finish = &ev
		}
	}
	assert.True(t, sawStart)
	assert.Equal(t, res, finish.Result)
	assert.Equal(t, []models.SyncState{
		models.StateConnecting,
		models.StateExchanging,
		models.StateMerging,
		models.StateSuccess,
		models.StateIdle,
	}, states)
}

func TestSyncUnknownProfile(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	_, err := e.Sync(context.Background(), "missing", false)
	assert.ErrorIs(t, err, profile.ErrNotFound)
}
