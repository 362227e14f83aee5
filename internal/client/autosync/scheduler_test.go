package autosync_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/atinyakov/secretsync/internal/client/autosync"
	"github.com/atinyakov/secretsync/internal/models"
)

const shortWait = time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSyncer struct {
	calls chan struct{}
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{calls: make(chan struct{}, 16)}
}

func (f *fakeSyncer) SyncStored(context.Context) []models.SyncResult {
	f.calls <- struct{}{}
	return []models.SyncResult{{Outcome: models.OutcomeSuccessNoChanges}}
}

func (f *fakeSyncer) expectCall(t *testing.T) {
	t.Helper()
	select {
	case <-f.calls:
	case <-time.After(shortWait):
		t.Fatal("sync was not triggered")
	}
}

func (f *fakeSyncer) expectNoCall(t *testing.T) {
	t.Helper()
	select {
	case <-f.calls:
		t.Fatal("unexpected sync")
	case <-time.After(50 * time.Millisecond):
	}
}

func start(t *testing.T, cfg autosync.Config) *autosync.Scheduler {
	t.Helper()
	s, err := autosync.New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func TestNewRequiresSyncer(t *testing.T) {
	_, err := autosync.New(autosync.Config{})
	assert.Error(t, err)
}

func TestSyncOnOpen(t *testing.T) {
	syncer := newFakeSyncer()
	start(t, autosync.Config{Syncer: syncer, OnOpen: true, Clock: testclock.NewClock(time.Unix(0, 0))})
	syncer.expectCall(t)
	syncer.expectNoCall(t)
}

func TestSyncOnInterval(t *testing.T) {
	syncer := newFakeSyncer()
	clk := testclock.NewClock(time.Unix(0, 0))
	start(t, autosync.Config{Syncer: syncer, Interval: time.Minute, Clock: clk})

	syncer.expectNoCall(t)
	for range 2 {
		require.NoError(t, clk.WaitAdvance(time.Minute, shortWait, 1))
		syncer.expectCall(t)
	}
}

func TestSyncAfterChange(t *testing.T) {
	syncer := newFakeSyncer()
	clk := testclock.NewClock(time.Unix(0, 0))
	s := start(t, autosync.Config{Syncer: syncer, ChangeDelay: 5 * time.Second, Clock: clk})

	s.Notify()
	require.NoError(t, clk.WaitAdvance(5*time.Second, shortWait, 1))
	syncer.expectCall(t)
	syncer.expectNoCall(t)

	s.Notify()
	require.NoError(t, clk.WaitAdvance(5*time.Second, shortWait, 1))
	syncer.expectCall(t)
}

func TestNotifyIgnoredWithoutDelay(t *testing.T) {
	syncer := newFakeSyncer()
	clk := testclock.NewClock(time.Unix(0, 0))
	s := start(t, autosync.Config{Syncer: syncer, Clock: clk})

	s.Notify()
	clk.Advance(time.Hour)
	syncer.expectNoCall(t)
}
