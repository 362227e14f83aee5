// Package syncengine runs sync attempts between the local secret tree and the
// remote hosts of the registered profiles. Each profile has its own state
// machine; runs for different profiles proceed concurrently and only
// serialize on the tree's apply step.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atinyakov/secretsync/internal/events"
	"github.com/atinyakov/secretsync/internal/merge"
	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/profile"
	"github.com/atinyakov/secretsync/internal/resultlog"
	"github.com/atinyakov/secretsync/internal/tree"
)

var (
	// ErrAlreadySyncing is returned when a run for the profile is in flight.
	ErrAlreadySyncing = errors.New("sync already in progress")
	// ErrConnectionError marks failures to reach or talk to the remote host.
	ErrConnectionError = errors.New("connection error")
	// ErrAborted marks runs cancelled before their merge was applied.
	ErrAborted = errors.New("sync aborted")
	// ErrAuthRejected marks credentials refused by the remote host.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrPromptCancelled is returned by a Prompter when the user gives up.
	ErrPromptCancelled = errors.New("credential prompt cancelled")
	// ErrNoPrompter is returned when credentials must be prompted for but no
	// Prompter is configured.
	ErrNoPrompter = errors.New("no credential prompt available")
)

const defaultPushTimeout = 30 * time.Second

// Config wires an Engine to its collaborators. Tree, Profiles, Results and
// Transport are required.
type Config struct {
	Tree        *tree.Tree
	Profiles    *profile.Registry
	Results     *resultlog.Log
	Transport   Transport
	Prompter    Prompter
	Credentials CredentialStore
	Backup      BackupHook
	Bases       BaseStore
	Events      Publisher
	Clock       clock.Clock
	Logger      *zap.Logger
	// PushTimeout bounds the upload after a merge was applied. That upload
	// ignores aborts.
	PushTimeout time.Duration
}

// Engine coordinates sync runs.
type Engine struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	runs   map[string]*Run
	states map[string]models.SyncState
	wg     sync.WaitGroup
}

// New validates cfg and returns an engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Tree == nil:
		return nil, errors.New("syncengine: tree is required")
	case cfg.Profiles == nil:
		return nil, errors.New("syncengine: profile registry is required")
	case cfg.Results == nil:
		return nil, errors.New("syncengine: result log is required")
	case cfg.Transport == nil:
		return nil, errors.New("syncengine: transport is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = events.NewBus(cfg.Logger)
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = defaultPushTimeout
	}
	return &Engine{
		cfg:    cfg,
		log:    cfg.Logger.Named("syncengine"),
		runs:   make(map[string]*Run),
		states: make(map[string]models.SyncState),
	}, nil
}

// Run is a handle on one in-flight sync attempt.
type Run struct {
	profile models.SyncProfile
	cancel  context.CancelFunc
	done    chan struct{}
	result  models.SyncResult
}

// Profile returns the profile snapshot the run was started with.
func (r *Run) Profile() models.SyncProfile { return r.profile }

// Done is closed once the run's result has been recorded.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run completes or ctx is done.
func (r *Run) Wait(ctx context.Context) (models.SyncResult, error) {
	select {
	case <-r.done:
		return r.result.Clone(), nil
	case <-ctx.Done():
		return models.SyncResult{}, ctx.Err()
	}
}

// Sync starts a run for the profile and returns immediately. The run ends
// early when ctx is cancelled or Abort is called, unless its merge has
// already been applied. promptForAuth forces the credential prompt.
func (e *Engine) Sync(ctx context.Context, profileID string, promptForAuth bool) (*Run, error) {
	p, err := e.cfg.Profiles.Get(profileID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, busy := e.runs[p.ID]; busy {
		e.mu.Unlock()
		return nil, ErrAlreadySyncing
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{profile: p, cancel: cancel, done: make(chan struct{})}
	e.runs[p.ID] = run
	e.states[p.ID] = models.StateConnecting
	e.wg.Add(1)
	e.mu.Unlock()

	started := e.cfg.Clock.Now()
	e.cfg.Events.Publish(events.SyncStart{Profile: p, At: started})
	e.cfg.Events.Publish(events.StateChange{ProfileID: p.ID, State: models.StateConnecting})
	e.log.Debug("sync started", zap.String("profile", p.Name), zap.String("host", p.HostAddress))

	go e.execute(runCtx, run, started, promptForAuth)
	return run, nil
}

// SyncAll runs every registered profile concurrently and returns their
// results in profile order. Profiles already syncing are skipped.
func (e *Engine) SyncAll(ctx context.Context, promptForAuth bool) []models.SyncResult {
	return e.syncProfiles(ctx, e.cfg.Profiles.List(), promptForAuth)
}

// SyncStored is SyncAll restricted to profiles in stored auth mode, for
// unattended syncs that must not prompt.
func (e *Engine) SyncStored(ctx context.Context) []models.SyncResult {
	var stored []models.SyncProfile
	for _, p := range e.cfg.Profiles.List() {
		if p.AuthMode == models.AuthStored {
			stored = append(stored, p)
		}
	}
	return e.syncProfiles(ctx, stored, false)
}

func (e *Engine) syncProfiles(ctx context.Context, profiles []models.SyncProfile, promptForAuth bool) []models.SyncResult {
	results := make([]*models.SyncResult, len(profiles))

	var g errgroup.Group
	for i, p := range profiles {
		g.Go(func() error {
			run, err := e.Sync(ctx, p.ID, promptForAuth)
			if err != nil {
				e.log.Debug("sync skipped", zap.String("profile", p.Name), zap.Error(err))
				return nil
			}
			// The run observes ctx itself and always completes.
			res, _ := run.Wait(context.Background())
			results[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	out := make([]models.SyncResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// Abort requests cancellation of the profile's run. It reports whether a run
// was in flight.
func (e *Engine) Abort(profileID string) bool {
	e.mu.Lock()
	run, ok := e.runs[profileID]
	e.mu.Unlock()
	if ok {
		run.cancel()
	}
	return ok
}

// AbortAll requests cancellation of every run.
func (e *Engine) AbortAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, run := range e.runs {
		run.cancel()
	}
}

// IsSyncing reports whether any profile is connecting, exchanging or merging.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.states {
		if s.Active() {
			return true
		}
	}
	return false
}

// State returns the profile's current state; unknown profiles are Idle.
func (e *Engine) State(profileID string) models.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[profileID]
}

// Wait blocks until every started run has completed.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) setState(id string, s models.SyncState) {
	e.mu.Lock()
	e.states[id] = s
	e.mu.Unlock()
	e.cfg.Events.Publish(events.StateChange{ProfileID: id, State: s})
}

// outcome carries what a run learned before it finished.
type outcome struct {
	detail        []string
	changed       bool
	localChanges  int
	remoteChanges int
}

func (o *outcome) logf(format string, args ...any) {
	o.detail = append(o.detail, fmt.Sprintf(format, args...))
}

func (e *Engine) execute(ctx context.Context, run *Run, started time.Time, promptForAuth bool) {
	defer e.wg.Done()
	defer run.cancel()

	p := run.profile
	var out outcome
	err := e.runPhases(ctx, p, promptForAuth, &out)

	res := models.SyncResult{
		ProfileID:     p.ID,
		HostName:      p.HostAddress,
		StartedAt:     started,
		FinishedAt:    e.cfg.Clock.Now(),
		LocalChanges:  out.localChanges,
		RemoteChanges: out.remoteChanges,
		DetailLog:     out.detail,
	}
	switch {
	case err != nil:
		res.Outcome = models.OutcomeFailed
		res.ErrorMessage = err.Error()
		e.setState(p.ID, models.StateFailed)
		e.log.Warn("sync failed", zap.String("profile", p.Name), zap.Error(err))
	case out.changed:
		res.Outcome = models.OutcomeSuccessChanges
		e.setState(p.ID, models.StateSuccess)
	default:
		res.Outcome = models.OutcomeSuccessNoChanges
		e.setState(p.ID, models.StateSuccess)
	}
	if err == nil {
		e.log.Info("sync finished",
			zap.String("profile", p.Name),
			zap.Stringer("outcome", res.Outcome),
			zap.Int("local_changes", res.LocalChanges),
			zap.Int("remote_changes", res.RemoteChanges),
		)
	}

	e.cfg.Results.Append(res)
	run.result = res

	e.mu.Lock()
	delete(e.runs, p.ID)
	e.states[p.ID] = models.StateIdle
	e.mu.Unlock()
	close(run.done)

	e.cfg.Events.Publish(events.StateChange{ProfileID: p.ID, State: models.StateIdle})
	e.cfg.Events.Publish(events.SyncFinish{Result: res.Clone()})
}

// checkpoint is consulted at every phase boundary.
func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrAborted
	}
	return nil
}

func (e *Engine) runPhases(ctx context.Context, p models.SyncProfile, promptForAuth bool, out *outcome) error {
	// Connecting.
	creds, err := e.credentials(ctx, p, promptForAuth)
	if err != nil {
		return err
	}
	if err := checkpoint(ctx); err != nil {
		return err
	}
	out.logf("connecting to %s", p.HostAddress)
	sess, err := e.cfg.Transport.Connect(ctx, p, creds)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return ErrAborted
		case errors.Is(err, ErrAuthRejected):
			return err
		default:
			return fmt.Errorf("%w: %w", ErrConnectionError, err)
		}
	}
	defer func() {
		if err := sess.Close(); err != nil {
			e.log.Debug("close session", zap.String("profile", p.Name), zap.Error(err))
		}
	}()

	// Exchanging.
	if err := checkpoint(ctx); err != nil {
		return err
	}
	e.setState(p.ID, models.StateExchanging)
	remote, err := sess.FetchRemoteSnapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ErrAborted
		}
		return fmt.Errorf("%w: fetch remote snapshot: %w", ErrConnectionError, err)
	}
	out.logf("fetched remote snapshot with %d nodes", len(remote.Nodes))

	// Merging.
	if err := checkpoint(ctx); err != nil {
		return err
	}
	e.setState(p.ID, models.StateMerging)
	base := e.loadBase(p)
	if e.cfg.Backup != nil {
		if err := e.cfg.Backup.PreSyncSnapshot(ctx, p, e.cfg.Tree.Serialize()); err != nil {
			if ctx.Err() != nil {
				return ErrAborted
			}
			return fmt.Errorf("pre-sync backup: %w", err)
		}
	}

	var res merge.Result
	_, err = e.cfg.Tree.Apply(func(local tree.Snapshot) (tree.Snapshot, error) {
		// Last chance to abort: once fn returns successfully the merge is in.
		if err := checkpoint(ctx); err != nil {
			return tree.Snapshot{}, err
		}
		r, err := merge.Merge(base, local, remote, e.cfg.Clock.Now().UnixMilli())
		if err != nil {
			return tree.Snapshot{}, err
		}
		res = r
		return r.Merged, nil
	})
	if err != nil {
		if errors.Is(err, ErrAborted) {
			return err
		}
		return fmt.Errorf("merge: %w", err)
	}
	out.detail = append(out.detail, res.Log...)
	out.localChanges = res.LocalChanges
	out.remoteChanges = res.RemoteChanges
	out.changed = res.Changed()

	if res.RemoteChanges > 0 {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PushTimeout)
		err := sess.PushMergedSnapshot(pushCtx, res.Merged)
		cancel()
		if err != nil {
			// The local tree already holds the merge; only the upload failed.
			return fmt.Errorf("%w: push merged snapshot: %w", ErrConnectionError, err)
		}
		out.logf("pushed merged snapshot")
	}

	if e.cfg.Bases != nil {
		if err := e.cfg.Bases.SaveBase(p.ID, res.Merged); err != nil {
			e.log.Warn("save merge base", zap.String("profile", p.Name), zap.Error(err))
		}
	}
	if err := e.cfg.Profiles.MarkSynced(p.ID, e.cfg.Clock.Now()); err != nil {
		// Removed while syncing; the result is still recorded.
		e.log.Debug("mark synced", zap.String("profile", p.Name), zap.Error(err))
	}

	var tombstones []string
	for _, n := range res.Merged.Nodes {
		if n.Deleted {
			tombstones = append(tombstones, n.ID)
		}
	}
	e.cfg.Tree.AckTombstones(p.ID, tombstones)
	if purged := e.cfg.Tree.PurgeTombstones(e.cfg.Profiles.IDs()); purged > 0 {
		out.logf("purged %d tombstones", purged)
	}
	return nil
}

func (e *Engine) credentials(ctx context.Context, p models.SyncProfile, promptForAuth bool) (models.Credentials, error) {
	if !promptForAuth && p.AuthMode == models.AuthStored && e.cfg.Credentials != nil {
		if creds, ok := e.cfg.Credentials.Credentials(p); ok {
			return creds, nil
		}
	}
	if e.cfg.Prompter == nil {
		return models.Credentials{}, ErrNoPrompter
	}
	creds, err := e.cfg.Prompter.PromptForAuth(ctx, p)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrPromptCancelled) || errors.Is(err, context.Canceled) {
			return models.Credentials{}, ErrAborted
		}
		return models.Credentials{}, fmt.Errorf("prompt for credentials: %w", err)
	}
	return creds, nil
}

func (e *Engine) loadBase(p models.SyncProfile) *tree.Snapshot {
	if e.cfg.Bases == nil {
		return nil
	}
	base, err := e.cfg.Bases.LoadBase(p.ID)
	if err != nil {
		e.log.Warn("load merge base, merging without it", zap.String("profile", p.Name), zap.Error(err))
		return nil
	}
	return base
}
