// Package session opens a client database and wires the secret tree, the
// profile registry, the result log and the sync engine around it.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/atinyakov/secretsync/internal/client/storage"
	"github.com/atinyakov/secretsync/internal/convert"
	"github.com/atinyakov/secretsync/internal/crypto"
	"github.com/atinyakov/secretsync/internal/events"
	"github.com/atinyakov/secretsync/internal/merge"
	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/profile"
	"github.com/atinyakov/secretsync/internal/resultlog"
	"github.com/atinyakov/secretsync/internal/service"
	"github.com/atinyakov/secretsync/internal/syncengine"
	"github.com/atinyakov/secretsync/internal/transport/httpsync"
	"github.com/atinyakov/secretsync/internal/tree"
)

var (
	// ErrWrongKey is returned when the passphrase or key does not open the
	// database.
	ErrWrongKey = errors.New("wrong passphrase or key")
	// ErrNoKey is returned when neither a passphrase nor a key was given.
	ErrNoKey = errors.New("passphrase or key required")
)

const (
	rootName      = "root"
	checkValue    = "secretsync"
	eventsBuffer  = 64
	defaultResult = 50
)

// Options configures Open. Transport is required.
type Options struct {
	Path string
	// Passphrase derives the database key unless KeyPEM is set.
	Passphrase []byte
	// KeyPEM is a PEM certificate whose bytes derive the database key.
	KeyPEM []byte

	Transport       syncengine.Transport
	Prompter        syncengine.Prompter
	Clock           clock.Clock
	Logger          *zap.Logger
	ResultRetention int
	PushTimeout     time.Duration
	// Backup writes the local snapshot next to the database before each
	// merge.
	Backup bool
}

// Credential is a profile's stored authentication. Username and Password
// take precedence; with an empty Username the client certificate in
// CertDir is used. CertDir also supplies the CA to trust.
type Credential struct {
	Username string
	Password string
	CertDir  string
}

// Session is an open client database.
type Session struct {
	Tree     *tree.Tree
	Profiles *profile.Registry
	Results  *resultlog.Log
	Events   *events.Bus
	Engine   *syncengine.Engine
	Secrets  *service.SecretService

	store   *storage.Store
	cipher  *crypto.Cipher
	clock   clock.Clock
	log     *zap.Logger
	backup  bool
	created bool

	saveMu sync.Mutex
	unsub  func()
	done   chan struct{}
}

// Open loads the database at opts.Path, creating an empty one in memory
// when the file does not exist.
func Open(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.ResultRetention == 0 {
		opts.ResultRetention = defaultResult
	}

	store, err := storage.Open(opts.Path)
	if err != nil {
		return nil, err
	}
	cipher, err := openCipher(store, opts)
	if err != nil {
		return nil, err
	}

	t := tree.New(opts.Clock, rootName)
	if snap := store.Tree(); !snap.IsEmpty() {
		if t, err = tree.Deserialize(opts.Clock, snap); err != nil {
			return nil, fmt.Errorf("load tree: %w", err)
		}
	}
	profiles := profile.NewRegistry()
	if err := profiles.Restore(store.Profiles()); err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	results := resultlog.New(opts.ResultRetention)
	results.Restore(store.Results())

	s := &Session{
		Tree:     t,
		Profiles: profiles,
		Results:  results,
		Events:   events.NewBus(opts.Logger),
		Secrets:  service.NewSecretService(t, cipher, nil),
		store:    store,
		cipher:   cipher,
		clock:    opts.Clock,
		log:      opts.Logger.Named("session"),
		backup:   opts.Backup,
		created:  !store.Exists(),
		done:     make(chan struct{}),
	}
	s.Engine, err = syncengine.New(syncengine.Config{
		Tree:        t,
		Profiles:    profiles,
		Results:     results,
		Transport:   opts.Transport,
		Prompter:    opts.Prompter,
		Credentials: s,
		Backup:      s,
		Bases:       store,
		Events:      s.Events,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
		PushTimeout: opts.PushTimeout,
	})
	if err != nil {
		return nil, err
	}

	ch, unsub := s.Events.Subscribe(eventsBuffer, events.Only[events.SyncFinish])
	s.unsub = unsub
	go s.saveOnFinish(ch)
	s.log.Info("database opened", zap.String("path", store.Path()), zap.Bool("created", s.created))
	return s, nil
}

func openCipher(store *storage.Store, opts Options) (*crypto.Cipher, error) {
	salt, check := store.Key()

	var (
		c   *crypto.Cipher
		err error
	)
	switch {
	case len(opts.KeyPEM) > 0:
		c, err = crypto.NewFromPEM(opts.KeyPEM)
	case len(opts.Passphrase) > 0:
		if salt == nil {
			if salt, err = crypto.NewSalt(); err != nil {
				return nil, err
			}
		}
		c, err = crypto.NewFromPassphrase(opts.Passphrase, salt)
	default:
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, err
	}

	if check.IsEmpty() {
		check, err = c.Encrypt([]byte(checkValue))
		if err != nil {
			return nil, err
		}
		store.SetKey(salt, check)
		return c, nil
	}
	plain, err := c.Decrypt(check)
	if err != nil || string(plain) != checkValue {
		return nil, ErrWrongKey
	}
	return c, nil
}

// saveOnFinish persists the database after every recorded sync result.
func (s *Session) saveOnFinish(ch <-chan events.Event) {
	defer close(s.done)
	for e := range ch {
		if _, ok := e.(events.SyncFinish); !ok {
			continue
		}
		if err := s.Save(); err != nil {
			s.log.Warn("failed to save after sync", zap.Error(err))
		}
	}
}

// Path returns the database file.
func (s *Session) Path() string { return s.store.Path() }

// Created reports whether Open found no database file and started an empty
// one.
func (s *Session) Created() bool { return s.created }

// Export writes the live tree to path as a JSON document with plain text
// values.
func (s *Session) Export(path string) error {
	data, err := convert.Export(s.Tree, s.cipher)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := storage.WriteFile(path, data); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	s.log.Info("tree exported", zap.String("path", path))
	return nil
}

// Import merges the document at path into the tree without a common base,
// the same way a sync with a never seen remote does: nothing local is
// removed and the newer side of every shared node wins.
func (s *Session) Import(path string) (merge.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return merge.Result{}, fmt.Errorf("import: %w", err)
	}
	now := s.clock.Now().UnixMilli()
	imported, err := convert.Import(data, s.cipher, now)
	if err != nil {
		return merge.Result{}, fmt.Errorf("import: %w", err)
	}

	var res merge.Result
	_, err = s.Tree.Apply(func(local tree.Snapshot) (tree.Snapshot, error) {
		r, err := merge.Merge(nil, local, imported, now)
		if err != nil {
			return tree.Snapshot{}, err
		}
		res = r
		return r.Merged, nil
	})
	if err != nil {
		return merge.Result{}, fmt.Errorf("import: %w", err)
	}
	s.log.Info("tree imported", zap.String("path", path), zap.Int("local_changes", res.LocalChanges))
	return res, nil
}

// Save writes the tree, the profiles, the results and the merge bases.
func (s *Session) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.store.SetTree(s.Tree.Serialize())
	s.store.SetProfiles(s.Profiles.List())
	results := s.Results.All()
	slices.Reverse(results)
	s.store.SetResults(results)

	if err := s.store.Save(); err != nil {
		return err
	}
	s.Tree.MarkClean()
	s.log.Debug("saved", zap.String("path", s.store.Path()))
	return nil
}

// Close aborts in-flight runs, waits for them and saves the database.
func (s *Session) Close() error {
	s.Engine.AbortAll()
	s.Engine.Wait()
	s.unsub()
	<-s.done
	return s.Save()
}

// AddProfile registers p. cred is stored for profiles in stored auth mode
// and may be nil otherwise.
func (s *Session) AddProfile(p models.SyncProfile, cred *Credential) (models.SyncProfile, error) {
	if p.AuthMode == models.AuthStored && cred == nil {
		return models.SyncProfile{}, fmt.Errorf("%w: stored auth needs a credential", profile.ErrInvalidProfile)
	}
	added, err := s.Profiles.Add(p)
	if err != nil {
		return models.SyncProfile{}, err
	}
	if cred != nil {
		if err := s.SetCredential(added.ID, *cred); err != nil {
			_ = s.Profiles.Remove(added.ID)
			return models.SyncProfile{}, err
		}
	}
	return added, nil
}

// UpdateProfile replaces the profile with p.ID. A non-nil cred replaces the
// stored credential; leaving stored auth forgets it. Pointing the profile to
// another host or remote path drops its merge base. Profiles with a run in
// flight cannot be changed.
func (s *Session) UpdateProfile(p models.SyncProfile, cred *Credential) (models.SyncProfile, error) {
	old, err := s.Profiles.Get(p.ID)
	if err != nil {
		return models.SyncProfile{}, err
	}
	if s.Engine.State(p.ID).Active() {
		return models.SyncProfile{}, syncengine.ErrAlreadySyncing
	}
	if p.AuthMode == models.AuthStored && cred == nil {
		if _, ok := s.store.Credential(p.ID); !ok {
			return models.SyncProfile{}, fmt.Errorf("%w: stored auth needs a credential", profile.ErrInvalidProfile)
		}
	}

	updated, err := s.Profiles.Update(p)
	if err != nil {
		return models.SyncProfile{}, err
	}
	switch {
	case cred != nil:
		if err := s.SetCredential(updated.ID, *cred); err != nil {
			return models.SyncProfile{}, err
		}
	case updated.AuthMode != models.AuthStored:
		s.store.DeleteCredential(updated.ID)
	}
	if updated.HostAddress != old.HostAddress || updated.RemotePath != old.RemotePath {
		s.store.DeleteBase(updated.ID)
	}
	s.store.SetProfiles(s.Profiles.List())
	return updated, nil
}

// RemoveProfile aborts the profile's run and forgets the profile together
// with its credential and merge base.
func (s *Session) RemoveProfile(id string) error {
	s.Engine.Abort(id)
	if err := s.Profiles.Remove(id); err != nil {
		return err
	}
	s.store.DeleteCredential(id)
	s.store.SetProfiles(s.Profiles.List())
	return nil
}

// SetCredential seals and stores cred for the profile.
func (s *Session) SetCredential(profileID string, cred Credential) error {
	stored := storage.StoredCredential{Username: cred.Username, CertDir: cred.CertDir}
	if cred.Password != "" {
		sealed, err := s.cipher.Encrypt([]byte(cred.Password))
		if err != nil {
			return err
		}
		stored.Password = sealed
	}
	s.store.SetCredential(profileID, stored)
	return nil
}

var (
	_ syncengine.CredentialStore = (*Session)(nil)
	_ syncengine.BackupHook      = (*Session)(nil)
)

// Credentials implements syncengine.CredentialStore.
func (s *Session) Credentials(p models.SyncProfile) (models.Credentials, bool) {
	c, ok := s.store.Credential(p.ID)
	if !ok {
		return models.Credentials{}, false
	}
	if c.Username == "" {
		if c.CertDir == "" {
			return models.Credentials{}, false
		}
		return httpsync.CertificateCredentials(c.CertDir)
	}
	creds := models.Credentials{Username: c.Username}
	if !c.Password.IsEmpty() {
		plain, err := s.cipher.Decrypt(c.Password)
		if err != nil {
			s.log.Warn("failed to open stored password", zap.String("profile", p.Name), zap.Error(err))
			return models.Credentials{}, false
		}
		creds.Password = string(plain)
	}
	if c.CertDir != "" {
		creds.CAFile = httpsync.CAFile(c.CertDir)
	}
	return creds, true
}

// PreSyncSnapshot implements syncengine.BackupHook.
func (s *Session) PreSyncSnapshot(_ context.Context, p models.SyncProfile, snap tree.Snapshot) error {
	if !s.backup {
		return nil
	}
	path, err := s.store.WriteBackup(p.ID, snap)
	if err != nil {
		return err
	}
	s.log.Debug("pre-sync backup written", zap.String("profile", p.Name), zap.String("path", path))
	return nil
}
