package httpsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/profile"
	"github.com/atinyakov/secretsync/internal/syncengine"
	"github.com/atinyakov/secretsync/internal/tree"
)

// ErrRemoteChanged is returned by a push when another client replaced the
// remote snapshot after it was fetched.
var ErrRemoteChanged = errors.New("remote snapshot changed during sync")

type snapshotResponse struct {
	Version  int64         `json:"version"`
	Snapshot tree.Snapshot `json:"snapshot"`
}

type putRequest struct {
	BaseVersion int64         `json:"base_version"`
	Snapshot    tree.Snapshot `json:"snapshot"`
}

type putResponse struct {
	Version int64 `json:"version"`
}

// Transport connects to remote hosts over HTTPS.
type Transport struct {
	log *zap.Logger
}

// New returns a Transport. A nil logger discards output.
func New(log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{log: log}
}

var _ syncengine.Transport = (*Transport)(nil)

// Connect authenticates against POST /api/login. A certificate in creds is
// preferred; otherwise Username and Password are sent as basic auth.
func (t *Transport) Connect(ctx context.Context, p models.SyncProfile, creds models.Credentials) (syncengine.Session, error) {
	base := strings.TrimRight(p.HostAddress, "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("host address %q: %w", p.HostAddress, err)
	}

	var (
		client *http.Client
		err    error
	)
	if creds.CertFile != "" {
		client, err = LoadClientCertificate(creds.CertFile, creds.KeyFile, creds.CAFile)
	} else {
		client, err = newClient(creds.CAFile, nil)
	}
	if err != nil {
		return nil, err
	}

	s := &Session{
		client: client,
		base:   base,
		name:   p.RemotePath,
		log:    t.log.With(zap.String("host", base)),
	}
	if creds.CertFile == "" {
		s.username, s.password = creds.Username, creds.Password
	}
	if s.name == "" {
		s.name = profile.DefaultRemotePath
	}

	resp, err := s.do(ctx, http.MethodPost, "/api/login", nil)
	if err != nil {
		client.CloseIdleConnections()
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		client.CloseIdleConnections()
		return nil, fmt.Errorf("%w: %w", syncengine.ErrAuthRejected, statusError(resp))
	default:
		client.CloseIdleConnections()
		return nil, statusError(resp)
	}
	s.log.Debug("connected")
	return s, nil
}

// Session is an authenticated exchange with one host. It remembers the
// version it fetched so the push can detect concurrent writers.
type Session struct {
	client   *http.Client
	base     string
	name     string
	username string
	password string
	version  int64
	log      *zap.Logger
}

// FetchRemoteSnapshot downloads the snapshot; a host without one yields an
// empty snapshot.
func (s *Session) FetchRemoteSnapshot(ctx context.Context) (tree.Snapshot, error) {
	resp, err := s.do(ctx, http.MethodGet, s.snapshotPath(), nil)
	if err != nil {
		return tree.Snapshot{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		s.version = 0
		return tree.Snapshot{}, nil
	default:
		return tree.Snapshot{}, statusError(resp)
	}

	var body snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return tree.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	s.version = body.Version
	s.log.Debug("fetched snapshot", zap.Int64("version", s.version), zap.Int("nodes", len(body.Snapshot.Nodes)))
	return body.Snapshot, nil
}

// PushMergedSnapshot uploads snap on top of the fetched version.
func (s *Session) PushMergedSnapshot(ctx context.Context, snap tree.Snapshot) error {
	b, err := json.Marshal(putRequest{BaseVersion: s.version, Snapshot: snap})
	if err != nil {
		return err
	}
	resp, err := s.do(ctx, http.MethodPut, s.snapshotPath(), b)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		return ErrRemoteChanged
	default:
		return statusError(resp)
	}

	var body putResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode push response: %w", err)
	}
	s.version = body.Version
	s.log.Debug("pushed snapshot", zap.Int64("version", s.version))
	return nil
}

// Close releases idle connections.
func (s *Session) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Session) snapshotPath() string {
	return "/api/snapshot/" + url.PathEscape(s.name)
}

func (s *Session) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	return s.client.Do(req)
}
