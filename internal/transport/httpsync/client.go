// Package httpsync implements the sync engine's transport over the remote
// host's HTTPS snapshot API, authenticating with a client certificate or
// HTTP basic credentials.
package httpsync

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/atinyakov/secretsync/internal/models"
)

// DefaultTimeout bounds a single HTTP exchange.
const DefaultTimeout = 10 * time.Second

// LoadClientCertificate returns an HTTP client that presents the certificate
// in certFile/keyFile and trusts caFile. An empty caFile uses the system roots.
func LoadClientCertificate(certFile, keyFile, caFile string) (*http.Client, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert/key: %w", err)
	}
	return newClient(caFile, []tls.Certificate{cert})
}

func newClient(caFile string, certs []tls.Certificate) (*http.Client, error) {
	tlsConfig := &tls.Config{
		Certificates: certs,
		MinVersion:   tls.VersionTLS12,
	}
	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA cert")
		}
		tlsConfig.RootCAs = caPool
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return &http.Client{Transport: transport, Timeout: DefaultTimeout}, nil
}

// Register creates an account on the host at baseURL and writes the issued
// client certificate and key into dir as client.crt and client.key.
func Register(ctx context.Context, baseURL, login, password, caFile, dir string) error {
	client, err := newClient(caFile, nil)
	if err != nil {
		return err
	}
	defer client.CloseIdleConnections()

	b, err := json.Marshal(map[string]string{"login": login, "password": password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/register", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("register failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	var certData struct {
		Cert string `json:"cert"`
		Key  string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&certData); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "client.crt"), []byte(certData.Cert), 0o600); err != nil {
		return fmt.Errorf("failed to save client.crt: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "client.key"), []byte(certData.Key), 0o600); err != nil {
		return fmt.Errorf("failed to save client.key: %w", err)
	}
	return nil
}

// StatusError is an unexpected HTTP status from the host.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error: %d %s", e.Code, e.Body)
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
}

// CertificateCredentials returns credentials for the client.crt, client.key
// and ca.crt files in dir. ok is false when the certificate pair is missing;
// ca.crt is optional.
func CertificateCredentials(dir string) (models.Credentials, bool) {
	creds := models.Credentials{
		CertFile: filepath.Join(dir, "client.crt"),
		KeyFile:  filepath.Join(dir, "client.key"),
	}
	for _, f := range []string{creds.CertFile, creds.KeyFile} {
		if _, err := os.Stat(f); err != nil {
			return models.Credentials{}, false
		}
	}
	creds.CAFile = CAFile(dir)
	return creds, true
}

// CAFile returns the path of ca.crt in dir, or "" when there is none.
func CAFile(dir string) string {
	if ca := filepath.Join(dir, "ca.crt"); fileExists(ca) {
		return ca
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
