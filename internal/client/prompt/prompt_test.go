package prompt

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/syncengine"
)

var profile = models.SyncProfile{Name: "home", HostAddress: "https://example.test"}

func TestConsoleReadsLines(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(strings.NewReader("one\r\ntwo"), &out)
	ctx := context.Background()

	line, err := c.ReadLine(ctx, "> ")
	require.NoError(t, err)
	assert.Equal(t, "one", line)
	line, err = c.ReadSecret(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "two", line)
	_, err = c.ReadLine(ctx, "")
	assert.ErrorIs(t, err, io.EOF)
	_, err = c.ReadLine(ctx, "")
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "> ", out.String())
}

func TestConsoleReadIsCancellable(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	c := NewConsole(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.ReadLine(ctx, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPromptForAuthPassword(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.crt"), []byte("ca"), 0o600))
	c := NewConsole(strings.NewReader(" alice \nhunter2\n"), io.Discard)

	creds, err := NewPrompter(c, dir).PromptForAuth(context.Background(), profile)
	require.NoError(t, err)
	assert.Equal(t, models.Credentials{Username: "alice", Password: "hunter2", CAFile: filepath.Join(dir, "ca.crt")}, creds)
}

func TestPromptForAuthCertificate(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"client.crt", "client.key"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o600))
	}
	c := NewConsole(strings.NewReader("\n"), io.Discard)

	creds, err := NewPrompter(c, dir).PromptForAuth(context.Background(), profile)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "client.crt"), creds.CertFile)
	assert.Equal(t, filepath.Join(dir, "client.key"), creds.KeyFile)
	assert.Empty(t, creds.CAFile)
}

func TestPromptForAuthCancelled(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no certificate", "\n"},
		{"empty password", "alice\n\n"},
		{"end of input", ""},
		{"end of input at password", "alice\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConsole(strings.NewReader(tt.input), io.Discard)
			_, err := NewPrompter(c, t.TempDir()).PromptForAuth(context.Background(), profile)
			assert.ErrorIs(t, err, syncengine.ErrPromptCancelled)
		})
	}
}

func TestPromptForAuthContext(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	c := NewConsole(r, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPrompter(c, t.TempDir()).PromptForAuth(ctx, profile)
	assert.ErrorIs(t, err, context.Canceled)
}
