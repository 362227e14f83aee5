package prompt

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/syncengine"
	"github.com/atinyakov/secretsync/internal/transport/httpsync"
)

// Prompter asks for sync credentials on the console.
type Prompter struct {
	console *Console
	certDir string
}

// NewPrompter returns a Prompter offering the client certificate in certDir
// when the user leaves the username empty.
func NewPrompter(c *Console, certDir string) *Prompter {
	return &Prompter{console: c, certDir: certDir}
}

var _ syncengine.Prompter = (*Prompter)(nil)

// PromptForAuth implements syncengine.Prompter. An empty answer or the end
// of input cancels the prompt.
func (p *Prompter) PromptForAuth(ctx context.Context, profile models.SyncProfile) (models.Credentials, error) {
	p.console.Printf("Sync %q with %s\n", profile.Name, profile.HostAddress)

	user, err := p.console.ReadLine(ctx, "Username (empty for certificate): ")
	if err != nil {
		return models.Credentials{}, cancelled(ctx, err)
	}
	user = strings.TrimSpace(user)
	if user == "" {
		if creds, ok := httpsync.CertificateCredentials(p.certDir); ok {
			return creds, nil
		}
		p.console.Printf("no client certificate in %s\n", p.certDir)
		return models.Credentials{}, syncengine.ErrPromptCancelled
	}

	password, err := p.console.ReadSecret(ctx, "Password: ")
	if err != nil {
		return models.Credentials{}, cancelled(ctx, err)
	}
	if password == "" {
		return models.Credentials{}, syncengine.ErrPromptCancelled
	}
	return models.Credentials{
		Username: user,
		Password: password,
		CAFile:   httpsync.CAFile(p.certDir),
	}, nil
}

func cancelled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, io.EOF) {
		return syncengine.ErrPromptCancelled
	}
	return err
}
