package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/atinyakov/secretsync/internal/client/autosync"
	"github.com/atinyakov/secretsync/internal/client/prompt"
	"github.com/atinyakov/secretsync/internal/client/session"
	"github.com/atinyakov/secretsync/internal/config"
	"github.com/atinyakov/secretsync/internal/logger"
	"github.com/atinyakov/secretsync/internal/transport/httpsync"
)

var (
	version   string
	buildDate string
)

func main() {
	opts, err := config.ParseClient(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	zl := logger.New()
	var outputs []string
	if opts.LogFile != "" {
		outputs = append(outputs, opts.LogFile)
	}
	if err := zl.Init(opts.LogLevel, outputs...); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer zl.Log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, zl.Log); err != nil {
		zl.Log.Error("client stopped", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *config.ClientOptions, log *zap.Logger) error {
	console := prompt.NewConsole(os.Stdin, os.Stdout)
	console.Printf("SecretSync client %s (%s)\n", version, buildDate)

	sessOpts := session.Options{
		Path:            opts.StorePath,
		Transport:       httpsync.New(log),
		Prompter:        prompt.NewPrompter(console, opts.CertDir),
		Logger:          log,
		ResultRetention: opts.ResultRetention,
		PushTimeout:     opts.PushTimeout,
		Backup:          true,
	}
	pass, err := console.ReadSecret(ctx, "Database passphrase (empty to use the client certificate): ")
	if err != nil {
		return err
	}
	if pass != "" {
		sessOpts.Passphrase = []byte(pass)
	} else {
		pem, err := os.ReadFile(filepath.Join(opts.CertDir, "client.crt"))
		if err != nil {
			return fmt.Errorf("read client certificate: %w", err)
		}
		sessOpts.KeyPEM = pem
	}

	sess, err := session.Open(sessOpts)
	if err != nil {
		return err
	}
	if sess.Created() {
		console.Printf("Created new database %s\n", sess.Path())
	}

	scheduler, err := autosync.New(autosync.Config{
		Syncer:      sess.Engine,
		Interval:    opts.SyncInterval,
		OnOpen:      opts.SyncOnOpen,
		ChangeDelay: opts.SyncOnChangeDelay,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	sess.Tree.OnDirty(scheduler.Notify)

	schedCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		scheduler.Run(schedCtx)
	}()

	// Ctrl-C aborts the command in progress, or quits at the prompt.
	shellCtx, quit := context.WithCancel(ctx)
	defer quit()
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	fg := &foreground{quit: quit}
	go fg.watch(shellCtx, interrupts)

	sh := &shell{sess: sess, console: console, certDir: opts.CertDir, fg: fg}
	runErr := sh.run(shellCtx)

	cancel()
	<-done
	if err := sess.Close(); err != nil {
		return errors.Join(runErr, fmt.Errorf("save %s: %w", sess.Path(), err))
	}
	return runErr
}
