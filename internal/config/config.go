// Package config provides functionality for managing configuration options
// for the server and client using command-line flags, an optional JSON file
// and environment variables, applied in the order file, flags, environment.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// DefaultConfigFile is read when present and no other path is given.
const DefaultConfigFile = "config.json"

// ServerOptions holds the configuration values for the remote host.
type ServerOptions struct {
	// Address defines the server's listening address (ip:port).
	Address string `env:"SERVER_ADDRESS" json:"address"`
	// DatabaseDSN holds the PostgreSQL connection string.
	DatabaseDSN string `env:"DATABASE_DSN" json:"database_dsn"`
	// LogLevel is a zap level name.
	LogLevel string `env:"LOG_LEVEL" json:"log_level"`
	// CertDir holds ca.crt, ca.key, server.crt and server.key.
	CertDir string `env:"CERT_DIR" json:"cert_dir"`
	// HistoryRetention is how long replaced snapshot versions are kept.
	HistoryRetention time.Duration `env:"HISTORY_RETENTION" json:"-"`
	// HistoryCleanInterval is how often the history cleaner runs.
	HistoryCleanInterval time.Duration `env:"HISTORY_CLEAN_INTERVAL" json:"-"`
	// HistoryKeep is the number of newest versions per snapshot kept
	// regardless of age.
	HistoryKeep int `env:"HISTORY_KEEP" json:"history_keep"`
	// Config is the path to the config file.
	Config string `json:"-"`
}

type serverFile struct {
	*ServerOptions
	HistoryRetention     string `json:"history_retention"`
	HistoryCleanInterval string `json:"history_clean_interval"`
}

// ClientOptions holds the configuration values for the client.
type ClientOptions struct {
	// StorePath is the local database file.
	StorePath string `env:"SECRETSYNC_STORE" json:"store"`
	// CertDir holds client.crt, client.key and ca.crt for mTLS.
	CertDir string `env:"SECRETSYNC_CERT" json:"cert_dir"`
	// SyncInterval syncs every profile periodically; 0 disables it.
	SyncInterval time.Duration `env:"SECRETSYNC_SYNC_INTERVAL" json:"-"`
	// SyncOnOpen syncs every profile right after the database is opened.
	SyncOnOpen bool `env:"SECRETSYNC_SYNC_ON_OPEN" json:"sync_on_open"`
	// SyncOnChangeDelay syncs this long after the last local change; 0 disables it.
	SyncOnChangeDelay time.Duration `env:"SECRETSYNC_SYNC_ON_CHANGE" json:"-"`
	// PushTimeout bounds the upload at the end of a sync.
	PushTimeout time.Duration `env:"SECRETSYNC_PUSH_TIMEOUT" json:"-"`
	// ResultRetention is the number of sync results kept per profile.
	ResultRetention int `env:"SECRETSYNC_RESULT_RETENTION" json:"result_retention"`
	// LogLevel is a zap level name.
	LogLevel string `env:"LOG_LEVEL" json:"log_level"`
	// LogFile receives the client log; empty means stderr.
	LogFile string `env:"SECRETSYNC_LOG_FILE" json:"log_file"`
	// Config is the path to the config file.
	Config string `json:"-"`
}

type clientFile struct {
	*ClientOptions
	SyncInterval      string `json:"sync_interval"`
	SyncOnChangeDelay string `json:"sync_on_change"`
	PushTimeout       string `json:"push_timeout"`
}

// ParseServer builds ServerOptions from args (without the program name) and
// the environment.
func ParseServer(args []string) (*ServerOptions, error) {
	opts := &ServerOptions{
		Address:              "localhost:8443",
		LogLevel:             "info",
		CertDir:              "certs",
		HistoryRetention:     30 * 24 * time.Hour,
		HistoryCleanInterval: time.Hour,
		HistoryKeep:          5,
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&opts.Address, "a", opts.Address, "run on ip:port server")
	fs.StringVar(&opts.DatabaseDSN, "d", opts.DatabaseDSN, "db address")
	fs.StringVar(&opts.LogLevel, "l", opts.LogLevel, "log level")
	fs.StringVar(&opts.CertDir, "certs", opts.CertDir, "certificate directory")
	fs.DurationVar(&opts.HistoryRetention, "history-retention", opts.HistoryRetention, "how long to keep replaced snapshots")
	fs.DurationVar(&opts.HistoryCleanInterval, "history-interval", opts.HistoryCleanInterval, "history cleaner interval")
	fs.IntVar(&opts.HistoryKeep, "history-keep", opts.HistoryKeep, "newest versions per snapshot always kept")
	configFlags(fs, &opts.Config)

	file := &serverFile{ServerOptions: opts}
	err := parse(fs, args, &opts.Config, file, func() error {
		return durations(
			durationField{file.HistoryRetention, &opts.HistoryRetention},
			durationField{file.HistoryCleanInterval, &opts.HistoryCleanInterval},
		)
	}, opts)
	if err != nil {
		return nil, err
	}

	if opts.DatabaseDSN == "" {
		return nil, errors.New("database DSN is required (-d or DATABASE_DSN)")
	}
	if opts.HistoryCleanInterval <= 0 {
		return nil, errors.New("history clean interval must be positive")
	}
	if opts.HistoryKeep < 0 {
		return nil, errors.New("history keep must not be negative")
	}
	return opts, nil
}

// ParseClient builds ClientOptions from args (without the program name) and
// the environment.
func ParseClient(args []string) (*ClientOptions, error) {
	opts := &ClientOptions{
		StorePath:       "secretsync.json",
		CertDir:         "certs",
		PushTimeout:     30 * time.Second,
		ResultRetention: 50,
		LogLevel:        "warn",
	}

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.StringVar(&opts.StorePath, "store", opts.StorePath, "local database file")
	fs.StringVar(&opts.CertDir, "certs", opts.CertDir, "client certificate directory")
	fs.DurationVar(&opts.SyncInterval, "sync-interval", opts.SyncInterval, "periodic sync interval (0 disables)")
	fs.BoolVar(&opts.SyncOnOpen, "sync-on-open", opts.SyncOnOpen, "sync right after opening the database")
	fs.DurationVar(&opts.SyncOnChangeDelay, "sync-on-change", opts.SyncOnChangeDelay, "sync this long after a change (0 disables)")
	fs.DurationVar(&opts.PushTimeout, "push-timeout", opts.PushTimeout, "upload timeout")
	fs.IntVar(&opts.ResultRetention, "results", opts.ResultRetention, "sync results kept per profile")
	fs.StringVar(&opts.LogLevel, "l", opts.LogLevel, "log level")
	fs.StringVar(&opts.LogFile, "log", opts.LogFile, "log file (default stderr)")
	configFlags(fs, &opts.Config)

	file := &clientFile{ClientOptions: opts}
	err := parse(fs, args, &opts.Config, file, func() error {
		return durations(
			durationField{file.SyncInterval, &opts.SyncInterval},
			durationField{file.SyncOnChangeDelay, &opts.SyncOnChangeDelay},
			durationField{file.PushTimeout, &opts.PushTimeout},
		)
	}, opts)
	if err != nil {
		return nil, err
	}

	if opts.StorePath == "" {
		return nil, errors.New("store path is required")
	}
	if opts.SyncInterval < 0 || opts.SyncOnChangeDelay < 0 || opts.ResultRetention < 0 {
		return nil, errors.New("intervals and retention must not be negative")
	}
	return opts, nil
}

func configFlags(fs *flag.FlagSet, path *string) {
	fs.StringVar(path, "config", DefaultConfigFile, "path to config file")
	fs.StringVar(path, "c", DefaultConfigFile, "path to config file (shorthand)")
}

// parse applies flags, then the config file, then the flags again so explicit
// flags win over the file, and finally the environment.
func parse(fs *flag.FlagSet, args []string, configPath *string, file any, afterFile func() error, opts any) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if p := os.Getenv("CONFIG"); p != "" {
		*configPath = p
	}

	if loaded, err := loadFile(*configPath, file); err != nil {
		return err
	} else if loaded {
		if err := afterFile(); err != nil {
			return err
		}
		path := *configPath
		if err := fs.Parse(args); err != nil {
			return err
		}
		*configPath = path
	}

	if err := env.Parse(opts); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// loadFile decodes the JSON file at path into v. A missing file is not an
// error.
func loadFile(path string, v any) (bool, error) {
	if path == "" {
		return false, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error while reading config file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("error while parsing config file: %w", err)
	}
	return true, nil
}

// durationField pairs a duration read from the config file as text with its
// destination.
type durationField struct {
	text string
	dst  *time.Duration
}

func durations(fields ...durationField) error {
	for _, f := range fields {
		if f.text == "" {
			continue
		}
		v, err := time.ParseDuration(f.text)
		if err != nil {
			return fmt.Errorf("config file: %w", err)
		}
		*f.dst = v
	}
	return nil
}
