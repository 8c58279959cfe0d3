package cmd

import (
	"errors"
	"io"

	"mcpauth/internal/config"
	"mcpauth/internal/negotiator"
	"mcpauth/internal/secretstore"
	"mcpauth/internal/transport"
	"mcpauth/pkg/logging"

	"github.com/spf13/cobra"
)

// environment is what every command needs: configuration, the secret store
// and a negotiator wired to both.
type environment struct {
	config     config.Config
	store      secretstore.Store
	fetcher    *transport.HTTPFetcher
	negotiator *negotiator.Negotiator

	watcher    *secretstore.Watcher
	closeStore func() error
}

// newEnvironment loads configuration, initializes logging and opens the
// secret store.
func newEnvironment(cmd *cobra.Command) (*environment, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.GetDefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := initLogging(cfg.Logging, cmd.ErrOrStderr()); err != nil {
		return nil, err
	}

	store, closeStore, err := secretstore.New(cfg.SecretStoreConfig())
	if err != nil {
		return nil, err
	}

	fetcher := transport.NewHTTPFetcher(append(cfg.FetcherOptions(),
		transport.WithLogger(logging.Logger("Transport")),
	)...)

	n := negotiator.New(cfg.NegotiatorConfig(), fetcher,
		negotiator.WithStore(store),
		negotiator.WithLogger(logging.Logger("Negotiator")),
	)

	env := &environment{
		config:     cfg,
		store:      store,
		fetcher:    fetcher,
		negotiator: n,
		closeStore: closeStore,
	}

	// Another mcpauth process may log in or out while this one runs.
	if fs, ok := store.(*secretstore.FileStore); ok {
		env.watcher = secretstore.NewWatcher(secretstore.WatcherConfig{
			Store:    fs,
			OnChange: n.Tokens().ClearCache,
			Logger:   logging.Logger("SecretStore"),
		})
		if err := env.watcher.Start(); err != nil {
			logging.Warn("SecretStore", "Credential directory is not watched: %v", err)
			env.watcher = nil
		}
	}

	return env, nil
}

func initLogging(cfg config.LoggingConfig, output io.Writer) error {
	levelName := cfg.Level
	if logLevel != "" {
		levelName = logLevel
	}
	if debug {
		levelName = "debug"
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}

	formatName := cfg.Format
	if logFormat != "" {
		formatName = logFormat
	}
	format, err := logging.ParseFormat(formatName)
	if err != nil {
		return err
	}

	logging.Init(level, format, output)
	return nil
}

// Close releases the negotiator, watcher and store.
func (e *environment) Close() error {
	e.negotiator.Close()
	if e.watcher != nil {
		e.watcher.Stop()
	}
	return e.closeStore()
}

// closeEnvironment closes env and folds a close failure into err.
func closeEnvironment(env *environment, err *error) {
	if closeErr := env.Close(); closeErr != nil {
		*err = errors.Join(*err, closeErr)
	}
}
