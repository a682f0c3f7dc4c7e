package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/notes"
	"warden/internal/persist"
	"warden/internal/session"
	"warden/internal/signer"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger

	cfg *config.Config
)

// exitError carries a process exit code through cobra's RunE chain.
// Gate blocks exit 2 so wrappers can tell "blocked" from "broken".
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "warden - session-state engine for agent orchestration",
	Long: `warden tracks orchestration session state: the active mode, agent
invocations, decisions, and verdicts. State is persisted to a note store,
integrity-tagged with HMAC, and updated under optimistic locking.

The gate-check command is the enforcement point: it maps the current mode
to the set of permitted tool operations and fails closed when state is
missing or unreachable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
		}

		path := configPath
		if path == "" {
			path = filepath.Join(workspace, "warden.yaml")
		}
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}

		if err := logging.Initialize(workspace, logging.Options{
			DebugMode:  cfg.Logging.DebugMode,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
			Categories: cfg.Logging.Categories,
		}); err != nil {
			return fmt.Errorf("failed to initialize file logging: %w", err)
		}
		if err := logging.InitAudit(); err != nil {
			logger.Warn("Audit log unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.Close()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// openStore wires the configured note store backend. The returned
// cleanup is a no-op for the file backend.
func openStore() (notes.Store, func(), error) {
	switch cfg.Store.Backend {
	case "sqlite":
		path := cfg.Store.DatabasePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspace, path)
		}
		st, err := notes.NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		root := cfg.Store.Root
		if !filepath.IsAbs(root) {
			root = filepath.Join(workspace, root)
		}
		st, err := notes.NewFileStore(root)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	}
}

// newService builds the full stack: store, signer, persistence,
// session service. A missing signing secret aborts here, before any
// subcommand runs; there is no unsigned fallback.
func newService(ctx context.Context) (*session.Service, func(), error) {
	store, cleanup, err := openStore()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open note store: %w", err)
	}

	var sig signer.Signer
	if cfg.Signing.Disabled {
		sig = signer.Disabled()
		logger.Warn("State signing is disabled; integrity checks are off")
	} else {
		secret, err := cfg.SigningSecret()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		sig, err = signer.New(secret)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	p := persist.New(store, sig, cfg.StoreTimeout())
	svc := session.NewService(ctx, p, session.Options{
		MaxRetries:          cfg.Session.MaxRetries,
		CompactionThreshold: cfg.Session.CompactionThreshold,
		CompactionKeep:      cfg.Session.CompactionKeep,
	})

	// Watch for external writes so the cache stays current even if a
	// concurrent invocation updates the session mid-command.
	if fs, ok := store.(*notes.FileStore); ok && cfg.Session.Watch {
		w, err := session.NewWatcher(svc, fs)
		if err != nil {
			logger.Warn("Cache invalidation watcher unavailable", zap.Error(err))
		} else {
			inner := cleanup
			cleanup = func() {
				_ = w.Close()
				inner()
			}
		}
	}
	return svc, cleanup, nil
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/warden.yaml)")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(getStateCmd)
	rootCmd.AddCommand(setStateCmd)
	rootCmd.AddCommand(gateCheckCmd)
	rootCmd.AddCommand(compactCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
