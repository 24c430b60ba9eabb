package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/fecore/internal/config"
	"github.com/roach88/fecore/internal/livesync"
	"github.com/roach88/fecore/internal/logstore"
	"github.com/roach88/fecore/internal/schema"
	"github.com/roach88/fecore/internal/store"
)

// Execute runs the CLI with args and returns the process exit code.
// Errors are reported on stderr, or as a JSON error response on stdout
// with --format json.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	f := &OutputFormatter{Format: "text", Writer: stderr}
	if format, _ := cmd.PersistentFlags().GetString("format"); format == "json" {
		f = &OutputFormatter{Format: "json", Writer: stdout}
	}
	_ = f.Error(err)
	return GetExitCode(err)
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) log() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger
}

func (o *RootOptions) formatter(w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: w}
}

// loadConfig reads --config (or the defaults) and applies --db.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if o.Config != "" {
		var err error
		if cfg, err = config.Load(o.Config); err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	return cfg, nil
}

// session is an open local database and its initialized store.
type session struct {
	cfg   config.Config
	kv    *logstore.SQLite
	store *store.Store
}

// openStore opens the configured database and initializes the store.
// overrides are applied to the loaded config first.
//
// With a relay configured, the compaction floor is installed from the
// persisted sync cursor before Init, so no snapshot (boot-time included)
// compacts entries that have not been pushed yet.
func (o *RootOptions) openStore(ctx context.Context, overrides ...func(*config.Config)) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	for _, override := range overrides {
		override(&cfg)
	}
	logger := o.log()

	storeOpts := []store.Option{
		store.WithSnapshotEvery(cfg.Snapshot.EveryActions),
		store.WithMaxTail(cfg.Snapshot.MaxTail),
		store.WithLogger(logger),
	}
	if cfg.Schema != "" {
		reg, err := schema.LoadFile(cfg.Schema)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load schema", err)
		}
		storeOpts = append(storeOpts, store.WithSchema(reg))
	}

	logger.Debug("opening database", "path", cfg.Database)
	kv, err := logstore.OpenSQLite(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	s := store.New(kv, storeOpts...)
	synced, err := livesync.HasSynced(ctx, kv)
	if err != nil {
		kv.Close()
		return nil, WrapExitError(ExitCommandError, "failed to read sync state", err)
	}
	if cfg.Sync.RemoteURL != "" || synced {
		cursor, err := livesync.LoadCursor(ctx, kv)
		if err != nil {
			kv.Close()
			return nil, WrapExitError(ExitCommandError, "failed to read sync cursor", err)
		}
		s.SetCompactionFloor(cursor.Value)
	}

	if err := s.Init(ctx); err != nil {
		kv.Close()
		return nil, WrapExitError(ExitCommandError, "failed to initialize store", err)
	}
	return &session{cfg: cfg, kv: kv, store: s}, nil
}

func (s *session) Close() {
	if err := s.kv.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM or when
// parent is done.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
