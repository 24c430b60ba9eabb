package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/fecore/internal/remote"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Addr    string
	RelayDB string
	Memory  bool
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve a shared replica for devices to sync through",
		Long: `Serve the replica over HTTP and websocket. Rows are stored in the relay
database; --memory keeps them in memory only.`,
		Example: `  fecore relay --addr :8787 --relay-db relay.db`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.RelayDB, "relay-db", "", "relay database path (overrides config)")
	cmd.Flags().BoolVar(&opts.Memory, "memory", false, "keep rows in memory only")

	return cmd
}

func runRelay(cmd *cobra.Command, opts *RelayOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Relay.Addr = opts.Addr
	}
	if opts.RelayDB != "" {
		cfg.Relay.Database = opts.RelayDB
	}

	logger := opts.log()
	var backend remote.Remote
	if opts.Memory {
		mem := remote.NewMemory(logger)
		defer mem.Close()
		backend = mem
	} else {
		replica, err := remote.OpenSQLiteReplica(cfg.Relay.Database, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open relay database", err)
		}
		defer replica.Close()
		backend = replica
		logger.Debug("relay database opened", "path", cfg.Relay.Database)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if err := remote.NewServer(backend, logger).ListenAndServe(ctx, cfg.Relay.Addr); err != nil {
		return WrapExitError(ExitCommandError, "relay failed", err)
	}
	return nil
}
