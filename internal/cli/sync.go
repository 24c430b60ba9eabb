package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fecore/internal/config"
	"github.com/roach88/fecore/internal/livesync"
	"github.com/roach88/fecore/internal/remote"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	RemoteURL string
	Partition string
	Interval  time.Duration
	Once      bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Keep the local database in sync with a relay",
		Long: `Pull the partition from the relay, push local changes and apply changes
made by other devices as they arrive. Runs until interrupted, or performs a
single reconciliation with --once.

Without a relay URL the store runs local only.`,
		Example: `  fecore sync --remote http://127.0.0.1:8787 --partition team-board
  fecore sync --once --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.RemoteURL, "remote", "", "relay base URL (overrides config)")
	cmd.Flags().StringVar(&opts.Partition, "partition", "", "partition id (overrides config)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "reconcile interval (overrides config)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "reconcile once and exit")

	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	sess, err := opts.openStore(ctx, func(cfg *config.Config) {
		if opts.RemoteURL != "" {
			cfg.Sync.RemoteURL = opts.RemoteURL
		}
		if opts.Partition != "" {
			cfg.Partition = opts.Partition
		}
		if opts.Interval > 0 {
			cfg.Sync.Interval = opts.Interval
		}
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	cfg := sess.cfg

	logger := opts.log()
	recOpts := []livesync.Option{
		livesync.WithMapping(cfg.Sync.Mapping()),
		livesync.WithInterval(cfg.Sync.Interval),
		livesync.WithPartition(cfg.Partition),
		livesync.WithDeviceID(cfg.DeviceID),
		livesync.WithLogger(logger),
	}
	if cfg.Sync.RemoteURL != "" {
		client, err := remote.NewClient(cfg.Sync.RemoteURL, remote.WithClientLogger(logger))
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid relay URL", err)
		}
		recOpts = append(recOpts, livesync.WithRemote(client))
	}

	rec := livesync.New(sess.store, recOpts...)
	if err := rec.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start sync", err)
	}

	live := rec.Status() != livesync.StatusLocal
	if live && !opts.Once {
		id := rec.Identity()
		logger.Info("syncing, press Ctrl-C to stop",
			"remote", cfg.Sync.RemoteURL,
			"device_id", id.DeviceID,
			"partition_id", id.PartitionID,
		)
		select {
		case <-ctx.Done():
		case <-rec.Done():
		}
	}
	rec.Stop()

	st := rec.Stats()
	text := fmt.Sprintf("%s: device %s, partition %s, pushed %d, ingested %d, suppressed %d, last pushed seq %d",
		st.Status, st.DeviceID, st.PartitionID, st.Pushed, st.Ingested, st.Suppressed, st.LastPushedSeq)
	return opts.formatter(cmd.OutOrStdout()).Success(st, text)
}
