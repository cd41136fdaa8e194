package cli

import (
	"context"
	"fmt"

	nbsync "github.com/netbox-sync/netbox-sync/internal/sync"
	"github.com/netbox-sync/netbox-sync/pkg/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// SyncOptions select how a cycle runs. They are shared by the one-shot
// root command and serve.
type SyncOptions struct {
	GlobalOptions

	DryRun    bool
	NoCleanup bool
	Standard  bool
}

func (o *SyncOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.BoolVar(&o.DryRun, "dry-run", o.DryRun, "Log the changes without writing to NetBox.")
	fs.BoolVar(&o.NoCleanup, "no-cleanup", o.NoCleanup, "Do not delete synced objects that are gone from the cloud.")
	fs.BoolVar(&o.Standard, "standard", o.Standard, "Reconcile VMs one by one instead of in batches.")
}

func (o *SyncOptions) EngineOptions() nbsync.Options {
	opts := nbsync.Options{DryRun: o.DryRun, Cleanup: !o.NoCleanup, Mode: nbsync.ModeBatch}
	if o.Standard {
		opts.Mode = nbsync.ModeStandard
	}
	return opts
}

type RootOptions struct {
	SyncOptions

	Version bool
}

// NewCmdRoot returns the netbox-sync command. Without a subcommand it runs
// one sync cycle. level is the process log level, adjusted by --log-level.
func NewCmdRoot(level zap.AtomicLevel) *cobra.Command {
	o := &RootOptions{SyncOptions: SyncOptions{GlobalOptions: DefaultGlobalOptions(level)}}
	cmd := &cobra.Command{
		Use:   "netbox-sync [flags]",
		Short: "netbox-sync mirrors Yandex Cloud inventory into NetBox.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.Version {
				return DefaultVersionOptions().Run(cmd.Context(), cmd.OutOrStdout())
			}
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), args)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	cmd.Flags().BoolVar(&o.Version, "version", o.Version, "Print version information and exit.")

	cmd.AddCommand(NewCmdServe(level))
	cmd.AddCommand(NewCmdHistory())
	cmd.AddCommand(NewCmdAuth())
	cmd.AddCommand(NewCmdVersion())
	return cmd
}

func (o *RootOptions) Run(ctx context.Context, args []string) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	engine, history, err := o.Engine()
	if err != nil {
		return err
	}
	if history != nil {
		defer history.Close()
	}

	_, runErr := engine.Run(ctx, o.EngineOptions())

	if path := o.Config().Service.MetricsFile; path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			zap.S().Named("cli").Warnf("failed to write metrics to %s: %v", path, err)
		}
	}

	if runErr != nil {
		return fmt.Errorf("sync failed: %w", runErr)
	}
	return nil
}
