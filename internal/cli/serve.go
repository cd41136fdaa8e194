package cli

import (
	"context"
	"net"

	"github.com/netbox-sync/netbox-sync/internal/scheduler"
	"github.com/netbox-sync/netbox-sync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ServeOptions struct {
	SyncOptions

	Address string
}

func NewCmdServe(level zap.AtomicLevel) *cobra.Command {
	o := &ServeOptions{SyncOptions: SyncOptions{GlobalOptions: DefaultGlobalOptions(level)}}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sync periodically and serve health, metrics and run history over HTTP.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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
	return cmd
}

func (o *ServeOptions) Bind(fs *pflag.FlagSet) {
	o.SyncOptions.Bind(fs)

	fs.StringVar(&o.Address, "address", o.Address, "Listen address. Overrides NETBOX_SYNC_ADDRESS.")
}

func (o *ServeOptions) Complete(cmd *cobra.Command, args []string) error {
	if err := o.SyncOptions.Complete(cmd, args); err != nil {
		return err
	}
	if o.Address == "" {
		o.Address = o.Config().Service.Address
	}
	return nil
}

func (o *ServeOptions) Run(ctx context.Context, args []string) error {
	log := zap.S().Named("cli")
	log.Info("Starting sync service")
	defer log.Info("Sync service stopped")

	ctx, cancel := signalContext(ctx)
	defer cancel()

	engine, history, err := o.Engine()
	if err != nil {
		return err
	}
	if history != nil {
		defer history.Close()
	}

	listener, err := newListener(o.Address)
	if err != nil {
		return err
	}

	svc := o.Config().Service
	sched := scheduler.New(engine, o.EngineOptions(), svc.Interval, svc.Jitter)
	srv := server.New(listener, sched, history, o.EngineOptions())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Start(ctx)
	})
	g.Go(func() error {
		return srv.Run(ctx)
	})
	return g.Wait()
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
