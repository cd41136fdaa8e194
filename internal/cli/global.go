package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/netbox-sync/netbox-sync/internal/config"
	"github.com/netbox-sync/netbox-sync/internal/netbox"
	"github.com/netbox-sync/netbox-sync/internal/store"
	nbsync "github.com/netbox-sync/netbox-sync/internal/sync"
	"github.com/netbox-sync/netbox-sync/internal/yandex"
	"github.com/netbox-sync/netbox-sync/pkg/migrations"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// GlobalOptions are shared by every command that talks to the clouds.
type GlobalOptions struct {
	LogLevel string

	level  zap.AtomicLevel
	config *config.Config
}

func DefaultGlobalOptions(level zap.AtomicLevel) GlobalOptions {
	return GlobalOptions{level: level}
}

func (o *GlobalOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Log level: DEBUG, INFO, WARNING or ERROR. Overrides LOG_LEVEL.")
}

// Complete loads the configuration from the environment and the keyring
// and applies the log level.
func (o *GlobalOptions) Complete(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	cfg.Complete()
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	o.config = cfg

	if lvl, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
		o.level.SetLevel(lvl)
	}
	return nil
}

func (o *GlobalOptions) Validate(args []string) error {
	return o.config.Validate()
}

func (o *GlobalOptions) Config() *config.Config {
	return o.config
}

// Engine wires the source, the target and the optional run history. The
// returned store is nil when history is disabled.
func (o *GlobalOptions) Engine() (*nbsync.Engine, store.Store, error) {
	cfg := o.config
	zap.S().Named("cli").Infof("using configuration: %s", cfg)

	source := yandex.NewClient(yandex.Options{
		Token:              cfg.Yandex.Token,
		ComputeURL:         cfg.Yandex.ComputeURL,
		ResourceManagerURL: cfg.Yandex.ResourceManagerURL,
		VPCURL:             cfg.Yandex.VPCURL,
		Timeout:            cfg.Yandex.Timeout,
	})
	target := netbox.NewClient(cfg.NetBox.URL, cfg.NetBox.Token, cfg.NetBox.Timeout, cfg.NetBox.PageSize)

	history, err := openHistory(cfg)
	if err != nil {
		return nil, nil, err
	}
	return nbsync.NewEngine(source, target, history, cfg.Database.Keep), history, nil
}

// openHistory opens and migrates the run history database, nil when it is
// not configured.
func openHistory(cfg *config.Config) (store.Store, error) {
	if !cfg.HistoryEnabled() {
		return nil, nil
	}
	zap.S().Named("cli").Info("Initializing data store")
	db, err := store.InitDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateStore(db, cfg.Database.Type); err != nil {
		return nil, err
	}
	return store.NewStore(db), nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
}
