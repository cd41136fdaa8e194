package main

import (
	"os"

	"github.com/netbox-sync/netbox-sync/internal/cli"
	"github.com/netbox-sync/netbox-sync/pkg/log"
	"go.uber.org/zap"
)

func main() {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	logger := log.InitLog(level)
	defer func() { _ = logger.Sync() }()

	undo := zap.ReplaceGlobals(logger)
	defer undo()

	if err := cli.NewCmdRoot(level).Execute(); err != nil {
		_ = logger.Sync()
		os.Exit(1)
	}
}
