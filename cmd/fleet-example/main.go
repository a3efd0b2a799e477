// Command fleet-example runs a small fleet from a YAML config file and
// serves the admin gateway until interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/toolhost/mcpfleet/pkg/configstore"
	"github.com/toolhost/mcpfleet/pkg/gateway"
	"github.com/toolhost/mcpfleet/pkg/mcpfleet"
)

func main() {
	var (
		configPath = flag.String("config", "servers.yaml", "path to the fleet config file")
		addr       = flag.String("addr", ":8090", "gateway listen address")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := configstore.NewFileStore(*configPath, logger)
	manager := mcpfleet.NewManager(mcpfleet.ManagerOptions{
		Logger:        logger,
		Store:         store,
		ClientName:    "fleet-example",
		ClientVersion: "0.1.0",
	})
	defer func() {
		if err := manager.Close(context.Background()); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	if err := manager.LoadFromStore(ctx); err != nil {
		logger.Warn("some servers failed to load", "error", err)
	}

	// External edits to the config file are picked up without a restart.
	if changes, err := store.Watch(ctx); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	} else {
		go func() {
			for configs := range changes {
				logger.Info("config file changed externally", "servers", len(configs))
				if err := manager.ApplyConfigs(ctx, configs); err != nil {
					logger.Warn("config reload", "error", err)
				}
			}
		}()
	}

	manager.OnServerStatusChange(func(id string, status, previous mcpfleet.ServerStatus) {
		logger.Info("status change", "mcp_server", id, "from", previous, "to", status)
	})
	manager.OnDiscovery(func(ev mcpfleet.DiscoveryEvent) {
		logger.Info("tool catalogue changed", "mcp_server", ev.ServerID,
			"added", len(ev.Added), "removed", len(ev.Removed), "updated", len(ev.Updated))
	})

	gw := gateway.New(manager, gateway.Options{Addr: *addr, Logger: logger})
	if err := gw.ListenAndServe(ctx); err != nil {
		logger.Error("gateway", "error", err)
		os.Exit(1)
	}
}
