package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/questbored/xpcore/internal/config"
	"github.com/questbored/xpcore/internal/confirm"
	"github.com/questbored/xpcore/internal/database"
	"github.com/questbored/xpcore/internal/permissions"
	"github.com/questbored/xpcore/internal/progression"
	"github.com/questbored/xpcore/internal/registry"
)

const usage = `xpadmin runs maintenance operations against the XP registry.

Usage:
  xpadmin [-config path] <command> [args]

Commands:
  check               report pool readiness and crash history
  init                create the tables when missing
  reset-period        zero periodic XP for every character (asks first)
  top [n]             show the top n characters by total XP
  stats <account>     show the account's active character, rank, and pool
  perms [role ...]    show resolved permissions for roles (none: defaults)
`

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Unable to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	table, err := progression.NewTable(cfg.LevelReq)
	if err != nil {
		slog.Error("Invalid level table", "error", err)
		os.Exit(1)
	}
	var capRate progression.Rate
	if cfg.PeriodicCap != nil && !cfg.PeriodicCap.Value.IsZero() {
		capRate = cfg.PeriodicCap.Value
	}
	calc, err := progression.NewCalculator(table, cfg.XPRate, capRate)
	if err != nil {
		slog.Error("Invalid progression settings", "error", err)
		os.Exit(1)
	}

	resolver, err := permissions.New(permissions.Definition{
		Basic:    cfg.Permissions.Basic,
		Nested:   cfg.Permissions.Nested,
		Roles:    cfg.Permissions.Roles,
		Defaults: cfg.Permissions.Default,
	})
	if err != nil {
		slog.Error("Invalid permission graph", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	manager := database.NewManager(database.Config{
		URL:      cfg.Database.URL,
		MinConns: cfg.Pool.MinConns,
		MaxConns: cfg.Pool.MaxConns,
		Retry: database.RetryPolicy{
			MaxRetries:      cfg.Pool.MaxRetries,
			RetryDelay:      cfg.Pool.RetryDelay.Std(),
			StaggerInterval: cfg.Pool.StaggerInterval.Std(),
		},
	}, logger)
	if err := manager.Build(ctx); err != nil {
		os.Exit(1)
	}
	defer manager.Close()

	repo := registry.NewRepository(manager, cfg.Database.CharacterTable, cfg.Database.AccountTable)
	registrySvc := registry.NewService(repo, calc, cfg.Characters.MaxPerPool)
	broker := confirm.NewBroker(cfg.Confirm.Timeout.Std())

	a := &app{
		registry: registry.Service(registrySvc),
		broker:   broker,
		resolver: resolver,
		manager:  manager,
		out:      os.Stdout,
		in:       os.Stdin,
	}
	if err := a.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		slog.Error("Command failed", "command", flag.Arg(0), "error", err)
		manager.Close()
		os.Exit(1)
	}
}
