package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/fitsync-migrate/internal/auth"
	"github.com/johndauphine/fitsync-migrate/internal/checkpoint"
	"github.com/johndauphine/fitsync-migrate/internal/config"
	"github.com/johndauphine/fitsync-migrate/internal/conflict"
	"github.com/johndauphine/fitsync-migrate/internal/engine"
	"github.com/johndauphine/fitsync-migrate/internal/exitcodes"
	"github.com/johndauphine/fitsync-migrate/internal/local"
	"github.com/johndauphine/fitsync-migrate/internal/logging"
	"github.com/johndauphine/fitsync-migrate/internal/manager"
	"github.com/johndauphine/fitsync-migrate/internal/notify"
	"github.com/johndauphine/fitsync-migrate/internal/remote"
)

// app holds everything a command needs, wired from config.
type app struct {
	cfg      *config.Config
	userID   string
	local    *local.Store
	backend  checkpoint.Backend
	store    *checkpoint.Store
	manager  *manager.Manager
	notifier *notify.Notifier
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if c.IsSet("config") {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
		logging.Warn("No %s found; using defaults with an in-memory remote", configPath)
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// openState opens the checkpoint backend selected by config or --state-file.
func openState(c *cli.Context, cfg *config.Config) (checkpoint.Backend, error) {
	if sf := c.String("state-file"); sf != "" {
		return checkpoint.NewFileBackend(sf)
	}
	if cfg.State.Backend == "file" {
		return checkpoint.NewFileBackend(cfg.State.Path)
	}
	return checkpoint.NewSQLiteBackend(cfg.State.Path)
}

// openRemote connects the configured backend. The Postgres store is scoped
// to userID so row-level security sees the migrating user.
func openRemote(ctx context.Context, cfg *config.Config, userID string) (remote.Store, func(), error) {
	switch cfg.Remote.Type {
	case "memory":
		logging.Warn("Using in-memory remote; nothing written will outlive this process")
		return remote.NewMemory(), func() {}, nil
	default:
		pg, err := remote.NewPostgres(ctx, cfg.RemoteDSN(), cfg.Remote.MaxConns, cfg.Remote.Schema)
		if err != nil {
			return nil, nil, exitcodes.NewExitError(fmt.Errorf("connecting to remote: %w", err), exitcodes.ConnectionError)
		}
		closeRemote := func() {
			logging.Debug("Remote pool at close: %s", pg.Stats())
			pg.Close()
		}
		return pg.WithUser(userID), closeRemote, nil
	}
}

// setup wires config, stores, engine, manager and notifier. When
// requireUser is false a missing identity is allowed (status, history).
func setup(c *cli.Context, requireUser bool) (*app, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	a := &app{cfg: cfg, notifier: notify.New(&cfg.Slack)}

	a.userID, err = resolveUser(c, auth.Config{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer})
	if err != nil && (requireUser || c.String("token") != "") {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.local, err = local.Open(cfg.Local.Path)
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}
	a.closers = append(a.closers, func() { a.local.Close() })

	a.backend, err = openState(c, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening state: %w", err)
	}
	a.closers = append(a.closers, func() { a.backend.Close() })
	a.store = checkpoint.NewStore(a.backend)

	var rs remote.Store = remote.NewMemory()
	if requireUser {
		var closeRemote func()
		rs, closeRemote, err = openRemote(c.Context, cfg, a.userID)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeRemote)
	}
	eng := engine.New(a.local, remote.NewRetrying(rs, cfg.Migration.RetryMaxElapsed), a.store)

	mcfg, err := managerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.manager = manager.New(eng, a.local, a.store, mcfg)

	ok = true
	return a, nil
}

func managerConfig(cfg *config.Config) (manager.Config, error) {
	mcfg := manager.Config{
		AllowCancel:  cfg.CancelAllowed(),
		HistoryLimit: cfg.Migration.HistoryLimit,
	}
	st, err := conflict.ParseStrategy(cfg.Migration.ConflictStrategy)
	if err != nil {
		return mcfg, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	mcfg.Strategy = st
	if len(cfg.Migration.Resolutions) > 0 {
		mcfg.Resolutions = make(map[string]conflict.Strategy, len(cfg.Migration.Resolutions))
		for id, name := range cfg.Migration.Resolutions {
			s, err := conflict.ParseStrategy(name)
			if err != nil {
				return mcfg, exitcodes.NewExitError(fmt.Errorf("migration.resolutions[%s]: %w", id, err), exitcodes.ConfigError)
			}
			mcfg.Resolutions[id] = s
		}
	}
	return mcfg, nil
}
