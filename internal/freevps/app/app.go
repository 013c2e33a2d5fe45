// Package app wires the store, ledger, runtime adapter, orchestrator, reaper
// and HTTP server into one process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/server71234-lang/free-vps/common/retry"
	"github.com/server71234-lang/free-vps/common/secretbox"
	"github.com/server71234-lang/free-vps/internal/freevps/api"
	"github.com/server71234-lang/free-vps/internal/freevps/ledger"
	"github.com/server71234-lang/free-vps/internal/freevps/orchestrator"
	"github.com/server71234-lang/free-vps/internal/freevps/reaper"
	"github.com/server71234-lang/free-vps/internal/freevps/referral"
	"github.com/server71234-lang/free-vps/internal/freevps/runtime"
	"github.com/server71234-lang/free-vps/internal/freevps/runtime/docker"
	"github.com/server71234-lang/free-vps/internal/freevps/store"
)

// App is the assembled free-vps control plane.
type App struct {
	config *Config
	store  *store.Store
	orch   *orchestrator.Orchestrator
	reaper *reaper.Reaper
	api    *api.Server
}

// New builds the application from configuration. The Docker daemon is probed
// with retries so the process survives a daemon that is still coming up.
func New(config *Config) (*App, error) {
	var storeOpts []store.Option
	if config.MasterKey != "" {
		sealer, err := secretbox.FromHex(config.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("invalid master key: %w", err)
		}
		storeOpts = append(storeOpts, store.WithSealer(sealer))
		slog.Info("parameter sealing enabled")
	}

	s, err := store.New(config.DatabasePath, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	l := ledger.New(s.DB())

	var rt runtime.Runtime
	adapter, err := docker.New()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create docker adapter: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	err = retry.Do(pingCtx, retry.Config{MaxAttempts: 5, InitialDelay: 2 * time.Second}, func() error {
		return adapter.Ping(pingCtx)
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	rt = adapter

	orch := orchestrator.New(s, l, rt, orchestrator.Config{
		DeployCost:       config.DeployCost,
		LeaseDuration:    config.LeaseDuration,
		ProvisionTimeout: config.ProvisionTimeout,
		SessionTag:       config.SessionTag,
		Image:            config.Image,
	})

	r := reaper.New(s, orch, reaper.Config{Interval: config.SweepInterval})

	refs := referral.New(s.DB(), s, l, config.ReferralBonus)

	srv := api.New(config.HTTPAddr, s, orch, l, refs, config.SignupBonus)

	return &App{
		config: config,
		store:  s,
		orch:   orch,
		reaper: r,
		api:    srv,
	}, nil
}

// Run starts the HTTP server and the reaper, then blocks until SIGINT or
// SIGTERM. In-flight provisioning tasks are drained before returning so no
// container is left half-created.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.api.Start(ctx); err != nil {
		return err
	}

	go a.reaper.Run(ctx)

	slog.Info("free-vps control plane is running; press Ctrl+C to stop",
		"addr", a.config.HTTPAddr, "db", a.config.DatabasePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	cancel()
	a.orch.Wait()
	return nil
}

// Stop releases resources. Safe to call after Run returns.
func (a *App) Stop() {
	if a.store != nil {
		a.store.Close()
	}
}
