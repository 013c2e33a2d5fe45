// Package reaper contains the periodic sweep that reclaims instances whose
// lease has run out.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/server71234-lang/free-vps/common/trace"
	"github.com/server71234-lang/free-vps/internal/freevps/store"
)

// DefaultInterval is how often the sweep runs when not configured otherwise.
const DefaultInterval = 6 * time.Hour

// Lister supplies the sweep's work queue. Implemented by *store.Store.
type Lister interface {
	ListExpiredInstances(ctx context.Context, now time.Time) ([]*store.Instance, error)
}

// Reclaimer performs one instance's reclamation. Implemented by
// *orchestrator.Orchestrator, which owns the canonical teardown + transition
// sequence so the reaper and the read-path guard cannot drift apart.
type Reclaimer interface {
	Reclaim(ctx context.Context, inst *store.Instance) error
}

// Config configures the sweep loop.
type Config struct {
	// Interval is how often to sweep. Defaults to DefaultInterval (6h).
	Interval time.Duration
}

// Reaper periodically finds lease-expired instances and reclaims them.
type Reaper struct {
	lister    Lister
	reclaimer Reclaimer
	cfg       Config
}

// New creates a Reaper.
func New(l Lister, r Reclaimer, cfg Config) *Reaper {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	return &Reaper{lister: l, reclaimer: r, cfg: cfg}
}

// Run starts the sweep loop. Blocks until ctx is cancelled. One sweep runs
// immediately so a restart never waits a full interval to catch up.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("reaper starting", "interval", r.cfg.Interval)

	if _, err := r.Sweep(ctx); err != nil {
		slog.Error("reaper sweep failed", "err", err)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopping")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				slog.Error("reaper sweep failed", "err", err)
			}
		}
	}
}

// Sweep runs a single reclamation pass and returns how many instances were
// processed. Each instance is independent: one failure is logged and the
// sweep moves on. Re-running a sweep over already-expired instances is a
// no-op, so overlapping sweeps and restarts are harmless.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	ctx, sweepTrace := trace.Ensure(ctx)

	expired, err := r.lister.ListExpiredInstances(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	slog.Info("reaper sweep", "candidates", len(expired), "trace", sweepTrace)

	reclaimed := 0
	for _, inst := range expired {
		if err := r.reclaimer.Reclaim(ctx, inst); err != nil {
			slog.Error("failed to reclaim instance",
				"instance", inst.ID, "owner", inst.OwnerID, "err", err)
			continue
		}
		reclaimed++
	}

	slog.Info("reaper sweep done", "reclaimed", reclaimed, "trace", sweepTrace)
	return reclaimed, nil
}
