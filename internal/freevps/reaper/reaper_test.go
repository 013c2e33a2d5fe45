package reaper_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/server71234-lang/free-vps/internal/freevps/reaper"
	"github.com/server71234-lang/free-vps/internal/freevps/store"
)

type fakeLister struct {
	instances []*store.Instance
	err       error
}

func (f *fakeLister) ListExpiredInstances(_ context.Context, _ time.Time) ([]*store.Instance, error) {
	return f.instances, f.err
}

type fakeReclaimer struct {
	reclaimed []string
	failOn    map[string]error
}

func (f *fakeReclaimer) Reclaim(_ context.Context, inst *store.Instance) error {
	if err := f.failOn[inst.ID]; err != nil {
		return err
	}
	f.reclaimed = append(f.reclaimed, inst.ID)
	return nil
}

func TestSweepReclaimsAllExpired(t *testing.T) {
	lister := &fakeLister{instances: []*store.Instance{
		{ID: "a", OwnerID: "u1", Status: "running"},
		{ID: "b", OwnerID: "u2", Status: "creating"},
	}}
	reclaimer := &fakeReclaimer{}
	r := reaper.New(lister, reclaimer, reaper.Config{})

	n, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("reclaimed = %d, want 2", n)
	}
	if len(reclaimer.reclaimed) != 2 {
		t.Errorf("Reclaim called for %v, want both instances", reclaimer.reclaimed)
	}
}

func TestSweepEmptyQueue(t *testing.T) {
	r := reaper.New(&fakeLister{}, &fakeReclaimer{}, reaper.Config{})

	n, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("reclaimed = %d, want 0", n)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	lister := &fakeLister{instances: []*store.Instance{
		{ID: "a", OwnerID: "u1", Status: "running"},
		{ID: "b", OwnerID: "u2", Status: "running"},
		{ID: "c", OwnerID: "u3", Status: "running"},
	}}
	reclaimer := &fakeReclaimer{failOn: map[string]error{"b": errors.New("engine down")}}
	r := reaper.New(lister, reclaimer, reaper.Config{})

	n, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("reclaimed = %d, want 2 despite one failure", n)
	}
	if len(reclaimer.reclaimed) != 2 || reclaimer.reclaimed[0] != "a" || reclaimer.reclaimed[1] != "c" {
		t.Errorf("reclaimed = %v, want [a c]", reclaimer.reclaimed)
	}
}

func TestSweepPropagatesListError(t *testing.T) {
	listErr := errors.New("db locked")
	r := reaper.New(&fakeLister{err: listErr}, &fakeReclaimer{}, reaper.Config{})

	if _, err := r.Sweep(context.Background()); !errors.Is(err, listErr) {
		t.Errorf("err = %v, want the list error", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r := reaper.New(&fakeLister{}, &fakeReclaimer{}, reaper.Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
