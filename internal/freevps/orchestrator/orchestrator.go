// Package orchestrator implements the deployment pipeline: admission control,
// the coin debit, instance record creation, asynchronous provisioning with
// compensation, owner-initiated deletion and lease reclamation.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/server71234-lang/free-vps/common/redact"
	"github.com/server71234-lang/free-vps/common/trace"
	"github.com/server71234-lang/free-vps/internal/freevps/ledger"
	"github.com/server71234-lang/free-vps/internal/freevps/lifecycle"
	"github.com/server71234-lang/free-vps/internal/freevps/runtime"
	"github.com/server71234-lang/free-vps/internal/freevps/store"
)

// Config holds the orchestrator's policy knobs.
type Config struct {
	// DeployCost is the flat coin price of one deployment. Defaults to 10.
	DeployCost int64
	// LeaseDuration is the fixed lifetime of an instance, set once at
	// creation and never extended. Defaults to 72h.
	LeaseDuration time.Duration
	// ProvisionTimeout bounds the Create/Start/Inspect sequence. A timeout is
	// treated like any other runtime failure: refund and error state.
	// Defaults to 2m.
	ProvisionTimeout time.Duration
	// TeardownTimeout bounds best-effort Stop/Remove calls. Defaults to 30s.
	TeardownTimeout time.Duration
	// SessionTag is the provider tag the SESSION_ID credential must carry.
	// Defaults to "INCONNU~XD~".
	SessionTag string
	// InstanceName is the display name given to new instances.
	InstanceName string
	// Image overrides the bot container image. Empty means the runtime
	// package default.
	Image string
}

func (c *Config) applyDefaults() {
	if c.DeployCost == 0 {
		c.DeployCost = 10
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 72 * time.Hour
	}
	if c.ProvisionTimeout == 0 {
		c.ProvisionTimeout = 2 * time.Minute
	}
	if c.TeardownTimeout == 0 {
		c.TeardownTimeout = 30 * time.Second
	}
	if c.SessionTag == "" {
		c.SessionTag = "INCONNU~XD~"
	}
	if c.InstanceName == "" {
		c.InstanceName = "INCONNU Bot Server"
	}
}

// Orchestrator turns deployment requests into running, resource-bounded
// containers and keeps the ledger consistent when provisioning fails.
type Orchestrator struct {
	store   *store.Store
	ledger  *ledger.Ledger
	runtime runtime.Runtime
	cfg     Config

	// mu guards ownerLocks. Each owner's admission sequence (lease check,
	// debit, record insert) runs under that owner's lock so two concurrent
	// requests cannot both pass the no-active-lease check. The storage-layer
	// constraints back this up even across processes.
	mu         sync.Mutex
	ownerLocks map[string]*sync.Mutex

	wg sync.WaitGroup
}

// New creates an Orchestrator.
func New(s *store.Store, l *ledger.Ledger, rt runtime.Runtime, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		store:      s,
		ledger:     l,
		runtime:    rt,
		cfg:        cfg,
		ownerLocks: make(map[string]*sync.Mutex),
	}
}

// Wait blocks until all in-flight provisioning tasks have completed. Called
// on shutdown so containers are never half-created when the process exits.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) ownerLock(ownerID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.ownerLocks[ownerID]
	if !ok {
		lock = &sync.Mutex{}
		o.ownerLocks[ownerID] = lock
	}
	return lock
}

// RequestDeployment validates the parameters, performs admission control,
// debits the deployment cost, creates the instance record in creating state
// and kicks off provisioning in the background. The returned record is what
// the caller sees immediately; provisioning outcomes land on the record, not
// on this call.
//
// Error kinds: ErrInvalidParameters, ledger.ErrInsufficientFunds,
// store.ErrActiveLease.
func (o *Orchestrator) RequestDeployment(ctx context.Context, ownerID string, rawParams json.RawMessage) (*store.Instance, error) {
	params, err := ParseParams(rawParams, o.cfg.SessionTag)
	if err != nil {
		return nil, err
	}
	encoded, err := params.Encode()
	if err != nil {
		return nil, err
	}

	lock := o.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	// Admission: both checks before any mutation. The debit and the insert
	// below re-check atomically, so a race can only tighten the result.
	balance, err := o.ledger.Balance(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if balance < o.cfg.DeployCost {
		return nil, fmt.Errorf("balance %d below deployment cost %d: %w",
			balance, o.cfg.DeployCost, ledger.ErrInsufficientFunds)
	}
	if err := o.checkNoActiveLease(ctx, ownerID); err != nil {
		return nil, err
	}

	if err := o.ledger.Debit(ctx, ownerID, o.cfg.DeployCost, ledger.ReasonDeployment); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &store.Instance{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Name:        o.cfg.InstanceName,
		Status:      string(lifecycle.StatusCreating),
		Parameters:  encoded,
		LeaseExpiry: now.Add(o.cfg.LeaseDuration),
	}

	if err := o.store.CreateInstance(ctx, inst); err != nil {
		// The debit went through but the lease slot was taken after all.
		// Compensate before surfacing the rejection.
		if creditErr := o.ledger.Credit(ctx, ownerID, o.cfg.DeployCost, ledger.ReasonDeploymentRefund); creditErr != nil {
			slog.Error("failed to refund after rejected insert",
				"owner", ownerID, "err", creditErr)
		}
		return nil, err
	}

	if err := o.store.AppendInstanceLog(ctx, inst.ID, "info", "Deployment started"); err != nil {
		slog.Warn("failed to append deployment log", "instance", inst.ID, "err", err)
	}

	slog.Info("deployment admitted",
		"instance", inst.ID, "owner", ownerID, "trace", trace.FromContext(ctx))

	// Provisioning is detached from the request: the caller gets the record
	// back now, completion only ever touches the record and the ledger.
	bg := trace.WithTraceID(context.WithoutCancel(ctx), trace.FromContext(ctx))
	o.wg.Add(1)
	go o.provision(bg, inst, params)

	return inst, nil
}

func (o *Orchestrator) checkNoActiveLease(ctx context.Context, ownerID string) error {
	instances, err := o.store.ListInstancesByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if lifecycle.Status(inst.Status).Active() {
			return fmt.Errorf("instance %s is %s: %w", inst.ID, inst.Status, store.ErrActiveLease)
		}
	}
	return nil
}

// provision runs the Create → Start → Inspect sequence and delivers the
// outcome through a single state-transition call. Runs on its own goroutine;
// never touches the original request/response cycle.
func (o *Orchestrator) provision(ctx context.Context, inst *store.Instance, params *DeployParams) {
	defer o.wg.Done()

	rtCtx, cancel := context.WithTimeout(ctx, o.cfg.ProvisionTimeout)
	defer cancel()

	spec := runtime.NewSpec(inst.ID, params.Env())
	if o.cfg.Image != "" {
		spec.Image = o.cfg.Image
	}

	handle, err := o.runtime.Create(rtCtx, spec)
	if err != nil {
		o.failProvision(ctx, inst, runtime.Handle{}, fmt.Errorf("create: %w", err))
		return
	}

	if err := o.runtime.Start(rtCtx, handle); err != nil {
		o.failProvision(ctx, inst, handle, fmt.Errorf("start: %w", err))
		return
	}

	status, err := o.runtime.Inspect(rtCtx, handle)
	if err != nil {
		o.failProvision(ctx, inst, handle, fmt.Errorf("inspect: %w", err))
		return
	}
	if !status.Running || status.Port == 0 {
		o.failProvision(ctx, inst, handle,
			fmt.Errorf("container not running after start (exit=%d): %w", status.ExitCode, runtime.ErrUnavailable))
		return
	}

	if err := o.store.MarkInstanceRunning(ctx, inst.ID, handle.ContainerID, status.Port); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			// The record was deleted or reclaimed while we were provisioning.
			// Do not resurrect it; tear the fresh container back down.
			slog.Warn("instance gone after provisioning, tearing down container",
				"instance", inst.ID, "container", handle.ContainerID)
			o.teardown(inst.ID, handle)
			return
		}
		o.failProvision(ctx, inst, handle, fmt.Errorf("persist running state: %w", err))
		return
	}

	if err := o.store.AppendInstanceLog(ctx, inst.ID, "success",
		fmt.Sprintf("Bot deployed successfully on port %d", status.Port)); err != nil {
		slog.Warn("failed to append success log", "instance", inst.ID, "err", err)
	}

	slog.Info("instance provisioned",
		"instance", inst.ID, "owner", inst.OwnerID,
		"container", handle.ContainerID, "port", status.Port)
}

// failProvision is the single compensation path for provisioning failures:
// tear down any partial container, move the record to error, and refund the
// admission debit. A stale record (deleted mid-flight) gets teardown only —
// voluntary deletion consumed the lease.
func (o *Orchestrator) failProvision(ctx context.Context, inst *store.Instance, handle runtime.Handle, cause error) {
	if handle.ContainerID != "" {
		o.teardown(inst.ID, handle)
	}

	err := o.store.UpdateInstanceStatus(ctx, inst.ID,
		string(lifecycle.StatusCreating), string(lifecycle.StatusError))
	if errors.Is(err, store.ErrStaleStatus) {
		slog.Warn("provisioning failed for vanished instance", "instance", inst.ID, "cause", cause)
		return
	}
	if err != nil {
		slog.Error("failed to mark instance errored", "instance", inst.ID, "err", err, "cause", cause)
		return
	}

	message := redact.String(cause.Error(), sensitiveValues(inst.Parameters)...)
	if err := o.store.AppendInstanceLog(ctx, inst.ID, "error",
		fmt.Sprintf("Deployment error: %s", message)); err != nil {
		slog.Warn("failed to append error log", "instance", inst.ID, "err", err)
	}

	if err := o.ledger.Credit(ctx, inst.OwnerID, o.cfg.DeployCost, ledger.ReasonDeploymentRefund); err != nil {
		// The one failure mode that loses user currency. Loud on purpose.
		slog.Error("DEPLOYMENT REFUND FAILED",
			"instance", inst.ID, "owner", inst.OwnerID, "amount", o.cfg.DeployCost, "err", err)
		return
	}

	slog.Info("deployment failed, refund issued",
		"instance", inst.ID, "owner", inst.OwnerID, "cause", message)
}

// teardown stops and removes a container, best-effort. Errors are logged and
// swallowed; they must never block the record's own state handling.
func (o *Orchestrator) teardown(instanceID string, handle runtime.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TeardownTimeout)
	defer cancel()

	if err := o.runtime.Stop(ctx, handle); err != nil {
		slog.Warn("container stop failed", "instance", instanceID, "container", handle.ContainerID, "err", err)
	}
	if err := o.runtime.Remove(ctx, handle); err != nil {
		slog.Warn("container remove failed", "instance", instanceID, "container", handle.ContainerID, "err", err)
	}
}

// DeleteInstance removes an owner's instance: best-effort container teardown,
// then record removal. No refund — the lease was consumed when it was bought.
// Returns store.ErrNotFound when the instance does not exist or belongs to a
// different owner.
func (o *Orchestrator) DeleteInstance(ctx context.Context, ownerID, instanceID string) error {
	inst, err := o.store.GetOwnedInstance(ctx, ownerID, instanceID)
	if err != nil {
		return err
	}

	if inst.ContainerID.Valid {
		o.teardown(inst.ID, runtime.Handle{
			InstanceID:    inst.ID,
			ContainerID:   inst.ContainerID.String,
			ContainerName: runtime.ContainerNameFor(inst.ID),
		})
	}

	if err := o.store.DeleteOwnedInstance(ctx, ownerID, instanceID); err != nil {
		return err
	}

	slog.Info("instance deleted", "instance", instanceID, "owner", ownerID)
	return nil
}

// GetInstance returns an owner's instance with the expiry read-guard applied:
// an instance loaded past its lease is reclaimed on the spot, so a stale
// status is never surfaced between reaper sweeps.
func (o *Orchestrator) GetInstance(ctx context.Context, ownerID, instanceID string) (*store.Instance, error) {
	inst, err := o.store.GetOwnedInstance(ctx, ownerID, instanceID)
	if err != nil {
		return nil, err
	}
	o.guardExpiry(ctx, inst)
	return inst, nil
}

// ListInstances returns all of an owner's instances, newest first, with the
// expiry read-guard applied to each.
func (o *Orchestrator) ListInstances(ctx context.Context, ownerID string) ([]*store.Instance, error) {
	instances, err := o.store.ListInstancesByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		o.guardExpiry(ctx, inst)
	}
	return instances, nil
}

// InstanceLogs returns the bounded log buffer of an owner's instance.
func (o *Orchestrator) InstanceLogs(ctx context.Context, ownerID, instanceID string) ([]store.LogEntry, error) {
	if _, err := o.store.GetOwnedInstance(ctx, ownerID, instanceID); err != nil {
		return nil, err
	}
	return o.store.InstanceLogs(ctx, instanceID)
}

func (o *Orchestrator) guardExpiry(ctx context.Context, inst *store.Instance) {
	if !lifecycle.Status(inst.Status).Active() || time.Now().Before(inst.LeaseExpiry) {
		return
	}
	if err := o.Reclaim(ctx, inst); err != nil {
		slog.Warn("read-path reclamation failed", "instance", inst.ID, "err", err)
	}
}

// Reclaim tears down an instance whose lease has run out and moves it to
// expired. Idempotent: an instance that is no longer active is a no-op, and a
// concurrent reclaim losing the compare-and-set is also a no-op. No refund —
// the lease was fully consumed.
func (o *Orchestrator) Reclaim(ctx context.Context, inst *store.Instance) error {
	from := lifecycle.Status(inst.Status)
	if !from.Active() {
		return nil
	}
	if !lifecycle.CanTransition(from, lifecycle.StatusExpired) {
		return fmt.Errorf("cannot expire instance %s from status %s", inst.ID, inst.Status)
	}

	if inst.ContainerID.Valid {
		o.teardown(inst.ID, runtime.Handle{
			InstanceID:    inst.ID,
			ContainerID:   inst.ContainerID.String,
			ContainerName: runtime.ContainerNameFor(inst.ID),
		})
	}

	err := o.store.UpdateInstanceStatus(ctx, inst.ID, string(from), string(lifecycle.StatusExpired))
	if errors.Is(err, store.ErrStaleStatus) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := o.store.AppendInstanceLog(ctx, inst.ID, "warning", "Lease expired, instance reclaimed"); err != nil {
		slog.Warn("failed to append expiry log", "instance", inst.ID, "err", err)
	}

	inst.Status = string(lifecycle.StatusExpired)
	slog.Info("instance lease expired", "instance", inst.ID, "owner", inst.OwnerID)
	return nil
}

// sensitiveValues extracts secret parameter values from a stored parameters
// JSON blob so error messages can be scrubbed before they hit the log buffer.
func sensitiveValues(parameters string) []string {
	var m map[string]any
	if err := json.Unmarshal([]byte(parameters), &m); err != nil {
		return nil
	}
	var values []string
	for k, v := range m {
		if s, ok := v.(string); ok && redact.IsSensitiveKey(k) {
			values = append(values, s)
		}
	}
	return values
}
