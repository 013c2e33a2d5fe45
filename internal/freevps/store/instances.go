package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrActiveLease is returned by CreateInstance when the owner already has
	// an instance in creating or running state. Enforced by the partial
	// unique index on instances(owner_id), so two racing requests cannot both
	// get past it.
	ErrActiveLease = errors.New("owner already has an active instance")

	// ErrStaleStatus is returned by compare-and-set status updates when the
	// record no longer exists or is no longer in the expected status. Callers
	// on the async provisioning path use it to detect that their instance was
	// deleted or reclaimed underneath them.
	ErrStaleStatus = errors.New("instance status changed concurrently")
)

// MaxInstanceLogs caps the per-instance log buffer. Oldest entries are
// dropped first.
const MaxInstanceLogs = 100

// Instance is the durable record for one provisioned bot server.
type Instance struct {
	ID          string
	OwnerID     string
	Name        string
	Status      string
	ContainerID sql.NullString
	Port        sql.NullInt64
	// Parameters holds the deployment configuration as a JSON object. It
	// includes the session credential and must never leave the orchestrator
	// boundary unredacted.
	Parameters  string
	LeaseExpiry time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LogEntry is one entry of an instance's bounded log buffer.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

const instanceColumns = `id, owner_id, name, status, container_id, port, parameters, lease_expiry, created_at, updated_at`

func (s *Store) scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	inst := &Instance{}
	err := row.Scan(
		&inst.ID, &inst.OwnerID, &inst.Name, &inst.Status,
		&inst.ContainerID, &inst.Port, &inst.Parameters,
		&inst.LeaseExpiry, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if s.sealer != nil {
		opened, err := s.sealer.Open(inst.Parameters)
		if err != nil {
			return nil, fmt.Errorf("open parameters of instance %s: %w", inst.ID, err)
		}
		inst.Parameters = opened
	}
	return inst, nil
}

// CreateInstance inserts a new instance record. The insert is the atomic
// admission point for the single-active-lease rule: when the owner already
// holds a lease the partial unique index rejects the row and ErrActiveLease
// is returned.
func (s *Store) CreateInstance(ctx context.Context, inst *Instance) error {
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	// The caller keeps the plaintext; only the row gets sealed.
	parameters := inst.Parameters
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(parameters)
		if err != nil {
			return fmt.Errorf("seal parameters: %w", err)
		}
		parameters = sealed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, owner_id, name, status, container_id, port, parameters, lease_expiry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.ID, inst.OwnerID, inst.Name, inst.Status, inst.ContainerID,
		inst.Port, parameters, inst.LeaseExpiry, inst.CreatedAt, inst.UpdatedAt)

	if isUniqueViolation(err) {
		return fmt.Errorf("owner %s: %w", inst.OwnerID, ErrActiveLease)
	}
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}

	return nil
}

// GetInstance retrieves an instance by ID regardless of owner.
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	inst, err := s.scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// GetOwnedInstance retrieves an instance by ID, scoped to an owner. Instances
// of other owners are reported as not found, never as forbidden, so the API
// does not leak record existence.
func (s *Store) GetOwnedInstance(ctx context.Context, ownerID, id string) (*Instance, error) {
	inst, err := s.scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ? AND owner_id = ?`, id, ownerID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// ListInstancesByOwner returns all of an owner's instances, newest first.
func (s *Store) ListInstancesByOwner(ctx context.Context, ownerID string) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := s.scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return instances, nil
}

// ListExpiredInstances returns instances whose lease has run out but that are
// still in an active status. This is the reaper's work queue.
func (s *Store) ListExpiredInstances(ctx context.Context, now time.Time) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances
		 WHERE status IN ('creating', 'running') AND lease_expiry <= ?
		 ORDER BY lease_expiry ASC`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := s.scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired instances: %w", err)
	}
	return instances, nil
}

// UpdateInstanceStatus moves an instance from one status to another as a
// compare-and-set. A miss (record gone, or status already changed) returns
// ErrStaleStatus; lease_expiry is deliberately untouched by every update.
func (s *Store) UpdateInstanceStatus(ctx context.Context, id, from, to string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, to, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("instance %s (%s → %s): %w", id, from, to, ErrStaleStatus)
	}
	return nil
}

// MarkInstanceRunning records the container handle and assigned port and
// moves the instance from creating to running in a single compare-and-set.
// Returns ErrStaleStatus when the record was deleted or reclaimed while
// provisioning was in flight.
func (s *Store) MarkInstanceRunning(ctx context.Context, id, containerID string, port int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET status = 'running', container_id = ?, port = ?, updated_at = ?
		WHERE id = ? AND status = 'creating'
	`, containerID, port, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark instance running: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("instance %s (creating → running): %w", id, ErrStaleStatus)
	}
	return nil
}

// DeleteOwnedInstance removes an instance record and its logs (cascade).
func (s *Store) DeleteOwnedInstance(ctx context.Context, ownerID, id string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM instances WHERE id = ? AND owner_id = ?", id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendInstanceLog appends one entry to an instance's log buffer and trims
// the buffer to MaxInstanceLogs in the same transaction. The append is atomic
// at the storage layer; there is no read-buffer/mutate/write-back cycle for
// concurrent appenders to corrupt.
func (s *Store) AppendInstanceLog(ctx context.Context, instanceID, level, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin log append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instance_logs (instance_id, ts, level, message)
		VALUES (?, ?, ?, ?)
	`, instanceID, time.Now().UTC(), level, message); err != nil {
		return fmt.Errorf("failed to append instance log: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM instance_logs
		WHERE instance_id = ? AND id NOT IN (
			SELECT id FROM instance_logs
			WHERE instance_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, instanceID, instanceID, MaxInstanceLogs); err != nil {
		return fmt.Errorf("failed to trim instance log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit log append: %w", err)
	}
	return nil
}

// InstanceLogs returns an instance's log buffer, oldest first.
func (s *Store) InstanceLogs(ctx context.Context, instanceID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, level, message
		FROM instance_logs
		WHERE instance_id = ?
		ORDER BY id ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query instance logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.Timestamp, &e.Level, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instance logs: %w", err)
	}
	return entries, nil
}
