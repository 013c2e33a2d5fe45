// Package ledger implements atomic coin balance operations on user accounts.
//
// Every mutation is a single conditional UPDATE paired with a ledger event
// row inside one transaction. There is never a read-modify-write across
// statements, so the balance invariant (>= 0) holds under true parallel
// callers: the storage layer is the serialization point.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/server71234-lang/free-vps/common/trace"
)

var (
	// ErrInsufficientFunds is returned by Debit when the account balance is
	// lower than the requested amount. The balance is left untouched.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNoAccount is returned when the referenced account does not exist.
	ErrNoAccount = errors.New("account not found")
)

// Well-known event reasons.
const (
	ReasonDeployment       = "deployment"
	ReasonDeploymentRefund = "deployment-refund"
	ReasonReferral         = "referral"
	ReasonSignupBonus      = "signup-bonus"
)

// Event is one auditable balance mutation.
type Event struct {
	ID        int64
	AccountID string
	// Delta is negative for debits, positive for credits.
	Delta     int64
	Reason    string
	TraceID   string
	Timestamp time.Time
}

// Ledger performs balance operations against the shared SQLite database.
type Ledger struct {
	db *sql.DB
}

// New creates a Ledger. db must be the same *sql.DB used by the store so the
// accounts and ledger_events tables live in the same SQLite file.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Debit atomically reduces the account balance by amount iff the balance
// covers it. On success a ledger event with the given reason is recorded in
// the same transaction. Returns ErrInsufficientFunds (balance unchanged) when
// the account cannot cover the amount, ErrNoAccount when it does not exist.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount int64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin debit: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance - ?, updated_at = ?
		WHERE id = ? AND balance >= ?
	`, amount, time.Now().UTC(), accountID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit account: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a missing account from a balance shortfall.
		var exists int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM accounts WHERE id = ?", accountID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check account: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("account %s: %w", accountID, ErrNoAccount)
		}
		return fmt.Errorf("account %s: %w", accountID, ErrInsufficientFunds)
	}

	if err := l.appendEvent(ctx, tx, accountID, -amount, reason); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit debit: %w", err)
	}
	return nil
}

// Credit atomically increases the account balance by amount and records a
// ledger event with the given reason. Always succeeds for a valid account.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin credit: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance + ?, updated_at = ?
		WHERE id = ?
	`, amount, time.Now().UTC(), accountID)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("account %s: %w", accountID, ErrNoAccount)
	}

	if err := l.appendEvent(ctx, tx, accountID, amount, reason); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit credit: %w", err)
	}
	return nil
}

// Balance returns the current balance. Read-only, no side effects.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx,
		"SELECT balance FROM accounts WHERE id = ?", accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("account %s: %w", accountID, ErrNoAccount)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// Events returns the most recent ledger events for an account, newest first.
func (l *Ledger) Events(ctx context.Context, accountID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, account_id, delta, reason, trace_id, ts
		FROM ledger_events
		WHERE account_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Reason, &e.TraceID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan ledger event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger events: %w", err)
	}
	return events, nil
}

func (l *Ledger) appendEvent(ctx context.Context, tx *sql.Tx, accountID string, delta int64, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_events (account_id, delta, reason, trace_id, ts)
		VALUES (?, ?, ?, ?, ?)
	`, accountID, delta, reason, trace.FromContext(ctx), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record ledger event: %w", err)
	}
	return nil
}
