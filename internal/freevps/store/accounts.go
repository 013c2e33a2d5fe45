package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist (or is not
// visible to the requesting owner).
var ErrNotFound = errors.New("not found")

// ErrExists is returned when an insert collides with an existing record.
var ErrExists = errors.New("already exists")

// Account references a user of the external identity system. The orchestrator
// owns only the coin balance; everything else is bookkeeping for the referral
// flow.
type Account struct {
	ID           string
	Username     string
	Balance      int64
	ReferralCode string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateAccount inserts a new account. Called by the identity integration
// when a user signs in for the first time.
func (s *Store) CreateAccount(ctx context.Context, account *Account) error {
	account.CreatedAt = time.Now().UTC()
	account.UpdatedAt = account.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, username, balance, referral_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, account.ID, account.Username, account.Balance, account.ReferralCode,
		account.CreatedAt, account.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account %s: %w", account.ID, ErrExists)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	account := &Account{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, balance, referral_code, created_at, updated_at
		FROM accounts
		WHERE id = ?
	`, id).Scan(
		&account.ID, &account.Username, &account.Balance,
		&account.ReferralCode, &account.CreatedAt, &account.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// GetAccountByReferralCode retrieves the account that owns a referral code.
func (s *Store) GetAccountByReferralCode(ctx context.Context, code string) (*Account, error) {
	account := &Account{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, balance, referral_code, created_at, updated_at
		FROM accounts
		WHERE referral_code = ?
	`, code).Scan(
		&account.ID, &account.Username, &account.Balance,
		&account.ReferralCode, &account.CreatedAt, &account.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("referral code %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by referral code: %w", err)
	}

	return account, nil
}
