// Package referral implements one-time referral coin credits. An account
// carries a short shareable code; when a new user redeems it, both sides are
// credited through the ledger. Each account can redeem exactly once, ever.
package referral

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/server71234-lang/free-vps/internal/freevps/ledger"
	"github.com/server71234-lang/free-vps/internal/freevps/store"
)

var (
	// ErrSelfReferral is returned when an account redeems its own code.
	ErrSelfReferral = errors.New("cannot redeem your own referral code")

	// ErrAlreadyRedeemed is returned when the account has already used a
	// referral code before. Enforced by the unique referee constraint.
	ErrAlreadyRedeemed = errors.New("referral already redeemed")
)

// DefaultBonus is the number of coins credited to each side of a referral.
const DefaultBonus = 5

// Service performs referral bookkeeping on top of the shared SQLite file.
type Service struct {
	db     *sql.DB
	store  *store.Store
	ledger *ledger.Ledger
	bonus  int64
}

// New creates a referral Service. bonus <= 0 means DefaultBonus.
func New(db *sql.DB, s *store.Store, l *ledger.Ledger, bonus int64) *Service {
	if bonus <= 0 {
		bonus = DefaultBonus
	}
	return &Service{db: db, store: s, ledger: l, bonus: bonus}
}

// NewCode generates a fresh 8-character referral code for a new account.
func NewCode() string {
	return strings.ToUpper(uuid.NewString()[:8])
}

// Redeem credits both the referrer (code owner) and the redeeming account
// with the referral bonus. Returns the bonus credited to the redeemer.
//
// Error kinds: store.ErrNotFound (unknown code), ErrSelfReferral,
// ErrAlreadyRedeemed.
func (s *Service) Redeem(ctx context.Context, accountID, code string) (int64, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return 0, fmt.Errorf("referral code: %w", store.ErrNotFound)
	}

	referrer, err := s.store.GetAccountByReferralCode(ctx, code)
	if err != nil {
		return 0, err
	}
	if referrer.ID == accountID {
		return 0, ErrSelfReferral
	}

	// The unique referee constraint is the one-time guarantee; racing
	// redemptions collapse to a single winner at the storage layer.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO referrals (code, referrer_id, referee_id, coins_earned, ts)
		VALUES (?, ?, ?, ?, ?)
	`, code, referrer.ID, accountID, s.bonus, time.Now().UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fmt.Errorf("account %s: %w", accountID, ErrAlreadyRedeemed)
		}
		return 0, fmt.Errorf("failed to record referral: %w", err)
	}

	if err := s.ledger.Credit(ctx, accountID, s.bonus, ledger.ReasonReferral); err != nil {
		return 0, err
	}
	if err := s.ledger.Credit(ctx, referrer.ID, s.bonus, ledger.ReasonReferral); err != nil {
		// The redeemer's side went through; log the referrer's half rather
		// than failing a redemption the user already sees as successful.
		slog.Error("failed to credit referrer", "referrer", referrer.ID, "err", err)
	}

	slog.Info("referral redeemed",
		"code", code, "referrer", referrer.ID, "referee", accountID, "bonus", s.bonus)
	return s.bonus, nil
}
