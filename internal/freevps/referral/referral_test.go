package referral_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/server71234-lang/free-vps/internal/freevps/ledger"
	"github.com/server71234-lang/free-vps/internal/freevps/referral"
	"github.com/server71234-lang/free-vps/internal/freevps/store"
)

func newTestService(t *testing.T) (*referral.Service, *store.Store, *ledger.Ledger) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "referral-test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	l := ledger.New(s.DB())
	return referral.New(s.DB(), s, l, 5), s, l
}

func createAccount(t *testing.T, s *store.Store, id, code string) {
	t.Helper()
	err := s.CreateAccount(context.Background(), &store.Account{
		ID:           id,
		Username:     "user-" + id,
		Balance:      10,
		ReferralCode: code,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
}

func TestRedeemCreditsBothSides(t *testing.T) {
	svc, s, l := newTestService(t)
	ctx := context.Background()
	createAccount(t, s, "referrer", "ABCD1234")
	createAccount(t, s, "redeemer", "EFGH5678")

	credited, err := svc.Redeem(ctx, "redeemer", "ABCD1234")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if credited != 5 {
		t.Errorf("credited = %d, want 5", credited)
	}

	redeemerBalance, _ := l.Balance(ctx, "redeemer")
	if redeemerBalance != 15 {
		t.Errorf("redeemer balance = %d, want 15", redeemerBalance)
	}
	referrerBalance, _ := l.Balance(ctx, "referrer")
	if referrerBalance != 15 {
		t.Errorf("referrer balance = %d, want 15", referrerBalance)
	}
}

func TestRedeemIsCaseAndSpaceInsensitive(t *testing.T) {
	svc, s, _ := newTestService(t)
	createAccount(t, s, "referrer", "ABCD1234")
	createAccount(t, s, "redeemer", "EFGH5678")

	if _, err := svc.Redeem(context.Background(), "redeemer", "  abcd1234 "); err != nil {
		t.Errorf("Redeem with lowercase padded code: %v", err)
	}
}

func TestRedeemUnknownCode(t *testing.T) {
	svc, s, _ := newTestService(t)
	createAccount(t, s, "redeemer", "EFGH5678")

	if _, err := svc.Redeem(context.Background(), "redeemer", "NOPE0000"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := svc.Redeem(context.Background(), "redeemer", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("empty code err = %v, want ErrNotFound", err)
	}
}

func TestRedeemOwnCode(t *testing.T) {
	svc, s, l := newTestService(t)
	createAccount(t, s, "u1", "ABCD1234")

	if _, err := svc.Redeem(context.Background(), "u1", "ABCD1234"); !errors.Is(err, referral.ErrSelfReferral) {
		t.Errorf("err = %v, want ErrSelfReferral", err)
	}
	balance, _ := l.Balance(context.Background(), "u1")
	if balance != 10 {
		t.Errorf("balance = %d, want untouched 10", balance)
	}
}

func TestRedeemOnlyOnce(t *testing.T) {
	svc, s, l := newTestService(t)
	ctx := context.Background()
	createAccount(t, s, "referrer", "ABCD1234")
	createAccount(t, s, "other", "WXYZ9999")
	createAccount(t, s, "redeemer", "EFGH5678")

	if _, err := svc.Redeem(ctx, "redeemer", "ABCD1234"); err != nil {
		t.Fatalf("first Redeem: %v", err)
	}

	// A second redemption is blocked even with a different code.
	if _, err := svc.Redeem(ctx, "redeemer", "WXYZ9999"); !errors.Is(err, referral.ErrAlreadyRedeemed) {
		t.Errorf("second Redeem err = %v, want ErrAlreadyRedeemed", err)
	}

	balance, _ := l.Balance(ctx, "redeemer")
	if balance != 15 {
		t.Errorf("balance = %d, want 15 (one bonus only)", balance)
	}
}

func TestNewCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := referral.NewCode()
		if len(code) != 8 {
			t.Fatalf("code %q has length %d, want 8", code, len(code))
		}
		for _, r := range code {
			if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '-' {
				t.Fatalf("code %q contains unexpected rune %q", code, r)
			}
		}
		seen[code] = true
	}
	if len(seen) < 90 {
		t.Errorf("only %d distinct codes out of 100", len(seen))
	}
}
