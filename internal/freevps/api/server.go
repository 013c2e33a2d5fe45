// Package api exposes the orchestrator's HTTP surface to the dashboard.
//
// Authentication is delegated to the external identity frontend, which
// terminates the OAuth session and forwards the stable user ID in the
// X-Freevps-User header. This server trusts that header; it must only be
// reachable through the frontend.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/server71234-lang/free-vps/common/redact"
	"github.com/server71234-lang/free-vps/common/trace"
	"github.com/server71234-lang/free-vps/common/version"
	"github.com/server71234-lang/free-vps/internal/freevps/ledger"
	"github.com/server71234-lang/free-vps/internal/freevps/orchestrator"
	"github.com/server71234-lang/free-vps/internal/freevps/referral"
	"github.com/server71234-lang/free-vps/internal/freevps/store"
)

// UserHeader carries the authenticated user ID, set by the auth frontend.
const UserHeader = "X-Freevps-User"

// DefaultSignupBonus is the coin grant for a first-seen account.
const DefaultSignupBonus = 10

// Server handles the dashboard-facing HTTP routes.
type Server struct {
	addr        string
	store       *store.Store
	orch        *orchestrator.Orchestrator
	ledger      *ledger.Ledger
	referrals   *referral.Service
	signupBonus int64
	mux         *http.ServeMux
	server      *http.Server
	startedAt   time.Time
}

// New creates the HTTP server (does not start it). signupBonus <= 0 means
// DefaultSignupBonus.
func New(addr string, st *store.Store, orch *orchestrator.Orchestrator, l *ledger.Ledger, refs *referral.Service, signupBonus int64) *Server {
	if signupBonus <= 0 {
		signupBonus = DefaultSignupBonus
	}
	s := &Server{
		addr:        addr,
		store:       st,
		orch:        orch,
		ledger:      l,
		referrals:   refs,
		signupBonus: signupBonus,
		mux:         http.NewServeMux(),
		startedAt:   time.Now(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /account", s.withUser(s.handleAccount))
	s.mux.HandleFunc("POST /instances", s.withUser(s.handleCreate))
	s.mux.HandleFunc("GET /instances", s.withUser(s.handleList))
	s.mux.HandleFunc("GET /instances/{id}", s.withUser(s.handleGet))
	s.mux.HandleFunc("DELETE /instances/{id}", s.withUser(s.handleDelete))
	s.mux.HandleFunc("GET /instances/{id}/logs", s.withUser(s.handleLogs))
	s.mux.HandleFunc("GET /balance", s.withUser(s.handleBalance))
	s.mux.HandleFunc("POST /referrals/redeem", s.withUser(s.handleRedeem))

	return s
}

// ServeHTTP implements http.Handler so the server can be tested with
// httptest without a live listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api server: listen %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			slog.Error("api server shutdown", "err", err)
		}
	}()

	return nil
}

// withUser extracts the authenticated user ID, provisions the account on
// first sight and stamps a trace ID onto the request context.
func (s *Server) withUser(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
			return
		}
		ctx, _ := trace.Ensure(r.Context())
		if err := s.ensureAccount(ctx, userID); err != nil {
			s.writeError(w, r.WithContext(ctx), err)
			return
		}
		next(w, r.WithContext(ctx), userID)
	}
}

// ensureAccount creates the account on a user's first request: zero balance,
// a fresh referral code, then the signup bonus through the ledger so the
// grant shows up as an auditable event. Racing first requests collapse on the
// primary key; the loser just reads the row the winner created.
func (s *Server) ensureAccount(ctx context.Context, userID string) error {
	_, err := s.store.GetAccount(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	account := &store.Account{
		ID:           userID,
		Username:     userID,
		ReferralCode: referral.NewCode(),
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil
		}
		return err
	}
	if err := s.ledger.Credit(ctx, userID, s.signupBonus, ledger.ReasonSignupBonus); err != nil {
		return err
	}

	slog.Info("account provisioned", "account", userID, "bonus", s.signupBonus)
	return nil
}

// --- handlers ---------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Uptime  string `json:"uptime"`
}

type createRequest struct {
	Parameters json.RawMessage `json:"parameters"`
}

type instanceResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Port        *int64         `json:"port,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	LeaseExpiry time.Time      `json:"lease_expiry"`
	CreatedAt   time.Time      `json:"created_at"`
	DaysLeft    int            `json:"days_left"`
}

type logsResponse struct {
	Logs []store.LogEntry `json:"logs"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

type accountResponse struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Balance      int64     `json:"balance"`
	ReferralCode string    `json:"referral_code"`
	CreatedAt    time.Time `json:"created_at"`
}

type redeemRequest struct {
	Code string `json:"code"`
}

type redeemResponse struct {
	Credited int64 `json:"credited"`
	Balance  int64 `json:"balance"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, userID string) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	inst, err := s.orch.RequestDeployment(r.Context(), userID, req.Parameters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toInstanceResponse(inst))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, userID string) {
	instances, err := s.orch.ListInstances(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]instanceResponse, 0, len(instances))
	for _, inst := range instances {
		out = append(out, toInstanceResponse(inst))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, userID string) {
	inst, err := s.orch.GetInstance(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.orch.DeleteInstance(r.Context(), userID, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, userID string) {
	logs, err := s.orch.InstanceLogs(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{Logs: logs})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request, userID string) {
	account, err := s.store.GetAccount(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		ID:           account.ID,
		Username:     account.Username,
		Balance:      account.Balance,
		ReferralCode: account.ReferralCode,
		CreatedAt:    account.CreatedAt,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request, userID string) {
	balance, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request, userID string) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	credited, err := s.referrals.Redeem(r.Context(), userID, req.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	balance, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redeemResponse{Credited: credited, Balance: balance})
}

// --- helpers ----------------------------------------------------------------

// writeError maps domain sentinels onto HTTP statuses. Anything unmapped is a
// 500 with a generic body; the detail goes to the log, not the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, orchestrator.ErrInvalidParameters),
		errors.Is(err, referral.ErrSelfReferral):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, store.ErrActiveLease),
		errors.Is(err, referral.ErrAlreadyRedeemed):
		status = http.StatusConflict
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ledger.ErrNoAccount):
		status = http.StatusNotFound
	default:
		slog.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"trace", trace.FromContext(r.Context()), "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

// toInstanceResponse shapes a record for the dashboard: secret parameters are
// stripped (not blanked — their presence is not revealed) and the remaining
// lease is derived as whole days, floored at zero.
func toInstanceResponse(inst *store.Instance) instanceResponse {
	resp := instanceResponse{
		ID:          inst.ID,
		Name:        inst.Name,
		Status:      inst.Status,
		LeaseExpiry: inst.LeaseExpiry,
		CreatedAt:   inst.CreatedAt,
		DaysLeft:    daysLeft(inst.LeaseExpiry),
	}
	if inst.Port.Valid {
		port := inst.Port.Int64
		resp.Port = &port
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(inst.Parameters), &params); err == nil {
		resp.Parameters = redact.Strip(params)
	} else {
		resp.Parameters = map[string]any{}
	}

	return resp
}

func daysLeft(leaseExpiry time.Time) int {
	left := time.Until(leaseExpiry)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}
