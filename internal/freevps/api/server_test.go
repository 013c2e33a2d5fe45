package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/server71234-lang/free-vps/internal/freevps/api"
	"github.com/server71234-lang/free-vps/internal/freevps/ledger"
	"github.com/server71234-lang/free-vps/internal/freevps/orchestrator"
	"github.com/server71234-lang/free-vps/internal/freevps/referral"
	"github.com/server71234-lang/free-vps/internal/freevps/runtime"
	"github.com/server71234-lang/free-vps/internal/freevps/store"
)

// fakeRuntime always provisions successfully on port 41000.
type fakeRuntime struct{}

func (fakeRuntime) Create(_ context.Context, spec runtime.Spec) (runtime.Handle, error) {
	return runtime.Handle{
		InstanceID:    spec.InstanceID,
		ContainerID:   "ctr-" + spec.InstanceID,
		ContainerName: runtime.ContainerNameFor(spec.InstanceID),
	}, nil
}
func (fakeRuntime) Start(context.Context, runtime.Handle) error { return nil }
func (fakeRuntime) Inspect(context.Context, runtime.Handle) (runtime.Status, error) {
	return runtime.Status{Running: true, Port: 41000}, nil
}
func (fakeRuntime) Stop(context.Context, runtime.Handle) error   { return nil }
func (fakeRuntime) Remove(context.Context, runtime.Handle) error { return nil }

type fixture struct {
	srv  *api.Server
	orch *orchestrator.Orchestrator
}

func newFixture(t *testing.T, signupBonus int64) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "api-test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	l := ledger.New(s.DB())
	orch := orchestrator.New(s, l, fakeRuntime{}, orchestrator.Config{TeardownTimeout: time.Second})
	refs := referral.New(s.DB(), s, l, 5)
	return &fixture{
		srv:  api.New(":0", s, orch, l, refs, signupBonus),
		orch: orch,
	}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

var deployBody = map[string]any{
	"parameters": map[string]any{"SESSION_ID": "INCONNU~XD~abc123"},
}

func TestHealthNeedsNoAuth(t *testing.T) {
	f := newFixture(t, 10)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMissingUserHeader(t *testing.T) {
	f := newFixture(t, 10)
	rec := f.do(t, http.MethodGet, "/instances", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAccountBootstrap(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(t, http.MethodGet, "/account", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	account := decode[map[string]any](t, rec)
	if account["id"] != "u1" {
		t.Errorf("id = %v, want u1", account["id"])
	}
	if account["balance"] != float64(10) {
		t.Errorf("balance = %v, want signup bonus 10", account["balance"])
	}
	code, _ := account["referral_code"].(string)
	if len(code) != 8 {
		t.Errorf("referral_code = %q, want 8 characters", code)
	}

	// A second request must not grant the bonus again.
	rec = f.do(t, http.MethodGet, "/account", "u1", nil)
	account = decode[map[string]any](t, rec)
	if account["balance"] != float64(10) {
		t.Errorf("balance after second request = %v, want 10", account["balance"])
	}
}

func TestDeployAccepted(t *testing.T) {
	f := newFixture(t, 25)

	rec := f.do(t, http.MethodPost, "/instances", "u1", deployBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	inst := decode[map[string]any](t, rec)
	if inst["status"] != "creating" {
		t.Errorf("status = %v, want creating", inst["status"])
	}
	if inst["days_left"] != float64(3) {
		t.Errorf("days_left = %v, want 3", inst["days_left"])
	}

	// The session credential must be absent, not blanked.
	params, _ := inst["parameters"].(map[string]any)
	if _, present := params["SESSION_ID"]; present {
		t.Error("response parameters include SESSION_ID")
	}
	if params["PREFIX"] != "." {
		t.Errorf("PREFIX = %v, want defaulted \".\"", params["PREFIX"])
	}

	f.orch.Wait()

	// After provisioning the instance shows up running with its port.
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/instances/%s", inst["id"]), "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	got := decode[map[string]any](t, rec)
	if got["status"] != "running" {
		t.Errorf("status = %v, want running", got["status"])
	}
	if got["port"] != float64(41000) {
		t.Errorf("port = %v, want 41000", got["port"])
	}
}

func TestDeployInvalidParameters(t *testing.T) {
	f := newFixture(t, 25)

	body := map[string]any{"parameters": map[string]any{"PREFIX": "."}}
	rec := f.do(t, http.MethodPost, "/instances", "u1", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeployInsufficientFunds(t *testing.T) {
	// Signup bonus of 5 cannot cover the 10-coin deployment.
	f := newFixture(t, 5)

	rec := f.do(t, http.MethodPost, "/instances", "u1", deployBody)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402: %s", rec.Code, rec.Body.String())
	}
}

func TestDeployConflictWhileActive(t *testing.T) {
	f := newFixture(t, 25)

	if rec := f.do(t, http.MethodPost, "/instances", "u1", deployBody); rec.Code != http.StatusAccepted {
		t.Fatalf("first deploy status = %d", rec.Code)
	}
	f.orch.Wait()

	rec := f.do(t, http.MethodPost, "/instances", "u1", deployBody)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second deploy status = %d, want 409", rec.Code)
	}
}

func TestInstanceIsolationBetweenUsers(t *testing.T) {
	f := newFixture(t, 25)

	rec := f.do(t, http.MethodPost, "/instances", "u1", deployBody)
	inst := decode[map[string]any](t, rec)
	f.orch.Wait()

	path := fmt.Sprintf("/instances/%s", inst["id"])
	if rec := f.do(t, http.MethodGet, path, "u2", nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign get status = %d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, path, "u2", nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign delete status = %d, want 404", rec.Code)
	}

	// u2 sees an empty list, not u1's instance.
	rec = f.do(t, http.MethodGet, "/instances", "u2", nil)
	list := decode[[]map[string]any](t, rec)
	if len(list) != 0 {
		t.Errorf("foreign list has %d entries, want 0", len(list))
	}
}

func TestDeleteInstance(t *testing.T) {
	f := newFixture(t, 25)

	rec := f.do(t, http.MethodPost, "/instances", "u1", deployBody)
	inst := decode[map[string]any](t, rec)
	f.orch.Wait()

	path := fmt.Sprintf("/instances/%s", inst["id"])
	if rec := f.do(t, http.MethodDelete, path, "u1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, path, "u1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestInstanceLogs(t *testing.T) {
	f := newFixture(t, 25)

	rec := f.do(t, http.MethodPost, "/instances", "u1", deployBody)
	inst := decode[map[string]any](t, rec)
	f.orch.Wait()

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/instances/%s/logs", inst["id"]), "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Deployment started") {
		t.Errorf("logs missing deployment entry: %s", body)
	}
	if !strings.Contains(body, "port 41000") {
		t.Errorf("logs missing success entry: %s", body)
	}
	if strings.Contains(body, "INCONNU~XD~abc123") {
		t.Errorf("logs leak the session credential: %s", body)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	f := newFixture(t, 25)

	rec := f.do(t, http.MethodGet, "/balance", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[map[string]any](t, rec)
	if resp["balance"] != float64(25) {
		t.Errorf("balance = %v, want 25", resp["balance"])
	}

	f.do(t, http.MethodPost, "/instances", "u1", deployBody)
	f.orch.Wait()

	rec = f.do(t, http.MethodGet, "/balance", "u1", nil)
	resp = decode[map[string]any](t, rec)
	if resp["balance"] != float64(15) {
		t.Errorf("balance after deploy = %v, want 15", resp["balance"])
	}
}

func TestReferralRedemption(t *testing.T) {
	f := newFixture(t, 10)

	// u1's first request mints their referral code.
	rec := f.do(t, http.MethodGet, "/account", "u1", nil)
	account := decode[map[string]any](t, rec)
	code, _ := account["referral_code"].(string)

	rec = f.do(t, http.MethodPost, "/referrals/redeem", "u2", map[string]any{"code": code})
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[map[string]any](t, rec)
	if resp["credited"] != float64(5) {
		t.Errorf("credited = %v, want 5", resp["credited"])
	}
	if resp["balance"] != float64(15) {
		t.Errorf("balance = %v, want 15", resp["balance"])
	}

	// Self-referral and double redemption.
	if rec := f.do(t, http.MethodPost, "/referrals/redeem", "u1", map[string]any{"code": code}); rec.Code != http.StatusBadRequest {
		t.Errorf("self redeem status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/referrals/redeem", "u2", map[string]any{"code": code}); rec.Code != http.StatusConflict {
		t.Errorf("double redeem status = %d, want 409", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/referrals/redeem", "u3", map[string]any{"code": "ZZZZ9999"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown code status = %d, want 404", rec.Code)
	}
}
