package server_test

import (
	"EnergyLedger/internal/core"
	"EnergyLedger/internal/notify"
	"EnergyLedger/internal/observability"
	"EnergyLedger/internal/offer"
	"EnergyLedger/internal/server"
	"EnergyLedger/internal/settlement"
	"EnergyLedger/internal/store"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// chainStub settles every call successfully unless outcome says otherwise.
type chainStub struct {
	n       atomic.Int64
	outcome settlement.Outcome
}

func (c *chainStub) result() settlement.Result {
	hash := "0x" + strings.Repeat("a", 63) + string(rune('0'+c.n.Add(1)%10))
	switch c.outcome {
	case settlement.Indeterminate:
		return settlement.Result{Outcome: settlement.Indeterminate, BroadcastHash: hash, Err: settlement.ErrIndeterminate}
	case settlement.Failed:
		return settlement.Result{Outcome: settlement.Failed, Err: settlement.ErrReverted}
	}
	return settlement.Result{Success: true, TxReference: hash, BroadcastHash: hash, Outcome: settlement.Succeeded}
}

func (c *chainStub) CreateSellOffer(context.Context, settlement.CreateSellOfferRequest) settlement.Result {
	return c.result()
}

func (c *chainStub) ConfirmPurchase(context.Context, settlement.ConfirmPurchaseRequest) settlement.Result {
	return c.result()
}

func (c *chainStub) LookupTransaction(context.Context, string) (settlement.LookupStatus, error) {
	return settlement.LookupUnknown, nil
}

func (c *chainStub) TokenBalance(context.Context, string) (*big.Int, error) {
	// 12.5 tokens at 18 decimals
	v, _ := new(big.Int).SetString("12500000000000000000", 10)
	return v, nil
}

const adminToken = "s3cret"

type testServer struct {
	http  *httptest.Server
	chain *chainStub
	coord *core.Coordinator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	chain := &chainStub{}
	coord := core.NewCoordinator(store.NewMemory(), chain, &notify.Recorder{},
		observability.NewMetricsWith(prometheus.NewRegistry()), zerolog.Nop(), core.DefaultConfig())

	api := server.NewAPI(coord, adminToken, zerolog.Nop())
	srv, err := server.NewServer(":0", ":0", &server.ServerDeps{
		API:           api,
		HealthChecker: observability.NewHealthChecker(),
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	handler, err := srv.Handler(api)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	srv.SetServing(true)

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return &testServer{http: ts, chain: chain, coord: coord}
}

func (s *testServer) do(t *testing.T, method, path, caller, body string, headers ...string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, s.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if caller != "" {
		req.Header.Set(server.AccountHeader, caller)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (s *testServer) register(t *testing.T, id, energy, tokens string) {
	t.Helper()
	body := `{"account_id":"` + id + `","wallet_address":"0x` + id + `","grid_segment":"TR-1",` +
		`"energy_available":"` + energy + `","token_balance":"` + tokens + `"}`
	resp, out := s.do(t, http.MethodPost, "/v1/admin/accounts", "", body, server.AdminTokenHeader, adminToken)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: %d %v", id, resp.StatusCode, out)
	}
}

// ============================================================================
// Test: Offer lifecycle over HTTP
// ============================================================================

func TestAPI_CreateAcceptFlow(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "seller", "100", "0")
	s.register(t, "buyer", "0", "500")

	resp, created := s.do(t, http.MethodPost, "/v1/offers", "seller", `{"units":"40","price_per_unit":"3"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: %d %v", resp.StatusCode, created)
	}
	if created["total_value"] != "120.000000" || created["status"] != "open" {
		t.Errorf("created: %v", created)
	}
	id := created["offer_id"].(string)

	resp, accepted := s.do(t, http.MethodPost, "/v1/offers/"+id+"/accept", "buyer", `{"units":"40"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %v", resp.StatusCode, accepted)
	}
	if accepted["status"] != "completed" || accepted["remaining_units"] != "0.000" {
		t.Errorf("accepted: %v", accepted)
	}

	resp, acct := s.do(t, http.MethodGet, "/v1/accounts/buyer", "buyer", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("account: %d", resp.StatusCode)
	}
	if acct["energy_available"] != "40.000" || acct["token_balance"] != "380.000000" {
		t.Errorf("buyer: %v", acct)
	}

	_, list := s.do(t, http.MethodGet, "/v1/offers", "", "")
	if offers := list["offers"].([]interface{}); len(offers) != 1 {
		t.Errorf("offers: %v", offers)
	}
}

func TestAPI_CancelByOtherIsForbidden(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "seller", "100", "0")
	s.register(t, "mallory", "0", "0")

	_, created := s.do(t, http.MethodPost, "/v1/offers", "seller", `{"units":"10","price_per_unit":"1"}`)
	id := created["offer_id"].(string)

	resp, out := s.do(t, http.MethodPost, "/v1/offers/"+id+"/cancel", "mallory", "")
	if resp.StatusCode != http.StatusForbidden || out["error"] != string(core.KindForbidden) {
		t.Errorf("got %d %v", resp.StatusCode, out)
	}

	resp, out = s.do(t, http.MethodPost, "/v1/offers/"+id+"/cancel", "seller", "")
	if resp.StatusCode != http.StatusOK || out["status"] != "cancelled" {
		t.Errorf("owner cancel: %d %v", resp.StatusCode, out)
	}
	resp, _ = s.do(t, http.MethodPost, "/v1/offers/"+id+"/cancel", "seller", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel: got %d, want 409", resp.StatusCode)
	}
}

func TestAPI_ErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "seller", "10", "0")
	s.register(t, "buyer", "0", "1")

	cases := []struct {
		name   string
		method string
		path   string
		caller string
		body   string
		want   int
	}{
		{"missing identity", http.MethodPost, "/v1/offers", "", `{"units":"1","price_per_unit":"1"}`, http.StatusUnauthorized},
		{"bad decimal", http.MethodPost, "/v1/offers", "seller", `{"units":"1.0001","price_per_unit":"1"}`, http.StatusBadRequest},
		{"below chain precision", http.MethodPost, "/v1/offers", "seller", `{"units":"1.5","price_per_unit":"1"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/offers", "seller", `{"units":"1","price":"1"}`, http.StatusBadRequest},
		{"insufficient energy", http.MethodPost, "/v1/offers", "seller", `{"units":"11","price_per_unit":"1"}`, http.StatusPaymentRequired},
		{"unknown offer", http.MethodPost, "/v1/offers/OFF-nope/accept", "buyer", `{"units":"1"}`, http.StatusNotFound},
		{"other account", http.MethodGet, "/v1/accounts/seller", "buyer", "", http.StatusForbidden},
		{"admin without token", http.MethodPost, "/v1/admin/reconcile", "buyer", "", http.StatusForbidden},
		{"no route", http.MethodGet, "/v1/nothing", "buyer", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, out := s.do(t, tc.method, tc.path, tc.caller, tc.body)
			if resp.StatusCode != tc.want {
				t.Errorf("got %d, want %d (%v)", resp.StatusCode, tc.want, out)
			}
			if out["error"] == nil {
				t.Errorf("missing error body: %v", out)
			}
		})
	}
}

func TestAPI_OverAcceptIsUnprocessable(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "seller", "10", "0")
	s.register(t, "buyer", "0", "100")

	_, created := s.do(t, http.MethodPost, "/v1/offers", "seller", `{"units":"5","price_per_unit":"1"}`)
	resp, out := s.do(t, http.MethodPost, "/v1/offers/"+created["offer_id"].(string)+"/accept", "buyer", `{"units":"6"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity || out["error"] != string(core.KindUnitsExceedRemaining) {
		t.Errorf("got %d %v", resp.StatusCode, out)
	}
}

func TestAPI_IndeterminateReturnsAccepted(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "seller", "10", "0")
	s.chain.outcome = settlement.Indeterminate

	resp, out := s.do(t, http.MethodPost, "/v1/offers", "seller", `{"units":"5","price_per_unit":"1"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("got %d %v", resp.StatusCode, out)
	}
	if out["offer_id"] == "" || out["offer_id"] == nil {
		t.Errorf("held offer id missing: %v", out)
	}
	held, _ := out["offer"].(map[string]interface{})
	if held["status"] != "held" {
		t.Errorf("offer: %v", out["offer"])
	}

	// Still unknown within the grace period.
	resp, report := s.do(t, http.MethodPost, "/v1/admin/reconcile", "", "", server.AdminTokenHeader, adminToken)
	if resp.StatusCode != http.StatusOK || report["still_held"].(float64) != 1 {
		t.Errorf("reconcile: %d %v", resp.StatusCode, report)
	}
}

func TestAPI_SettlementFailureIsBadGateway(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "seller", "10", "0")
	s.chain.outcome = settlement.Failed

	resp, out := s.do(t, http.MethodPost, "/v1/offers", "seller", `{"units":"5","price_per_unit":"1"}`)
	if resp.StatusCode != http.StatusBadGateway || out["error"] != string(core.KindSettlementFailed) {
		t.Errorf("got %d %v", resp.StatusCode, out)
	}
}

func TestAPI_TokenBalanceFromChain(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "buyer", "0", "0")

	resp, out := s.do(t, http.MethodGet, "/v1/accounts/buyer/token-balance", "buyer", "")
	if resp.StatusCode != http.StatusOK || out["token_balance"] != "12.500000" {
		t.Errorf("got %d %v", resp.StatusCode, out)
	}
}

// ============================================================================
// Test: Probes & status mapping
// ============================================================================

func TestAPI_HealthProbes(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, _ := s.do(t, http.MethodGet, path, "", "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: got %d", path, resp.StatusCode)
		}
	}
}

func TestStatusFor(t *testing.T) {
	want := map[core.Kind]int{
		core.KindValidation:              400,
		core.KindInsufficientBalance:     402,
		core.KindForbidden:               403,
		core.KindNotFound:                404,
		core.KindInvalidState:            409,
		core.KindUnitsExceedRemaining:    422,
		core.KindSettlementFailed:        502,
		core.KindSettlementIndeterminate: 202,
		core.KindInternal:                500,
	}
	for kind, status := range want {
		if got := server.StatusFor(kind); got != status {
			t.Errorf("%s: got %d, want %d", kind, got, status)
		}
	}
}

func TestAPI_InternalErrorCarriesOfferID(t *testing.T) {
	api := server.NewAPI(failingService{}, "", zerolog.Nop())
	mux, err := api.Mux()
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/offers/OFF1/cancel", nil)
	req.Header.Set(server.AccountHeader, "u1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got %d", rec.Code)
	}
	var out map[string]interface{}
	json.NewDecoder(rec.Body).Decode(&out)
	if out["offer_id"] != "OFF1" || out["error"] != string(core.KindInternal) {
		t.Errorf("body: %v", out)
	}
}

type failingService struct{ server.OfferService }

func (failingService) CancelOffer(context.Context, string, string) (*offer.Offer, error) {
	return nil, &core.Error{Kind: core.KindInternal, Detail: "ledger update deferred", OfferID: "OFF1", Err: errors.New("db down")}
}
