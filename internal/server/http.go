package server

import (
	"EnergyLedger/internal/core"
	"EnergyLedger/internal/ledger"
	fpmath "EnergyLedger/internal/math"
	"EnergyLedger/internal/offer"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const (
	// AccountHeader carries the caller identity set by the auth layer.
	AccountHeader = "X-Account-ID"
	// AdminTokenHeader authorizes the admin routes.
	AdminTokenHeader = "X-Admin-Token"

	maxBodyBytes = 1 << 20
)

// OfferService is the coordinator surface the HTTP API drives.
type OfferService interface {
	CreateOffer(ctx context.Context, req core.CreateOfferRequest) (*offer.Offer, error)
	CancelOffer(ctx context.Context, requesterID, offerID string) (*offer.Offer, error)
	AcceptOffer(ctx context.Context, req core.AcceptOfferRequest) (*offer.Offer, error)
	GetAllOffers(ctx context.Context) ([]*offer.Offer, error)
	GetAccount(ctx context.Context, id string) (*ledger.Account, error)
	RegisterAccount(ctx context.Context, acct *ledger.Account) error
	ChainTokenBalance(ctx context.Context, accountID string) (int64, error)
	Reconcile(ctx context.Context) (*core.ReconcileReport, error)
}

// API maps HTTP/JSON requests onto the coordinator. Quantities travel as
// decimal strings and are converted to fixed point at this edge.
type API struct {
	svc        OfferService
	adminToken string
	logger     zerolog.Logger
}

func NewAPI(svc OfferService, adminToken string, logger zerolog.Logger) *API {
	return &API{svc: svc, adminToken: adminToken, logger: logger}
}

// Mux builds the gateway mux with every route registered.
func (a *API) Mux() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux(runtime.WithRoutingErrorHandler(routingError))

	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/offers", a.createOffer},
		{http.MethodGet, "/v1/offers", a.listOffers},
		{http.MethodPost, "/v1/offers/{offer_id}/cancel", a.cancelOffer},
		{http.MethodPost, "/v1/offers/{offer_id}/accept", a.acceptOffer},
		{http.MethodGet, "/v1/accounts/{account_id}", a.getAccount},
		{http.MethodGet, "/v1/accounts/{account_id}/token-balance", a.tokenBalance},
		{http.MethodPost, "/v1/admin/accounts", a.registerAccount},
		{http.MethodPost, "/v1/admin/reconcile", a.reconcile},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, a.logged(rt.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.path, err)
		}
	}
	return mux, nil
}

// ============================================================================
// Wire types
// ============================================================================

type offerView struct {
	OfferID        string     `json:"offer_id"`
	CreatorID      string     `json:"creator_id"`
	GridSegment    string     `json:"grid_segment"`
	Units          string     `json:"units"`
	RemainingUnits string     `json:"remaining_units"`
	PricePerUnit   string     `json:"price_per_unit"`
	TotalValue     string     `json:"total_value"`
	Status         string     `json:"status"`
	SettlementTx   string     `json:"settlement_tx,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func newOfferView(o *offer.Offer) offerView {
	return offerView{
		OfferID:        o.ID,
		CreatorID:      o.CreatorID,
		GridSegment:    o.GridSegment,
		Units:          fpmath.FormatQuantity(o.Units, fpmath.EnergyConfig),
		RemainingUnits: fpmath.FormatQuantity(o.RemainingUnits, fpmath.EnergyConfig),
		PricePerUnit:   fpmath.FormatQuantity(o.PricePerUnit, fpmath.PriceConfig),
		TotalValue:     fpmath.FormatQuantity(o.TotalValue, fpmath.TokenConfig),
		Status:         string(o.Status),
		SettlementTx:   o.SettlementTx,
		CreatedAt:      o.CreatedAt,
		CompletedAt:    o.CompletedAt,
	}
}

type accountView struct {
	AccountID       string `json:"account_id"`
	WalletAddress   string `json:"wallet_address"`
	GridSegment     string `json:"grid_segment"`
	EnergyAvailable string `json:"energy_available"`
	EnergyReserved  string `json:"energy_reserved"`
	TokenBalance    string `json:"token_balance"`
}

func newAccountView(a *ledger.Account) accountView {
	return accountView{
		AccountID:       a.ID,
		WalletAddress:   a.Wallet,
		GridSegment:     a.GridSegment,
		EnergyAvailable: fpmath.FormatQuantity(a.EnergyAvailable, fpmath.EnergyConfig),
		EnergyReserved:  fpmath.FormatQuantity(a.EnergyReserved, fpmath.EnergyConfig),
		TokenBalance:    fpmath.FormatQuantity(a.TokenBalance, fpmath.TokenConfig),
	}
}

type createOfferBody struct {
	Units        string `json:"units"`
	PricePerUnit string `json:"price_per_unit"`
}

type acceptOfferBody struct {
	Units string `json:"units"`
}

type registerAccountBody struct {
	AccountID       string `json:"account_id"`
	WalletAddress   string `json:"wallet_address"`
	GridSegment     string `json:"grid_segment"`
	EnergyAvailable string `json:"energy_available"`
	TokenBalance    string `json:"token_balance"`
}

type errorBody struct {
	Error   string     `json:"error"`
	Detail  string     `json:"detail"`
	OfferID string     `json:"offer_id,omitempty"`
	Offer   *offerView `json:"offer,omitempty"`
}

// ============================================================================
// Handlers
// ============================================================================

func (a *API) createOffer(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var body createOfferBody
	if !decodeBody(w, r, &body) {
		return
	}
	units, err := fpmath.ParseQuantity(body.Units, fpmath.EnergyConfig)
	if err != nil {
		writeValidation(w, "units: "+err.Error())
		return
	}
	price, err := fpmath.ParseQuantity(body.PricePerUnit, fpmath.PriceConfig)
	if err != nil {
		writeValidation(w, "price_per_unit: "+err.Error())
		return
	}

	o, err := a.svc.CreateOffer(r.Context(), core.CreateOfferRequest{
		CreatorID:    caller,
		Units:        units,
		PricePerUnit: price,
	})
	a.writeOfferResult(w, o, err)
}

func (a *API) cancelOffer(w http.ResponseWriter, r *http.Request, params map[string]string) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	o, err := a.svc.CancelOffer(r.Context(), caller, params["offer_id"])
	a.writeOfferResult(w, o, err)
}

func (a *API) acceptOffer(w http.ResponseWriter, r *http.Request, params map[string]string) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var body acceptOfferBody
	if !decodeBody(w, r, &body) {
		return
	}
	units, err := fpmath.ParseQuantity(body.Units, fpmath.EnergyConfig)
	if err != nil {
		writeValidation(w, "units: "+err.Error())
		return
	}

	o, err := a.svc.AcceptOffer(r.Context(), core.AcceptOfferRequest{
		BuyerID: caller,
		OfferID: params["offer_id"],
		Units:   units,
	})
	a.writeOfferResult(w, o, err)
}

func (a *API) listOffers(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	offers, err := a.svc.GetAllOffers(r.Context())
	if err != nil {
		a.writeError(w, nil, err)
		return
	}
	views := make([]offerView, 0, len(offers))
	for _, o := range offers {
		views = append(views, newOfferView(o))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"offers": views})
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := a.requireSelf(w, r, params["account_id"])
	if !ok {
		return
	}
	acct, err := a.svc.GetAccount(r.Context(), id)
	if err != nil {
		a.writeError(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountView(acct))
}

func (a *API) tokenBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := a.requireSelf(w, r, params["account_id"])
	if !ok {
		return
	}
	bal, err := a.svc.ChainTokenBalance(r.Context(), id)
	if err != nil {
		a.writeError(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account_id":    id,
		"token_balance": fpmath.FormatQuantity(bal, fpmath.TokenConfig),
		"source":        "chain",
	})
}

func (a *API) registerAccount(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if !a.requireAdmin(w, r) {
		return
	}
	var body registerAccountBody
	if !decodeBody(w, r, &body) {
		return
	}
	acct := &ledger.Account{
		ID:          body.AccountID,
		Wallet:      body.WalletAddress,
		GridSegment: body.GridSegment,
	}
	var err error
	if body.EnergyAvailable != "" {
		if acct.EnergyAvailable, err = fpmath.ParseQuantity(body.EnergyAvailable, fpmath.EnergyConfig); err != nil {
			writeValidation(w, "energy_available: "+err.Error())
			return
		}
	}
	if body.TokenBalance != "" {
		if acct.TokenBalance, err = fpmath.ParseQuantity(body.TokenBalance, fpmath.TokenConfig); err != nil {
			writeValidation(w, "token_balance: "+err.Error())
			return
		}
	}
	if err := a.svc.RegisterAccount(r.Context(), acct); err != nil {
		a.writeError(w, nil, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAccountView(acct))
}

func (a *API) reconcile(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if !a.requireAdmin(w, r) {
		return
	}
	report, err := a.svc.Reconcile(r.Context())
	if err != nil {
		a.writeError(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ============================================================================
// Helpers
// ============================================================================

func (a *API) logged(h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)
		a.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := r.Header.Get(AccountHeader)
	if caller == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthenticated", Detail: AccountHeader + " header required"})
		return "", false
	}
	return caller, true
}

// requireSelf admits the account owner and admin callers.
func (a *API) requireSelf(w http.ResponseWriter, r *http.Request, id string) (string, bool) {
	if a.isAdmin(r) {
		return id, true
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return "", false
	}
	if caller != id {
		writeJSON(w, http.StatusForbidden, errorBody{Error: string(core.KindForbidden), Detail: "account belongs to another caller"})
		return "", false
	}
	return id, true
}

func (a *API) isAdmin(r *http.Request) bool {
	if a.adminToken == "" {
		return false
	}
	got := r.Header.Get(AdminTokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.adminToken)) == 1
}

func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !a.isAdmin(r) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: string(core.KindForbidden), Detail: "admin token required"})
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeValidation(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeValidation(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: string(core.KindValidation), Detail: detail})
}

func (a *API) writeOfferResult(w http.ResponseWriter, o *offer.Offer, err error) {
	if err != nil {
		a.writeError(w, o, err)
		return
	}
	writeJSON(w, http.StatusOK, newOfferView(o))
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind core.Kind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindForbidden:
		return http.StatusForbidden
	case core.KindInvalidState:
		return http.StatusConflict
	case core.KindUnitsExceedRemaining:
		return http.StatusUnprocessableEntity
	case core.KindSettlementFailed:
		return http.StatusBadGateway
	case core.KindSettlementIndeterminate:
		return http.StatusAccepted
	}
	return http.StatusInternalServerError
}

func (a *API) writeError(w http.ResponseWriter, o *offer.Offer, err error) {
	kind := core.KindOf(err)
	body := errorBody{Error: string(kind), Detail: err.Error()}

	var ce *core.Error
	if errors.As(err, &ce) {
		body.Detail = ce.Detail
		body.OfferID = ce.OfferID
	}
	if o != nil && body.OfferID != "" {
		v := newOfferView(o)
		body.Offer = &v
	}

	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		a.logger.Error().Err(err).Str("offer_id", body.OfferID).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func routingError(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, r *http.Request, status int) {
	detail := http.StatusText(status)
	if status == http.StatusNotFound {
		detail = "no route for " + r.Method + " " + r.URL.Path
	}
	writeJSON(w, status, errorBody{Error: "RoutingError", Detail: detail})
}
