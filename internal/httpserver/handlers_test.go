package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/pixelforge/credits-server/internal/catalog"
	"github.com/pixelforge/credits-server/internal/config"
	"github.com/pixelforge/credits-server/internal/events"
	"github.com/pixelforge/credits-server/internal/ledger"
	"github.com/pixelforge/credits-server/internal/payments"
	"github.com/pixelforge/credits-server/internal/provider"
)

const testCatalogYAML = `
packages:
  - id: starter
    name: Starter Pack
    credits: 100
    price_cents: 2000
    currency: usd
    active: true
  - id: retired
    name: Retired Pack
    credits: 50
    price_cents: 1000
    currency: usd
    active: false
subscriptions:
  - id: pro-monthly
    name: Pro Monthly
    credits_per_period: 500
    price_cents: 1999
    currency: usd
    interval: month
    active: true
coupons:
  - code: TEN
    active: true
    percent_off: 10
    applies_to: all
  - code: DEAD
    active: false
    percent_off: 50
    applies_to: all
promotions:
  first_purchase_bonus_percent: 10
  max_bonus_credits: 200
signup_bonus_credits: 25
`

// fakeProvider is an in-memory provider.Client for handler tests.
// Setting createErr makes checkout creation fail with that error.
type fakeProvider struct {
	nextSession int
	sessions    map[string]*provider.SessionStatus
	createErr   error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sessions: make(map[string]*provider.SessionStatus)}
}

func (f *fakeProvider) Name() string { return "stripe" }

func (f *fakeProvider) CreateCheckout(_ context.Context, in provider.CheckoutInput) (*provider.CheckoutSession, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextSession++
	id := fmt.Sprintf("cs_test_%d", f.nextSession)
	f.sessions[id] = &provider.SessionStatus{
		SessionID:   id,
		AmountCents: in.AmountCents,
		Currency:    in.Currency,
	}
	return &provider.CheckoutSession{SessionID: id, URL: "https://checkout.test/" + id}, nil
}

func (f *fakeProvider) VerifySession(_ context.Context, sessionID string) (*provider.SessionStatus, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s unknown", sessionID)
	}
	return s, nil
}

type testServer struct {
	router   chi.Router
	ledger   *ledger.Manager
	tracker  *payments.Tracker
	provider *fakeProvider
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(testCatalogYAML), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	cfg := &config.Config{}
	cfg.Server.Address = ":0"
	cfg.Storage.Backend = "memory"
	cfg.Provider.Name = "stripe"
	if mutate != nil {
		mutate(cfg)
	}

	lm := ledger.NewManager(ledger.NewMemoryStore())
	tracker := payments.NewTracker(payments.NewMemoryStore(), 30*time.Minute)
	loader := catalog.NewLoader(path, time.Minute)
	fake := newFakeProvider()
	correlator := events.NewCorrelator(lm, tracker, loader, fake, nil)

	router := chi.NewRouter()
	ConfigureRouter(router, cfg, correlator, lm, tracker, loader, nil, nil, zerolog.Nop())

	return &testServer{router: router, ledger: lm, tracker: tracker, provider: fake}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rec, &resp)
	return resp.Error.Code
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["backend"] != "memory" {
		t.Errorf("expected backend memory, got %v", body["backend"])
	}
}

func TestCheckoutFlow(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/credits/v1/checkout", map[string]any{
		"user_id":     "user-1",
		"item_id":     "starter",
		"coupon_code": "TEN",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("checkout failed: %d %s", rec.Code, rec.Body.String())
	}

	var checkout checkoutResponse
	decodeBody(t, rec, &checkout)
	if checkout.SessionID == "" || checkout.URL == "" {
		t.Fatalf("expected session and URL, got %+v", checkout)
	}
	if checkout.Quote.TotalCents != 1800 {
		t.Errorf("expected discounted total 1800, got %d", checkout.Quote.TotalCents)
	}

	// Provider confirms payment, webhook gateway forwards the event.
	rec = s.do(t, http.MethodPost, "/webhook/events", map[string]any{
		"type":       "checkout.completed",
		"session_id": checkout.SessionID,
		"payment_id": "pi_1",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook failed: %d %s", rec.Code, rec.Body.String())
	}

	// 100 package credits plus the 10% first purchase bonus.
	rec = s.do(t, http.MethodGet, "/credits/v1/users/user-1/balance", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance failed: %d", rec.Code)
	}
	var balance ledger.Balance
	decodeBody(t, rec, &balance)
	if balance.Credits != 110 {
		t.Errorf("expected balance 110, got %d", balance.Credits)
	}

	// Replay the webhook; the balance must not change.
	rec = s.do(t, http.MethodPost, "/webhook/events", map[string]any{
		"type":       "checkout.completed",
		"session_id": checkout.SessionID,
		"payment_id": "pi_1",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook replay failed: %d", rec.Code)
	}
	got, err := s.ledger.GetBalance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got.Credits != 110 {
		t.Errorf("replay changed balance to %d", got.Credits)
	}

	// History shows both the purchase and the bonus.
	rec = s.do(t, http.MethodGet, "/credits/v1/users/user-1/history", nil, nil)
	var history struct {
		Transactions []*ledger.Transaction `json:"transactions"`
	}
	decodeBody(t, rec, &history)
	if len(history.Transactions) != 2 {
		t.Errorf("expected 2 transactions, got %d", len(history.Transactions))
	}
}

func TestCheckoutValidation(t *testing.T) {
	s := newTestServer(t, nil)

	cases := []struct {
		name string
		body map[string]any
		code string
	}{
		{"missing user", map[string]any{"item_id": "starter"}, "missing_field"},
		{"missing item", map[string]any{"user_id": "u"}, "missing_field"},
		{"bad kind", map[string]any{"user_id": "u", "item_id": "starter", "item_kind": "bundle"}, "invalid_field"},
		{"unknown package", map[string]any{"user_id": "u", "item_id": "nope"}, "package_not_found"},
		{"inactive package", map[string]any{"user_id": "u", "item_id": "retired"}, "package_not_found"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/credits/v1/checkout", tc.body, nil)
			if rec.Code < 400 {
				t.Fatalf("expected error status, got %d", rec.Code)
			}
			if got := errorCode(t, rec); got != tc.code {
				t.Errorf("expected code %s, got %s", tc.code, got)
			}
		})
	}
}

func TestValidateCoupon(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/credits/v1/coupons/validate", map[string]any{
		"coupon_code": "TEN",
		"item_id":     "starter",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("validate failed: %d", rec.Code)
	}
	var resp validateCouponResponse
	decodeBody(t, rec, &resp)
	if !resp.Valid || resp.DiscountCents != 200 || resp.TotalCents != 1800 {
		t.Errorf("unexpected response %+v", resp)
	}

	rec = s.do(t, http.MethodPost, "/credits/v1/coupons/validate", map[string]any{
		"coupon_code": "DEAD",
		"item_id":     "starter",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("invalid coupon should still 200, got %d", rec.Code)
	}
	decodeBody(t, rec, &resp)
	if resp.Valid || resp.Code != "coupon_inactive" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestListCatalog(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/credits/v1/packages", nil, nil)
	var pkgs struct {
		Packages []catalog.CreditPackage `json:"packages"`
	}
	decodeBody(t, rec, &pkgs)
	if len(pkgs.Packages) != 1 || pkgs.Packages[0].ID != "starter" {
		t.Errorf("expected only the active package, got %+v", pkgs.Packages)
	}

	rec = s.do(t, http.MethodGet, "/credits/v1/subscriptions", nil, nil)
	var subs struct {
		Subscriptions []catalog.SubscriptionPlan `json:"subscriptions"`
	}
	decodeBody(t, rec, &subs)
	if len(subs.Subscriptions) != 1 {
		t.Errorf("expected 1 subscription, got %d", len(subs.Subscriptions))
	}
}

func TestDeductInsufficient(t *testing.T) {
	s := newTestServer(t, nil)

	if _, err := s.ledger.Add(context.Background(), ledger.ApplyInput{
		UserID: "user-1",
		Type:   ledger.TypePurchase,
		Amount: 10,
	}); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	rec := s.do(t, http.MethodPost, "/credits/v1/internal/deduct", map[string]any{
		"user_id": "user-1",
		"amount":  25,
	}, nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}

	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	decodeBody(t, rec, &resp)
	if resp.Error.Code != "insufficient_credits" {
		t.Errorf("expected insufficient_credits, got %s", resp.Error.Code)
	}
	if resp.Error.Details["shortage"] != float64(15) {
		t.Errorf("expected shortage 15, got %v", resp.Error.Details["shortage"])
	}
}

func TestDeductInvalidAmount(t *testing.T) {
	s := newTestServer(t, nil)

	for _, amount := range []int64{0, -10} {
		rec := s.do(t, http.MethodPost, "/credits/v1/internal/deduct", map[string]any{
			"user_id": "user-1",
			"amount":  amount,
		}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("amount %d: expected 400, got %d", amount, rec.Code)
		}
		if got := errorCode(t, rec); got != "invalid_amount" {
			t.Errorf("amount %d: expected invalid_amount, got %s", amount, got)
		}
	}
}

func TestCheckoutProviderFailureIsRetryable(t *testing.T) {
	s := newTestServer(t, nil)
	s.provider.createErr = &provider.Error{
		Provider: "stripe",
		Op:       "create checkout session",
		Err:      errors.New("connection reset by peer"),
	}

	rec := s.do(t, http.MethodPost, "/credits/v1/checkout", map[string]any{
		"user_id": "user-1",
		"item_id": "starter",
	}, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for provider failure, got %d %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Error struct {
			Code      string `json:"code"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
	decodeBody(t, rec, &resp)
	if resp.Error.Code != "provider_error" {
		t.Errorf("expected provider_error, got %s", resp.Error.Code)
	}
	if !resp.Error.Retryable {
		t.Error("provider failures should be marked retryable")
	}
}

// Infrastructure failures map onto the retryable 502 codes, never onto
// internal_error, so callers know a retry can succeed.
func TestInfrastructureErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
	}{
		{"ledger storage", &ledger.StorageError{Err: errors.New("connection refused")}, "storage_error"},
		{"payment storage", &payments.StorageError{Err: errors.New("connection refused")}, "storage_error"},
		{"provider", &provider.Error{Provider: "stripe", Op: "fetch session", Err: errors.New("timeout")}, "provider_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDomainError(rec, tc.err)
			if rec.Code != http.StatusBadGateway {
				t.Fatalf("expected 502, got %d", rec.Code)
			}
			if got := errorCode(t, rec); got != tc.code {
				t.Errorf("expected %s, got %s", tc.code, got)
			}
		})
	}
}

func TestAdminAuth(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.AdminAPIKey = "sekrit"
	})

	rec := s.do(t, http.MethodGet, "/credits/v1/admin/payments/stats", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/credits/v1/admin/payments/stats", nil, map[string]string{
		"Authorization": "Bearer wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/credits/v1/admin/payments/stats", nil, map[string]string{
		"Authorization": "Bearer sekrit",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
}

func TestAdminAdjustAndRefund(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/credits/v1/admin/adjust", map[string]any{
		"user_id":  "user-1",
		"delta":    int64(50),
		"reason":   "goodwill",
		"admin_id": "admin-9",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("adjust failed: %d %s", rec.Code, rec.Body.String())
	}

	// Spend some credits, then refund the deduction.
	tx, err := s.ledger.Deduct(context.Background(), "user-1", 30, "api usage", "req-1")
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}

	rec = s.do(t, http.MethodPost, "/credits/v1/admin/refund-transaction", map[string]any{
		"transaction_id": tx.ID,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refund failed: %d %s", rec.Code, rec.Body.String())
	}
	var refund ledger.Transaction
	decodeBody(t, rec, &refund)
	if refund.Amount != 30 || refund.BalanceAfter != 50 {
		t.Errorf("unexpected refund %+v", refund)
	}

	// Refunding twice conflicts.
	rec = s.do(t, http.MethodPost, "/credits/v1/admin/refund-transaction", map[string]any{
		"transaction_id": tx.ID,
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double refund, got %d", rec.Code)
	}
	if got := errorCode(t, rec); got != "already_refunded" {
		t.Errorf("expected already_refunded, got %s", got)
	}
}

func TestSignupBonusEndpoint(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.InternalAPIKey = "internal"
	})
	auth := map[string]string{"Authorization": "Bearer internal"}

	rec := s.do(t, http.MethodPost, "/credits/v1/internal/signup-bonus", map[string]any{"user_id": "user-1"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/credits/v1/internal/signup-bonus", map[string]any{"user_id": "user-1"}, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("signup bonus failed: %d %s", rec.Code, rec.Body.String())
	}
	var tx ledger.Transaction
	decodeBody(t, rec, &tx)
	if tx.Amount != 25 {
		t.Errorf("expected 25 bonus credits, got %d", tx.Amount)
	}

	// Repeat returns the original grant.
	rec = s.do(t, http.MethodPost, "/credits/v1/internal/signup-bonus", map[string]any{"user_id": "user-1"}, auth)
	var again ledger.Transaction
	decodeBody(t, rec, &again)
	if again.ID != tx.ID {
		t.Errorf("expected original transaction %s, got %s", tx.ID, again.ID)
	}
}

func TestWebhookUnknownType(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/webhook/events", map[string]any{
		"type": "customer.updated",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown events must be acknowledged, got %d", rec.Code)
	}
	var resp map[string]any
	decodeBody(t, rec, &resp)
	if resp["handled"] != false {
		t.Errorf("expected handled=false, got %v", resp["handled"])
	}
}

func TestWebhookUnknownSession(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/webhook/events", map[string]any{
		"type":       "checkout.completed",
		"session_id": "cs_missing",
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
	if got := errorCode(t, rec); got != "session_not_found" {
		t.Errorf("expected session_not_found, got %s", got)
	}
}

func TestRecoverUnknownSession(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/credits/v1/internal/recover", map[string]any{
		"session_id": "cs_missing",
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if got := errorCode(t, rec); got != "session_not_found" {
		t.Errorf("expected session_not_found, got %s", got)
	}
}

func TestRecoverPayment(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/credits/v1/checkout", map[string]any{
		"user_id": "user-1",
		"item_id": "starter",
	}, nil)
	var checkout checkoutResponse
	decodeBody(t, rec, &checkout)

	// Webhook never arrives; recovery before payment reports a conflict.
	rec = s.do(t, http.MethodPost, "/credits/v1/internal/recover", map[string]any{
		"session_id": checkout.SessionID,
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for unpaid session, got %d", rec.Code)
	}

	s.provider.sessions[checkout.SessionID].Paid = true
	s.provider.sessions[checkout.SessionID].PaymentID = "pi_9"

	rec = s.do(t, http.MethodPost, "/credits/v1/internal/recover", map[string]any{
		"session_id": checkout.SessionID,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("recover failed: %d %s", rec.Code, rec.Body.String())
	}
	var p payments.Payment
	decodeBody(t, rec, &p)
	if p.Status != payments.StatusCompleted || !p.CreditsAdded {
		t.Errorf("expected credited completed payment, got %+v", p)
	}

	got, err := s.ledger.GetBalance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got.Credits != 110 {
		t.Errorf("expected 110 credits after recovery, got %d", got.Credits)
	}
}

func TestRoutePrefix(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RoutePrefix = "/api"
	})

	rec := s.do(t, http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on prefixed route, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 off prefix, got %d", rec.Code)
	}
}
