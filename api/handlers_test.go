/*
handlers_test.go - HTTP tests for the loyalty API

Tests for:
- Registration and QR scan
- Purchase / redemption flow and status mapping
- History ordering and limit
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/identity"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/ledger/store"
	"github.com/warp/loyalty-engine/rewards"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type backend interface {
	ledger.Store
	identity.Registry
}

func newTestServer(t *testing.T, b backend) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := rewards.NewEngine(b, b, rewards.DefaultPolicy(), logger)
	require.NoError(t, err)

	h := NewHandler(engine, b, 50, logger)
	srv := httptest.NewServer(NewRouter(h, RouterOptions{Logger: logger}))
	t.Cleanup(srv.Close)
	return srv
}

func newMemoryServer(t *testing.T) *httptest.Server {
	return newTestServer(t, store.NewMemory())
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func doList(t *testing.T, srv *httptest.Server, path string) (int, []TransactionDTO) {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out []TransactionDTO
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

type registered struct {
	customerID string
	qrCode     string
	merchantID string
}

func registerBoth(t *testing.T, srv *httptest.Server) registered {
	t.Helper()
	status, customer := do(t, srv, http.MethodPost, "/api/customers", RegisterCustomerRequest{
		Name: "Ana", Email: "ana@example.com",
	})
	require.Equal(t, http.StatusCreated, status)

	status, merchant := do(t, srv, http.MethodPost, "/api/merchants", RegisterMerchantRequest{
		Name: "Luis", Email: "luis@example.com", BusinessName: "Cafe Central",
	})
	require.Equal(t, http.StatusCreated, status)

	return registered{
		customerID: customer["id"].(string),
		qrCode:     customer["qr_code"].(string),
		merchantID: merchant["id"].(string),
	}
}

func purchase(t *testing.T, srv *httptest.Server, reg registered) map[string]any {
	t.Helper()
	status, body := do(t, srv, http.MethodPost, "/api/merchants/"+reg.merchantID+"/purchases",
		PurchaseRequest{UserID: reg.customerID})
	require.Equal(t, http.StatusOK, status)
	return body
}

// =============================================================================
// FLOW TESTS
// =============================================================================

func TestPurchaseAndRedeemFlow(t *testing.T) {
	// GIVEN: A registered customer and merchant
	// WHEN: Redeeming early, then after 4 purchases, then again
	// THEN: 400 with progress, 200, then 400 with a full cycle needed

	srv := newMemoryServer(t)
	reg := registerBoth(t, srv)
	redeemPath := "/api/merchants/" + reg.merchantID + "/redemptions"

	for i := 0; i < 3; i++ {
		body := purchase(t, srv, reg)
		assert.Equal(t, false, body["canRedeem"])
	}

	status, body := do(t, srv, http.MethodPost, redeemPath, RedeemRequest{UserID: reg.customerID})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, float64(3), body["currentPoints"])
	assert.Equal(t, float64(1), body["needed"])

	body = purchase(t, srv, reg)
	assert.Equal(t, true, body["canRedeem"])
	assert.NotEmpty(t, body["transaction_id"])

	status, body = do(t, srv, http.MethodGet, "/api/customers/"+reg.customerID+"/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(4), body["totalPurchases"])
	assert.Equal(t, float64(0), body["currentPoints"])
	assert.Equal(t, true, body["canRedeem"])
	assert.Equal(t, float64(4), body["cafesForReward"])

	status, body = do(t, srv, http.MethodPost, redeemPath, RedeemRequest{UserID: reg.customerID})
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["transaction_id"])

	status, body = do(t, srv, http.MethodPost, redeemPath, RedeemRequest{UserID: reg.customerID})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, float64(0), body["currentPoints"])
	assert.Equal(t, float64(4), body["needed"])
}

func TestScanByQRCode(t *testing.T) {
	srv := newMemoryServer(t)
	reg := registerBoth(t, srv)
	purchase(t, srv, reg)

	status, body := do(t, srv, http.MethodPost, "/api/merchants/"+reg.merchantID+"/scan",
		ScanRequest{QRCode: reg.qrCode})
	require.Equal(t, http.StatusOK, status)

	user := body["user"].(map[string]any)
	assert.Equal(t, reg.customerID, user["id"])
	assert.NotContains(t, user, "qr_code", "merchants never see the credential")
	stats := body["stats"].(map[string]any)
	assert.Equal(t, float64(1), stats["currentPoints"])

	status, _ = do(t, srv, http.MethodPost, "/api/merchants/"+reg.merchantID+"/scan",
		ScanRequest{QRCode: "bogus"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, srv, http.MethodPost, "/api/merchants/"+reg.merchantID+"/scan", ScanRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, srv, http.MethodPost, "/api/merchants/unknown/scan", ScanRequest{QRCode: reg.qrCode})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestProfile(t *testing.T) {
	srv := newMemoryServer(t)
	reg := registerBoth(t, srv)

	status, body := do(t, srv, http.MethodGet, "/api/customers/"+reg.customerID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Ana", body["name"])
	assert.Equal(t, reg.qrCode, body["qr_code"])
	assert.Contains(t, body, "stats")

	status, _ = do(t, srv, http.MethodGet, "/api/customers/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHistory(t *testing.T) {
	srv := newMemoryServer(t)
	reg := registerBoth(t, srv)
	for i := 0; i < 4; i++ {
		purchase(t, srv, reg)
	}
	status, _ := do(t, srv, http.MethodPost, "/api/merchants/"+reg.merchantID+"/redemptions",
		RedeemRequest{UserID: reg.customerID})
	require.Equal(t, http.StatusOK, status)

	status, entries := doList(t, srv, "/api/customers/"+reg.customerID+"/history")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, entries, 5)
	assert.Equal(t, "reward", entries[0].Type)
	assert.Equal(t, "0", entries[0].Points)
	assert.Equal(t, "Cafe Central", entries[0].BusinessName)
	assert.Equal(t, "purchase", entries[1].Type)
	assert.Equal(t, "1", entries[1].Points)

	status, entries = doList(t, srv, "/api/customers/"+reg.customerID+"/history?limit=2")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, entries, 2)

	status, _ = doList(t, srv, "/api/customers/"+reg.customerID+"/history?limit=-1")
	assert.Equal(t, http.StatusBadRequest, status)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorStatuses(t *testing.T) {
	srv := newMemoryServer(t)
	reg := registerBoth(t, srv)

	status, _ := do(t, srv, http.MethodPost, "/api/customers", RegisterCustomerRequest{
		Name: "Ana again", Email: "ana@example.com",
	})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = do(t, srv, http.MethodPost, "/api/customers", RegisterCustomerRequest{Name: "No email"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, srv, http.MethodPost, "/api/merchants/"+reg.merchantID+"/purchases",
		PurchaseRequest{UserID: "nobody"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, srv, http.MethodPost, "/api/merchants/nowhere/purchases",
		PurchaseRequest{UserID: reg.customerID})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, srv, http.MethodPost, "/api/merchants/"+reg.merchantID+"/purchases", PurchaseRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, srv, http.MethodPost, "/api/merchants/"+reg.merchantID+"/purchases",
		PurchaseRequest{UserID: reg.customerID, IdempotencyKey: "scan-1"})
	assert.Equal(t, http.StatusOK, status)
	status, _ = do(t, srv, http.MethodPost, "/api/merchants/"+reg.merchantID+"/purchases",
		PurchaseRequest{UserID: reg.customerID, IdempotencyKey: "scan-1"})
	assert.Equal(t, http.StatusConflict, status)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/merchants/"+reg.merchantID+"/redemptions",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStorageUnavailable_Returns503(t *testing.T) {
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	srv := newTestServer(t, db)
	reg := registerBoth(t, srv)

	require.NoError(t, db.Close())

	status, _ := do(t, srv, http.MethodGet, "/api/customers/"+reg.customerID+"/stats", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestHealthz(t *testing.T) {
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	engine, err := rewards.NewEngine(db, db, rewards.DefaultPolicy(), nil)
	require.NoError(t, err)
	srv := httptest.NewServer(NewRouter(NewHandler(engine, db, 0, nil), RouterOptions{Health: db}))
	t.Cleanup(srv.Close)

	status, body := do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("disk gone") }

func TestHealthz_Unreachable(t *testing.T) {
	mem := store.NewMemory()
	engine, err := rewards.NewEngine(mem, mem, rewards.DefaultPolicy(), nil)
	require.NoError(t, err)
	srv := httptest.NewServer(NewRouter(NewHandler(engine, mem, 0, nil), RouterOptions{Health: downPinger{}}))
	t.Cleanup(srv.Close)

	status, body := do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "database unreachable", body["error"])
}

// =============================================================================
// STORAGE DEADLINE
// =============================================================================

// slowRegistry blocks every directory call until its context expires.
type slowRegistry struct {
	*store.Memory
}

func (slowRegistry) ResolveCustomer(ctx context.Context, _ ledger.CustomerID) (identity.Customer, error) {
	<-ctx.Done()
	return identity.Customer{}, ctx.Err()
}

func (slowRegistry) ResolveMerchant(ctx context.Context, _ ledger.MerchantID) (identity.Merchant, error) {
	<-ctx.Done()
	return identity.Merchant{}, ctx.Err()
}

func (slowRegistry) SaveCustomer(ctx context.Context, _ identity.Customer) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowRegistry) SaveMerchant(ctx context.Context, _ identity.Merchant) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSlowDirectory_EveryEndpointReturns503(t *testing.T) {
	// GIVEN: A directory that never answers and a 50ms storage timeout
	// WHEN: Calling every endpoint that touches the directory
	// THEN: Each returns 503 once the deadline passes instead of hanging

	mem := store.NewMemory()
	registry := slowRegistry{Memory: mem}
	policy := rewards.DefaultPolicy()
	policy.StorageTimeout = 50 * time.Millisecond

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := rewards.NewEngine(mem, registry, policy, logger)
	require.NoError(t, err)
	srv := httptest.NewServer(NewRouter(NewHandler(engine, registry, 50, logger), RouterOptions{Logger: logger}))
	t.Cleanup(srv.Close)
	srv.Client().Timeout = 2 * time.Second

	requests := []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/api/customers/c1", nil},
		{http.MethodGet, "/api/customers/c1/stats", nil},
		{http.MethodPost, "/api/customers", RegisterCustomerRequest{Name: "Ana", Email: "ana@example.com"}},
		{http.MethodPost, "/api/merchants", RegisterMerchantRequest{Name: "Luis", Email: "luis@example.com", BusinessName: "Cafe Central"}},
		{http.MethodPost, "/api/merchants/m1/scan", ScanRequest{QRCode: "token"}},
	}
	for _, req := range requests {
		start := time.Now()
		status, _ := do(t, srv, req.method, req.path, req.body)
		assert.Equal(t, http.StatusServiceUnavailable, status, "%s %s", req.method, req.path)
		assert.Less(t, time.Since(start), time.Second, "%s %s", req.method, req.path)
	}
}
