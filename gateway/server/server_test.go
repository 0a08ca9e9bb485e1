package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	modcommon "crosslend/native/common"
	"crosslend/native/ledger"
	"crosslend/native/limiter"
	"crosslend/native/liquidation"
	"crosslend/native/oracle"
	"crosslend/native/registry"
	"crosslend/native/risk"
	"crosslend/native/settlement"
	"crosslend/storage"
)

const adminToken = "test-admin-token"

type okTransport struct{}

func (okTransport) Send(string, []byte) (string, error) { return "relay-receipt-1", nil }

type fixture struct {
	ts      *httptest.Server
	prices  *oracle.ManualSource
	limits  *limiter.Limiter
	now     func() time.Time
	advance func(time.Duration)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := time.Unix(1_700_000_000, 0).UTC()
	now := func() time.Time { return clock }
	advance := func(d time.Duration) { clock = clock.Add(d) }

	store := storage.NewStore(storage.NewMemDB())
	book := ledger.New(store)
	book.SetClock(now)

	regy := registry.New()
	require.NoError(t, regy.Upsert(registry.AssetConfig{
		AssetID: "ETH", Decimals: 18, LTVBps: 7500, LiquidationThresholdBps: 8000,
		CanBeCollateral: true, Active: true,
	}))
	require.NoError(t, regy.Upsert(registry.AssetConfig{
		AssetID: "USDC", Decimals: 6, LTVBps: 8000, LiquidationThresholdBps: 8500,
		CanBeCollateral: true, CanBeBorrowed: true, Active: true,
	}))

	prices := oracle.NewManualSource()
	prices.Set("ETH", usd(2000), clock)
	prices.Set("USDC", usd(1), clock)
	quotes := oracle.NewAdapter(time.Minute)
	quotes.SetClock(now)
	quotes.Register("manual", prices)

	fees := settlement.FeeSchedule{"base": {BaseWei: big.NewInt(1000), PerByteWei: big.NewInt(10)}}
	coord := settlement.NewCoordinator(store, "hub", fees, 10*time.Minute)
	coord.SetClock(now)
	coord.SetTransport(okTransport{})

	pauses := modcommon.NewPauses()
	limits := limiter.New(store)

	engine := risk.NewEngine(book, regy, quotes)
	engine.SetClock(now)
	engine.SetSettlements(coord)
	engine.SetPauses(pauses)
	engine.SetLimiter(limits)
	coord.SetResolver(engine)
	coord.SetInboundApplier(engine)

	liq, err := liquidation.NewManager(book, engine, liquidation.DefaultParams())
	require.NoError(t, err)
	liq.SetClock(now)
	liq.SetPauses(pauses)

	srv := New(Config{
		Engine:       engine,
		Liquidations: liq,
		Settlements:  coord,
		Registry:     regy,
		Pauses:       pauses,
		Prices:       prices,
		AdminTokens:  []string{adminToken},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, prices: prices, limits: limits, now: now, advance: advance}
}

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func (f *fixture) request(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}, http.Header) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded, resp.Header
}

func (f *fixture) post(t *testing.T, path string, body interface{}) (int, map[string]interface{}) {
	status, decoded, _ := f.request(t, http.MethodPost, path, "", body)
	return status, decoded
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]interface{}) {
	status, decoded, _ := f.request(t, http.MethodGet, path, "", nil)
	return status, decoded
}

const borrowerAddr = "0x1111111111111111111111111111111111111111"

func TestDepositAndBorrowFlow(t *testing.T) {
	f := newFixture(t)

	status, body := f.post(t, "/v1/lending/deposit", map[string]string{
		"address": borrowerAddr, "asset": "ETH", "amount": "1000000000000000000",
	})
	require.Equal(t, http.StatusOK, status, "deposit: %v", body)
	assert.Equal(t, "committed", body["status"])
	assert.Equal(t, "deposit", body["action"])
	assert.Equal(t, "1000000000000000000", body["amount"])

	status, body = f.post(t, "/v1/lending/borrow", map[string]string{
		"address": borrowerAddr, "asset": "USDC", "amount": "1000000000",
	})
	require.Equal(t, http.StatusOK, status, "borrow: %v", body)
	assert.Equal(t, "committed", body["status"])
	assert.NotEmpty(t, body["healthFactor"])

	status, body = f.get(t, "/v1/lending/positions/"+borrowerAddr)
	require.Equal(t, http.StatusOK, status)
	collateral := body["collateral"].(map[string]interface{})
	assert.Equal(t, "1000000000000000000", collateral["ETH"])
	debt := body["debt"].(map[string]interface{})
	assert.Equal(t, "1000000000", debt["USDC"])

	status, body = f.get(t, "/v1/lending/positions/"+borrowerAddr+"/health")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, usd(1000).String(), body["debtUsd"])
	assert.Equal(t, "1600000000000000000", body["healthFactor"])
	assert.Equal(t, false, body["priceStale"])
}

func TestRejectionEnvelopes(t *testing.T) {
	f := newFixture(t)

	status, body := f.post(t, "/v1/lending/borrow", map[string]string{
		"address": borrowerAddr, "asset": "USDC", "amount": "1000000000",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "rejected", body["status"])
	assert.Equal(t, "insufficient_collateral", body["reason"])

	status, body = f.post(t, "/v1/lending/deposit", map[string]string{
		"address": "not-an-address", "asset": "ETH", "amount": "1",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_address", body["reason"])

	status, body = f.post(t, "/v1/lending/deposit", map[string]string{
		"address": borrowerAddr, "asset": "ETH", "amount": "-5",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_amount", body["reason"])

	status, body = f.post(t, "/v1/lending/deposit", map[string]string{
		"address": borrowerAddr, "asset": "DOGE", "amount": "1",
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "asset_not_supported", body["reason"])
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	f := newFixture(t)
	f.limits.SetRule("deposit", limiter.Rule{
		Strategy:   limiter.StrategyWindow,
		Window:     time.Minute,
		MaxActions: 1,
	})

	status, body := f.post(t, "/v1/lending/deposit", map[string]string{
		"address": borrowerAddr, "asset": "ETH", "amount": "1000000000000000000",
	})
	require.Equal(t, http.StatusOK, status, "first deposit: %v", body)

	status, body, headers := f.request(t, http.MethodPost, "/v1/lending/deposit", "", map[string]string{
		"address": borrowerAddr, "asset": "ETH", "amount": "1000000000000000000",
	})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", body["reason"])
	assert.GreaterOrEqual(t, body["retryAfterSeconds"].(float64), float64(1))
	assert.NotEmpty(t, headers.Get("Retry-After"))
}

func TestAdminAuthAndPause(t *testing.T) {
	f := newFixture(t)

	status, body := f.post(t, "/v1/admin/pause", map[string]interface{}{"module": "lending", "paused": true})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["reason"])

	status, _, _ = f.request(t, http.MethodPost, "/v1/admin/pause", "wrong-token", map[string]interface{}{
		"module": "lending", "paused": true,
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body, _ = f.request(t, http.MethodPost, "/v1/admin/pause", adminToken, map[string]interface{}{
		"module": "lending", "paused": true,
	})
	require.Equal(t, http.StatusOK, status, "pause: %v", body)

	status, body = f.post(t, "/v1/lending/deposit", map[string]string{
		"address": borrowerAddr, "asset": "ETH", "amount": "1",
	})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "module_paused", body["reason"])

	status, _, _ = f.request(t, http.MethodPost, "/v1/admin/pause", adminToken, map[string]interface{}{
		"module": "lending", "paused": false,
	})
	require.Equal(t, http.StatusOK, status)
	status, _ = f.post(t, "/v1/lending/deposit", map[string]string{
		"address": borrowerAddr, "asset": "ETH", "amount": "1",
	})
	assert.Equal(t, http.StatusOK, status)
}

func TestAdminAssetLifecycle(t *testing.T) {
	f := newFixture(t)

	status, body, _ := f.request(t, http.MethodPost, "/v1/admin/assets", adminToken, map[string]interface{}{
		"symbol": "DAI", "decimals": 18, "ltvBps": 7000, "liquidationThresholdBps": 7500,
		"collateral": true, "active": true, "priceFeed": "DAI",
	})
	require.Equal(t, http.StatusOK, status, "upsert: %v", body)

	status, body = f.get(t, "/v1/lending/assets")
	require.Equal(t, http.StatusOK, status)
	assets := body["assets"].([]interface{})
	symbols := make([]string, 0, len(assets))
	for _, raw := range assets {
		symbols = append(symbols, raw.(map[string]interface{})["symbol"].(string))
	}
	assert.Contains(t, symbols, "DAI")

	status, _, _ = f.request(t, http.MethodPost, "/v1/admin/assets/DAI/active", adminToken, map[string]interface{}{
		"active": false,
	})
	require.Equal(t, http.StatusOK, status)

	status, body = f.post(t, "/v1/lending/deposit", map[string]string{
		"address": borrowerAddr, "asset": "DAI", "amount": "1000000000000000000",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "asset_inactive", body["reason"])

	status, body, _ = f.request(t, http.MethodPost, "/v1/admin/assets", adminToken, map[string]interface{}{
		"symbol": "BAD", "decimals": 18, "ltvBps": 9000, "liquidationThresholdBps": 8000,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "invalid_asset_config", body["reason"])
}

func TestSettlementConfirmFlow(t *testing.T) {
	f := newFixture(t)

	status, body := f.post(t, "/v1/lending/deposit", map[string]string{
		"address": borrowerAddr, "asset": "ETH", "amount": "1000000000000000000",
	})
	require.Equal(t, http.StatusOK, status, "deposit: %v", body)

	status, body = f.post(t, "/v1/lending/borrow", map[string]string{
		"address": borrowerAddr, "asset": "USDC", "amount": "500000000", "destChain": "base",
	})
	require.Equal(t, http.StatusOK, status, "borrow: %v", body)
	messageID := body["messageId"].(string)
	require.NotEmpty(t, messageID)
	assert.NotEmpty(t, body["feeWei"])

	status, body = f.get(t, "/v1/settlement/messages/"+messageID)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "sent", body["status"])
	assert.Equal(t, "base", body["destChain"])

	status, body, _ = f.request(t, http.MethodGet, "/v1/settlement/in-flight", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	messages := body["messages"].([]interface{})
	require.Len(t, messages, 1)

	status, body, _ = f.request(t, http.MethodPost, fmt.Sprintf("/v1/settlement/messages/%s/confirm", messageID), adminToken, nil)
	require.Equal(t, http.StatusOK, status, "confirm: %v", body)

	status, body = f.get(t, "/v1/settlement/messages/"+messageID)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "delivered", body["status"])

	status, body, _ = f.request(t, http.MethodPost, fmt.Sprintf("/v1/settlement/messages/%s/confirm", messageID), adminToken, nil)
	assert.Equal(t, http.StatusOK, status, "replayed confirm: %v", body)

	status, body = f.get(t, "/v1/lending/positions/"+borrowerAddr)
	require.Equal(t, http.StatusOK, status)
	debt := body["debt"].(map[string]interface{})
	assert.Equal(t, "500000000", debt["USDC"])
}

func TestAdminPricePushUnblocksStaleBorrow(t *testing.T) {
	f := newFixture(t)

	status, body := f.post(t, "/v1/lending/deposit", map[string]string{
		"address": borrowerAddr, "asset": "ETH", "amount": "1000000000000000000",
	})
	require.Equal(t, http.StatusOK, status, "deposit: %v", body)

	f.advance(2 * time.Minute)

	status, body = f.post(t, "/v1/lending/borrow", map[string]string{
		"address": borrowerAddr, "asset": "USDC", "amount": "100000000",
	})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "stale_price", body["reason"])

	observed := f.now().Format(time.RFC3339)
	for asset, price := range map[string]string{"ETH": "1950", "USDC": "1"} {
		status, body, _ = f.request(t, http.MethodPost, "/v1/admin/prices", adminToken, map[string]string{
			"asset": asset, "priceUsd": price, "observedAt": observed,
		})
		require.Equal(t, http.StatusOK, status, "price push %s: %v", asset, body)
	}

	status, body = f.post(t, "/v1/lending/borrow", map[string]string{
		"address": borrowerAddr, "asset": "USDC", "amount": "100000000",
	})
	assert.Equal(t, http.StatusOK, status, "borrow after refresh: %v", body)
}

func TestSettlementUnknownMessage(t *testing.T) {
	f := newFixture(t)
	status, body := f.get(t, "/v1/settlement/messages/deadbeef")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "unknown_message", body["reason"])
}
