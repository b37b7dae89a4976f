package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinledger/internal/config"
	"coinledger/internal/gateway/gatewaytest"
	"coinledger/internal/metrics"
	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/internal/service"
	"coinledger/pkg/response"
)

type testServer struct {
	router *gin.Engine
	store  *repository.MemoryStore
	gw     *gatewaytest.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.AdminToken = "secret"
	cfg.PayPal.Currency = "USD"
	cfg.Client.BaseURL = "http://localhost:3001"
	cfg.Business.InitialCoinBalance = 50
	cfg.Business.DefaultItemPrice = 20
	cfg.Business.MaxCoinAmount = 100000
	cfg.Business.SessionCookieMaxAge = 30 * 24 * time.Hour

	store := repository.NewMemoryStore()
	gw := gatewaytest.NewFake()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	purchases := service.NewPurchaseService(store, cfg, m)
	h := NewHandler(Services{
		Accounts:   service.NewAccountService(store, cfg),
		Settlement: service.NewSettlementService(store, gw, nil, cfg, m),
		Purchases:  purchases,
		Reads:      service.NewReadService(store, purchases, m),
		Webhooks:   service.NewWebhookService(gw),
	}, cfg)

	return &testServer{router: SetupRouter(h, cfg, m, registry), store: store, gw: gw}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func asUser(id int64) map[string]string {
	return map[string]string{"X-User-ID": fmt.Sprint(id)}
}

func TestCoinPurchaseRoundTrip(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/payment/coins/create-order", gin.H{"coinAmount": 100, "amountPaid": 4.99}, asUser(1))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var created service.CreateOrderResult
	decode(t, w, &created)
	assert.NotEmpty(t, created.ApprovalURL)

	s.gw.Approve(created.OrderID)

	w = s.do(t, http.MethodPost, "/api/v1/payment/coins/verify", gin.H{"orderId": created.OrderID}, asUser(1))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var verified service.VerifyResult
	decode(t, w, &verified)
	assert.True(t, verified.Success)
	assert.Equal(t, int64(150), *verified.NewBalance)

	w = s.do(t, http.MethodGet, "/api/v1/account/balance", nil, asUser(1))
	require.Equal(t, http.StatusOK, w.Code)
	var balance struct {
		Balance int64 `json:"balance"`
	}
	decode(t, w, &balance)
	assert.Equal(t, int64(150), balance.Balance)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/payment/coins/purchase/%d", created.PurchaseID), nil, asUser(2))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.CodeOrderNotFound, decode(t, w, nil).Code)

	w = s.do(t, http.MethodGet, "/api/v1/payment/coins/purchases", nil, asUser(1))
	require.Equal(t, http.StatusOK, w.Code)
	var orders []model.CoinOrder
	decode(t, w, &orders)
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderStatusCompleted, orders[0].Status)
}

func TestCreateOrder_Validation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/payment/coins/create-order", gin.H{"coinAmount": 100, "amountPaid": 4.99}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/payment/coins/create-order", gin.H{"coinAmount": 0, "amountPaid": 4.99}, asUser(1))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/payment/coins/create-order", gin.H{"coinAmount": 100, "amountPaid": -2}, asUser(1))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPayPalWebhook_AlwaysAcknowledges(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status string
	}{
		{"malformed body", `not json`, "error"},
		{"bad signature and unknown event", `{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{}}`, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/v1/payment/webhook/paypal", tt.body, nil)
			assert.Equal(t, http.StatusOK, w.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body["status"])
		})
	}
}

func TestPayPalWebhook_CreditsOnce(t *testing.T) {
	s := newTestServer(t)
	s.gw.ValidSignature = true

	w := s.do(t, http.MethodPost, "/api/v1/payment/coins/create-order", gin.H{"coinAmount": 100, "amountPaid": 4.99}, asUser(1))
	require.Equal(t, http.StatusOK, w.Code)
	var created service.CreateOrderResult
	decode(t, w, &created)

	event := fmt.Sprintf(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":%q,"status":"COMPLETED","supplementary_data":{"related_ids":{"order_id":%q}}}}`,
		gatewaytest.CaptureIDFor(created.OrderID), created.OrderID)

	for i := 0; i < 3; i++ {
		w = s.do(t, http.MethodPost, "/api/v1/payment/webhook/paypal", event, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"success"}`, w.Body.String())
	}

	account, err := s.store.Accounts().GetByUserID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(150), account.Balance)

	// 不相关的事件也返回成功
	w = s.do(t, http.MethodPost, "/api/v1/payment/webhook/paypal", `{"id":"WH-2","event_type":"CHECKOUT.ORDER.APPROVED","resource":{}}`, nil)
	assert.JSONEq(t, `{"status":"success"}`, w.Body.String())
}

func TestWebhookAdmin_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/payment/webhook/list", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/payment/webhook/list", nil, map[string]string{"X-Admin-Token": "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := map[string]string{"X-Admin-Token": "secret"}
	w = s.do(t, http.MethodPost, "/api/v1/payment/webhook/register", gin.H{"url": "https://example.com/api/v1/payment/webhook/paypal"}, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var hook struct {
		ID         string `json:"id"`
		EventTypes []struct {
			Name string `json:"name"`
		} `json:"event_types"`
	}
	decode(t, w, &hook)
	require.Len(t, hook.EventTypes, 1)
	assert.Equal(t, "PAYMENT.CAPTURE.COMPLETED", hook.EventTypes[0].Name)

	w = s.do(t, http.MethodGet, "/api/v1/payment/webhook/"+hook.ID, nil, admin)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/payment/webhook/"+hook.ID+"/delete", nil, admin)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/payment/webhook/"+hook.ID, nil, admin)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/payment/webhook/register", gin.H{"url": "http://insecure.example.com"}, admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPurchaseItem_Endpoints(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.Items().Save(ctx, &model.Item{ID: "ch-1", Title: "Chapter 1", IsPremium: true, PriceInCoins: 20}))
	require.NoError(t, s.store.Items().Save(ctx, &model.Item{ID: "ch-2", Title: "Chapter 2", IsPremium: true, PriceInCoins: 100}))

	w := s.do(t, http.MethodPost, "/api/v1/items/ch-1/purchase", nil, asUser(1))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result service.PurchaseResult
	decode(t, w, &result)
	assert.Equal(t, int64(30), result.RemainingBalance)

	w = s.do(t, http.MethodPost, "/api/v1/items/ch-1/purchase", nil, asUser(1))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/items/ch-2/purchase", nil, asUser(1))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var funds struct {
		Required  int64 `json:"required"`
		Available int64 `json:"available"`
	}
	decode(t, w, &funds)
	assert.Equal(t, int64(100), funds.Required)
	assert.Equal(t, int64(30), funds.Available)

	w = s.do(t, http.MethodPost, "/api/v1/items/missing/purchase", nil, asUser(1))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.CodeItemNotFound, decode(t, w, nil).Code)

	w = s.do(t, http.MethodGet, "/api/v1/items/purchases", nil, asUser(1))
	require.Equal(t, http.StatusOK, w.Code)
	var records []model.PurchaseRecord
	decode(t, w, &records)
	assert.Len(t, records, 1)
}

func TestReadItem_AnonymousSessionCookie(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.store.Items().Save(context.Background(), &model.Item{ID: "free", Title: "Prologue"}))

	w := s.do(t, http.MethodGet, "/api/v1/items/free/read", nil, map[string]string{"User-Agent": "reader"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view service.ItemView
	decode(t, w, &view)
	assert.True(t, view.FirstRead)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "sessionId", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Len(t, cookies[0].Value, 32)

	w = s.do(t, http.MethodGet, "/api/v1/items/free/read", nil, map[string]string{"Cookie": "sessionId=" + cookies[0].Value})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &view)
	assert.False(t, view.FirstRead)
	assert.Empty(t, w.Result().Cookies(), "已有会话时不再下发 cookie")

	w = s.do(t, http.MethodGet, "/api/v1/items/free/read", nil, asUser(1))
	decode(t, w, &view)
	assert.True(t, view.FirstRead)
	assert.Equal(t, int64(2), view.Item.ReadCount)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}
