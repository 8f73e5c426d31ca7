package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/courtflow/courtflow/internal/config"
	"github.com/courtflow/courtflow/internal/metrics"
	"github.com/courtflow/courtflow/internal/realtime"
	"github.com/courtflow/courtflow/internal/registry"
)

func newRoutedServer(t *testing.T, services map[string]config.ServiceConfig) (*Server, http.Handler) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			MaxBodyBytes: 10 << 20,
			Version:      "1.0.0-test",
		},
		RateLimit: config.RateLimitConfig{
			Window:  time.Minute,
			Max:     1000,
			AuthMax: 100,
		},
		Services: services,
	}
	reg, err := registry.New(services)
	require.NoError(t, err)

	auth := NewAuthenticator(testSecret)
	hub := realtime.NewHub(auth.VerifyForHub, nil, realtime.Metrics{})
	t.Cleanup(hub.Close)

	s := NewServer(Deps{
		Config:     cfg,
		Auth:       auth,
		Dispatcher: registry.NewDispatcher(reg, "1.0.0-test", registry.Metrics{}),
		Hub:        hub,
		Ring:       metrics.NewRing(128),
	})
	return s, s.Router()
}

func authedRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, jwt.MapClaims{"userId": "u1"}))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func TestHealthEndpoint(t *testing.T) {
	_, router := newRoutedServer(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestUnknownRouteEnvelope(t *testing.T) {
	_, router := newRoutedServer(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec)
	require.False(t, env.Success)
	require.Equal(t, "not_found", env.Error.Code)
	require.NotEmpty(t, env.Timestamp)
}

func TestStatusReportsVersion(t *testing.T) {
	_, router := newRoutedServer(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Version string `json:"version"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "1.0.0-test", resp.Data.Version)
}

func TestProtectedRouteNeedsToken(t *testing.T) {
	_, router := newRoutedServer(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/websocket/status", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/v1/websocket/status", ""))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProxyRewritesPathAndStampsIdentity(t *testing.T) {
	var gotPath, gotUser, gotForwarded string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser = r.Header.Get("X-User-ID")
		gotForwarded = r.Header.Get(registry.HeaderForwardedFor)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"profile":"here"}`))
	}))
	defer upstream.Close()

	_, router := newRoutedServer(t, map[string]config.ServiceConfig{
		"user": {URL: upstream.URL, Timeout: time.Second},
	})

	req := authedRequest(t, http.MethodGet, "/api/v1/users/profile", "")
	req.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, "upstream status passes through")
	require.Equal(t, `{"profile":"here"}`, rec.Body.String())
	require.Equal(t, "/users/profile", gotPath)
	require.Equal(t, "u1", gotUser)
	require.Equal(t, "203.0.113.9", gotForwarded)
}

func TestRegisterBypassesAuth(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	_, router := newRoutedServer(t, map[string]config.ServiceConfig{
		"user": {URL: upstream.URL, Timeout: time.Second},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/register",
		strings.NewReader(`{"email":"new@example.com"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "/users/register", gotPath)
}

func TestTradeExecuteApprovedFlow(t *testing.T) {
	var riskBody, tradeBody []byte
	risk := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/validate-trade", r.URL.Path)
		riskBody = readAll(t, r)
		w.Write([]byte(`{"approved":true}`))
	}))
	defer risk.Close()
	trading := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/trades/execute", r.URL.Path)
		tradeBody = readAll(t, r)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"tradeId":"t1"}`))
	}))
	defer trading.Close()

	_, router := newRoutedServer(t, map[string]config.ServiceConfig{
		"risk-management": {URL: risk.URL, Timeout: time.Second},
		"trading":         {URL: trading.URL, Timeout: time.Second},
	})

	body := `{"momentId":"m1","amount":120}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/v1/trades/execute", body))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, `{"tradeId":"t1"}`, rec.Body.String())
	require.JSONEq(t, body, string(riskBody), "risk sees the original trade")
	require.JSONEq(t, body, string(tradeBody), "trading sees the original trade")
}

func TestTradeExecuteRejectedByRisk(t *testing.T) {
	risk := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"approved":false,"reason":"exceeds position limit"}`))
	}))
	defer risk.Close()
	tradingCalled := false
	trading := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tradingCalled = true
	}))
	defer trading.Close()

	_, router := newRoutedServer(t, map[string]config.ServiceConfig{
		"risk-management": {URL: risk.URL, Timeout: time.Second},
		"trading":         {URL: trading.URL, Timeout: time.Second},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/v1/trades/execute", `{"momentId":"m1"}`))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	require.Equal(t, "trade_rejected", env.Error.Code)
	require.Equal(t, "exceeds position limit", env.Error.Message)
	require.False(t, tradingCalled, "rejected trades never reach the trading service")
}

func TestTradeExecuteRiskUnexpectedStatus(t *testing.T) {
	risk := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer risk.Close()

	_, router := newRoutedServer(t, map[string]config.ServiceConfig{
		"risk-management": {URL: risk.URL, Timeout: time.Second},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/v1/trades/execute", `{"momentId":"m1"}`))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "bad_gateway", decodeEnvelope(t, rec).Error.Code)
}

func TestMetricsEndpointServesRing(t *testing.T) {
	_, router := newRoutedServer(t, nil)

	// Generate some traffic first.
	for i := 0; i < 3; i++ {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics?limit=2", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Count    int `json:"count"`
			Capacity int `json:"capacity"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Data.Count)
	require.Equal(t, 128, resp.Data.Capacity)
}

func readAll(t *testing.T, r *http.Request) []byte {
	t.Helper()
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return data
}
