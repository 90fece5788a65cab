package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/authorization"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	entitlementservice "github.com/smallbiznis/entitlements/internal/entitlement/service"
	forecastservice "github.com/smallbiznis/entitlements/internal/forecast/service"
	"github.com/smallbiznis/entitlements/internal/migration"
	"github.com/smallbiznis/entitlements/internal/observability"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	planrepository "github.com/smallbiznis/entitlements/internal/plan/repository"
	planservice "github.com/smallbiznis/entitlements/internal/plan/service"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	subscriptionrepository "github.com/smallbiznis/entitlements/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/entitlements/internal/subscription/service"
	usagerepository "github.com/smallbiznis/entitlements/internal/usage/repository"
	usageservice "github.com/smallbiznis/entitlements/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testServiceKey = "svc-key-1"
	testJWTSecret  = "test-secret"
)

type testServer struct {
	engine *gin.Engine
	clock  *clock.FakeClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithLimiter(t, nil)
}

func newTestServerWithLimiter(t *testing.T, limiter *ratelimit.TenantLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, migration.Run(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	cfg := config.Config{
		AuthJWTSecret:       testJWTSecret,
		InternalServiceKeys: []string{"other-key", testServiceKey},
	}
	cfg.Subscription.TrialDays = 14
	cfg.Subscription.PeriodMonths = 1

	planSvc := planservice.NewService(planservice.ServiceParam{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fakeClock,
		Repo:  planrepository.Provide(),
	})
	require.NoError(t, planSvc.Sync(context.Background(), []plandomain.Definition{
		{
			Code:         "BASIC",
			Name:         "Basic",
			Limits:       plandomain.Limits{"photo_analysis": 2},
			OverageRules: plandomain.OverageRules{HardStop: true},
		},
		{
			Code:         "PRO",
			Name:         "Pro",
			Limits:       plandomain.Limits{"photo_analysis": 100},
			OverageRules: plandomain.OverageRules{AllowOverage: true},
		},
	}))

	subSvc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   fakeClock,
		Cfg:     cfg,
		Repo:    subscriptionrepository.Provide(),
		PlanSvc: planSvc,
	})
	usageRepo := usagerepository.Provide()
	entitlementSvc := entitlementservice.NewService(entitlementservice.ServiceParam{
		DB:        db,
		Log:       log,
		SubSvc:    subSvc,
		PlanSvc:   planSvc,
		UsageRepo: usageRepo,
	})
	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB:             db,
		Log:            log,
		GenID:          node,
		Clock:          fakeClock,
		Cfg:            cfg,
		Repo:           usageRepo,
		SubSvc:         subSvc,
		EntitlementSvc: entitlementSvc,
	})
	forecastSvc := forecastservice.NewService(forecastservice.ServiceParam{
		DB:        db,
		Log:       log,
		Clock:     fakeClock,
		SubSvc:    subSvc,
		PlanSvc:   planSvc,
		UsageRepo: usageRepo,
	})

	enforcer, err := authorization.NewMemoryEnforcer()
	require.NoError(t, err)
	authzSvc := authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer})

	httpMetrics, err := obsmetrics.NewHTTPMetricsWithRegisterer(prometheus.NewRegistry())
	require.NoError(t, err)
	engine := NewEngine(observability.Config{}, httpMetrics)

	NewServer(ServerParams{
		Gin:             engine,
		Cfg:             cfg,
		Log:             log,
		EntitlementSvc:  entitlementSvc,
		UsageSvc:        usageSvc,
		SubscriptionSvc: subSvc,
		PlanSvc:         planSvc,
		ForecastSvc:     forecastSvc,
		AuthzSvc:        authzSvc,
		Limiter:         limiter,
	})

	return &testServer{engine: engine, clock: fakeClock}
}

type requestOption func(*http.Request)

func withServiceKey(key string) requestOption {
	return func(r *http.Request) { r.Header.Set(HeaderServiceKey, key) }
}

func withTenantToken(t *testing.T, tenantID string) requestOption {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tenantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenantID,
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+signed) }
}

func (s *testServer) do(t *testing.T, method, path string, body any, opts ...requestOption) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) provision(t *testing.T, tenantID, planCode string) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/admin/subscription", gin.H{"tenantId": tenantID, "planCode": planCode}, withServiceKey(testServiceKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func (s *testServer) record(t *testing.T, tenantID, entityID string, strict bool) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/usage", gin.H{
		"tenantId":       tenantID,
		"usageType":      "photo_analysis",
		"quantity":       1,
		"sourceService":  "media",
		"sourceEntityId": entityID,
		"strict":         strict,
	}, withServiceKey(testServiceKey))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCheckEntitlement_AllowedThenDeniedWithSameShape(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, "tenant-a", "BASIC")

	check := gin.H{"tenantId": "tenant-a", "usageType": "photo_analysis"}
	w := s.do(t, http.MethodPost, "/entitlements/check", check, withServiceKey(testServiceKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	allowed := decode[entitlementdomain.Result](t, w)
	assert.True(t, allowed.Allowed)
	assert.Equal(t, int64(2), allowed.Limit)
	assert.Equal(t, int64(1), allowed.Remaining)
	assert.Equal(t, entitlementdomain.ReasonWithinPlan, allowed.Reason)
	require.NotNil(t, allowed.PeriodEndsAt)

	require.Equal(t, http.StatusOK, s.record(t, "tenant-a", "photo-1", false).Code)
	require.Equal(t, http.StatusOK, s.record(t, "tenant-a", "photo-2", false).Code)

	w = s.do(t, http.MethodPost, "/entitlements/check", check, withServiceKey(testServiceKey))
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	denied := decode[entitlementdomain.Result](t, w)
	assert.False(t, denied.Allowed)
	assert.Equal(t, int64(2), denied.Usage)
	assert.Equal(t, entitlementdomain.ReasonLimitExceeded, denied.Reason)
	assert.True(t, denied.UpgradeRequired)
}

func TestCheckEntitlement_NoSubscriptionIsDeniedNotError(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/entitlements/check", gin.H{"tenantId": "tenant-x", "usageType": "photo_analysis"}, withServiceKey(testServiceKey))
	require.Equal(t, http.StatusForbidden, w.Code)
	result := decode[entitlementdomain.Result](t, w)
	assert.Equal(t, entitlementdomain.ReasonSubscriptionInactive, result.Reason)
	assert.Nil(t, result.PeriodEndsAt)
}

func TestCheckEntitlement_TenantTokenMustMatchBody(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, "tenant-a", "PRO")
	s.provision(t, "tenant-b", "PRO")

	w := s.do(t, http.MethodPost, "/entitlements/check", gin.H{"tenantId": "tenant-b", "usageType": "photo_analysis"}, withTenantToken(t, "tenant-a"))
	require.Equal(t, http.StatusForbidden, w.Code)
	body := decode[errorResponse](t, w)
	assert.Equal(t, "tenant_mismatch", body.Error.Type)

	w = s.do(t, http.MethodPost, "/entitlements/check", gin.H{"tenantId": "tenant-a", "usageType": "photo_analysis"}, withTenantToken(t, "tenant-a"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCheckEntitlement_Credentials(t *testing.T) {
	s := newTestServer(t)
	check := gin.H{"tenantId": "tenant-a", "usageType": "photo_analysis"}

	w := s.do(t, http.MethodPost, "/entitlements/check", check)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/entitlements/check", check, withServiceKey("nope"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	badToken := func(r *http.Request) { r.Header.Set("Authorization", "Bearer not-a-jwt") }
	w = s.do(t, http.MethodPost, "/entitlements/check", check, badToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCheckEntitlement_ValidationUsesJSONFieldNames(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/entitlements/check", gin.H{"tenantId": "tenant-a"}, withServiceKey(testServiceKey))
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[errorResponse](t, w)
	require.NotEmpty(t, body.Error.Errors)
	assert.Equal(t, "usageType", body.Error.Errors[0].Field)
	assert.Equal(t, "required", body.Error.Errors[0].Code)
}

func TestQuantityUpperBound(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, "tenant-a", "BASIC")

	w := s.do(t, http.MethodPost, "/entitlements/check", gin.H{
		"tenantId":  "tenant-a",
		"usageType": "photo_analysis",
		"quantity":  int64(math.MaxInt64),
	}, withServiceKey(testServiceKey))
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	body := decode[errorResponse](t, w)
	require.NotEmpty(t, body.Error.Errors)
	assert.Equal(t, "quantity", body.Error.Errors[0].Field)

	w = s.do(t, http.MethodPost, "/usage", gin.H{
		"tenantId":       "tenant-a",
		"usageType":      "photo_analysis",
		"quantity":       int64(math.MaxInt64),
		"sourceService":  "media",
		"sourceEntityId": "photo-big",
		"strict":         true,
	}, withServiceKey(testServiceKey))
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestRecordUsage_RequiresServiceKey(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, "tenant-a", "PRO")

	body := gin.H{
		"tenantId":       "tenant-a",
		"usageType":      "photo_analysis",
		"quantity":       1,
		"sourceService":  "media",
		"sourceEntityId": "photo-1",
	}
	w := s.do(t, http.MethodPost, "/usage", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/usage", body, withTenantToken(t, "tenant-a"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRecordUsage_ReplayReturnsOK(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, "tenant-a", "PRO")

	w := s.record(t, "tenant-a", "photo-1", false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[map[string]any](t, w)
	assert.Equal(t, "recorded", first["status"])
	require.Contains(t, first, "aggregate")

	w = s.record(t, "tenant-a", "photo-1", false)
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[map[string]any](t, w)
	assert.Equal(t, "skipped_duplicate", second["status"])
	assert.NotContains(t, second, "event")
}

func TestRecordUsage_NoSubscriptionIsConflict(t *testing.T) {
	s := newTestServer(t)

	w := s.record(t, "tenant-x", "photo-1", false)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode[errorResponse](t, w)
	assert.Equal(t, "subscription_inactive", body.Error.Type)
}

func TestRecordUsage_StrictDenialReturnsResult(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, "tenant-a", "BASIC")

	require.Equal(t, http.StatusOK, s.record(t, "tenant-a", "photo-1", true).Code)
	require.Equal(t, http.StatusOK, s.record(t, "tenant-a", "photo-2", true).Code)

	w := s.record(t, "tenant-a", "photo-3", true)
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	result := decode[entitlementdomain.Result](t, w)
	assert.False(t, result.Allowed)
	assert.Equal(t, entitlementdomain.ReasonLimitExceeded, result.Reason)
}

func TestUsageSummary(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/usage/summary", nil, withTenantToken(t, "tenant-a"))
	require.Equal(t, http.StatusNotFound, w.Code)

	s.provision(t, "tenant-a", "PRO")
	require.Equal(t, http.StatusOK, s.record(t, "tenant-a", "photo-1", false).Code)
	s.clock.Advance(24 * time.Hour)

	w = s.do(t, http.MethodGet, "/usage/summary", nil, withTenantToken(t, "tenant-a"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decode[map[string]any](t, w)
	plan, ok := summary["plan"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "PRO", plan["code"])
	usage, ok := summary["usage"].([]any)
	require.True(t, ok)
	require.Len(t, usage, 1)

	w = s.do(t, http.MethodGet, "/usage/summary", nil, withServiceKey(testServiceKey))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUsageEvents(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, "tenant-a", "PRO")
	for _, id := range []string{"photo-1", "photo-2", "photo-3"} {
		require.Equal(t, http.StatusOK, s.record(t, "tenant-a", id, false).Code)
		s.clock.Advance(time.Minute)
	}

	w := s.do(t, http.MethodGet, "/usage/events?page_size=2", nil, withTenantToken(t, "tenant-a"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	page := decode[map[string]any](t, w)
	events, ok := page["events"].([]any)
	require.True(t, ok)
	assert.Len(t, events, 2)
	assert.Equal(t, true, page["has_more"])

	w = s.do(t, http.MethodGet, "/usage/events?page_token=garbage", nil, withTenantToken(t, "tenant-a"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminSubscriptions(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/admin/subscription", gin.H{"tenantId": "tenant-a", "planCode": "GOLD"}, withServiceKey(testServiceKey))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/admin/subscription", gin.H{"tenantId": "tenant-a"}, withServiceKey(testServiceKey))
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[errorResponse](t, w)
	require.NotEmpty(t, body.Error.Errors)
	assert.Equal(t, "planCode", body.Error.Errors[0].Field)

	w = s.do(t, http.MethodPost, "/admin/subscription", gin.H{"tenantId": "tenant-a", "planCode": "PRO", "isTrial": true}, withServiceKey(testServiceKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	trial := decode[map[string]any](t, w)
	assert.Equal(t, "TRIALING", trial["status"])
	assert.NotEmpty(t, trial["trialEndsAt"])

	s.provision(t, "tenant-a", "BASIC")

	w = s.do(t, http.MethodGet, "/admin/subscriptions?tenantId=tenant-a", nil, withServiceKey(testServiceKey))
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Data []map[string]any `json:"data"`
	}](t, w)
	require.Len(t, list.Data, 2)
	current := 0
	for _, item := range list.Data {
		if item["status"] == "ACTIVE" || item["status"] == "TRIALING" {
			current++
		}
	}
	assert.Equal(t, 1, current)

	w = s.do(t, http.MethodPost, "/admin/subscription/cancel", gin.H{"tenantId": "tenant-a"}, withServiceKey(testServiceKey))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CANCELLED", decode[map[string]any](t, w)["status"])

	w = s.do(t, http.MethodPost, "/admin/subscription/cancel", gin.H{"tenantId": "tenant-a"}, withServiceKey(testServiceKey))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRoutesRejectTenantTokens(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/admin/subscription", gin.H{"tenantId": "tenant-a", "planCode": "PRO"}, withTenantToken(t, "tenant-a"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListPlans(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/admin/plans", nil, withServiceKey(testServiceKey))
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Data []map[string]any `json:"data"`
	}](t, w)
	assert.Len(t, list.Data, 2)
}

type stubScripter struct {
	redis.Scripter
	allowed bool
	keys    []string
}

func (s *stubScripter) EvalSha(ctx context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	s.keys = keys
	allowed := int64(0)
	remaining := "0"
	if s.allowed {
		allowed, remaining = 1, "3"
	}
	cmd := redis.NewCmd(ctx)
	cmd.SetVal([]interface{}{allowed, remaining, int64(0)})
	return cmd
}

func TestTenantRateLimit(t *testing.T) {
	scripter := &stubScripter{allowed: true}
	s := newTestServerWithLimiter(t, ratelimit.NewTenantLimiterWithScripter(scripter, 0.5, 5))
	s.provision(t, "tenant-a", "PRO")

	check := gin.H{"tenantId": "tenant-a", "usageType": "photo_analysis"}
	w := s.do(t, http.MethodPost, "/entitlements/check", check, withServiceKey(testServiceKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "3", w.Header().Get("X-RateLimit-Remaining"))
	require.Len(t, scripter.keys, 1)
	assert.Contains(t, scripter.keys[0], "tenant-a")

	scripter.allowed = false
	w = s.do(t, http.MethodPost, "/entitlements/check", check, withServiceKey(testServiceKey))
	require.Equal(t, http.StatusTooManyRequests, w.Code, w.Body.String())
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}
