package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fairdraw/internal/crypto"
	"github.com/alanyoungcy/fairdraw/internal/domain"
	"github.com/alanyoungcy/fairdraw/internal/metrics"
	"github.com/alanyoungcy/fairdraw/internal/server/handler"
	"github.com/alanyoungcy/fairdraw/internal/server/middleware"
	"github.com/alanyoungcy/fairdraw/internal/service"
	"github.com/alanyoungcy/fairdraw/internal/store/memory"
)

const testAPIKey = "operator-key"

func newTestServer(t *testing.T, cfg Config, limiter domain.RateLimiter) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	m := metrics.New()
	sealer, err := crypto.NewSealer("server-passphrase", "server-salt", 1000)
	require.NoError(t, err)

	committer := service.NewCommitmentManager(st.Products, st.Commitments, nil, st.Audit, sealer, m,
		service.CommitmentConfig{}, logger)
	engine := service.NewDrawEngine(st.Products, st.Commitments, st.Stock, committer, nil, m,
		service.EngineConfig{}, logger)
	sales := service.NewSaleService(st.Products, st.Commitments, st.Stock, st.Draws, st.Audit, committer, nil, logger)
	verifier := service.NewVerifier(st.Products, st.Commitments, st.Stock, st.Draws, sales, nil, st.Audit, m, logger)

	srv := NewServer(cfg, Handlers{
		Health:   handler.NewHealthHandler("server", nil, logger),
		Products: handler.NewProductHandler(sales, logger),
		Draws:    handler.NewDrawHandler(engine, sales, verifier, logger),
		Audit:    handler.NewAuditHandler(sales, verifier, logger),
	}, limiter, nil, m, logger)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const createBody = `{"name":"box","tiers":[
	{"level":"A","name":"grand","total":1,"weight":100000},
	{"level":"B","name":"common","total":3,"weight":900000}]}`

func auth() []string { return []string{"Authorization", "Bearer " + testAPIKey} }

func createAndStart(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/products", createBody, auth()...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[service.ProductView](t, rec).Product.ID

	rec = do(t, h, http.MethodPost, "/api/products/"+id+"/start", "", auth()...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "seed")
	return id
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, Config{}, nil)
	rec := do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestAdminRoutesRequireKey(t *testing.T) {
	h := newTestServer(t, Config{APIKey: testAPIKey}, nil)

	rec := do(t, h, http.MethodPost, "/api/products", createBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/products", createBody, "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/products", createBody, "X-API-Key", testAPIKey)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Public reads need no key.
	rec = do(t, h, http.MethodGet, "/api/products", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSaleLifecycle(t *testing.T) {
	h := newTestServer(t, Config{APIKey: testAPIKey}, nil)
	id := createAndStart(t, h)

	rec := do(t, h, http.MethodPost, "/api/products/"+id+"/draws", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"ticket_number":1`)
	assert.NotContains(t, rec.Body.String(), "digest", "buyers only see the tier")
	assert.NotContains(t, rec.Body.String(), "derived")

	rec = do(t, h, http.MethodGet, "/api/products/"+id+"/commitment", "")
	require.Equal(t, http.StatusOK, rec.Code)
	commitment := decode[domain.Commitment](t, rec)

	rec = do(t, h, http.MethodGet, "/api/products/"+id+"/reveal", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "seed stays hidden while the sale runs")
	rec = do(t, h, http.MethodGet, "/api/products/"+id+"/draws/1/verify", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/products/"+id+"/end", "", auth()...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/products/"+id+"/draws", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "ended with stock left")

	rec = do(t, h, http.MethodGet, "/api/products/"+id+"/reveal", "")
	require.Equal(t, http.StatusOK, rec.Code)
	reveal := decode[service.SeedReveal](t, rec)
	assert.Equal(t, commitment.Hash, reveal.CommitmentHash)
	assert.Len(t, reveal.Seed, 64)

	rec = do(t, h, http.MethodGet, "/api/products/"+id+"/draws/1/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	verified := decode[struct {
		domain.Verification
		DerivedApprox float64 `json:"derived_approx"`
	}](t, rec)
	assert.Equal(t, domain.VerdictConfirmed, verified.Verdict)
	assert.InDelta(t, verified.DerivedValue.Float64(), verified.DerivedApprox, 1e-12)
	assert.GreaterOrEqual(t, verified.DerivedApprox, 0.0)
	assert.Less(t, verified.DerivedApprox, 1.0)

	rec = do(t, h, http.MethodGet, "/api/products/"+id+"/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.VerdictConfirmed, decode[domain.VerificationReport](t, rec).Verdict)

	rec = do(t, h, http.MethodGet, "/api/products/"+id+"/draws", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "digest", "listings only carry summaries")

	rec = do(t, h, http.MethodGet, "/api/audit", "", auth()...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "product_ended")
}

func TestSoldOutReturnsGone(t *testing.T) {
	h := newTestServer(t, Config{}, nil)
	id := createAndStart(t, h)
	for i := 0; i < 4; i++ {
		rec := do(t, h, http.MethodPost, "/api/products/"+id+"/draws", "")
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/products/"+id+"/draws", "")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestErrorStatuses(t *testing.T) {
	h := newTestServer(t, Config{}, nil)

	rec := do(t, h, http.MethodPost, "/api/products/missing/draws", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/products", `{"name":"","tiers":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/products", `{"name":"x","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/products", createBody)
	id := decode[service.ProductView](t, rec).Product.ID
	rec = do(t, h, http.MethodPost, "/api/products/"+id+"/draws", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "not committed")

	rec = do(t, h, http.MethodGet, "/api/products/"+id+"/draws/zero/verify", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/products?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleEndpoint(t *testing.T) {
	h := newTestServer(t, Config{}, nil)
	rec := do(t, h, http.MethodPost, "/api/products", createBody)
	id := decode[service.ProductView](t, rec).Product.ID

	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec = do(t, h, http.MethodPost, "/api/products/"+id+"/schedule", fmt.Sprintf(`{"start_at":%q}`, at))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[domain.Product](t, rec)
	require.NotNil(t, p.StartAt)
	assert.Equal(t, at, p.StartAt.Format(time.RFC3339))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, Config{}, nil)
	do(t, h, http.MethodGet, "/api/health", "")

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `fairdraw_http_requests_total{code="200",route="GET /api/health"} 1`)
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, Config{RateLimit: 2, RateLimitWindow: time.Minute}, middleware.NewLocalLimiter(0))

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodGet, "/api/health", "", "X-Real-IP", "10.0.0.1")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/api/health", "", "X-Real-IP", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = do(t, h, http.MethodGet, "/api/health", "", "X-Real-IP", "10.0.0.2")
	assert.Equal(t, http.StatusOK, rec.Code, "limits are per client")
}

func TestCORS(t *testing.T) {
	h := newTestServer(t, Config{CORSOrigins: []string{"https://verify.example"}}, nil)

	rec := do(t, h, http.MethodGet, "/api/health", "", "Origin", "https://verify.example")
	assert.Equal(t, "https://verify.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, h, http.MethodGet, "/api/health", "", "Origin", "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAuditAndFairnessEvents(t *testing.T) {
	h := newTestServer(t, Config{APIKey: testAPIKey}, nil)
	createAndStart(t, h)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/audit", "").Code)
	rec := do(t, h, http.MethodGet, "/api/audit?limit=10", "", auth()...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[struct {
		Entries []domain.AuditEntry `json:"entries"`
	}](t, rec).Entries)

	// Without a signal bus the stream is empty rather than an error.
	rec = do(t, h, http.MethodGet, "/api/fairness/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[]}`, rec.Body.String())
}
