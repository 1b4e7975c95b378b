package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3blob "github.com/alanyoungcy/fairdraw/internal/blob/s3"
	"github.com/alanyoungcy/fairdraw/internal/cache/local"
	"github.com/alanyoungcy/fairdraw/internal/config"
	"github.com/alanyoungcy/fairdraw/internal/crypto"
	"github.com/alanyoungcy/fairdraw/internal/domain"
	"github.com/alanyoungcy/fairdraw/internal/metrics"
	"github.com/alanyoungcy/fairdraw/internal/server/middleware"
	"github.com/alanyoungcy/fairdraw/internal/server/ws"
	"github.com/alanyoungcy/fairdraw/internal/store/memory"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.StoreBackend = "memory"
	cfg.Reveal.Passphrase = "app-test"
	cfg.Reveal.Salt = "app-salt"
	cfg.Reveal.Iterations = 1000
	return cfg
}

// memoryDeps mirrors Wire for the memory backend with object storage
// replaced by an in-process blob map.
func memoryDeps(t *testing.T) (*Dependencies, *crypto.Signer) {
	t.Helper()
	signer, err := crypto.NewSigner(testKeyHex)
	require.NoError(t, err)
	st := memory.New()
	blobs := &memBlobs{objects: map[string][]byte{}}
	return &Dependencies{
		Products:    st.Products,
		Commitments: st.Commitments,
		Stock:       st.Stock,
		Draws:       st.Draws,
		Audit:       st.Audit,
		RateLimiter: middleware.NewLocalLimiter(0),
		Bundles:     s3blob.NewBundleStore(blobs, blobs, signer),
		Signer:      signer,
		Metrics:     metrics.New(),
	}, signer
}

// sellOut runs a sale to completion through the services and returns the
// product id.
func sellOut(t *testing.T, a *App, deps *Dependencies) string {
	t.Helper()
	ctx := context.Background()
	svc, err := a.buildServices(deps)
	require.NoError(t, err)
	require.NotNil(t, svc.archiver)

	v, err := svc.sales.Create(ctx, "box", nil, []domain.TierSpec{
		{Level: "A", Name: "grand", Total: 1, Weight: 100_000},
		{Level: "B", Name: "common", Total: 9, Weight: 900_000},
	})
	require.NoError(t, err)
	id := v.Product.ID
	_, err = svc.sales.Start(ctx, id)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := svc.engine.Draw(ctx, id)
		require.NoError(t, err)
	}
	_, err = svc.sales.End(ctx, id)
	require.NoError(t, err)

	ok, err := deps.Bundles.Exists(ctx, id)
	require.NoError(t, err)
	require.True(t, ok, "ending a product exports its bundle")
	return id
}

func TestVerifyModeConfirmsExportedBundle(t *testing.T) {
	cfg := testConfig()
	deps, signer := memoryDeps(t)
	var out bytes.Buffer
	a := New(&cfg, Options{Report: &out}, testLogger())

	id := sellOut(t, a, deps)
	a.opts.ProductID = id
	cfg.Signer.ExpectedAddress = signer.Address()

	require.NoError(t, a.VerifyMode(context.Background(), deps))

	var report domain.VerificationReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, domain.VerdictConfirmed, report.Verdict)
	assert.Equal(t, 5, report.Tickets)
	assert.True(t, report.CommitmentOK)
}

func TestVerifyModeRejectsUnexpectedSigner(t *testing.T) {
	cfg := testConfig()
	deps, _ := memoryDeps(t)
	a := New(&cfg, Options{Report: io.Discard}, testLogger())

	a.opts.ProductID = sellOut(t, a, deps)
	cfg.Signer.ExpectedAddress = "0x0000000000000000000000000000000000000001"

	err := a.VerifyMode(context.Background(), deps)
	assert.ErrorIs(t, err, domain.ErrFairnessViolation)
}

func TestVerifyModeNeedsProduct(t *testing.T) {
	cfg := testConfig()
	deps, _ := memoryDeps(t)
	a := New(&cfg, Options{Report: io.Discard}, testLogger())

	err := a.VerifyMode(context.Background(), deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-product is required")

	a.opts.ProductID = "missing"
	assert.ErrorIs(t, a.VerifyMode(context.Background(), deps), domain.ErrNotFound)

	deps.Bundles = nil
	assert.Error(t, a.VerifyMode(context.Background(), deps))
}

func TestArchiveModeSkipsPublishedBundles(t *testing.T) {
	cfg := testConfig()
	deps, _ := memoryDeps(t)
	a := New(&cfg, Options{Report: io.Discard}, testLogger())
	sellOut(t, a, deps)

	assert.NoError(t, a.ArchiveMode(context.Background(), deps))

	deps.Bundles = nil
	assert.Error(t, a.ArchiveMode(context.Background(), deps))
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "trade"
	a := New(&cfg, Options{}, testLogger())
	defer a.Close()

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported mode "trade"`)
}

func TestWireMemoryBackend(t *testing.T) {
	cfg := testConfig()
	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Products)
	assert.NotNil(t, deps.RateLimiter, "falls back to the local limiter")
	assert.Nil(t, deps.LockManager)
	assert.IsType(t, &local.Bus{}, deps.SignalBus, "draw events stay in process")
	assert.Nil(t, deps.Bundles)
	assert.Nil(t, deps.Signer)
}

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker(nil))
	assert.Nil(t, originChecker([]string{"*"}))

	check := originChecker([]string{"https://verify.example"})
	r := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(r), "non-browser clients send no origin")
	r.Header.Set("Origin", "https://verify.example")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(r))
}

func TestDrawReachesWebSocketWithoutRedis(t *testing.T) {
	cfg := testConfig()
	a := New(&cfg, Options{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, cleanup, err := Wire(ctx, &cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()
	svc, err := a.buildServices(deps)
	require.NoError(t, err)

	hub := ws.NewHub(deps.SignalBus, nil, testLogger())
	go hub.Run(ctx)
	srv := httptest.NewServer(a.httpServer(deps, svc, hub).Handler())
	defer srv.Close()

	v, err := svc.sales.Create(ctx, "box", nil, []domain.TierSpec{{Level: "A", Name: "only", Total: 3, Weight: 1_000_000}})
	require.NoError(t, err)
	id := v.Product.ID
	_, err = svc.sales.Start(ctx, id)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?product="+id, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "hello", hello["type"])

	resp, err := http.Post(srv.URL+"/api/products/"+id+"/draws", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ev domain.DrawEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "draw", ev.Type)
	assert.Equal(t, id, ev.ProductID)
	assert.EqualValues(t, 1, ev.TicketNumber)
	assert.EqualValues(t, 2, ev.Remaining)
}
