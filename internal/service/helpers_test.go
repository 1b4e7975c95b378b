package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fairdraw/internal/crypto"
	"github.com/alanyoungcy/fairdraw/internal/domain"
	"github.com/alanyoungcy/fairdraw/internal/metrics"
	"github.com/alanyoungcy/fairdraw/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBus records published events and stream entries in memory.
type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	stream    []domain.StreamMessage
}

func newFakeBus() *fakeBus { return &fakeBus{published: map[string][][]byte{}} }

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) PSubscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *fakeBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, domain.StreamMessage{ID: fmt.Sprintf("%d-0", len(b.stream)+1), Payload: payload})
	return nil
}

func (b *fakeBus) StreamRead(_ context.Context, _ string, _ string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.stream
	if count < len(out) {
		out = out[:count]
	}
	return append([]domain.StreamMessage(nil), out...), nil
}

func (b *fakeBus) events(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[channel]
}

func (b *fakeBus) streamLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stream)
}

type harness struct {
	store     *memory.Store
	bus       *fakeBus
	metrics   *metrics.Metrics
	committer *CommitmentManager
	engine    *DrawEngine
	sales     *SaleService
	verifier  *Verifier
}

func testSeed() []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	return seed
}

func newHarness(t *testing.T, engineCfg EngineConfig) *harness {
	t.Helper()
	st := memory.New()
	sealer, err := crypto.NewSealer("test-passphrase", "test-salt", 1000)
	require.NoError(t, err)

	h := &harness{store: st, bus: newFakeBus(), metrics: metrics.New()}
	logger := discardLogger()
	h.committer = NewCommitmentManager(st.Products, st.Commitments, nil, st.Audit, sealer, h.metrics, CommitmentConfig{}, logger).
		WithRandom(bytes.NewReader(bytes.Repeat(testSeed(), 16)))
	h.engine = NewDrawEngine(st.Products, st.Commitments, st.Stock, h.committer, h.bus, h.metrics, engineCfg, logger)
	h.sales = NewSaleService(st.Products, st.Commitments, st.Stock, st.Draws, st.Audit, h.committer, nil, logger)
	h.verifier = NewVerifier(st.Products, st.Commitments, st.Stock, st.Draws, h.sales, h.bus, st.Audit, h.metrics, logger)
	return h
}

// abcTiers is one grand prize, four seconds and ninety-five consolation
// prizes, weighted 1%, 4% and 95%.
func abcTiers() []domain.TierSpec {
	return []domain.TierSpec{
		{Level: "A", Name: "grand", Total: 1, Weight: 10_000},
		{Level: "B", Name: "second", Total: 4, Weight: 40_000},
		{Level: "C", Name: "consolation", Total: 95, Weight: 950_000},
	}
}

func (h *harness) createProduct(t *testing.T, specs []domain.TierSpec, scheduled bool) ProductView {
	t.Helper()
	var startAt *time.Time
	if scheduled {
		at := time.Now().UTC().Add(-time.Minute)
		startAt = &at
	}
	v, err := h.sales.Create(context.Background(), "blind box", startAt, specs)
	require.NoError(t, err)
	return v
}

func (h *harness) startProduct(t *testing.T, specs []domain.TierSpec) ProductView {
	t.Helper()
	v := h.createProduct(t, specs, false)
	_, err := h.sales.Start(context.Background(), v.Product.ID)
	require.NoError(t, err)
	return v
}

// counterValue reads a labelled counter from the harness registry.
func (h *harness) counterValue(t *testing.T, name, label, value string) float64 {
	t.Helper()
	families, err := h.metrics.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// histogram returns the sample count and sum of an unlabelled histogram.
func (h *harness) histogram(t *testing.T, name string) (uint64, float64) {
	t.Helper()
	families, err := h.metrics.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name && len(f.GetMetric()) > 0 {
			hist := f.GetMetric()[0].GetHistogram()
			return hist.GetSampleCount(), hist.GetSampleSum()
		}
	}
	return 0, 0
}
