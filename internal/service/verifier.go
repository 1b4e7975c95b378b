package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fairdraw/internal/domain"
	"github.com/alanyoungcy/fairdraw/internal/fairness"
	"github.com/alanyoungcy/fairdraw/internal/metrics"
)

// Verifier replays past draws from persisted records and the revealed seed.
// It never corrects anything: mismatches are logged, appended to the
// fairness stream, audit-logged and returned.
type Verifier struct {
	products    domain.ProductStore
	commitments domain.CommitmentStore
	stock       domain.StockRegistry
	draws       domain.DrawStore
	seeds       SeedSource
	bus         domain.SignalBus
	audit       domain.AuditStore
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewVerifier creates a Verifier. bus, audit and m may be nil.
func NewVerifier(
	products domain.ProductStore,
	commitments domain.CommitmentStore,
	stock domain.StockRegistry,
	draws domain.DrawStore,
	seeds SeedSource,
	bus domain.SignalBus,
	audit domain.AuditStore,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Verifier {
	return &Verifier{
		products:    products,
		commitments: commitments,
		stock:       stock,
		draws:       draws,
		seeds:       seeds,
		bus:         bus,
		audit:       audit,
		metrics:     m,
		logger:      logger,
	}
}

// replay holds everything needed to check the draws of one product.
type replay struct {
	product      domain.Product
	scheme       fairness.Scheme
	seed         []byte
	tiers        []domain.PrizeTier
	byID         map[int64]domain.PrizeTier
	commitmentOK bool
	commitReason string
}

func (v *Verifier) load(ctx context.Context, productID string) (*replay, error) {
	p, err := v.products.GetByID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("verifier: get product %s: %w", productID, err)
	}
	if p.Status != domain.ProductStatusEnded {
		return nil, fmt.Errorf("verifier: product %s is %s: %w", productID, p.Status, domain.ErrNotRevealed)
	}
	c, err := v.commitments.GetCommitment(ctx, productID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("verifier: product %s: %w", productID, domain.ErrNotCommitted)
		}
		return nil, fmt.Errorf("verifier: get commitment %s: %w", productID, err)
	}
	scheme, err := fairness.Lookup(c.Scheme)
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}
	seed, err := v.seeds.RevealSeed(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("verifier: seed %s: %w", productID, err)
	}
	tiers, err := v.stock.Snapshot(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("verifier: tiers %s: %w", productID, err)
	}

	r := &replay{
		product: p,
		scheme:  scheme,
		seed:    seed,
		tiers:   tiers,
		byID:    make(map[int64]domain.PrizeTier, len(tiers)),
	}
	for _, t := range tiers {
		r.byID[t.ID] = t
	}

	hash := scheme.CommitmentHash(seed)
	switch {
	case len(seed) != fairness.SeedSize:
		r.commitReason = fmt.Sprintf("seed is %d bytes, want %d", len(seed), fairness.SeedSize)
	case hash != c.Hash:
		r.commitReason = fmt.Sprintf("commitment hash %s does not match recomputed %s", c.Hash, hash)
	case p.CommitmentHash != "" && p.CommitmentHash != c.Hash:
		r.commitReason = fmt.Sprintf("product commitment hash %s differs from commitment record %s", p.CommitmentHash, c.Hash)
	default:
		r.commitmentOK = true
	}
	return r, nil
}

// check replays one record.
func (r *replay) check(rec domain.DrawRecord) domain.Verification {
	out := r.scheme.Derivation(r.seed, rec.TicketNumber)
	v := domain.Verification{
		ProductID:        rec.ProductID,
		TicketNumber:     rec.TicketNumber,
		RecomputedDigest: out.Digest,
		RecordedDigest:   rec.Digest,
		DerivedValue:     out.Value,
		RecordedTierID:   rec.TierID,
		CommitmentOK:     r.commitmentOK,
	}
	if !r.commitmentOK {
		v.Reasons = append(v.Reasons, r.commitReason)
	}
	if rec.Nonce != rec.TicketNumber {
		v.Reasons = append(v.Reasons, fmt.Sprintf("nonce %d differs from ticket %d", rec.Nonce, rec.TicketNumber))
	}
	if !sameDigest(out.Digest, rec.Digest) {
		v.Reasons = append(v.Reasons, "recorded digest does not match recomputed digest")
	}
	if rec.DerivedValue != out.Value {
		v.Reasons = append(v.Reasons, fmt.Sprintf("recorded value %d/2^%d does not match recomputed %d/2^%d",
			rec.DerivedValue.Num, rec.DerivedValue.Bits, out.Value.Num, out.Value.Bits))
	}

	if problems := r.snapshotProblems(rec); len(problems) > 0 {
		v.Reasons = append(v.Reasons, problems...)
	} else {
		v.ReplayedTierID = fairness.Select(out.Value, rec.Snapshot)
		if v.ReplayedTierID != rec.TierID {
			v.Reasons = append(v.Reasons, fmt.Sprintf("replayed tier %d differs from recorded tier %d", v.ReplayedTierID, rec.TierID))
		}
	}

	v.Verdict = domain.VerdictConfirmed
	if len(v.Reasons) > 0 {
		v.Verdict = domain.VerdictMismatch
	}
	return v
}

// snapshotProblems checks that the stored snapshot is a state the
// configured tiers could have been in. A snapshot that fails these checks
// is not replayed.
func (r *replay) snapshotProblems(rec domain.DrawRecord) []string {
	var out []string
	if len(rec.Snapshot) != len(r.tiers) {
		out = append(out, fmt.Sprintf("snapshot has %d tiers, product has %d", len(rec.Snapshot), len(r.tiers)))
	}
	seen := make(map[int64]bool, len(rec.Snapshot))
	for _, s := range rec.Snapshot {
		t, ok := r.byID[s.TierID]
		switch {
		case !ok:
			out = append(out, fmt.Sprintf("snapshot tier %d is not a tier of this product", s.TierID))
			continue
		case seen[s.TierID]:
			out = append(out, fmt.Sprintf("snapshot lists tier %d twice", s.TierID))
		case s.Weight <= 0 || s.Weight != t.Weight:
			out = append(out, fmt.Sprintf("snapshot weight of tier %d is %d, configured %d", s.TierID, s.Weight, t.Weight))
		case s.Remaining < 0 || s.Remaining > t.Total:
			out = append(out, fmt.Sprintf("snapshot remaining of tier %d is %d, outside [0, %d]", s.TierID, s.Remaining, t.Total))
		}
		seen[s.TierID] = true
	}
	if expected, ok := rec.ExpectedRemaining(); !ok || expected <= 0 {
		out = append(out, fmt.Sprintf("selected tier %d had no stock in the snapshot", rec.TierID))
	}
	return out
}

func sameDigest(a, b string) bool {
	x, errA := hex.DecodeString(a)
	y, errB := hex.DecodeString(b)
	return errA == nil && errB == nil && bytes.Equal(x, y)
}

// Verify replays a single ticket of an ended product.
func (v *Verifier) Verify(ctx context.Context, productID string, ticket int64) (domain.Verification, error) {
	r, err := v.load(ctx, productID)
	if err != nil {
		return domain.Verification{}, err
	}
	rec, err := v.draws.Get(ctx, productID, ticket)
	if err != nil {
		return domain.Verification{}, fmt.Errorf("verifier: get draw %s/%d: %w", productID, ticket, err)
	}
	res := r.check(rec)
	v.metrics.Verification(string(res.Verdict))
	if res.Verdict == domain.VerdictMismatch {
		v.report(ctx, "fairness_mismatch", res)
	}
	return res, nil
}

// VerifyAll replays every draw of an ended product and checks the stock
// ledger: for each tier the snapshot remaining values of the draws that
// selected it are distinct and cover exactly (remaining, total], and the
// number of those draws is total minus remaining.
func (v *Verifier) VerifyAll(ctx context.Context, productID string) (domain.VerificationReport, error) {
	r, err := v.load(ctx, productID)
	if err != nil {
		return domain.VerificationReport{}, err
	}
	recs, err := v.draws.ListAll(ctx, productID)
	if err != nil {
		return domain.VerificationReport{}, fmt.Errorf("verifier: list draws %s: %w", productID, err)
	}
	counts, err := v.draws.CountByTier(ctx, productID)
	if err != nil {
		return domain.VerificationReport{}, fmt.Errorf("verifier: count draws %s: %w", productID, err)
	}

	results := make([]domain.Verification, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range recs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.check(recs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.VerificationReport{}, fmt.Errorf("verifier: replay %s: %w", productID, err)
	}

	report := domain.VerificationReport{
		ProductID:    productID,
		Verdict:      domain.VerdictConfirmed,
		CommitmentOK: r.commitmentOK,
		Tickets:      len(recs),
	}
	for _, res := range results {
		v.metrics.Verification(string(res.Verdict))
		if res.Verdict == domain.VerdictMismatch {
			report.Mismatches = append(report.Mismatches, res)
			v.report(ctx, "fairness_mismatch", res)
		}
	}

	report.LedgerIssues = ledgerIssues(r.tiers, recs, counts)
	if len(report.LedgerIssues) > 0 {
		v.report(ctx, "ledger_mismatch", map[string]any{
			"product_id": productID,
			"issues":     report.LedgerIssues,
		})
	}
	if !r.commitmentOK || len(report.Mismatches) > 0 || len(report.LedgerIssues) > 0 {
		report.Verdict = domain.VerdictMismatch
	}

	v.logger.InfoContext(ctx, "verifier: product verified",
		slog.String("product_id", productID),
		slog.String("verdict", string(report.Verdict)),
		slog.Int("tickets", report.Tickets),
		slog.Int("mismatches", len(report.Mismatches)),
		slog.Int("ledger_issues", len(report.LedgerIssues)),
	)
	return report, nil
}

func ledgerIssues(tiers []domain.PrizeTier, recs []domain.DrawRecord, counts map[int64]int64) []string {
	seen := make(map[int64][]int64, len(tiers))
	for _, rec := range recs {
		if expected, ok := rec.ExpectedRemaining(); ok {
			seen[rec.TierID] = append(seen[rec.TierID], expected)
		}
	}

	var issues []string
	known := make(map[int64]bool, len(tiers))
	for _, t := range tiers {
		known[t.ID] = true
		drawn := t.Total - t.Remaining
		if counts[t.ID] != drawn {
			issues = append(issues, fmt.Sprintf("tier %d: %d draws recorded, stock shows %d drawn", t.ID, counts[t.ID], drawn))
		}

		vals := seen[t.ID]
		sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
		if int64(len(vals)) != drawn {
			issues = append(issues, fmt.Sprintf("tier %d: %d snapshot counters for %d drawn", t.ID, len(vals), drawn))
			continue
		}
		for i, got := range vals {
			if want := t.Remaining + 1 + int64(i); got != want {
				issues = append(issues, fmt.Sprintf("tier %d: snapshot counters are not the contiguous range (%d, %d]", t.ID, t.Remaining, t.Total))
				break
			}
		}
	}
	for id, n := range counts {
		if !known[id] {
			issues = append(issues, fmt.Sprintf("tier %d: %d draws recorded against an unknown tier", id, n))
		}
	}
	sort.Strings(issues)
	return issues
}

// report logs a fairness event at error level, appends it to the fairness
// stream and writes it to the audit log.
func (v *Verifier) report(ctx context.Context, event string, detail any) {
	payload, err := json.Marshal(map[string]any{"event": event, "detail": detail})
	if err != nil {
		v.logger.ErrorContext(ctx, "verifier: marshal fairness event", slog.String("error", err.Error()))
		return
	}
	v.logger.ErrorContext(ctx, "verifier: fairness mismatch",
		slog.String("event", event),
		slog.String("detail", string(payload)),
	)
	if v.bus != nil {
		if err := v.bus.StreamAppend(ctx, domain.FairnessStream, payload); err != nil {
			v.logger.ErrorContext(ctx, "verifier: append fairness stream failed", slog.String("error", err.Error()))
		}
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err == nil {
		logAudit(ctx, v.audit, v.logger, event, fields)
	}
}

// Events returns fairness events recorded after lastID. An empty lastID
// reads from the start of the stream.
func (v *Verifier) Events(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error) {
	if v.bus == nil {
		return []domain.StreamMessage{}, nil
	}
	if count <= 0 || count > 1000 {
		count = 100
	}
	msgs, err := v.bus.StreamRead(ctx, domain.FairnessStream, lastID, count)
	if err != nil {
		return nil, fmt.Errorf("verifier: read fairness stream: %w", err)
	}
	return msgs, nil
}
