package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/fairdraw/internal/crypto"
	"github.com/alanyoungcy/fairdraw/internal/domain"
	"github.com/alanyoungcy/fairdraw/internal/metrics"
	"github.com/alanyoungcy/fairdraw/internal/store/memory"
)

// BundleLoader fetches a published audit bundle.
type BundleLoader interface {
	Load(ctx context.Context, productID string) (domain.AuditBundle, error)
}

// staticSeed serves the seed published in a manifest.
type staticSeed map[string][]byte

func (s staticSeed) RevealSeed(_ context.Context, productID string) ([]byte, error) {
	seed, ok := s[productID]
	if !ok {
		return nil, fmt.Errorf("offline: product %s: %w", productID, domain.ErrNotRevealed)
	}
	return seed, nil
}

// OfflineVerifier checks a published audit bundle without access to the
// operator database: it verifies the manifest signature, rebuilds the
// ledger in memory and replays every draw.
type OfflineVerifier struct {
	loader BundleLoader
	signer string
	log    *slog.Logger
	m      *metrics.Metrics
}

// NewOfflineVerifier creates an OfflineVerifier. When expectedSigner is set
// the manifest must carry a valid signature from that address.
func NewOfflineVerifier(loader BundleLoader, expectedSigner string, m *metrics.Metrics, logger *slog.Logger) *OfflineVerifier {
	return &OfflineVerifier{loader: loader, signer: expectedSigner, m: m, log: logger}
}

// VerifyBundle loads and verifies the bundle of productID.
func (o *OfflineVerifier) VerifyBundle(ctx context.Context, productID string) (domain.VerificationReport, error) {
	b, err := o.loader.Load(ctx, productID)
	if err != nil {
		return domain.VerificationReport{}, fmt.Errorf("offline: load bundle %s: %w", productID, err)
	}
	return o.Verify(ctx, b)
}

// Verify checks an already loaded bundle.
func (o *OfflineVerifier) Verify(ctx context.Context, b domain.AuditBundle) (domain.VerificationReport, error) {
	m := b.Manifest
	productID := m.Product.ID
	if err := o.checkSignature(m); err != nil {
		o.log.ErrorContext(ctx, "offline: manifest signature rejected",
			slog.String("product_id", productID),
			slog.String("error", err.Error()),
		)
		return domain.VerificationReport{}, err
	}
	if m.Commitment.ProductID != "" && m.Commitment.ProductID != productID {
		return domain.VerificationReport{}, fmt.Errorf("offline: commitment belongs to %s, not %s: %w",
			m.Commitment.ProductID, productID, domain.ErrFairnessViolation)
	}
	seed, err := hex.DecodeString(m.Seed)
	if err != nil {
		return domain.VerificationReport{}, fmt.Errorf("offline: decode seed %s: %w", productID, err)
	}

	ledger := memory.FromBundle(b)
	v := NewVerifier(
		ledger.Products,
		ledger.Commitments,
		ledger.Stock,
		ledger.Draws,
		staticSeed{productID: seed},
		nil,
		ledger.Audit,
		o.m,
		o.log,
	)
	return v.VerifyAll(ctx, productID)
}

func (o *OfflineVerifier) checkSignature(m domain.AuditManifest) error {
	if m.Signature == "" {
		if o.signer != "" {
			return fmt.Errorf("offline: manifest %s is unsigned: %w", m.Product.ID, domain.ErrFairnessViolation)
		}
		return nil
	}
	payload, err := m.SigningPayload()
	if err != nil {
		return fmt.Errorf("offline: manifest payload: %w", err)
	}
	addr, err := crypto.Recover(payload, m.Signature)
	if err != nil {
		return fmt.Errorf("offline: recover signer: %w: %w", domain.ErrFairnessViolation, err)
	}
	if !strings.EqualFold(addr, m.Signer) {
		return fmt.Errorf("offline: manifest signed by %s, claims %s: %w", addr, m.Signer, domain.ErrFairnessViolation)
	}
	if o.signer != "" && !strings.EqualFold(addr, o.signer) {
		return fmt.Errorf("offline: manifest signed by %s, expected %s: %w", addr, o.signer, domain.ErrFairnessViolation)
	}
	return nil
}
