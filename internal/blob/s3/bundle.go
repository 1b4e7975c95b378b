package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeJSONL = "application/x-ndjson"

	// multipartThreshold switches draw uploads to the multipart manager.
	multipartThreshold = 16 * 1024 * 1024
	maxManifestSize    = 8 * 1024 * 1024
)

// ManifestSigner signs a canonical manifest payload.
type ManifestSigner interface {
	Address() string
	Sign(payload []byte) (string, error)
}

// BundleStore reads and writes audit bundles:
//
//	audit/<productId>/draws.jsonl    one DrawRecord per line, ticket order
//	audit/<productId>/manifest.json  AuditManifest, optionally signed
type BundleStore struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	signer ManifestSigner
}

// NewBundleStore creates a BundleStore. writer or signer may be nil for
// read-only use; reader may be nil for write-only use.
func NewBundleStore(writer domain.BlobWriter, reader domain.BlobReader, signer ManifestSigner) *BundleStore {
	return &BundleStore{writer: writer, reader: reader, signer: signer}
}

// Publish uploads the draws and then the manifest, filling in the draw
// path, digest, count and signature. The manifest is written last so a
// visible manifest always refers to complete draws.
func (s *BundleStore) Publish(ctx context.Context, b domain.AuditBundle) (domain.AuditManifest, error) {
	if s.writer == nil {
		return domain.AuditManifest{}, fmt.Errorf("s3blob: bundle store has no writer")
	}
	m := b.Manifest
	productID := m.Product.ID

	draws, err := marshalJSONL(b.Draws)
	if err != nil {
		return domain.AuditManifest{}, fmt.Errorf("s3blob: marshal draws %s: %w", productID, err)
	}
	sum := sha256.Sum256(draws)
	m.Version = domain.AuditManifestVersion
	m.DrawCount = len(b.Draws)
	m.DrawsPath = domain.DrawsPath(productID)
	m.DrawsSHA256 = hex.EncodeToString(sum[:])
	m.Signer, m.Signature = "", ""

	if len(draws) >= multipartThreshold {
		err = s.writer.PutMultipart(ctx, m.DrawsPath, bytes.NewReader(draws), 0)
	} else {
		err = s.writer.Put(ctx, m.DrawsPath, bytes.NewReader(draws), contentTypeJSONL)
	}
	if err != nil {
		return domain.AuditManifest{}, fmt.Errorf("s3blob: upload draws %s: %w", productID, err)
	}

	if s.signer != nil {
		m.Signer = s.signer.Address()
		payload, err := m.SigningPayload()
		if err != nil {
			return domain.AuditManifest{}, fmt.Errorf("s3blob: marshal manifest payload: %w", err)
		}
		if m.Signature, err = s.signer.Sign(payload); err != nil {
			return domain.AuditManifest{}, fmt.Errorf("s3blob: sign manifest %s: %w", productID, err)
		}
	}

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return domain.AuditManifest{}, fmt.Errorf("s3blob: marshal manifest %s: %w", productID, err)
	}
	if err := s.writer.Put(ctx, domain.ManifestPath(productID), bytes.NewReader(manifest), contentTypeJSON); err != nil {
		return domain.AuditManifest{}, fmt.Errorf("s3blob: upload manifest %s: %w", productID, err)
	}
	return m, nil
}

// Exists reports whether a manifest has been published for productID.
func (s *BundleStore) Exists(ctx context.Context, productID string) (bool, error) {
	if s.reader == nil {
		return false, fmt.Errorf("s3blob: bundle store has no reader")
	}
	return s.reader.Exists(ctx, domain.ManifestPath(productID))
}

// Published returns the ids of every product with a manifest under the
// audit prefix.
func (s *BundleStore) Published(ctx context.Context) (map[string]bool, error) {
	if s.reader == nil {
		return nil, fmt.Errorf("s3blob: bundle store has no reader")
	}
	infos, err := s.reader.List(ctx, domain.AuditPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(infos))
	for _, info := range infos {
		if id, ok := domain.ManifestProductID(info.Path); ok {
			out[id] = true
		}
	}
	return out, nil
}

// Load downloads a bundle and checks the draws against the manifest digest
// and count. Signature checks are left to the caller.
func (s *BundleStore) Load(ctx context.Context, productID string) (domain.AuditBundle, error) {
	if s.reader == nil {
		return domain.AuditBundle{}, fmt.Errorf("s3blob: bundle store has no reader")
	}

	raw, err := s.readAll(ctx, domain.ManifestPath(productID), maxManifestSize)
	if err != nil {
		return domain.AuditBundle{}, err
	}
	var m domain.AuditManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.AuditBundle{}, fmt.Errorf("s3blob: decode manifest %s: %w", productID, err)
	}
	if m.Version != domain.AuditManifestVersion {
		return domain.AuditBundle{}, fmt.Errorf("s3blob: manifest %s: unsupported version %d", productID, m.Version)
	}

	drawsPath := m.DrawsPath
	if drawsPath == "" {
		drawsPath = domain.DrawsPath(productID)
	}
	body, err := s.reader.Get(ctx, drawsPath)
	if err != nil {
		return domain.AuditBundle{}, err
	}
	defer body.Close()

	h := sha256.New()
	draws, err := unmarshalJSONL(io.TeeReader(body, h))
	if err != nil {
		return domain.AuditBundle{}, fmt.Errorf("s3blob: decode draws %s: %w", productID, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != m.DrawsSHA256 {
		return domain.AuditBundle{}, fmt.Errorf("s3blob: draws %s digest %s does not match manifest %s: %w",
			productID, got, m.DrawsSHA256, domain.ErrFairnessViolation)
	}
	if len(draws) != m.DrawCount {
		return domain.AuditBundle{}, fmt.Errorf("s3blob: draws %s count %d does not match manifest %d: %w",
			productID, len(draws), m.DrawCount, domain.ErrFairnessViolation)
	}
	return domain.AuditBundle{Manifest: m, Draws: draws}, nil
}

func (s *BundleStore) readAll(ctx context.Context, path string, limit int64) ([]byte, error) {
	body, err := s.reader.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("s3blob: read %s: %w", path, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("s3blob: %s exceeds %d bytes", path, limit)
	}
	return data, nil
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func unmarshalJSONL(r io.Reader) ([]domain.DrawRecord, error) {
	var out []domain.DrawRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec domain.DrawRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	// Drain so the digest covers any trailing bytes the scanner skipped.
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	return out, nil
}
