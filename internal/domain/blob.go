package domain

import (
	"context"
	"io"
	"strings"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// AuditExporter publishes audit bundles for ended products.
type AuditExporter interface {
	Export(ctx context.Context, productID string) (AuditManifest, error)
}

// AuditPrefix is the object key prefix shared by all audit bundles.
const AuditPrefix = "audit/"

const manifestName = "/manifest.json"

// ManifestPath is the object key of a product's audit manifest.
func ManifestPath(productID string) string {
	return AuditPrefix + productID + manifestName
}

// DrawsPath is the object key of a product's JSONL draw records.
func DrawsPath(productID string) string {
	return AuditPrefix + productID + "/draws.jsonl"
}

// ManifestProductID extracts the product id from a manifest object key.
func ManifestProductID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, AuditPrefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, manifestName)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
