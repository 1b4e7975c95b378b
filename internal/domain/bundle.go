package domain

import (
	"encoding/json"
	"time"
)

// AuditManifestVersion is the current audit bundle schema version.
const AuditManifestVersion = 1

// AuditManifest describes a published audit bundle. The draw records live
// next to it as JSONL; DrawsSHA256 binds them to the manifest, and
// Signature covers the manifest with Signature itself left empty.
type AuditManifest struct {
	Version     int         `json:"version"`
	Product     Product     `json:"product"`
	Commitment  Commitment  `json:"commitment"`
	Seed        string      `json:"seed"`
	Tiers       []PrizeTier `json:"tiers"`
	DrawCount   int         `json:"draw_count"`
	DrawsPath   string      `json:"draws_path"`
	DrawsSHA256 string      `json:"draws_sha256"`
	ExportedAt  time.Time   `json:"exported_at"`
	Signer      string      `json:"signer,omitempty"`
	Signature   string      `json:"signature,omitempty"`
}

// AuditBundle is a manifest together with its draw records.
type AuditBundle struct {
	Manifest AuditManifest
	Draws    []DrawRecord
}

// SigningPayload is the byte string a manifest signature covers: the JSON
// encoding of the manifest with Signature cleared.
func (m AuditManifest) SigningPayload() ([]byte, error) {
	m.Signature = ""
	return json.Marshal(m)
}
