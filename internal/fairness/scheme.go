// Package fairness holds the deterministic parts of the draw: how a seed and
// a nonce become a digest, how a digest becomes a value in [0, 1), and how
// that value selects a prize tier.
package fairness

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

// SeedSize is the length in bytes of a commitment seed.
const SeedSize = 32

// CommitmentNonce is the nonce whose digest is published as the commitment.
const CommitmentNonce = 1

// Scheme fixes the bit layout of a derivation.
//
//	TXID   = seed || big-endian(nonce)[NonceBytes]
//	digest = SHA-256(TXID)
//	value  = big-endian(digest[:PrefixBytes]) / 2^(8*PrefixBytes)
//
// The scheme name is recorded on each commitment so old products keep
// verifying if the default changes.
type Scheme struct {
	Name        string `json:"name"`
	NonceBytes  int    `json:"nonce_bytes"`
	PrefixBytes int    `json:"prefix_bytes"`
}

var (
	// SHA256U64 encodes the nonce as 8 bytes and uses an 8 byte prefix.
	SHA256U64 = Scheme{Name: "sha256-u64be-p8", NonceBytes: 8, PrefixBytes: 8}
	// SHA256U32 encodes the nonce as 4 bytes and uses a 6 byte prefix.
	SHA256U32 = Scheme{Name: "sha256-u32be-p6", NonceBytes: 4, PrefixBytes: 6}

	// Default is the scheme used for new commitments.
	Default = SHA256U64
)

var schemes = map[string]Scheme{
	SHA256U64.Name: SHA256U64,
	SHA256U32.Name: SHA256U32,
}

// Lookup returns the registered scheme with the given name. An empty name
// resolves to Default.
func Lookup(name string) (Scheme, error) {
	if name == "" {
		return Default, nil
	}
	s, ok := schemes[name]
	if !ok {
		return Scheme{}, fmt.Errorf("fairness: unknown scheme %q", name)
	}
	return s, nil
}

// Validate checks the widths are usable.
func (s Scheme) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("fairness: scheme name is required")
	}
	if s.NonceBytes < 1 || s.NonceBytes > 8 {
		return fmt.Errorf("fairness: scheme %s: nonce width %d outside [1, 8]", s.Name, s.NonceBytes)
	}
	if s.PrefixBytes < 1 || s.PrefixBytes > 8 {
		return fmt.Errorf("fairness: scheme %s: prefix width %d outside [1, 8]", s.Name, s.PrefixBytes)
	}
	return nil
}

// Encode returns the nonce as NonceBytes big-endian bytes. Higher bytes are
// truncated.
func (s Scheme) Encode(nonce int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(nonce))
	return buf[8-s.NonceBytes:]
}

// TXID concatenates the seed and the encoded nonce.
func (s Scheme) TXID(seed []byte, nonce int64) []byte {
	enc := s.Encode(nonce)
	out := make([]byte, 0, len(seed)+len(enc))
	out = append(out, seed...)
	return append(out, enc...)
}

// Digest hashes the TXID for nonce.
func (s Scheme) Digest(seed []byte, nonce int64) [sha256.Size]byte {
	return sha256.Sum256(s.TXID(seed, nonce))
}

// Derive maps a digest to a fraction in [0, 1).
func (s Scheme) Derive(digest [sha256.Size]byte) domain.Fraction {
	var num uint64
	for _, b := range digest[:s.PrefixBytes] {
		num = num<<8 | uint64(b)
	}
	return domain.Fraction{Num: num, Bits: uint8(8 * s.PrefixBytes)}
}

// Outcome is the full derivation for one nonce.
type Outcome struct {
	Digest string
	Value  domain.Fraction
}

// Derivation computes the hex digest and derived value for nonce.
func (s Scheme) Derivation(seed []byte, nonce int64) Outcome {
	d := s.Digest(seed, nonce)
	return Outcome{Digest: hex.EncodeToString(d[:]), Value: s.Derive(d)}
}

// CommitmentHash is the public commitment of a seed.
func (s Scheme) CommitmentHash(seed []byte) string {
	d := s.Digest(seed, CommitmentNonce)
	return hex.EncodeToString(d[:])
}
