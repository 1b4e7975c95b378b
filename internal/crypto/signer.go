package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer signs audit manifests with a secp256k1 key so third parties can
// check a bundle came from the operator's published address.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the address derived from the signing key.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Sign returns the hex-encoded 65-byte signature (r || s || v, v in {27,28})
// over the personal-message hash of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	sig, err := ethcrypto.Sign(messageHash(payload), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// Recover returns the address that produced sigHex over payload.
func Recover(payload []byte, sigHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("crypto/signer: decoding signature: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("crypto/signer: signature length %d, want 65", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(messageHash(payload), sig)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: recovering key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}

// VerifySignature reports whether sigHex over payload was made by address.
func VerifySignature(payload []byte, sigHex, address string) bool {
	got, err := Recover(payload, sigHex)
	if err != nil {
		return false
	}
	return common.HexToAddress(got) == common.HexToAddress(address)
}

// messageHash is keccak256("\x19Ethereum Signed Message:\n" || len || payload).
func messageHash(payload []byte) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(payload))
	return ethcrypto.Keccak256([]byte(prefix), payload)
}
