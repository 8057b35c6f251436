package util

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/minio/sha256-simd"
)

const (
	// Length of a fingerprint string: "0x" followed by a hex-encoded SHA-256 digest.
	FingerprintLength = 2 + 2*sha256.Size
)

// Computes the fingerprint of a document.
// The fingerprint is the SHA-256 digest of the exact bytes, hex-encoded with a 0x prefix.
func Fingerprint(document []byte) string {
	sum := sha256.Sum256(document)
	return hexutil.Encode(sum[:])
}

// Parses a fingerprint string into the 32-byte value anchored on the ledger.
// Uppercase hex digits are accepted; the prefix is mandatory.
func ParseFingerprint(fp string) (common.Hash, error) {
	if len(fp) != FingerprintLength || !strings.HasPrefix(fp, "0x") {
		return common.Hash{}, fmt.Errorf("invalid fingerprint %q: expected 0x followed by %d hex digits", fp, 2*sha256.Size)
	}
	b, err := hexutil.Decode(strings.ToLower(fp))
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid fingerprint %q: %w", fp, err)
	}
	return common.BytesToHash(b), nil
}

// Returns the canonical (lowercase) form of a fingerprint, or an error if it is malformed.
func NormalizeFingerprint(fp string) (string, error) {
	h, err := ParseFingerprint(fp)
	if err != nil {
		return "", err
	}
	return h.Hex(), nil
}
