package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// HashPrefix tags every content hash with its digest algorithm.
const HashPrefix = "sha256:"

// ContentHash is an algorithm-tagged digest of a serialized Normalized
// workflow. Two workflows are content-equal iff their hashes match.
type ContentHash string

// Algorithm returns the digest algorithm tag of the hash.
func (h ContentHash) Algorithm() string {
	if i := strings.IndexByte(string(h), ':'); i > 0 {
		return string(h)[:i]
	}
	return ""
}

// Hash serializes the normalized form of the definition with canonical
// (sorted) key order and returns its sha256 digest. Logically-equivalent
// definitions hash identically regardless of map key or node order.
func Hash(def Definition) (ContentHash, error) {
	return HashNormalized(Normalize(def))
}

// HashNormalized hashes an already-normalized workflow. encoding/json
// serializes map keys in sorted order, which gives the canonical byte form.
func HashNormalized(norm Normalized) (ContentHash, error) {
	data, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("failed to serialize normalized workflow: %w", err)
	}
	sum := sha256.Sum256(data)
	return ContentHash(HashPrefix + hex.EncodeToString(sum[:])), nil
}

// Combine reduces a set of content hashes to one order-independent overall
// hash: the inputs are sorted before digesting so that manifest iteration
// order never affects the result.
func Combine(hashes []ContentHash) ContentHash {
	sorted := make([]string, len(hashes))
	for i, h := range hashes {
		sorted[i] = string(h)
	}
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return ContentHash(HashPrefix + hex.EncodeToString(sum[:]))
}

// CanonicalJSON returns the canonical serialized form of the normalized
// workflow, as written to snapshot workflow files.
func CanonicalJSON(norm Normalized) ([]byte, error) {
	return json.MarshalIndent(norm, "", "  ")
}
