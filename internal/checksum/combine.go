package checksum

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// IntegrityHash hashes the concatenation of the raw digests in order.
func IntegrityHash(digests []Digest) Digest {
	hasher := sha256.New()
	for i := range digests {
		hasher.Write(digests[i][:])
	}
	var sum Digest
	copy(sum[:], hasher.Sum(nil))
	return sum
}

// Combine folds the per-segment results of a run into the checksum list.
// Entry 0 covers the primary digests; entry 1+p covers shard position p of
// every segment, taken in segment order. Entries are base64 encoded.
func Combine(primary []Digest, shards [][]Digest, shardCount int) ([]string, error) {
	if len(primary) != len(shards) {
		return nil, fmt.Errorf("combine: %d primary digests but %d shard sets", len(primary), len(shards))
	}

	columns := make([][]Digest, shardCount)
	for p := range columns {
		columns[p] = make([]Digest, len(shards))
	}
	for segment, set := range shards {
		if len(set) != shardCount {
			return nil, fmt.Errorf("combine: segment %d has %d shard hashes, want %d", segment, len(set), shardCount)
		}
		for p, digest := range set {
			columns[p][segment] = digest
		}
	}

	checksums := make([]string, 0, shardCount+1)
	root := IntegrityHash(primary)
	checksums = append(checksums, base64.StdEncoding.EncodeToString(root[:]))
	for _, column := range columns {
		sum := IntegrityHash(column)
		checksums = append(checksums, base64.StdEncoding.EncodeToString(sum[:]))
	}
	return checksums, nil
}

// DecodeChecksums converts base64 checksums back to raw hash bytes, the form
// a create-object message carries.
func DecodeChecksums(checksums []string) ([][]byte, error) {
	decoded := make([][]byte, len(checksums))
	for i, encoded := range checksums {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("checksum %d: %w", i, err)
		}
		if len(raw) != sha256.Size {
			return nil, fmt.Errorf("checksum %d is %d bytes, want %d", i, len(raw), sha256.Size)
		}
		decoded[i] = raw
	}
	return decoded, nil
}
