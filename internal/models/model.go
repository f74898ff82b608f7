package models

// ChecksumResult is what a create-object transaction needs from the
// checksum pipeline. ExpectCheckSums holds 1+DataBlocks+ParityBlocks base64
// SHA-256 values: the primary root first, then one per shard index.
type ChecksumResult struct {
	ContentLength   int64    `json:"contentLength"`
	FileChunks      int      `json:"fileChunks"`
	ExpectCheckSums []string `json:"expectCheckSums"`
}

// RedundancyConfig is the segment and erasure coding layout both sides of an
// upload must agree on.
type RedundancyConfig struct {
	SegmentSize  int64 `json:"segment_size"`
	DataBlocks   int   `json:"data_blocks"`
	ParityBlocks int   `json:"parity_blocks"`
}

// ShardCount returns DataBlocks+ParityBlocks.
func (r RedundancyConfig) ShardCount() int {
	return r.DataBlocks + r.ParityBlocks
}

// ChecksumResponse is the body of a successful POST /checksum.
type ChecksumResponse struct {
	FileName  string           `json:"file_name"`
	SessionId string           `json:"session_id,omitempty"`
	Cached    bool             `json:"cached"`
	Result    ChecksumResult   `json:"result"`
	Config    RedundancyConfig `json:"redundancy"`
}

// VerifyResponse is the body returned by POST /verify.
type VerifyResponse struct {
	Valid         bool   `json:"valid"`
	MismatchIndex *int   `json:"mismatch_index,omitempty"`
	Message       string `json:"message,omitempty"`
}

// CacheRecord is a checksum result stored under a content fingerprint.
type CacheRecord struct {
	Fingerprint string           `json:"fingerprint"`
	Redundancy  RedundancyConfig `json:"redundancy"`
	Result      ChecksumResult   `json:"result"`
	CreatedAt   int64            `json:"created_at"`
}
