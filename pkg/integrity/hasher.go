// Package integrity computes content checksums in a single pass while object
// bytes stream from source to target.
package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// StreamingHasher calculates checksums as data flows through it. Wire it into
// a copy with io.TeeReader so the bytes are hashed on their way to the target
// without any extra read pass or buffering.
type StreamingHasher struct {
	md5Hash    hash.Hash
	sha256Hash hash.Hash
	size       int64
}

// Hashes is the digest set of one streamed object.
type Hashes struct {
	MD5    string `json:"md5"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// NewStreamingHasher returns a hasher ready to receive a stream.
func NewStreamingHasher() *StreamingHasher {
	return &StreamingHasher{
		md5Hash:    md5.New(),
		sha256Hash: sha256.New(),
	}
}

// Write implements io.Writer, feeding every hash at once.
func (h *StreamingHasher) Write(p []byte) (int, error) {
	n, err := io.MultiWriter(h.md5Hash, h.sha256Hash).Write(p)
	h.size += int64(n)
	return n, err
}

// Sums returns the digests of everything written so far.
func (h *StreamingHasher) Sums() Hashes {
	return Hashes{
		MD5:    hex.EncodeToString(h.md5Hash.Sum(nil)),
		SHA256: hex.EncodeToString(h.sha256Hash.Sum(nil)),
		Size:   h.size,
	}
}

// MD5 returns the hex MD5 of everything written so far. This is the value
// compared against provider-reported content checksums.
func (h *StreamingHasher) MD5() string {
	return hex.EncodeToString(h.md5Hash.Sum(nil))
}

// Size returns the byte count written so far.
func (h *StreamingHasher) Size() int64 { return h.size }
