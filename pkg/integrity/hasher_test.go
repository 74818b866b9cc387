package integrity

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamingHasherSums(t *testing.T) {
	content := []byte("workspace deployment asset")
	h := NewStreamingHasher()

	n, err := h.Write(content)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)

	md5Sum := md5.Sum(content)
	shaSum := sha256.Sum256(content)

	sums := h.Sums()
	assert.Equal(t, hex.EncodeToString(md5Sum[:]), sums.MD5)
	assert.Equal(t, hex.EncodeToString(shaSum[:]), sums.SHA256)
	assert.Equal(t, int64(len(content)), sums.Size)
	assert.Equal(t, sums.MD5, h.MD5())
	assert.Equal(t, int64(len(content)), h.Size())
}

func TestStreamingHasherAsTee(t *testing.T) {
	content := bytes.Repeat([]byte("abc123"), 1000)
	h := NewStreamingHasher()

	// The copy path: bytes flow to the destination while the hasher observes
	// them on the same pass.
	var dst bytes.Buffer
	_, err := io.Copy(&dst, io.TeeReader(bytes.NewReader(content), h))
	require.NoError(t, err)

	assert.Equal(t, content, dst.Bytes())
	md5Sum := md5.Sum(content)
	assert.Equal(t, hex.EncodeToString(md5Sum[:]), h.MD5())
	assert.Equal(t, int64(len(content)), h.Size())
}

func TestStreamingHasherEmptyInput(t *testing.T) {
	h := NewStreamingHasher()
	md5Sum := md5.Sum(nil)
	assert.Equal(t, hex.EncodeToString(md5Sum[:]), h.MD5())
	assert.Equal(t, int64(0), h.Size())
}
