package canonicalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigest_Prefixed(t *testing.T) {
	d, err := Digest([]int{0, 1, 2})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(d, "sha256:"))
	assert.Len(t, d, len("sha256:")+64)
	assert.Equal(t, DigestBytes([]byte("[0,1,2]")), d)
}

func TestChainDigest_OrderDependent(t *testing.T) {
	a := DigestBytes([]byte("a"))
	b := DigestBytes([]byte("b"))

	assert.NotEqual(t, ChainDigest(a, b), ChainDigest(b, a))
	assert.Equal(t, DigestBytes([]byte(a+b)), ChainDigest(a, b))
}

func TestParseDigest(t *testing.T) {
	valid := DigestBytes([]byte("x"))
	algo, hexPart, err := ParseDigest(valid)
	require.NoError(t, err)
	assert.Equal(t, "sha256", algo)
	assert.Len(t, hexPart, 64)

	for _, bad := range []string{
		"",
		strings.TrimPrefix(valid, "sha256:"),
		"md5:" + strings.TrimPrefix(valid, "sha256:"),
		"sha256:abc",
		"sha256:" + strings.Repeat("z", 64),
	} {
		_, _, err := ParseDigest(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestNormalizeText(t *testing.T) {
	decomposed := "cafe\u0301"
	composed := "caf\u00e9"

	assert.Equal(t, composed, NormalizeText("  "+decomposed+"\n"))
	assert.Equal(t, MustDigest(NormalizeText(decomposed)), MustDigest(composed))
}
