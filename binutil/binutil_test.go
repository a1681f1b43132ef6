package binutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadUintBigEndian(t *testing.T) {
	v, err := ReadUint([]byte{0x01, 0x02, 0x03}, 3, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x010203), v)
}

func TestReadUintLittleEndian(t *testing.T) {
	v, err := ReadUint([]byte{0x01, 0x02, 0x03}, 3, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x030201), v)
}

func TestReadUintBadWidth(t *testing.T) {
	_, err := ReadUint([]byte{0x01}, 9, true)
	assert.ErrorIs(t, err, ErrWidth)
}

func TestReadUintShortBuffer(t *testing.T) {
	_, err := ReadUint([]byte{0x01}, 4, true)
	assert.Error(t, err)
}

func TestPutUintRoundTrip(t *testing.T) {
	for _, width := range []int{1, 2, 3, 4, 5, 6, 7, 8} {
		buf, err := PutUint(0x0102030405, width, true)
		require.NoError(t, err)
		v, err := ReadUint(buf, width, true)
		require.NoError(t, err)
		want := uint64(0x0102030405) & (uint64(1)<<(8*width) - 1)
		if width == 8 {
			want = uint64(0x0102030405)
		}
		assert.Equal(t, want, v)
	}
}

func TestHashPathMatchesUppercaseBackslashNorm(t *testing.T) {
	// The hash must be stable across equivalent path spellings.
	a := HashPath("units/human/footman.mdx")
	b := HashPath(`Units\Human\Footman.mdx`)
	assert.Equal(t, a, b)
}

func TestJenkinsOneAtATimeKnownVector(t *testing.T) {
	// Standard published test vector for the one-at-a-time hash.
	got := JenkinsOneAtATime([]byte("a"))
	assert.Equal(t, uint32(0xca2e9442), got)
}

func TestHexPrefix(t *testing.T) {
	p, err := HexPrefix("abcd1234")
	require.NoError(t, err)
	assert.Equal(t, "ab/cd/abcd1234", p)

	_, err = HexPrefix("a")
	assert.Error(t, err)
}

func TestCKeyParseAndString(t *testing.T) {
	hexStr := "00112233445566778899aabbccddeeff"
	k, err := ParseCKey(hexStr)
	require.NoError(t, err)
	assert.Equal(t, hexStr, k.String())
}

func TestEKeyParseTruncatesToShort(t *testing.T) {
	full := "00112233445566778899aabbccddeeff"
	k, err := ParseEKey(full)
	require.NoError(t, err)
	assert.Equal(t, "001122334455667788", k.String())
}

func TestFullEKeyShort(t *testing.T) {
	var f FullEKey
	for i := range f {
		f[i] = byte(i)
	}
	s := f.Short()
	assert.Equal(t, EKey{0, 1, 2, 3, 4, 5, 6, 7, 8}, s)
}
