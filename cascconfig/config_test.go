package cascconfig

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyValueBasic(t *testing.T) {
	src := `# this is a build config
root = abcdef0123456789abcdef0123456789
encoding = 1111111111111111111111111111111 2222222222222222222222222222222
install-size = 12345
`
	records, err := ParseKeyValue(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, records, 1)

	kv := records[0]
	root, err := kv.Require("root")
	require.NoError(t, err)
	assert.Equal(t, "abcdef0123456789abcdef0123456789", root)

	c, e, err := kv.Pair("encoding")
	require.NoError(t, err)
	assert.Equal(t, "1111111111111111111111111111111", c)
	assert.Equal(t, "2222222222222222222222222222222", e)
}

func TestParseKeyValueMissingKey(t *testing.T) {
	records, err := ParseKeyValue(strings.NewReader("root = abc\n"))
	require.NoError(t, err)
	_, err = records[0].Require("encoding")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestParseKeyValueMultipleRecords(t *testing.T) {
	src := "a = 1\n\nb = 2\n"
	records, err := ParseKeyValue(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "1", records[0]["a"])
	assert.Equal(t, "2", records[1]["b"])
}

func TestParseTabularBasic(t *testing.T) {
	src := `!Branch!STRING:0|Build Key!HEX:16|Version!String:0
wow|abcdef0123456789abcdef0123456789|1.13.2.31446
`
	rows, err := ParseTabular(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	branch, err := rows[0].Require("Branch")
	require.NoError(t, err)
	assert.Equal(t, "wow", branch)

	key, err := rows[0].Require("Build Key")
	require.NoError(t, err)
	assert.Equal(t, "abcdef0123456789abcdef0123456789", key)
}

func TestParseTabularMissingHeader(t *testing.T) {
	_, err := ParseTabular(strings.NewReader("no bang here|col2\nval1|val2\n"))
	assert.Error(t, err)
}

func TestParseTabularShortRowPadsEmpty(t *testing.T) {
	src := "!A|B|C\nonly-a\n"
	rows, err := ParseTabular(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "only-a", rows[0]["A"])
	assert.Equal(t, "", rows[0]["B"])
	assert.Equal(t, "", rows[0]["C"])
}
