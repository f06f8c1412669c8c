package export

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteColumn(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteColumn(&buf, DefaultKeyColumn, []string{"a_uint16_CHW_0_0_0_1_160_160_160", "with,comma"}))
	assert.Equal(t, "patch_keys\na_uint16_CHW_0_0_0_1_160_160_160\n\"with,comma\"\n", buf.String())
}

func TestColumnFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "keys.csv")
	values := []string{"anchor_0", "positive_0", "anchor_1"}
	require.NoError(t, WriteColumnFile(path, "keys", values))

	got, err := ReadColumnFile(path)
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestReadColumn(t *testing.T) {
	got, err := ReadColumn(strings.NewReader("links,extra\nftps://u@h/a.zip,1\n\nftps://u@h/b.zip\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ftps://u@h/a.zip", "ftps://u@h/b.zip"}, got)

	got, err = ReadColumn(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ReadColumnFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
