package jetstream

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compress(t *testing.T, payload []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(payload, nil)
}

func TestDecompressor_RoundTrip(t *testing.T) {
	d, err := NewDecompressor(nil, 1024)
	require.NoError(t, err)
	defer d.Close()

	payload := []byte(`{"did":"did:plc:a","time_us":1,"kind":"identity"}`)
	out, err := d.Decompress(compress(t, payload))
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestDecompressor_TooLarge(t *testing.T) {
	d, err := NewDecompressor(nil, 1024)
	require.NoError(t, err)
	defer d.Close()

	payload := bytes.Repeat([]byte(`{"text":"saskatchewan"}`), 256)
	_, err = d.Decompress(compress(t, payload))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecompressor_Garbage(t *testing.T) {
	d, err := NewDecompressor(nil, 1024)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Decompress([]byte("definitely not zstd"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrFrameTooLarge)
}

func TestNewDecompressor_Errors(t *testing.T) {
	_, err := NewDecompressor([]byte("not a dictionary"), 1024)
	assert.Error(t, err)

	_, err = NewDecompressor(nil, 0)
	assert.Error(t, err)
}

func TestLoadDictionary(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadDictionary(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = LoadDictionary(empty)
	assert.Error(t, err)

	dict := filepath.Join(dir, "zstd_dictionary")
	require.NoError(t, os.WriteFile(dict, []byte{1, 2, 3}, 0o600))
	got, err := LoadDictionary(dict)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}
