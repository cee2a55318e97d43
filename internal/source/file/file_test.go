package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBatchFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadBatchPreservesFieldOrder(t *testing.T) {
	path := writeBatchFile(t, `[
		{"Item Number": "1", "Brand": "X", "On Order": true},
		{"Item Number": "2", "Brand": "Y", "On Order": null}
	]`)

	batch, fields, err := ReadBatch(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"Item Number", "Brand", "On Order"}, fields)
	require.Len(t, batch, 2)
	assert.Equal(t, "1", batch[0]["Item Number"])
	assert.Equal(t, true, batch[0]["On Order"])
	assert.Nil(t, batch[1]["On Order"])
}

func TestReadBatchLateFieldsAppended(t *testing.T) {
	path := writeBatchFile(t, `[
		{"b": 1, "a": 2},
		{"b": 3, "z": 4, "c": 5}
	]`)

	_, fields, err := ReadBatch(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c", "z"}, fields, "late fields follow in sorted order")
}

func TestReadBatchEmpty(t *testing.T) {
	batch, fields, err := ReadBatch(writeBatchFile(t, `[]`))
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Empty(t, fields)
}

func TestReadBatchErrors(t *testing.T) {
	_, _, err := ReadBatch(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, _, err = ReadBatch(writeBatchFile(t, `{"not": "an array"}`))
	assert.Error(t, err)
}
