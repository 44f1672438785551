package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "recon-core/pkg/errors"
)

func TestReadNormalizesHeaders(t *testing.T) {
	csvData := "\ufeffID, Amount ,TRANSACTION_DATE\nTX001,100.50,2024-01-15\n"

	reader := NewReader(nil)
	records, err := reader.Read(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, records, 1)

	// BOM stripped, headers trimmed and lowercased.
	assert.Equal(t, "TX001", records[0]["id"])
	assert.Equal(t, "100.50", records[0]["amount"])
	assert.Equal(t, "2024-01-15", records[0]["transaction_date"])
}

func TestReadSkipsEmptyRows(t *testing.T) {
	csvData := "id,amount\nTX001,100\n,\nTX002,200\n"

	reader := NewReader(nil)
	records, err := reader.Read(strings.NewReader(csvData))
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "TX001", records[0]["id"])
	assert.Equal(t, "TX002", records[1]["id"])
}

func TestReadToleratesRaggedRows(t *testing.T) {
	// Short rows map only the columns present; the normalizer decides
	// whether the missing fields make the row unusable.
	csvData := "id,amount,reference\nTX001,100\nTX002,200,REF-2,extra\n"

	reader := NewReader(nil)
	records, err := reader.Read(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, records, 2)

	_, hasRef := records[0]["reference"]
	assert.False(t, hasRef)
	assert.Equal(t, "REF-2", records[1]["reference"])
}

func TestReadCustomDelimiter(t *testing.T) {
	config := DefaultConfig()
	config.Delimiter = ';'

	reader := NewReader(config)
	records, err := reader.Read(strings.NewReader("id;amount\nTX001;1.250,50\n"))
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, "1.250,50", records[0]["amount"])
}

func TestReadEmptyStreamIsMissingHeader(t *testing.T) {
	reader := NewReader(nil)
	_, err := reader.Read(strings.NewReader(""))

	require.Error(t, err)
	engineErr, ok := apperrors.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeMissingHeader, engineErr.Code)
}

func TestReadFileNotFound(t *testing.T) {
	reader := NewReader(nil)
	_, err := reader.ReadFile(filepath.Join(t.TempDir(), "absent.csv"))

	require.Error(t, err)
	engineErr, ok := apperrors.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeFileNotFound, engineErr.Code)
	assert.Equal(t, 2, engineErr.GetExitCode())
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bank.csv")
	content := "id,amount,currency\nTX001,100.50,USD\nTX002,200.00,EUR\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	reader := NewReader(nil)
	records, err := reader.ReadFile(path)
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "EUR", records[1]["currency"])
}
