package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recon-core/internal/models"
	apperrors "recon-core/pkg/errors"
)

func TestParseAmountMinorUnits(t *testing.T) {
	anglo := DefaultNumberFormat()
	continental := NumberFormat{DecimalSeparator: ",", ThousandsSeparator: "."}

	tests := []struct {
		name    string
		raw     string
		format  NumberFormat
		scale   int
		want    int64
		wantErr bool
	}{
		{"plain decimal", "1250.50", anglo, 2, 125050, false},
		{"thousands separator", "1,250.50", anglo, 2, 125050, false},
		{"currency symbol", "$1,250.50", anglo, 2, 125050, false},
		{"euro symbol continental", "€1.250,50", continental, 2, 125050, false},
		{"whole number", "1250", anglo, 2, 125000, false},
		{"negative amount", "-42.07", anglo, 2, -4207, false},
		{"zero-decimal currency", "1250", anglo, 0, 1250, false},
		{"jpy rejects fraction", "1250.5", anglo, 0, 0, true},
		{"excess precision rejected not rounded", "10.005", anglo, 2, 0, true},
		{"empty", "  ", anglo, 2, 0, true},
		{"garbage", "12a.50", anglo, 2, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmountMinorUnits(tt.raw, tt.format, tt.scale)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.HasCategory(err, apperrors.CategoryMapping))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func validRecord() map[string]string {
	return map[string]string{
		"id":               "TX001",
		"amount":           "1,250.50",
		"currency":         "USD",
		"transaction_date": "2024-01-15 10:30:00",
		"value_date":       "2024-01-16",
		"reference_id":     "REF-001",
	}
}

func TestNormalizeHappyPath(t *testing.T) {
	n, err := New(DefaultMappingSpec(models.SourceBank))
	require.NoError(t, err)

	tx, err := n.Normalize(validRecord())
	require.NoError(t, err)

	assert.Equal(t, "TX001", tx.ID)
	assert.Equal(t, models.SourceBank, tx.SourceType)
	assert.Equal(t, int64(125050), tx.Amount)
	assert.Equal(t, "USD", tx.Currency)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), tx.TransactionDate)
	assert.Equal(t, time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC), tx.ValueDate)
	assert.Equal(t, "REF-001", tx.ReferenceID)
	assert.Equal(t, "1,250.50", tx.RawFields["amount"])
}

func TestNormalizeValueDateDefaultsToTransactionDate(t *testing.T) {
	n, err := New(DefaultMappingSpec(models.SourceBank))
	require.NoError(t, err)

	record := validRecord()
	delete(record, "value_date")

	tx, err := n.Normalize(record)
	require.NoError(t, err)
	assert.Equal(t, tx.TransactionDate, tx.ValueDate)
}

func TestNormalizeZeroDecimalCurrency(t *testing.T) {
	n, err := New(DefaultMappingSpec(models.SourceBank))
	require.NoError(t, err)

	record := validRecord()
	record["currency"] = "JPY"
	record["amount"] = "125,000"

	tx, err := n.Normalize(record)
	require.NoError(t, err)
	assert.Equal(t, int64(125000), tx.Amount)
	assert.Equal(t, "JPY", tx.Currency)
}

func TestNormalizeDefaultCurrencyApplied(t *testing.T) {
	n, err := New(DefaultMappingSpec(models.SourceBank))
	require.NoError(t, err)

	record := validRecord()
	record["currency"] = ""

	tx, err := n.Normalize(record)
	require.NoError(t, err)
	assert.Equal(t, "USD", tx.Currency)
}

func TestNormalizeMappingErrors(t *testing.T) {
	n, err := New(DefaultMappingSpec(models.SourceBank))
	require.NoError(t, err)

	tests := []struct {
		name     string
		mutate   func(map[string]string)
		wantCode apperrors.ErrorCode
	}{
		{
			name:     "missing id column",
			mutate:   func(r map[string]string) { delete(r, "id") },
			wantCode: apperrors.CodeMissingColumn,
		},
		{
			name:     "empty reference",
			mutate:   func(r map[string]string) { r["reference_id"] = " " },
			wantCode: apperrors.CodeMissingField,
		},
		{
			name:     "unparseable amount",
			mutate:   func(r map[string]string) { r["amount"] = "12x50" },
			wantCode: apperrors.CodeInvalidAmount,
		},
		{
			name:     "unparseable date",
			mutate:   func(r map[string]string) { r["transaction_date"] = "15th of January" },
			wantCode: apperrors.CodeInvalidDate,
		},
		{
			name:     "unknown currency",
			mutate:   func(r map[string]string) { r["currency"] = "XQZ" },
			wantCode: apperrors.CodeInvalidCurrency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := validRecord()
			tt.mutate(record)

			_, err := n.Normalize(record)
			require.Error(t, err)

			engineErr, ok := apperrors.AsEngineError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, engineErr.Code)
			// Mapping errors are recoverable: the row is skipped, the run
			// continues.
			assert.True(t, engineErr.IsRecoverable())
		})
	}
}

func TestNormalizeDateOnlyFallback(t *testing.T) {
	n, err := New(DefaultMappingSpec(models.SourceSettlement))
	require.NoError(t, err)

	record := validRecord()
	record["transaction_date"] = "2024-01-15"

	tx, err := n.Normalize(record)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), tx.TransactionDate)
}

func TestMappingSpecValidate(t *testing.T) {
	spec := DefaultMappingSpec(models.SourceBank)
	require.NoError(t, spec.Validate())

	noAmount := DefaultMappingSpec(models.SourceBank)
	noAmount.AmountColumn = ""
	assert.Error(t, noAmount.Validate())

	// A source without a currency column must declare a default currency.
	noCurrency := DefaultMappingSpec(models.SourceBank)
	noCurrency.CurrencyColumn = ""
	noCurrency.DefaultCurrency = ""
	assert.Error(t, noCurrency.Validate())

	badSource := DefaultMappingSpec(models.SourceBank)
	badSource.SourceType = "mainframe"
	assert.Error(t, badSource.Validate())
}
