package errors

import (
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCodesByCategory(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want int
	}{
		{"ingest", IngestError(CodeFileNotFound, "/tmp/missing.csv", nil), 2},
		{"mapping", MappingError(CodeInvalidAmount, "amount", "abc", nil), 3},
		{"data quality", DataQualityError(CodeSkipRatioExceeded, 9, 100), 3},
		{"rule config", RuleConfigurationError(CodeInvalidRuleParameter, "r-1", "bad threshold"), 4},
		{"internal", InternalError(CodeUnexpectedError, "merge", nil), 5},
		{"cancellation", CancellationError("job-1", "matching"), 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.GetExitCode())
		})
	}
}

func TestOnlyMappingErrorsAreRecoverable(t *testing.T) {
	assert.True(t, MappingError(CodeInvalidDate, "transaction_date", "13/45/2024", nil).IsRecoverable())

	assert.False(t, DataQualityError(CodeEmptyInput, 0, 0).IsRecoverable())
	assert.False(t, IngestError(CodeFileNotFound, "x.csv", nil).IsRecoverable())
	assert.False(t, CancellationError("job-1", "matching").IsRecoverable())
	assert.False(t, InternalError(CodeUnexpectedError, "op", nil).IsRecoverable())
}

func TestErrorMessageIncludesSuggestion(t *testing.T) {
	err := New(CategoryIngest, CodeInvalidFormat, "malformed row")
	assert.Equal(t, "malformed row", err.Error())

	err = err.WithSuggestion("check the delimiter flag")
	assert.Contains(t, err.Error(), "malformed row")
	assert.Contains(t, err.Error(), "check the delimiter flag")
}

func TestWithContextChains(t *testing.T) {
	err := New(CategoryInternal, CodeUnexpectedError, "boom").
		WithContext("job_id", "job-1").
		WithContext("stage", "matching")

	assert.Equal(t, "job-1", err.Context["job_id"])
	assert.Equal(t, "matching", err.Context["stage"])
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("disk on fire")
	err := Wrap(cause, CategoryIngest, CodeInvalidFormat, "read failed")

	require.NotNil(t, err)
	assert.Equal(t, cause, err.Unwrap())
	assert.Equal(t, cause, pkgerrors.Cause(err.Cause))

	assert.Nil(t, Wrap(nil, CategoryIngest, CodeInvalidFormat, "ignored"))
}

func TestAsEngineErrorThroughWrapping(t *testing.T) {
	inner := MappingError(CodeMissingColumn, "amount", nil, nil)
	wrapped := fmt.Errorf("row 7: %w", inner)

	got, ok := AsEngineError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeMissingColumn, got.Code)

	// IsEngineError checks the concrete type only; the wrapped chain
	// needs AsEngineError.
	assert.True(t, IsEngineError(inner))
	assert.False(t, IsEngineError(wrapped))
	assert.True(t, HasCategory(wrapped, CategoryMapping))
	assert.False(t, HasCategory(wrapped, CategoryIngest))

	_, ok = AsEngineError(fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestSkipLogSummary(t *testing.T) {
	log := &SkipLog{}
	assert.Equal(t, 0, log.Len())
	assert.Equal(t, "no rows skipped", log.Summary())

	log.Add("bank.csv", 3, MappingError(CodeInvalidAmount, "amount", "x", nil))
	log.Add("bank.csv", 9, MappingError(CodeInvalidAmount, "amount", "y", nil))
	log.Add("settlement.csv", 2, MappingError(CodeInvalidDate, "transaction_date", "z", nil))

	assert.Equal(t, 3, log.Len())
	summary := log.Summary()
	assert.Contains(t, summary, "3 rows skipped")
	assert.Contains(t, summary, fmt.Sprintf("%s: 2", CodeInvalidAmount))
	assert.Contains(t, summary, fmt.Sprintf("%s: 1", CodeInvalidDate))
}

func TestDataQualityErrorCarriesCounts(t *testing.T) {
	err := DataQualityError(CodeSkipRatioExceeded, 9, 100)
	assert.Equal(t, CategoryDataQuality, err.Category)
	assert.Equal(t, 9, err.Context["skipped_rows"])
	assert.Equal(t, 100, err.Context["total_rows"])
}
