package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "recon-core/pkg/errors"

	"recon-core/internal/ingest"
	"recon-core/internal/models"
	"recon-core/internal/normalizer"
	"recon-core/internal/rules"
)

func record(id, amount, currency, date, ref string) ingest.Record {
	return ingest.Record{
		"id":               id,
		"amount":           amount,
		"currency":         currency,
		"transaction_date": date,
		"value_date":       date,
		"reference_id":     ref,
	}
}

func sourceInput(t *testing.T, name string, source models.SourceType, records []ingest.Record) SourceInput {
	t.Helper()
	spec := normalizer.DefaultMappingSpec(source)
	require.NoError(t, spec.Validate())
	return SourceInput{Name: name, Records: records, Mapping: spec}
}

func exactRefRuleSet(t *testing.T) *rules.RuleSet {
	t.Helper()
	rs, err := rules.LoadRuleSet("rs-test", 1, []*rules.MatchRule{{
		ID:         "exact-ref",
		Name:       "exact reference",
		Field:      rules.FieldReferenceID,
		Operator:   rules.OperatorExact,
		ThenAction: rules.ActionMatch,
		Priority:   1,
		Active:     true,
	}})
	require.NoError(t, err)
	return rs
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(nil)
	require.NoError(t, err)
	return o
}

func happyPathRequest(t *testing.T, jobID string) *RunRequest {
	left := []ingest.Record{
		record("L1", "1250.50", "USD", "2024-01-15", "REF-001"),
		record("L2", "780.00", "USD", "2024-01-16", "REF-002"),
		record("L3", "99999.00", "USD", "2024-01-17", "REF-003"),
	}
	right := []ingest.Record{
		record("R1", "1250.50", "USD", "2024-01-15", "REF-001"),
		record("R2", "780.00", "USD", "2024-01-16", "REF-002"),
		record("R3", "42.00", "USD", "2024-01-17", "REF-999"),
	}
	return &RunRequest{
		JobID:   jobID,
		Left:    sourceInput(t, "bank.csv", models.SourceBank, left),
		Right:   sourceInput(t, "settlement.csv", models.SourceSettlement, right),
		RuleSet: exactRefRuleSet(t),
	}
}

func TestRunHappyPath(t *testing.T) {
	o := newTestOrchestrator(t)

	result, err := o.Run(context.Background(), happyPathRequest(t, "job-1"))
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "job-1", result.JobID)
	assert.Equal(t, 6, result.TotalTransactions)
	assert.Equal(t, 2, result.MatchedCount)
	assert.Equal(t, 2, result.ExceptionCount)
	assert.InDelta(t, 4.0/6.0, result.MatchRate, 1e-9)
	assert.Equal(t, 0, result.SkippedRows)
	assert.False(t, result.Partial)
	assert.Equal(t, 2, result.ExceptionsByType[models.ExceptionMissingEntry])

	status, err := o.Status("job-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, 100.0, status.PercentComplete)
	assert.Equal(t, 2, status.MatchesFound)
	assert.Equal(t, 2, status.ExceptionsFound)

	matches, err := o.Matches("job-1")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "L1", matches[0].LeftTransactionID)
	assert.Equal(t, "R1", matches[0].RightTransactionID)

	stored, err := o.Result("job-1")
	require.NoError(t, err)
	assert.Equal(t, result, stored)
}

func TestRunFlagsNearMissAmountsAsMismatch(t *testing.T) {
	o := newTestOrchestrator(t)

	// 0.05% apart: too far for the strict match rule, caught by the
	// wider flag rule and classified as an amount mismatch.
	ruleSet, err := rules.LoadRuleSet("rs-strict", 1, []*rules.MatchRule{
		{
			ID: "strict-amount", Field: rules.FieldAmount, Operator: rules.OperatorRange,
			TolerancePercent: 0.01, ThenAction: rules.ActionMatch, Priority: 1, Active: true,
		},
		{
			ID: "flag-near-amount", Field: rules.FieldAmount, Operator: rules.OperatorRange,
			TolerancePercent: 1.0, ThenAction: rules.ActionFlagException, Priority: 2, Active: true,
		},
	})
	require.NoError(t, err)

	req := &RunRequest{
		JobID: "job-flag",
		Left: sourceInput(t, "bank.csv", models.SourceBank,
			[]ingest.Record{record("L1", "1000.00", "USD", "2024-01-15", "REF-1")}),
		Right: sourceInput(t, "settlement.csv", models.SourceSettlement,
			[]ingest.Record{record("R1", "1000.50", "USD", "2024-01-15", "REF-1")}),
		RuleSet: ruleSet,
	}

	result, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, result.MatchedCount)
	require.Equal(t, 1, result.ExceptionCount)

	exceptions, err := o.Exceptions("job-flag", nil)
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, models.ExceptionAmountMismatch, exceptions[0].Type)
	assert.Equal(t, models.SeverityHigh, exceptions[0].Severity)
	assert.ElementsMatch(t, []string{"L1", "R1"}, exceptions[0].InvolvedTransactionIDs)
}

func TestRunRejectsDuplicateJobID(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.Run(context.Background(), happyPathRequest(t, "job-1"))
	require.NoError(t, err)

	_, err = o.Run(context.Background(), happyPathRequest(t, "job-1"))
	require.Error(t, err)
	engErr, ok := apperrors.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeJobAlreadyRun, engErr.Code)
}

func TestRunRecoverableRowErrorsAreSkipped(t *testing.T) {
	o := newTestOrchestrator(t)

	// One malformed amount among many rows: below the 5% ceiling, the
	// run completes and the row lands in the skip log.
	var left, right []ingest.Record
	for i := 0; i < 15; i++ {
		ref := fmt.Sprintf("REF-%03d", i)
		left = append(left, record(fmt.Sprintf("L%d", i), "100.00", "USD", "2024-01-15", ref))
		right = append(right, record(fmt.Sprintf("R%d", i), "100.00", "USD", "2024-01-15", ref))
	}
	left = append(left, record("L-bad", "not-a-number", "USD", "2024-01-15", "REF-BAD"))

	req := &RunRequest{
		JobID:   "job-skip",
		Left:    sourceInput(t, "bank.csv", models.SourceBank, left),
		Right:   sourceInput(t, "settlement.csv", models.SourceSettlement, right),
		RuleSet: exactRefRuleSet(t),
	}

	result, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SkippedRows)
	assert.Equal(t, 15, result.MatchedCount)

	skipLog, err := o.SkipLog("job-skip")
	require.NoError(t, err)
	require.Equal(t, 1, skipLog.Len())
	assert.Equal(t, "bank.csv", skipLog.Entries[0].Source)
	assert.Equal(t, 16, skipLog.Entries[0].Row)
}

func TestRunFailsWhenSkipRatioExceeded(t *testing.T) {
	o := newTestOrchestrator(t)

	// 1 malformed row out of 10 is 10%, above the default 5% ceiling.
	left := []ingest.Record{
		record("L1", "100.00", "USD", "2024-01-15", "REF-001"),
		record("L2", "garbage", "USD", "2024-01-15", "REF-002"),
		record("L3", "100.00", "USD", "2024-01-15", "REF-003"),
		record("L4", "100.00", "USD", "2024-01-15", "REF-004"),
		record("L5", "100.00", "USD", "2024-01-15", "REF-005"),
	}
	right := []ingest.Record{
		record("R1", "100.00", "USD", "2024-01-15", "REF-001"),
		record("R2", "100.00", "USD", "2024-01-15", "REF-002"),
		record("R3", "100.00", "USD", "2024-01-15", "REF-003"),
		record("R4", "100.00", "USD", "2024-01-15", "REF-004"),
		record("R5", "100.00", "USD", "2024-01-15", "REF-005"),
	}

	req := &RunRequest{
		JobID:   "job-fail",
		Left:    sourceInput(t, "bank.csv", models.SourceBank, left),
		Right:   sourceInput(t, "settlement.csv", models.SourceSettlement, right),
		RuleSet: exactRefRuleSet(t),
	}

	result, err := o.Run(context.Background(), req)
	assert.Nil(t, result)
	require.Error(t, err)

	engErr, ok := apperrors.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CategoryDataQuality, engErr.Category)
	assert.Equal(t, apperrors.CodeSkipRatioExceeded, engErr.Code)
	assert.Equal(t, 3, engErr.GetExitCode())

	status, err := o.Status("job-fail")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, status.State)
}

func TestRunProgressEventSequence(t *testing.T) {
	o := newTestOrchestrator(t)

	req := happyPathRequest(t, "job-progress")
	events, cancel := o.Subscribe("job-progress")
	defer cancel()

	_, err := o.Run(context.Background(), req)
	require.NoError(t, err)

	// Run closed the hub for this job, so the channel drains and ends.
	var states []RunState
	var last Progress
	for ev := range events {
		assert.Equal(t, "job-progress", ev.JobID)
		assert.NotEmpty(t, ev.EventID)
		states = append(states, ev.State)
		last = ev
	}

	require.NotEmpty(t, states)
	assert.Equal(t, StateNormalizing, states[0])
	assert.Equal(t, StateCompleted, states[len(states)-1])
	assert.Equal(t, 100.0, last.PercentComplete)
	assert.Equal(t, 6, last.TotalRows)
	assert.Equal(t, 2, last.MatchesFound)

	// Monotonic stage order: no event goes backwards.
	order := map[RunState]int{
		StateNormalizing: 1, StateMatching: 2, StateClassifying: 3, StateCompleted: 4,
	}
	for i := 1; i < len(states); i++ {
		assert.GreaterOrEqual(t, order[states[i]], order[states[i-1]])
	}
}

func TestRunCancelledBeforeMatching(t *testing.T) {
	o := newTestOrchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.Run(ctx, happyPathRequest(t, "job-cancel"))
	require.Error(t, err)

	engErr, ok := apperrors.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CategoryCancellation, engErr.Category)
	assert.Equal(t, 6, engErr.GetExitCode())

	status, statusErr := o.Status("job-cancel")
	require.NoError(t, statusErr)
	assert.Equal(t, StateCancelled, status.State)

	if result != nil {
		assert.True(t, result.Partial)
	}
}

func TestExceptionsFilter(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.Run(context.Background(), happyPathRequest(t, "job-filter"))
	require.NoError(t, err)

	all, err := o.Exceptions("job-filter", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	missing, err := o.Exceptions("job-filter", &ExceptionFilter{
		Types: []models.ExceptionType{models.ExceptionMissingEntry},
	})
	require.NoError(t, err)
	assert.Len(t, missing, 2)

	none, err := o.Exceptions("job-filter", &ExceptionFilter{
		Types: []models.ExceptionType{models.ExceptionDuplicate},
	})
	require.NoError(t, err)
	assert.Empty(t, none)

	bySeverity, err := o.Exceptions("job-filter", &ExceptionFilter{
		Severities: []models.Severity{models.SeverityCritical},
	})
	require.NoError(t, err)
	// L3 is high value (99,999.00); R3 is not.
	assert.Len(t, bySeverity, 1)

	open, err := o.Exceptions("job-filter", &ExceptionFilter{
		Statuses: []models.ExceptionStatus{models.StatusOpen},
	})
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestIndependentJobsRunConcurrently(t *testing.T) {
	o := newTestOrchestrator(t)

	const jobs = 4
	var wg sync.WaitGroup
	errs := make([]error, jobs)

	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobID := fmt.Sprintf("job-conc-%d", i)
			_, errs[i] = o.Run(context.Background(), happyPathRequest(t, jobID))
		}(i)
	}
	wg.Wait()

	for i := 0; i < jobs; i++ {
		require.NoError(t, errs[i])
		result, err := o.Result(fmt.Sprintf("job-conc-%d", i))
		require.NoError(t, err)
		assert.Equal(t, 2, result.MatchedCount)
	}
}

func TestLookupUnknownJob(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.Status("nope")
	require.Error(t, err)
	engErr, ok := apperrors.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeJobNotFound, engErr.Code)

	_, err = o.Exceptions("nope", nil)
	assert.Error(t, err)
	_, err = o.Result("nope")
	assert.Error(t, err)
}

func TestRunRejectsEmptyJobID(t *testing.T) {
	o := newTestOrchestrator(t)

	req := happyPathRequest(t, "")
	_, err := o.Run(context.Background(), req)
	assert.Error(t, err)
}

func TestRunRejectsMissingRuleSet(t *testing.T) {
	o := newTestOrchestrator(t)

	req := happyPathRequest(t, "job-norules")
	req.RuleSet = nil
	_, err := o.Run(context.Background(), req)
	require.Error(t, err)

	engErr, ok := apperrors.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CategoryRuleConfig, engErr.Category)
}

func TestRunEmptyInputFails(t *testing.T) {
	o := newTestOrchestrator(t)

	req := &RunRequest{
		JobID:   "job-empty",
		Left:    sourceInput(t, "bank.csv", models.SourceBank, nil),
		Right:   sourceInput(t, "settlement.csv", models.SourceSettlement, nil),
		RuleSet: exactRefRuleSet(t),
	}

	_, err := o.Run(context.Background(), req)
	require.Error(t, err)

	engErr, ok := apperrors.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeEmptyInput, engErr.Code)
}

func TestStagePercent(t *testing.T) {
	assert.Equal(t, 0.0, stagePercent(StatePending))
	assert.Equal(t, 30.0, stagePercent(StateNormalizing))
	assert.Equal(t, 70.0, stagePercent(StateMatching))
	assert.Equal(t, 95.0, stagePercent(StateClassifying))
	assert.Equal(t, 100.0, stagePercent(StateCompleted))
	assert.Equal(t, 100.0, stagePercent(StateFailed))
	assert.Equal(t, 100.0, stagePercent(StateCancelled))
}
