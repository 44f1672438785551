// Package engine orchestrates reconciliation runs: normalization, then
// matching, then classification over a batch, with progress events, a skip
// log for malformed rows, and an aggregated immutable result per job.
//
// Each job owns its own transaction sets, rule-set snapshot and result;
// independent jobs run concurrently with no shared mutable state. A run's
// rule set is snapshotted at start, so concurrent edits to the live rule
// configuration never affect an in-flight run.
package engine

import (
	"context"
	"sync"
	"time"

	"recon-core/internal/classifier"
	"recon-core/internal/ingest"
	"recon-core/internal/matcher"
	"recon-core/internal/models"
	"recon-core/internal/normalizer"
	"recon-core/internal/rules"
	apperrors "recon-core/pkg/errors"
	"recon-core/pkg/logger"
)

// Config holds orchestrator settings plus the component configurations a
// run is built from.
type Config struct {
	// SkipRatioCeiling is the tolerated fraction of malformed rows. Above
	// it the run fails with a data quality error.
	SkipRatioCeiling float64 `json:"skipRatioCeiling"`

	// EventBuffer sizes each subscriber's progress channel.
	EventBuffer int `json:"eventBuffer"`

	Matcher    *matcher.Config    `json:"matcher"`
	Classifier *classifier.Config `json:"classifier"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		SkipRatioCeiling: 0.05,
		EventBuffer:      64,
		Matcher:          matcher.DefaultConfig(),
		Classifier:       classifier.DefaultConfig(),
	}
}

// Validate checks the orchestrator configuration.
func (c *Config) Validate() error {
	if c.SkipRatioCeiling < 0 || c.SkipRatioCeiling > 1 {
		return apperrors.New(apperrors.CategoryInternal, apperrors.CodeUnexpectedError,
			"skip ratio ceiling must be within [0,1]")
	}
	return nil
}

// SourceInput is one side's raw records plus the mapping spec the
// normalizer applies to them. File ingestion and column mapping live
// outside the core; the engine receives already-read records.
type SourceInput struct {
	Name    string
	Records []ingest.Record
	Mapping *normalizer.MappingSpec
}

// RunRequest describes one reconciliation run. The rule set is managed
// externally and passed by reference; the engine only reads it.
type RunRequest struct {
	JobID   string
	Left    SourceInput
	Right   SourceInput
	RuleSet *rules.RuleSet
}

// Status is the poll view of a run.
type Status struct {
	JobID           string   `json:"jobId"`
	State           RunState `json:"state"`
	PercentComplete float64  `json:"percentComplete"`
	TotalRows       int      `json:"totalRows"`
	NormalizedRows  int      `json:"normalizedRows"`
	SkippedRows     int      `json:"skippedRows"`
	MatchesFound    int      `json:"matchesFound"`
	ExceptionsFound int      `json:"exceptionsFound"`
}

// ExceptionFilter narrows the exception listing for downstream workflow.
// Zero-valued fields do not filter.
type ExceptionFilter struct {
	Types      []models.ExceptionType
	Severities []models.Severity
	Statuses   []models.ExceptionStatus
}

// jobRun is the per-job mutable state. Owned by exactly one Run goroutine;
// readers go through the mutex.
type jobRun struct {
	mu sync.RWMutex

	jobID      string
	state      RunState
	progress   Progress
	matches    []models.MatchResult
	exceptions []*models.Exception
	skipLog    *apperrors.SkipLog
	result     *models.ReconciliationResult
	runErr     *apperrors.EngineError
}

// Orchestrator coordinates runs and retains their results for status,
// event and exception queries.
type Orchestrator struct {
	config     *Config
	matcher    *matcher.Engine
	classifier *classifier.Classifier
	hub        *progressHub
	log        logger.Logger

	mu   sync.RWMutex
	jobs map[string]*jobRun
}

// New creates an Orchestrator with the specified configuration.
func New(config *Config) (*Orchestrator, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	matchEngine, err := matcher.NewEngine(config.Matcher)
	if err != nil {
		return nil, err
	}

	cls, err := classifier.New(config.Classifier)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		config:     config,
		matcher:    matchEngine,
		classifier: cls,
		hub:        newProgressHub(config.EventBuffer),
		log:        logger.WithComponent("orchestrator"),
	}, nil
}

// Run executes one reconciliation end to end. It blocks until the run
// reaches a terminal state; callers wanting live updates subscribe before
// calling. On cancellation the partial result built from atomically
// completed stages is returned alongside the cancellation error.
func (o *Orchestrator) Run(ctx context.Context, req *RunRequest) (*models.ReconciliationResult, error) {
	if req == nil || req.RuleSet == nil {
		return nil, apperrors.RuleConfigurationError(apperrors.CodeEmptyRuleSet, "", "")
	}

	run, err := o.register(req.JobID)
	if err != nil {
		return nil, err
	}
	defer o.hub.Close(req.JobID)

	log := o.log.WithJob(req.JobID).WithFields(logger.Fields{
		"rule_set": req.RuleSet.ID,
		"version":  req.RuleSet.Version,
	})
	log.Info("starting reconciliation run")

	started := time.Now()

	// Copy-on-start: the run uses its own rule-set snapshot for its whole
	// lifetime.
	snapshot := req.RuleSet.Snapshot()
	totalRows := len(req.Left.Records) + len(req.Right.Records)

	// Normalizing.
	o.transition(run, StateNormalizing, func(p *Progress) {
		p.TotalRows = totalRows
	})

	left, right, skipLog, err := o.normalize(req)
	if err != nil {
		return nil, o.fail(run, started, err, log)
	}

	normalized := len(left) + len(right)
	o.transition(run, StateNormalizing, func(p *Progress) {
		p.NormalizedRows = normalized
		p.SkippedRows = skipLog.Len()
	})
	run.setSkipLog(skipLog)

	if totalRows > 0 {
		ratio := float64(skipLog.Len()) / float64(totalRows)
		if ratio > o.config.SkipRatioCeiling {
			return nil, o.fail(run, started,
				apperrors.DataQualityError(apperrors.CodeSkipRatioExceeded, skipLog.Len(), totalRows), log)
		}
	}

	if err := ctx.Err(); err != nil {
		return o.cancel(run, req.JobID, started, normalized, "normalizing", log)
	}

	// Matching.
	o.transition(run, StateMatching, nil)

	outcome, err := o.matcher.Match(ctx, left, right, snapshot)
	if err != nil {
		return nil, o.fail(run, started, err, log)
	}

	run.setMatches(outcome.Matches)
	o.transition(run, StateMatching, func(p *Progress) {
		p.MatchesFound = len(outcome.Matches)
	})

	if outcome.Cancelled {
		// Matches from partitions that completed before cancellation
		// landed are retained and reported, not silently discarded.
		return o.cancelWithPartial(run, req.JobID, started, normalized, skipLog, outcome, log)
	}

	// Classifying.
	o.transition(run, StateClassifying, nil)

	exceptions := o.classify(req.JobID, left, right, outcome)
	run.setExceptions(exceptions)
	o.transition(run, StateClassifying, func(p *Progress) {
		p.ExceptionsFound = len(exceptions)
	})

	if err := ctx.Err(); err != nil {
		return o.cancelWithPartial(run, req.JobID, started, normalized, skipLog, outcome, log)
	}

	// Completed: build the immutable audit artifact.
	result := models.NewReconciliationResult(
		req.JobID, normalized, outcome.Matches, exceptions,
		skipLog.Len(), false, time.Since(started))
	run.complete(result)
	o.transition(run, StateCompleted, func(p *Progress) {
		p.MatchesFound = len(outcome.Matches)
		p.ExceptionsFound = len(exceptions)
	})

	log.WithFields(logger.Fields{
		"matched":    result.MatchedCount,
		"exceptions": result.ExceptionCount,
		"match_rate": result.MatchRate,
		"elapsed_ms": result.ProcessingTimeMs,
	}).Info("reconciliation run completed")

	return result, nil
}

// Status returns the poll view of a job's run.
func (o *Orchestrator) Status(jobID string) (*Status, error) {
	run, err := o.lookup(jobID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return &Status{
		JobID:           jobID,
		State:           run.state,
		PercentComplete: run.progress.PercentComplete,
		TotalRows:       run.progress.TotalRows,
		NormalizedRows:  run.progress.NormalizedRows,
		SkippedRows:     run.progress.SkippedRows,
		MatchesFound:    run.progress.MatchesFound,
		ExceptionsFound: run.progress.ExceptionsFound,
	}, nil
}

// Subscribe streams progress events for a job. The cancel function
// detaches the subscriber without affecting the run.
func (o *Orchestrator) Subscribe(jobID string) (<-chan Progress, func()) {
	return o.hub.Subscribe(jobID)
}

// Exceptions lists a job's exceptions, optionally filtered, for the
// downstream exception-management workflow.
func (o *Orchestrator) Exceptions(jobID string, filter *ExceptionFilter) ([]*models.Exception, error) {
	run, err := o.lookup(jobID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	var matched []*models.Exception
	for _, ex := range run.exceptions {
		if filter.allows(ex) {
			matched = append(matched, ex)
		}
	}

	return matched, nil
}

// Result returns the completed run's immutable result.
func (o *Orchestrator) Result(jobID string) (*models.ReconciliationResult, error) {
	run, err := o.lookup(jobID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	if run.result == nil {
		return nil, apperrors.InternalError(apperrors.CodeJobNotFound, "result lookup", nil).
			WithContext("job_id", jobID).
			WithSuggestion("the run has not reached a terminal state yet")
	}

	return run.result, nil
}

// Matches returns the match results of a run.
func (o *Orchestrator) Matches(jobID string) ([]models.MatchResult, error) {
	run, err := o.lookup(jobID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return run.matches, nil
}

// SkipLog returns the per-row skip audit record of a run.
func (o *Orchestrator) SkipLog(jobID string) (*apperrors.SkipLog, error) {
	run, err := o.lookup(jobID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	if run.skipLog == nil {
		return &apperrors.SkipLog{}, nil
	}
	return run.skipLog, nil
}

func (o *Orchestrator) register(jobID string) (*jobRun, error) {
	if jobID == "" {
		return nil, apperrors.InternalError(apperrors.CodeJobNotFound, "run registration", nil).
			WithSuggestion("provide a non-empty job id")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.jobs[jobID]; exists {
		return nil, apperrors.InternalError(apperrors.CodeJobAlreadyRun, "run registration", nil).
			WithContext("job_id", jobID)
	}

	if o.jobs == nil {
		o.jobs = make(map[string]*jobRun)
	}

	run := &jobRun{
		jobID: jobID,
		state: StatePending,
		progress: Progress{
			JobID: jobID,
			State: StatePending,
		},
	}
	o.jobs[jobID] = run

	return run, nil
}

func (o *Orchestrator) lookup(jobID string) (*jobRun, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	run, ok := o.jobs[jobID]
	if !ok {
		return nil, apperrors.InternalError(apperrors.CodeJobNotFound, "job lookup", nil).
			WithContext("job_id", jobID)
	}

	return run, nil
}

// stagePercent maps states to coarse completion percentages for live
// status displays.
func stagePercent(state RunState) float64 {
	switch state {
	case StatePending:
		return 0
	case StateNormalizing:
		return 30
	case StateMatching:
		return 70
	case StateClassifying:
		return 95
	default:
		return 100
	}
}

// transition moves the run's state machine and publishes a progress event.
func (o *Orchestrator) transition(run *jobRun, state RunState, update func(*Progress)) {
	run.mu.Lock()
	run.state = state
	run.progress.State = state
	run.progress.PercentComplete = stagePercent(state)
	if update != nil {
		update(&run.progress)
	}
	ev := run.progress
	run.mu.Unlock()

	o.hub.Publish(ev)
}

// fail moves the run to the failed terminal state, preserving whatever
// stage results were already committed for partial auditability.
func (o *Orchestrator) fail(run *jobRun, started time.Time, err error, log logger.Logger) *apperrors.EngineError {
	engineErr, ok := apperrors.AsEngineError(err)
	if !ok {
		engineErr = apperrors.Wrap(err, apperrors.CategoryInternal,
			apperrors.CodeUnexpectedError, "run failed")
	}

	run.mu.Lock()
	run.runErr = engineErr
	run.mu.Unlock()

	o.transition(run, StateFailed, nil)
	log.WithError(engineErr).WithField("elapsed", time.Since(started)).Error("reconciliation run failed")

	return engineErr
}

// cancel ends a run cancelled before any matching stage completed.
func (o *Orchestrator) cancel(
	run *jobRun,
	jobID string,
	started time.Time,
	normalized int,
	stage string,
	log logger.Logger,
) (*models.ReconciliationResult, error) {
	cancelErr := apperrors.CancellationError(jobID, stage)

	run.mu.Lock()
	run.runErr = cancelErr
	run.mu.Unlock()

	o.transition(run, StateCancelled, nil)
	log.WithField("stage", stage).Warn("reconciliation run cancelled")

	return nil, cancelErr
}

// cancelWithPartial ends a cancelled run while reporting the matches from
// partitions that completed atomically before cancellation landed.
func (o *Orchestrator) cancelWithPartial(
	run *jobRun,
	jobID string,
	started time.Time,
	normalized int,
	skipLog *apperrors.SkipLog,
	outcome *matcher.Outcome,
	log logger.Logger,
) (*models.ReconciliationResult, error) {
	cancelErr := apperrors.CancellationError(jobID, "matching")

	result := models.NewReconciliationResult(
		jobID, normalized, outcome.Matches, nil,
		skipLog.Len(), true, time.Since(started))

	run.mu.Lock()
	run.runErr = cancelErr
	run.result = result
	run.mu.Unlock()

	o.transition(run, StateCancelled, func(p *Progress) {
		p.MatchesFound = len(outcome.Matches)
	})
	log.WithField("matches_retained", len(outcome.Matches)).Warn("reconciliation run cancelled, partial result retained")

	return result, cancelErr
}

// normalize converts both sides' raw records, collecting recoverable
// per-row mapping errors into the skip log.
func (o *Orchestrator) normalize(req *RunRequest) (
	[]*models.CanonicalTransaction,
	[]*models.CanonicalTransaction,
	*apperrors.SkipLog,
	error,
) {
	skipLog := &apperrors.SkipLog{}

	left, err := normalizeSide(req.Left, skipLog)
	if err != nil {
		return nil, nil, nil, err
	}

	right, err := normalizeSide(req.Right, skipLog)
	if err != nil {
		return nil, nil, nil, err
	}

	if len(left)+len(right) == 0 {
		return nil, nil, nil, apperrors.DataQualityError(
			apperrors.CodeEmptyInput, skipLog.Len(), len(req.Left.Records)+len(req.Right.Records))
	}

	return left, right, skipLog, nil
}

func normalizeSide(input SourceInput, skipLog *apperrors.SkipLog) ([]*models.CanonicalTransaction, error) {
	norm, err := normalizer.New(input.Mapping)
	if err != nil {
		return nil, err
	}

	txs := make([]*models.CanonicalTransaction, 0, len(input.Records))
	for i, record := range input.Records {
		tx, err := norm.Normalize(record)
		if err != nil {
			engineErr, ok := apperrors.AsEngineError(err)
			if ok && engineErr.IsRecoverable() {
				// Bad row: excluded from the canonical set, recorded for
				// audit, counted toward the skip ratio.
				skipLog.Add(input.Name, i+1, engineErr)
				continue
			}
			return nil, err
		}
		txs = append(txs, tx)
	}

	return txs, nil
}

// classify turns flagged pairs and residue into exceptions.
func (o *Orchestrator) classify(
	jobID string,
	left, right []*models.CanonicalTransaction,
	outcome *matcher.Outcome,
) []*models.Exception {
	var exceptions []*models.Exception

	for _, pair := range outcome.Flagged {
		exceptions = append(exceptions, o.classifier.ClassifyFlagged(jobID, pair))
	}

	// Reference ids of matched transactions per side, for duplicate
	// detection among the residue.
	matchedLeftRefs := matchedReferenceIDs(left, outcome.Matches, true)
	matchedRightRefs := matchedReferenceIDs(right, outcome.Matches, false)

	for _, tx := range outcome.LeftResidue {
		exceptions = append(exceptions, o.classifier.ClassifyResidue(jobID, tx, outcome.RightResidue, matchedLeftRefs))
	}
	for _, tx := range outcome.RightResidue {
		exceptions = append(exceptions, o.classifier.ClassifyResidue(jobID, tx, outcome.LeftResidue, matchedRightRefs))
	}

	return exceptions
}

// matchedReferenceIDs collects the reference ids of one side's matched
// transactions.
func matchedReferenceIDs(side []*models.CanonicalTransaction, matches []models.MatchResult, isLeft bool) map[string]bool {
	matchedIDs := make(map[string]bool, len(matches))
	for _, m := range matches {
		if isLeft {
			matchedIDs[m.LeftTransactionID] = true
		} else {
			matchedIDs[m.RightTransactionID] = true
		}
	}

	refs := make(map[string]bool)
	for _, tx := range side {
		if matchedIDs[tx.ID] {
			refs[tx.ReferenceID] = true
		}
	}

	return refs
}

// Helpers on jobRun keep lock handling in one place.

func (r *jobRun) setSkipLog(sl *apperrors.SkipLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipLog = sl
}

func (r *jobRun) setMatches(matches []models.MatchResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches = matches
}

func (r *jobRun) setExceptions(exceptions []*models.Exception) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exceptions = exceptions
}

func (r *jobRun) complete(result *models.ReconciliationResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = result
}

// allows reports whether the filter admits the exception. A nil filter
// admits everything.
func (f *ExceptionFilter) allows(ex *models.Exception) bool {
	if f == nil {
		return true
	}

	if len(f.Types) > 0 && !containsType(f.Types, ex.Type) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, ex.Severity) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, ex.Status) {
		return false
	}

	return true
}

func containsType(list []models.ExceptionType, v models.ExceptionType) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsSeverity(list []models.Severity, v models.Severity) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsStatus(list []models.ExceptionStatus, v models.ExceptionStatus) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
