// Package models defines the canonical data types flowing through the
// engine: normalized transactions, match results, exceptions and the
// aggregated run result.
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SourceType identifies the system a raw record originated from.
type SourceType string

const (
	SourceBank       SourceType = "bank"
	SourceSettlement SourceType = "settlement"
	SourceSwitch     SourceType = "switch"
	SourceCard       SourceType = "card"
	SourceGL         SourceType = "gl"
)

// String returns the string representation of SourceType
func (s SourceType) String() string {
	return string(s)
}

// IsValid checks if the source type is valid
func (s SourceType) IsValid() bool {
	switch s {
	case SourceBank, SourceSettlement, SourceSwitch, SourceCard, SourceGL:
		return true
	}
	return false
}

// ParseSourceType parses and validates a source type from string
func ParseSourceType(s string) (SourceType, error) {
	st := SourceType(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("invalid source type '%s': must be one of bank, settlement, switch, card, gl", s)
	}
	return st, nil
}

// CanonicalTransaction is a normalized record with standardized fields
// regardless of source format. Amounts are fixed-point integers in the
// currency's minor units; no floating-point currency anywhere. Instances
// are immutable once produced by the normalizer.
type CanonicalTransaction struct {
	ID              string            `json:"id"`
	SourceType      SourceType        `json:"sourceType"`
	Amount          int64             `json:"amount"` // minor units
	Currency        string            `json:"currency"`
	TransactionDate time.Time         `json:"transactionDate"`
	ValueDate       time.Time         `json:"valueDate"`
	ReferenceID     string            `json:"referenceId"`
	RawFields       map[string]string `json:"rawFields,omitempty"`
}

// Validate performs basic validation on the CanonicalTransaction
func (t *CanonicalTransaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("transaction id cannot be empty")
	}

	if !t.SourceType.IsValid() {
		return fmt.Errorf("invalid source type: %s", t.SourceType)
	}

	if strings.TrimSpace(t.Currency) == "" {
		return fmt.Errorf("transaction currency cannot be empty")
	}

	if t.TransactionDate.IsZero() {
		return fmt.Errorf("transaction date cannot be zero")
	}

	if strings.TrimSpace(t.ReferenceID) == "" {
		return fmt.Errorf("transaction reference id cannot be empty")
	}

	return nil
}

// String returns a string representation of the transaction
func (t *CanonicalTransaction) String() string {
	return fmt.Sprintf("CanonicalTransaction{ID: %s, Source: %s, Amount: %d %s, Date: %s, Ref: %s}",
		t.ID, t.SourceType, t.Amount, t.Currency,
		t.TransactionDate.Format("2006-01-02"), t.ReferenceID)
}

// AmountDecimal returns the amount as a decimal in minor units, for
// percentage tolerance arithmetic.
func (t *CanonicalTransaction) AmountDecimal() decimal.Decimal {
	return decimal.NewFromInt(t.Amount)
}

// DateKey returns the calendar-day key used for date equality and
// blocking-index bucketing.
func (t *CanonicalTransaction) DateKey() string {
	return t.TransactionDate.Format("2006-01-02")
}

// AmountDelta returns the absolute minor-unit difference between two
// transaction amounts.
func AmountDelta(a, b *CanonicalTransaction) int64 {
	d := a.Amount - b.Amount
	if d < 0 {
		d = -d
	}
	return d
}

// DateDeltaDays returns the absolute difference between two transaction
// dates in whole calendar days.
func DateDeltaDays(a, b *CanonicalTransaction) int {
	return CalendarDaysBetween(a.TransactionDate, b.TransactionDate)
}

// CalendarDaysBetween returns the absolute number of whole days between
// two timestamps, comparing at day granularity.
func CalendarDaysBetween(a, b time.Time) int {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)

	days := int(ad.Sub(bd).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}

// SortTransactions orders transactions by ID ascending. Matching iterates
// sorted inputs so reruns over identical inputs produce identical output.
func SortTransactions(txs []*CanonicalTransaction) {
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].ID < txs[j].ID
	})
}

// MatchResult records one accepted pairing between a left-side and a
// right-side transaction. A transaction id appears in at most one
// MatchResult per run, on either side.
type MatchResult struct {
	LeftTransactionID  string  `json:"leftTransactionId"`
	RightTransactionID string  `json:"rightTransactionId"`
	MatchedByRuleID    string  `json:"matchedByRuleId"`
	Confidence         float64 `json:"confidence"`
	AmountDeltaMinor   int64   `json:"amountDeltaMinor"`
	DateDeltaDays      int     `json:"dateDeltaDays"`
}

// ExceptionType classifies a flagged discrepancy.
type ExceptionType string

const (
	ExceptionAmountMismatch   ExceptionType = "amount_mismatch"
	ExceptionDateMismatch     ExceptionType = "date_mismatch"
	ExceptionMissingEntry     ExceptionType = "missing_entry"
	ExceptionDuplicate        ExceptionType = "duplicate"
	ExceptionTimingDifference ExceptionType = "timing_difference"
	ExceptionNonSettlement    ExceptionType = "non_settlement"
)

// IsValid checks if the exception type is valid
func (et ExceptionType) IsValid() bool {
	switch et {
	case ExceptionAmountMismatch, ExceptionDateMismatch, ExceptionMissingEntry,
		ExceptionDuplicate, ExceptionTimingDifference, ExceptionNonSettlement:
		return true
	}
	return false
}

// Severity grades an exception for triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ExceptionStatus tracks the workflow state of an exception. Transitions
// are driven by the external exception-management workflow, not by the
// engine; the engine only creates exceptions in StatusOpen.
type ExceptionStatus string

const (
	StatusOpen       ExceptionStatus = "open"
	StatusInProgress ExceptionStatus = "in_progress"
	StatusResolved   ExceptionStatus = "resolved"
	StatusEscalated  ExceptionStatus = "escalated"
)

// IsValid checks if the status is valid
func (s ExceptionStatus) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusEscalated:
		return true
	}
	return false
}

// CanTransitionTo reports whether the external workflow may move an
// exception from this status to the target status.
func (s ExceptionStatus) CanTransitionTo(target ExceptionStatus) bool {
	switch s {
	case StatusOpen:
		return target == StatusInProgress || target == StatusEscalated
	case StatusInProgress:
		return target == StatusResolved || target == StatusEscalated
	case StatusEscalated:
		return target == StatusResolved || target == StatusInProgress
	default:
		return false
	}
}

// Exception is a flagged discrepancy requiring human or automated
// follow-up. Created only by the classifier.
type Exception struct {
	ID                     string          `json:"id"`
	JobID                  string          `json:"jobId"`
	Type                   ExceptionType   `json:"type"`
	Severity               Severity        `json:"severity"`
	Confidence             float64         `json:"confidence"`
	InvolvedTransactionIDs []string        `json:"involvedTransactionIds"`
	Explanation            string          `json:"explanation"`
	SuggestedAction        string          `json:"suggestedAction"`
	Status                 ExceptionStatus `json:"status"`
	CreatedAt              time.Time       `json:"createdAt"`
}

// Validate performs basic validation on the Exception
func (e *Exception) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("exception id cannot be empty")
	}

	if strings.TrimSpace(e.JobID) == "" {
		return fmt.Errorf("exception job id cannot be empty")
	}

	if !e.Type.IsValid() {
		return fmt.Errorf("invalid exception type: %s", e.Type)
	}

	if !e.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", e.Severity)
	}

	if !e.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", e.Status)
	}

	if n := len(e.InvolvedTransactionIDs); n < 1 || n > 2 {
		return fmt.Errorf("exception must involve 1 or 2 transactions, got %d", n)
	}

	// 1.0 is reserved for certain matches; exception confidence is capped.
	if e.Confidence < 0.5 || e.Confidence > 0.99 {
		return fmt.Errorf("exception confidence %.4f outside [0.5, 0.99]", e.Confidence)
	}

	return nil
}

// ReconciliationResult is the aggregated outcome of one run. Built once at
// run completion and never mutated afterward.
type ReconciliationResult struct {
	JobID                string                `json:"jobId"`
	TotalTransactions    int                   `json:"totalTransactions"`
	MatchedCount         int                   `json:"matchedCount"`
	ExceptionCount       int                   `json:"exceptionCount"`
	MatchRate            float64               `json:"matchRate"`
	ExceptionsByType     map[ExceptionType]int `json:"exceptionsByType"`
	ExceptionsBySeverity map[Severity]int      `json:"exceptionsBySeverity"`
	SkippedRows          int                   `json:"skippedRows"`
	Partial              bool                  `json:"partial"`
	ProcessingTimeMs     int64                 `json:"processingTimeMs"`
}

// NewReconciliationResult aggregates matches and exceptions into the
// immutable run summary. MatchRate counts both sides of every match
// against the total transaction count and is bounded in [0,1].
func NewReconciliationResult(
	jobID string,
	totalTransactions int,
	matches []MatchResult,
	exceptions []*Exception,
	skippedRows int,
	partial bool,
	elapsed time.Duration,
) *ReconciliationResult {
	result := &ReconciliationResult{
		JobID:                jobID,
		TotalTransactions:    totalTransactions,
		MatchedCount:         len(matches),
		ExceptionCount:       len(exceptions),
		ExceptionsByType:     make(map[ExceptionType]int),
		ExceptionsBySeverity: make(map[Severity]int),
		SkippedRows:          skippedRows,
		Partial:              partial,
		ProcessingTimeMs:     elapsed.Milliseconds(),
	}

	for _, ex := range exceptions {
		result.ExceptionsByType[ex.Type]++
		result.ExceptionsBySeverity[ex.Severity]++
	}

	if totalTransactions > 0 {
		result.MatchRate = float64(len(matches)*2) / float64(totalTransactions)
		if result.MatchRate > 1.0 {
			result.MatchRate = 1.0
		}
	}

	return result
}
