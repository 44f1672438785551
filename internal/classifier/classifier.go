// Package classifier assigns exception type, severity and confidence to
// matching residue and to pairs flagged by flag_exception rules. Only this
// package creates Exception records; workflow transitions afterward belong
// to the external exception-management system.
package classifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"recon-core/internal/matcher"
	"recon-core/internal/models"
	apperrors "recon-core/pkg/errors"
	"recon-core/pkg/logger"
)

// exceptionNamespace seeds deterministic exception ids: re-running the
// same inputs yields the same id for the same discrepancy.
var exceptionNamespace = uuid.MustParse("7f1c2a4e-9d3b-4f60-8a52-c1d74b6e0f19")

// Config holds classification thresholds. All of them are configuration,
// not constants: the right values are a product decision per deployment.
type Config struct {
	// HighValueThresholdMinor separates high from critical severity for
	// missing entries and amount mismatches, in minor units.
	HighValueThresholdMinor int64 `json:"highValueThresholdMinor"`

	// TimingWindowDays is the short window within which a pure date
	// difference is a timing difference rather than a date mismatch.
	TimingWindowDays int `json:"timingWindowDays"`

	// SettlementLagDays is the window searched for a close-amount
	// counterpart before a single-sided residue is called a missing entry.
	SettlementLagDays int `json:"settlementLagDays"`

	// NearMissAmountPercent defines "close amount" for the settlement-lag
	// heuristic, as a percentage of the larger amount.
	NearMissAmountPercent float64 `json:"nearMissAmountPercent"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HighValueThresholdMinor: 1_000_000,
		TimingWindowDays:        3,
		SettlementLagDays:       7,
		NearMissAmountPercent:   1.0,
	}
}

// Validate checks the classifier configuration.
func (c *Config) Validate() error {
	if c.HighValueThresholdMinor < 0 {
		return apperrors.New(apperrors.CategoryInternal, apperrors.CodeUnexpectedError,
			"high value threshold cannot be negative")
	}
	if c.TimingWindowDays < 0 || c.SettlementLagDays < 0 {
		return apperrors.New(apperrors.CategoryInternal, apperrors.CodeUnexpectedError,
			"classification windows cannot be negative")
	}
	if c.NearMissAmountPercent < 0 {
		return apperrors.New(apperrors.CategoryInternal, apperrors.CodeUnexpectedError,
			"near-miss percentage cannot be negative")
	}
	return nil
}

// Classifier inspects residue and flagged pairs and produces exceptions.
type Classifier struct {
	config *Config
	log    logger.Logger
}

// New creates a Classifier with the specified configuration.
func New(config *Config) (*Classifier, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Classifier{
		config: config,
		log:    logger.WithComponent("classifier"),
	}, nil
}

// ClassifyFlagged types a pair retired by a flag_exception rule. Which
// field mismatched decides the type; amount correctness is the dominant
// signal, so a combined mismatch classifies as amount_mismatch.
func (c *Classifier) ClassifyFlagged(jobID string, pair matcher.FlaggedPair) *models.Exception {
	amountDelta := pair.AmountDeltaMinor
	dateDelta := pair.DateDeltaDays

	var exType models.ExceptionType
	var explanation string

	switch {
	case amountDelta > 0:
		exType = models.ExceptionAmountMismatch
		explanation = fmt.Sprintf(
			"amounts differ by %d minor units between %s (%d) and %s (%d)",
			amountDelta, pair.Left.ID, pair.Left.Amount, pair.Right.ID, pair.Right.Amount)

	case dateDelta > 0 && dateDelta <= c.config.TimingWindowDays:
		exType = models.ExceptionTimingDifference
		explanation = fmt.Sprintf(
			"dates differ by %d day(s) within the %d-day settlement timing window",
			dateDelta, c.config.TimingWindowDays)

	case dateDelta > 0:
		exType = models.ExceptionDateMismatch
		explanation = fmt.Sprintf(
			"dates differ by %d day(s), beyond the %d-day timing window",
			dateDelta, c.config.TimingWindowDays)

	default:
		// Flagged with identical amount and date: the rule fired on a
		// string field, which reads as a duplicated entry.
		exType = models.ExceptionDuplicate
		explanation = fmt.Sprintf(
			"entries %s and %s carry the same amount and date but were flagged by rule %s",
			pair.Left.ID, pair.Right.ID, pair.RuleID)
	}

	larger := pair.Left.Amount
	if pair.Right.Amount > larger {
		larger = pair.Right.Amount
	}

	return c.build(jobID, exType,
		[]string{pair.Left.ID, pair.Right.ID},
		larger,
		c.flaggedConfidence(exType, pair),
		explanation,
	)
}

// ClassifyResidue types a single-sided residue: present in one source,
// absent in the other. matchedSameSourceRefs holds the reference ids of
// same-source transactions that were successfully matched this run.
func (c *Classifier) ClassifyResidue(
	jobID string,
	tx *models.CanonicalTransaction,
	otherSide []*models.CanonicalTransaction,
	matchedSameSourceRefs map[string]bool,
) *models.Exception {
	if matchedSameSourceRefs[tx.ReferenceID] {
		return c.build(jobID, models.ExceptionDuplicate,
			[]string{tx.ID},
			tx.Amount,
			0.99,
			fmt.Sprintf("reference %s was already matched for another %s entry; this looks like a duplicated booking",
				tx.ReferenceID, tx.SourceType),
		)
	}

	nearest, nearestRatio := c.nearestAmountCandidate(tx, otherSide)

	nearMissFraction := c.config.NearMissAmountPercent / 100.0
	if nearest != nil && nearestRatio <= nearMissFraction {
		closeness := 0.0
		if nearMissFraction > 0 {
			closeness = clamp01(1.0 - nearestRatio/nearMissFraction)
		}
		return c.build(jobID, models.ExceptionNonSettlement,
			[]string{tx.ID},
			tx.Amount,
			scaleConfidence(closeness),
			fmt.Sprintf("a close-amount counterpart (%s) exists within the %d-day settlement lag window; likely not yet settled",
				nearest.ID, c.config.SettlementLagDays),
		)
	}

	// No close counterpart anywhere near: the entry is missing on the
	// other side. A far-but-present candidate lowers confidence slightly.
	confidence := 0.95
	if nearest != nil && nearestRatio > 0 {
		ambiguity := clamp01(nearMissFraction / nearestRatio)
		confidence = 0.95 - 0.45*ambiguity
	}

	return c.build(jobID, models.ExceptionMissingEntry,
		[]string{tx.ID},
		tx.Amount,
		confidence,
		fmt.Sprintf("no counterpart for reference %s on the other side within ±%d day(s)",
			tx.ReferenceID, c.config.SettlementLagDays),
	)
}

// nearestAmountCandidate finds the other-side transaction with the
// smallest relative amount delta inside the settlement-lag window.
func (c *Classifier) nearestAmountCandidate(
	tx *models.CanonicalTransaction,
	otherSide []*models.CanonicalTransaction,
) (*models.CanonicalTransaction, float64) {
	var nearest *models.CanonicalTransaction
	nearestRatio := 0.0

	for _, candidate := range otherSide {
		if candidate.Currency != tx.Currency {
			continue
		}
		if models.DateDeltaDays(tx, candidate) > c.config.SettlementLagDays {
			continue
		}

		larger := tx.Amount
		if candidate.Amount > larger {
			larger = candidate.Amount
		}
		if larger <= 0 {
			continue
		}

		ratio := float64(models.AmountDelta(tx, candidate)) / float64(larger)
		if nearest == nil || ratio < nearestRatio ||
			(ratio == nearestRatio && candidate.ID < nearest.ID) {
			nearest = candidate
			nearestRatio = ratio
		}
	}

	return nearest, nearestRatio
}

// flaggedConfidence derives confidence from how close the pair's fields
// were: smaller deltas mean higher confidence the classification is right.
func (c *Classifier) flaggedConfidence(exType models.ExceptionType, pair matcher.FlaggedPair) float64 {
	switch exType {
	case models.ExceptionAmountMismatch:
		larger := pair.Left.Amount
		if pair.Right.Amount > larger {
			larger = pair.Right.Amount
		}
		if larger <= 0 {
			return 0.5
		}
		ratio := float64(pair.AmountDeltaMinor) / float64(larger)
		return scaleConfidence(clamp01(1.0 - ratio))

	case models.ExceptionTimingDifference:
		return scaleConfidence(clamp01(1.0 - float64(pair.DateDeltaDays)/float64(c.config.TimingWindowDays+1)))

	case models.ExceptionDateMismatch:
		return scaleConfidence(1.0 / (1.0 + float64(pair.DateDeltaDays)))

	default:
		return 0.95
	}
}

// build assembles a validated exception. Ids are deterministic over
// (jobID, type, involved transactions) so reruns over identical inputs
// produce identical exception sets.
func (c *Classifier) build(
	jobID string,
	exType models.ExceptionType,
	involved []string,
	amountMinor int64,
	confidence float64,
	explanation string,
) *models.Exception {
	key := fmt.Sprintf("%s|%s|%s", jobID, exType, strings.Join(involved, ","))

	ex := &models.Exception{
		ID:                     uuid.NewSHA1(exceptionNamespace, []byte(key)).String(),
		JobID:                  jobID,
		Type:                   exType,
		Severity:               c.severity(exType, amountMinor),
		Confidence:             boundConfidence(confidence),
		InvolvedTransactionIDs: involved,
		Explanation:            explanation,
		SuggestedAction:        suggestedAction(exType),
		Status:                 models.StatusOpen,
		CreatedAt:              time.Now().UTC(),
	}

	c.log.WithJob(jobID).WithFields(logger.Fields{
		"type":       exType,
		"severity":   ex.Severity,
		"confidence": ex.Confidence,
	}).Debug("classified exception")

	return ex
}

// severity grades an exception by type and amount magnitude relative to
// the high-value threshold.
func (c *Classifier) severity(exType models.ExceptionType, amountMinor int64) models.Severity {
	if amountMinor < 0 {
		amountMinor = -amountMinor
	}

	switch exType {
	case models.ExceptionMissingEntry, models.ExceptionAmountMismatch:
		if amountMinor > c.config.HighValueThresholdMinor {
			return models.SeverityCritical
		}
		return models.SeverityHigh
	case models.ExceptionTimingDifference, models.ExceptionDateMismatch:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func suggestedAction(exType models.ExceptionType) string {
	switch exType {
	case models.ExceptionAmountMismatch:
		return "Compare the source records and post an adjusting entry for the difference"
	case models.ExceptionDateMismatch:
		return "Verify the booking dates with the counterparty before writing off"
	case models.ExceptionMissingEntry:
		return "Check whether the entry is pending upstream or request it from the counterparty"
	case models.ExceptionDuplicate:
		return "Confirm the duplicated booking and reverse the extra entry"
	case models.ExceptionTimingDifference:
		return "Carry forward; expected to clear within the settlement window"
	case models.ExceptionNonSettlement:
		return "Hold until the settlement lag elapses, then re-run the reconciliation"
	default:
		return "Review manually"
	}
}

// boundConfidence keeps exception confidence inside [0.5, 0.99]; exactly
// 1.0 is reserved for certain matches.
func boundConfidence(v float64) float64 {
	if v < 0.5 {
		return 0.5
	}
	if v > 0.99 {
		return 0.99
	}
	return v
}

// scaleConfidence maps a closeness in [0,1] onto the exception confidence
// band [0.5, 0.99].
func scaleConfidence(closeness float64) float64 {
	return 0.5 + 0.49*clamp01(closeness)
}

func clamp01(v float64) float64 {
	if v < 0.0 {
		return 0.0
	}
	if v > 1.0 {
		return 1.0
	}
	return v
}
