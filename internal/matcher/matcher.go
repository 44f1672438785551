// Package matcher pairs canonical transactions from two sources by
// applying an ordered rule set. Matching is greedy in rule-priority order
// with a closest-match tie-break: explainable over globally optimal, by
// design no maximum-cardinality guarantee.
//
// The candidate search space is blocked by currency and transaction date.
// Currency partitions are disjoint and embarrassingly parallel; partition
// results merge in currency order so output is reproducible regardless of
// worker scheduling.
package matcher

import (
	"context"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"recon-core/internal/models"
	"recon-core/internal/rules"
	apperrors "recon-core/pkg/errors"
	"recon-core/pkg/logger"
)

// Config holds matcher tuning knobs.
type Config struct {
	// BlockingSlackDays widens the blocking window beyond the largest date
	// tolerance any rule carries, so blocking can never exclude a pair a
	// rule could qualify.
	BlockingSlackDays int `json:"blockingSlackDays"`

	// Workers caps concurrent partition processing.
	Workers int `json:"workers"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		BlockingSlackDays: 1,
		Workers:           4,
	}
}

// Validate checks the matcher configuration.
func (c *Config) Validate() error {
	if c.BlockingSlackDays < 0 {
		return apperrors.New(apperrors.CategoryInternal, apperrors.CodeUnexpectedError,
			"blocking slack days cannot be negative")
	}
	if c.Workers < 1 {
		return apperrors.New(apperrors.CategoryInternal, apperrors.CodeUnexpectedError,
			"workers must be at least 1")
	}
	return nil
}

// FlaggedPair is a candidate exception pair produced by a flag_exception
// rule. Both transactions are retired from the pool and handed to the
// classifier, skipping all later rules.
type FlaggedPair struct {
	Left             *models.CanonicalTransaction
	Right            *models.CanonicalTransaction
	RuleID           string
	AmountDeltaMinor int64
	DateDeltaDays    int
}

// Outcome is the result of one matching pass.
type Outcome struct {
	Matches      []models.MatchResult
	Flagged      []FlaggedPair
	LeftResidue  []*models.CanonicalTransaction
	RightResidue []*models.CanonicalTransaction

	// CompletedPartitions lists the currency partitions fully processed,
	// in merge order. Under cancellation only these contribute results.
	CompletedPartitions []string

	// Cancelled reports that the pass stopped before processing every
	// partition. Completed partitions are retained, not discarded.
	Cancelled bool
}

// Engine applies rule sets to transaction sets.
type Engine struct {
	config *Config
	log    logger.Logger
}

// NewEngine creates a matching engine with the specified configuration.
func NewEngine(config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Engine{
		config: config,
		log:    logger.WithComponent("matcher"),
	}, nil
}

// partition is the unit of parallel work: all left and right transactions
// of one currency.
type partition struct {
	currency string
	left     []*models.CanonicalTransaction
	right    []*models.CanonicalTransaction
}

// partitionOutcome holds one partition's results before the deterministic
// merge.
type partitionOutcome struct {
	matches      []models.MatchResult
	flagged      []FlaggedPair
	leftResidue  []*models.CanonicalTransaction
	rightResidue []*models.CanonicalTransaction
	completed    bool
}

// Match applies the rule set to the two transaction sets. Cancellation is
// honored between partitions: a partition either runs to completion or not
// at all, so the returned Outcome never contains a half-processed
// partition.
func (e *Engine) Match(
	ctx context.Context,
	left, right []*models.CanonicalTransaction,
	ruleSet *rules.RuleSet,
) (*Outcome, error) {
	if ruleSet == nil || len(ruleSet.ActiveRules()) == 0 {
		return nil, apperrors.RuleConfigurationError(apperrors.CodeEmptyRuleSet, "", "")
	}

	window := ruleSet.MaxDateToleranceDays() + e.config.BlockingSlackDays
	partitions := buildPartitions(left, right)

	e.log.WithFields(logger.Fields{
		"left":        len(left),
		"right":       len(right),
		"partitions":  len(partitions),
		"window_days": window,
		"rule_set":    ruleSet.ID,
	}).Debug("starting matching pass")

	outcomes := make([]partitionOutcome, len(partitions))

	workers := pool.New().WithMaxGoroutines(e.config.Workers)
	for i := range partitions {
		i := i
		workers.Go(func() {
			// All-or-nothing per partition: check for cancellation before
			// starting, never abandon a partition midway.
			select {
			case <-ctx.Done():
				return
			default:
			}

			outcomes[i] = matchPartition(partitions[i], ruleSet, window)
			outcomes[i].completed = true
		})
	}
	workers.Wait()

	// Merge in partition (currency) order, never completion order.
	outcome := &Outcome{}
	for i, po := range outcomes {
		if !po.completed {
			outcome.Cancelled = true
			continue
		}

		outcome.Matches = append(outcome.Matches, po.matches...)
		outcome.Flagged = append(outcome.Flagged, po.flagged...)
		outcome.LeftResidue = append(outcome.LeftResidue, po.leftResidue...)
		outcome.RightResidue = append(outcome.RightResidue, po.rightResidue...)
		outcome.CompletedPartitions = append(outcome.CompletedPartitions, partitions[i].currency)
	}

	e.log.WithFields(logger.Fields{
		"matches":       len(outcome.Matches),
		"flagged":       len(outcome.Flagged),
		"left_residue":  len(outcome.LeftResidue),
		"right_residue": len(outcome.RightResidue),
		"cancelled":     outcome.Cancelled,
	}).Info("matching pass finished")

	return outcome, nil
}

// buildPartitions groups both sides by currency and orders partitions by
// currency code. Transactions whose counterpart side has no entries still
// form a partition so they surface as residue.
func buildPartitions(left, right []*models.CanonicalTransaction) []partition {
	byCurrency := make(map[string]*partition)

	for _, tx := range left {
		p, ok := byCurrency[tx.Currency]
		if !ok {
			p = &partition{currency: tx.Currency}
			byCurrency[tx.Currency] = p
		}
		p.left = append(p.left, tx)
	}

	for _, tx := range right {
		p, ok := byCurrency[tx.Currency]
		if !ok {
			p = &partition{currency: tx.Currency}
			byCurrency[tx.Currency] = p
		}
		p.right = append(p.right, tx)
	}

	currencies := make([]string, 0, len(byCurrency))
	for currency := range byCurrency {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)

	partitions := make([]partition, 0, len(currencies))
	for _, currency := range currencies {
		p := byCurrency[currency]
		models.SortTransactions(p.left)
		models.SortTransactions(p.right)
		partitions = append(partitions, *p)
	}

	return partitions
}

// matchPartition runs the greedy rule loop over one currency partition.
func matchPartition(p partition, ruleSet *rules.RuleSet, windowDays int) partitionOutcome {
	var out partitionOutcome

	rightIdx := newDateIndex(p.right)
	retiredLeft := make(map[string]bool, len(p.left))
	retiredRight := make(map[string]bool, len(p.right))

	for _, rule := range ruleSet.ActiveRules() {
		// Skip-action rules qualify pairs but leave them in the pool for
		// subsequent rules; nothing to record.
		if rule.ThenAction == rules.ActionSkip {
			continue
		}

		for _, leftTx := range p.left {
			if retiredLeft[leftTx.ID] {
				continue
			}

			best, bestEval := bestCandidate(rule, leftTx, rightIdx, retiredRight, windowDays)
			if best == nil {
				continue
			}

			retiredLeft[leftTx.ID] = true
			retiredRight[best.ID] = true

			switch rule.ThenAction {
			case rules.ActionMatch:
				out.matches = append(out.matches, models.MatchResult{
					LeftTransactionID:  leftTx.ID,
					RightTransactionID: best.ID,
					MatchedByRuleID:    rule.ID,
					Confidence:         bestEval.confidence,
					AmountDeltaMinor:   bestEval.amountDelta,
					DateDeltaDays:      bestEval.dateDelta,
				})
			case rules.ActionFlagException:
				out.flagged = append(out.flagged, FlaggedPair{
					Left:             leftTx,
					Right:            best,
					RuleID:           rule.ID,
					AmountDeltaMinor: bestEval.amountDelta,
					DateDeltaDays:    bestEval.dateDelta,
				})
			}
		}
	}

	for _, tx := range p.left {
		if !retiredLeft[tx.ID] {
			out.leftResidue = append(out.leftResidue, tx)
		}
	}
	for _, tx := range p.right {
		if !retiredRight[tx.ID] {
			out.rightResidue = append(out.rightResidue, tx)
		}
	}

	return out
}

// bestCandidate evaluates the rule against every unretired candidate in
// the blocking window and returns the closest qualifying one: smallest
// field distance, ties broken by ascending right transaction id.
func bestCandidate(
	rule *rules.MatchRule,
	leftTx *models.CanonicalTransaction,
	rightIdx *dateIndex,
	retiredRight map[string]bool,
	windowDays int,
) (*models.CanonicalTransaction, evaluation) {
	var best *models.CanonicalTransaction
	var bestEval evaluation

	for _, candidate := range rightIdx.candidatesWithin(leftTx.TransactionDate, windowDays) {
		if retiredRight[candidate.ID] {
			continue
		}

		ev := evaluateRule(rule, leftTx, candidate)
		if !ev.qualified {
			continue
		}

		if best == nil || ev.distance < bestEval.distance ||
			(ev.distance == bestEval.distance && candidate.ID < best.ID) {
			best = candidate
			bestEval = ev
		}
	}

	return best, bestEval
}
