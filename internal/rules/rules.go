// Package rules defines the matching rule model and rule-set lifecycle.
// Rule sets are validated and compiled when loaded, rejected with a
// rule_config error before any run starts, and snapshotted per run so a
// concurrent edit to the live configuration never affects an in-flight run.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"recon-core/internal/models"
	apperrors "recon-core/pkg/errors"
)

// RuleField names the canonical transaction field a rule compares.
type RuleField string

const (
	FieldAmount      RuleField = "amount"
	FieldDate        RuleField = "date"
	FieldReferenceID RuleField = "reference_id"
	FieldCustom      RuleField = "custom"
)

// IsValid checks if the rule field is valid
func (f RuleField) IsValid() bool {
	switch f {
	case FieldAmount, FieldDate, FieldReferenceID, FieldCustom:
		return true
	}
	return false
}

// IsString reports whether the field carries a string value. Fuzzy and
// regex operators are only defined for string fields.
func (f RuleField) IsString() bool {
	return f == FieldReferenceID || f == FieldCustom
}

// RuleOperator names the comparison a rule applies.
type RuleOperator string

const (
	OperatorExact RuleOperator = "exact"
	OperatorFuzzy RuleOperator = "fuzzy"
	OperatorRange RuleOperator = "range"
	OperatorRegex RuleOperator = "regex"
)

// IsValid checks if the operator is valid
func (o RuleOperator) IsValid() bool {
	switch o {
	case OperatorExact, OperatorFuzzy, OperatorRange, OperatorRegex:
		return true
	}
	return false
}

// RuleAction determines the outcome when a rule qualifies a pair.
type RuleAction string

const (
	// ActionMatch retires the pair and emits a MatchResult.
	ActionMatch RuleAction = "match"
	// ActionFlagException retires the pair and routes it to the classifier,
	// skipping all later rules for both transactions.
	ActionFlagException RuleAction = "flag_exception"
	// ActionSkip leaves the pair in the pool for subsequent rules.
	ActionSkip RuleAction = "skip"
)

// IsValid checks if the action is valid
func (a RuleAction) IsValid() bool {
	switch a {
	case ActionMatch, ActionFlagException, ActionSkip:
		return true
	}
	return false
}

// MatchRule is one matching rule. Rules are read-only during a run.
type MatchRule struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Field    RuleField    `json:"field"`
	Operator RuleOperator `json:"operator"`

	// CustomField names the raw field compared when Field is custom.
	CustomField string `json:"customField,omitempty"`

	// FuzzyThreshold is the minimum normalized similarity for the fuzzy
	// operator, in [0,1].
	FuzzyThreshold float64 `json:"fuzzyThreshold,omitempty"`

	// TolerancePercent bounds the amount delta for the range operator as a
	// percentage of the larger amount (e.g. 0.1 means 0.1%).
	TolerancePercent float64 `json:"tolerancePercent,omitempty"`

	// ToleranceMinorUnits bounds the amount delta in absolute minor units
	// when AbsoluteAmount is set.
	ToleranceMinorUnits int64 `json:"toleranceMinorUnits,omitempty"`

	// AbsoluteAmount switches the range operator from percentage to
	// absolute minor-unit tolerance.
	AbsoluteAmount bool `json:"absoluteAmount,omitempty"`

	// ToleranceDays bounds the date delta for the range operator in whole
	// calendar days.
	ToleranceDays int `json:"toleranceDays,omitempty"`

	// Pattern is the regex for the regex operator, compiled at load.
	Pattern string `json:"pattern,omitempty"`

	ThenAction RuleAction `json:"thenAction"`
	Priority   int        `json:"priority"`
	Active     bool       `json:"active"`

	compiled *regexp.Regexp
}

// Validate checks the rule's parameters. Invalid rules are rejected at
// rule-set load time.
func (r *MatchRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return apperrors.RuleConfigurationError(
			apperrors.CodeInvalidRuleParameter, r.ID, "rule id cannot be empty")
	}

	if !r.Field.IsValid() {
		return apperrors.RuleConfigurationError(
			apperrors.CodeInvalidRuleField, r.ID, string(r.Field))
	}

	if r.Field == FieldCustom && strings.TrimSpace(r.CustomField) == "" {
		return apperrors.RuleConfigurationError(
			apperrors.CodeInvalidRuleField, r.ID, "custom field requires customField name")
	}

	if !r.Operator.IsValid() {
		return apperrors.RuleConfigurationError(
			apperrors.CodeInvalidRuleParameter, r.ID, fmt.Sprintf("unknown operator '%s'", r.Operator))
	}

	if !r.ThenAction.IsValid() {
		return apperrors.RuleConfigurationError(
			apperrors.CodeInvalidRuleParameter, r.ID, fmt.Sprintf("unknown action '%s'", r.ThenAction))
	}

	switch r.Operator {
	case OperatorFuzzy:
		if !r.Field.IsString() {
			return apperrors.RuleConfigurationError(
				apperrors.CodeInvalidRuleParameter, r.ID,
				fmt.Sprintf("fuzzy operator is only valid for string fields, got '%s'", r.Field))
		}
		if r.FuzzyThreshold < 0.0 || r.FuzzyThreshold > 1.0 {
			return apperrors.RuleConfigurationError(
				apperrors.CodeInvalidRuleParameter, r.ID,
				fmt.Sprintf("fuzzy threshold %.4f outside [0,1]", r.FuzzyThreshold))
		}

	case OperatorRange:
		switch r.Field {
		case FieldAmount:
			if r.AbsoluteAmount {
				if r.ToleranceMinorUnits < 0 {
					return apperrors.RuleConfigurationError(
						apperrors.CodeInvalidRuleParameter, r.ID, "absolute amount tolerance cannot be negative")
				}
			} else if r.TolerancePercent < 0 {
				return apperrors.RuleConfigurationError(
					apperrors.CodeInvalidRuleParameter, r.ID, "percentage tolerance cannot be negative")
			}
		case FieldDate:
			if r.ToleranceDays < 0 {
				return apperrors.RuleConfigurationError(
					apperrors.CodeInvalidRuleParameter, r.ID, "day tolerance cannot be negative")
			}
		default:
			return apperrors.RuleConfigurationError(
				apperrors.CodeInvalidRuleParameter, r.ID,
				fmt.Sprintf("range operator is only valid for amount or date, got '%s'", r.Field))
		}

	case OperatorRegex:
		if !r.Field.IsString() {
			return apperrors.RuleConfigurationError(
				apperrors.CodeInvalidRuleParameter, r.ID,
				fmt.Sprintf("regex operator is only valid for string fields, got '%s'", r.Field))
		}
		if strings.TrimSpace(r.Pattern) == "" {
			return apperrors.RuleConfigurationError(
				apperrors.CodeInvalidRulePattern, r.ID, "pattern cannot be empty")
		}
	}

	return nil
}

// compile prepares the regex operator. Called once at rule-set load.
func (r *MatchRule) compile() error {
	if r.Operator != OperatorRegex {
		return nil
	}

	compiled, err := regexp.Compile(r.Pattern)
	if err != nil {
		return apperrors.RuleConfigurationError(
			apperrors.CodeInvalidRulePattern, r.ID, err.Error())
	}

	r.compiled = compiled
	return nil
}

// Regexp returns the compiled pattern for the regex operator, or nil.
func (r *MatchRule) Regexp() *regexp.Regexp {
	return r.compiled
}

// StringValue extracts the compared string value from a transaction for
// string fields. The second return is false when the field is absent.
func (r *MatchRule) StringValue(tx *models.CanonicalTransaction) (string, bool) {
	switch r.Field {
	case FieldReferenceID:
		return tx.ReferenceID, tx.ReferenceID != ""
	case FieldCustom:
		v, ok := tx.RawFields[r.CustomField]
		return v, ok && v != ""
	default:
		return "", false
	}
}

// Clone returns a deep copy of the rule. The compiled regex is shared;
// *regexp.Regexp is safe for concurrent use.
func (r *MatchRule) Clone() *MatchRule {
	clone := *r
	return &clone
}

// RuleSet is an ordered collection of rules. Ordering is total: ascending
// priority, ties broken by rule id.
type RuleSet struct {
	ID      string       `json:"id"`
	Version int          `json:"version"`
	Rules   []*MatchRule `json:"rules"`
}

// LoadRuleSet validates and compiles a rule set. It fails with a
// rule_config error on the first invalid rule, before any run can use it.
func LoadRuleSet(id string, version int, ruleList []*MatchRule) (*RuleSet, error) {
	seen := make(map[string]bool)
	active := 0

	for _, rule := range ruleList {
		if err := rule.Validate(); err != nil {
			return nil, err
		}

		if seen[rule.ID] {
			return nil, apperrors.RuleConfigurationError(apperrors.CodeDuplicateRuleID, rule.ID, "")
		}
		seen[rule.ID] = true

		if err := rule.compile(); err != nil {
			return nil, err
		}

		if rule.Active {
			active++
		}
	}

	if active == 0 {
		return nil, apperrors.RuleConfigurationError(apperrors.CodeEmptyRuleSet, "", "")
	}

	rs := &RuleSet{
		ID:      id,
		Version: version,
		Rules:   ruleList,
	}
	rs.sortRules()

	return rs, nil
}

// ParseRuleSetJSON loads a rule set from its JSON representation.
func ParseRuleSetJSON(data []byte) (*RuleSet, error) {
	var raw struct {
		ID      string       `json:"id"`
		Version int          `json:"version"`
		Rules   []*MatchRule `json:"rules"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryRuleConfig,
			apperrors.CodeInvalidRuleParameter, "rule set is not valid JSON")
	}

	return LoadRuleSet(raw.ID, raw.Version, raw.Rules)
}

func (rs *RuleSet) sortRules() {
	sort.Slice(rs.Rules, func(i, j int) bool {
		if rs.Rules[i].Priority != rs.Rules[j].Priority {
			return rs.Rules[i].Priority < rs.Rules[j].Priority
		}
		return rs.Rules[i].ID < rs.Rules[j].ID
	})
}

// ActiveRules returns the active rules in evaluation order.
func (rs *RuleSet) ActiveRules() []*MatchRule {
	var active []*MatchRule
	for _, rule := range rs.Rules {
		if rule.Active {
			active = append(active, rule)
		}
	}
	return active
}

// Snapshot returns a deep copy pinned to a run. Mutating the live rule set
// afterward does not affect the snapshot (copy-on-start semantics).
func (rs *RuleSet) Snapshot() *RuleSet {
	copied := make([]*MatchRule, len(rs.Rules))
	for i, rule := range rs.Rules {
		copied[i] = rule.Clone()
	}

	return &RuleSet{
		ID:      rs.ID,
		Version: rs.Version,
		Rules:   copied,
	}
}

// MaxDateToleranceDays returns the largest day tolerance any active rule
// carries. The matcher widens its blocking window by this amount so that
// blocking never excludes a pair a rule could qualify.
func (rs *RuleSet) MaxDateToleranceDays() int {
	max := 0
	for _, rule := range rs.Rules {
		if rule.Active && rule.Operator == OperatorRange && rule.Field == FieldDate && rule.ToleranceDays > max {
			max = rule.ToleranceDays
		}
	}
	return max
}
