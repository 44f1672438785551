package matcher

import (
	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"recon-core/internal/models"
	"recon-core/internal/rules"
)

// evaluation is the outcome of applying one rule's operator to a candidate
// pair. Distance orders qualifying candidates for the closest-match
// tie-break: smaller is closer, with ties broken by ascending right id.
type evaluation struct {
	qualified   bool
	distance    float64
	confidence  float64
	amountDelta int64
	dateDelta   int
}

// evaluateRule applies a rule's operator to a candidate pair.
func evaluateRule(rule *rules.MatchRule, left, right *models.CanonicalTransaction) evaluation {
	ev := evaluation{
		amountDelta: models.AmountDelta(left, right),
		dateDelta:   models.DateDeltaDays(left, right),
	}

	switch rule.Operator {
	case rules.OperatorExact:
		evaluateExact(rule, left, right, &ev)
	case rules.OperatorFuzzy:
		evaluateFuzzy(rule, left, right, &ev)
	case rules.OperatorRange:
		evaluateRange(rule, left, right, &ev)
	case rules.OperatorRegex:
		evaluateRegex(rule, left, right, &ev)
	}

	return ev
}

// evaluateExact requires bitwise/numeric equality: minor-unit equality for
// amount, same calendar day for date, exact string equality otherwise.
func evaluateExact(rule *rules.MatchRule, left, right *models.CanonicalTransaction, ev *evaluation) {
	switch rule.Field {
	case rules.FieldAmount:
		ev.qualified = left.Amount == right.Amount
	case rules.FieldDate:
		ev.qualified = left.DateKey() == right.DateKey()
	default:
		lv, lok := rule.StringValue(left)
		rv, rok := rule.StringValue(right)
		ev.qualified = lok && rok && lv == rv
	}

	if ev.qualified {
		ev.confidence = 1.0
		ev.distance = 0.0
	}
}

// evaluateFuzzy qualifies string fields whose normalized Levenshtein
// similarity meets the rule's threshold. The similarity doubles as the
// match confidence.
func evaluateFuzzy(rule *rules.MatchRule, left, right *models.CanonicalTransaction, ev *evaluation) {
	lv, lok := rule.StringValue(left)
	rv, rok := rule.StringValue(right)
	if !lok || !rok {
		return
	}

	similarity := Similarity(lv, rv)
	if similarity < rule.FuzzyThreshold {
		return
	}

	ev.qualified = true
	ev.confidence = similarity
	ev.distance = 1.0 - similarity
}

// evaluateRange qualifies amount deltas within a percentage of the larger
// amount (or absolute minor units) and date deltas within whole days.
func evaluateRange(rule *rules.MatchRule, left, right *models.CanonicalTransaction, ev *evaluation) {
	switch rule.Field {
	case rules.FieldAmount:
		larger := left.Amount
		if right.Amount > larger {
			larger = right.Amount
		}
		if larger < 0 {
			larger = -larger
		}

		if ev.amountDelta == 0 {
			ev.qualified = true
			ev.confidence = 1.0
			ev.distance = 0.0
			return
		}

		if larger == 0 {
			return
		}

		delta := decimal.NewFromInt(ev.amountDelta)

		var tolerance decimal.Decimal
		if rule.AbsoluteAmount {
			tolerance = decimal.NewFromInt(rule.ToleranceMinorUnits)
		} else {
			tolerance = decimal.NewFromInt(larger).
				Mul(decimal.NewFromFloat(rule.TolerancePercent)).
				Div(decimal.NewFromInt(100))
		}

		if delta.GreaterThan(tolerance) {
			return
		}

		ev.qualified = true
		// Confidence reflects how far apart the amounts actually are, not
		// how much of the tolerance was consumed: a 0.05% gap is a strong
		// match even under a 0.1% tolerance.
		ratio, _ := delta.Div(decimal.NewFromInt(larger)).Float64()
		ev.confidence = clamp01(1.0 - ratio)
		ev.distance = float64(ev.amountDelta)

	case rules.FieldDate:
		if ev.dateDelta > rule.ToleranceDays {
			return
		}

		ev.qualified = true
		ev.confidence = clamp01(1.0 - float64(ev.dateDelta)/float64(rule.ToleranceDays+1))
		ev.distance = float64(ev.dateDelta)
	}
}

// evaluateRegex is structural gating: both sides' field values must match
// the compiled pattern.
func evaluateRegex(rule *rules.MatchRule, left, right *models.CanonicalTransaction, ev *evaluation) {
	re := rule.Regexp()
	if re == nil {
		return
	}

	lv, lok := rule.StringValue(left)
	rv, rok := rule.StringValue(right)
	if !lok || !rok {
		return
	}

	if !re.MatchString(lv) || !re.MatchString(rv) {
		return
	}

	ev.qualified = true
	ev.confidence = 1.0
	ev.distance = 0.0
}

// Similarity returns the normalized Levenshtein similarity of two strings
// in [0,1]: 1 minus the edit distance over the longer rune length.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}

	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1.0
	}

	dist := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptionsWithSub)
	return 1.0 - float64(dist)/float64(longest)
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
