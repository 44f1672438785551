// Package normalizer converts heterogeneous source records into canonical
// transactions. Each source carries its own mapping spec: column names for
// the required target fields, the locale's number format, and the date
// layouts the source emits. Amount parsing is exact fixed-point; any value
// that cannot be represented in the currency's minor units is rejected.
package normalizer

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"recon-core/internal/models"
	apperrors "recon-core/pkg/errors"
)

// NumberFormat describes the numeric locale of a source. Thousand
// separators and decimal commas are configurable per source, never
// hardcoded.
type NumberFormat struct {
	DecimalSeparator   string `json:"decimalSeparator"`
	ThousandsSeparator string `json:"thousandsSeparator"`
}

// DefaultNumberFormat returns the anglophone format ("1,250.50").
func DefaultNumberFormat() NumberFormat {
	return NumberFormat{
		DecimalSeparator:   ".",
		ThousandsSeparator: ",",
	}
}

// MappingSpec maps one source's raw columns onto canonical fields.
type MappingSpec struct {
	SourceType models.SourceType `json:"sourceType"`

	IDColumn        string `json:"idColumn"`
	AmountColumn    string `json:"amountColumn"`
	CurrencyColumn  string `json:"currencyColumn,omitempty"`
	DateColumn      string `json:"dateColumn"`
	ValueDateColumn string `json:"valueDateColumn,omitempty"`
	ReferenceColumn string `json:"referenceColumn"`

	// DateLayouts are tried in order. Timestamp layouts should precede
	// date-only layouts; when only a date-only layout parses, the record
	// still normalizes with day granularity.
	DateLayouts []string `json:"dateLayouts,omitempty"`

	Number NumberFormat `json:"number"`

	// DefaultCurrency applies when no currency column is mapped or the
	// cell is empty.
	DefaultCurrency string `json:"defaultCurrency,omitempty"`

	// KeepRawFields preserves the full raw record on the canonical
	// transaction for audit.
	KeepRawFields bool `json:"keepRawFields"`
}

// DefaultDateLayouts are the layouts tried when a spec does not override
// them, finest granularity first.
func DefaultDateLayouts() []string {
	return []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
		"01/02/2006",
		"02-01-2006",
		"2006/01/02",
	}
}

// DefaultMappingSpec returns a spec with conventional column names for the
// given source type.
func DefaultMappingSpec(source models.SourceType) *MappingSpec {
	return &MappingSpec{
		SourceType:      source,
		IDColumn:        "id",
		AmountColumn:    "amount",
		CurrencyColumn:  "currency",
		DateColumn:      "transaction_date",
		ValueDateColumn: "value_date",
		ReferenceColumn: "reference_id",
		DateLayouts:     DefaultDateLayouts(),
		Number:          DefaultNumberFormat(),
		DefaultCurrency: "USD",
		KeepRawFields:   true,
	}
}

// Validate checks the mapping spec covers the required target fields.
func (m *MappingSpec) Validate() error {
	if !m.SourceType.IsValid() {
		return apperrors.MappingError(apperrors.CodeMissingField, "sourceType", m.SourceType, nil)
	}

	required := map[string]string{
		"id":           m.IDColumn,
		"amount":       m.AmountColumn,
		"date":         m.DateColumn,
		"reference_id": m.ReferenceColumn,
	}
	for field, column := range required {
		if strings.TrimSpace(column) == "" {
			return apperrors.MappingError(apperrors.CodeMissingColumn, field, nil, nil)
		}
	}

	if strings.TrimSpace(m.CurrencyColumn) == "" && strings.TrimSpace(m.DefaultCurrency) == "" {
		return apperrors.MappingError(apperrors.CodeMissingColumn, "currency", nil, nil)
	}

	if m.Number.DecimalSeparator == "" {
		m.Number.DecimalSeparator = "."
	}

	if len(m.DateLayouts) == 0 {
		m.DateLayouts = DefaultDateLayouts()
	}

	return nil
}

// Normalizer converts raw records of one source into canonical
// transactions.
type Normalizer struct {
	spec *MappingSpec
}

// New creates a Normalizer for a validated mapping spec.
func New(spec *MappingSpec) (*Normalizer, error) {
	if spec == nil {
		spec = DefaultMappingSpec(models.SourceBank)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return &Normalizer{spec: spec}, nil
}

// Normalize converts one raw record into an immutable canonical
// transaction. It fails with a mapping error when a required target field
// has no mapped source column or fails type coercion; the caller skips the
// row and counts it toward the skip ratio.
func (n *Normalizer) Normalize(record map[string]string) (*models.CanonicalTransaction, error) {
	id, err := n.requiredValue(record, n.spec.IDColumn, "id")
	if err != nil {
		return nil, err
	}

	reference, err := n.requiredValue(record, n.spec.ReferenceColumn, "reference_id")
	if err != nil {
		return nil, err
	}

	currencyCode, scale, err := n.resolveCurrency(record)
	if err != nil {
		return nil, err
	}

	amountRaw, err := n.requiredValue(record, n.spec.AmountColumn, "amount")
	if err != nil {
		return nil, err
	}

	amount, err := ParseAmountMinorUnits(amountRaw, n.spec.Number, scale)
	if err != nil {
		return nil, err
	}

	dateRaw, err := n.requiredValue(record, n.spec.DateColumn, "date")
	if err != nil {
		return nil, err
	}

	txDate, err := n.parseDate(dateRaw)
	if err != nil {
		return nil, err
	}

	valueDate := txDate
	if n.spec.ValueDateColumn != "" {
		if raw, ok := record[n.spec.ValueDateColumn]; ok && strings.TrimSpace(raw) != "" {
			parsed, err := n.parseDate(raw)
			if err != nil {
				return nil, err
			}
			valueDate = parsed
		}
	}

	tx := &models.CanonicalTransaction{
		ID:              id,
		SourceType:      n.spec.SourceType,
		Amount:          amount,
		Currency:        currencyCode,
		TransactionDate: txDate,
		ValueDate:       valueDate,
		ReferenceID:     reference,
	}

	if n.spec.KeepRawFields {
		raw := make(map[string]string, len(record))
		for k, v := range record {
			raw[k] = v
		}
		tx.RawFields = raw
	}

	if err := tx.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryMapping,
			apperrors.CodeMissingField, "normalized record failed validation")
	}

	return tx, nil
}

// SourceType returns the source this normalizer is configured for.
func (n *Normalizer) SourceType() models.SourceType {
	return n.spec.SourceType
}

func (n *Normalizer) requiredValue(record map[string]string, column, field string) (string, error) {
	value, ok := record[column]
	if !ok {
		return "", apperrors.MappingError(apperrors.CodeMissingColumn, field, column, nil).
			WithContext("column", column)
	}

	value = strings.TrimSpace(value)
	if value == "" {
		return "", apperrors.MappingError(apperrors.CodeMissingField, field, "", nil).
			WithContext("column", column)
	}

	return value, nil
}

// resolveCurrency determines the record's ISO 4217 currency and its
// minor-unit scale (2 for USD, 0 for JPY).
func (n *Normalizer) resolveCurrency(record map[string]string) (string, int, error) {
	code := n.spec.DefaultCurrency
	if n.spec.CurrencyColumn != "" {
		if raw, ok := record[n.spec.CurrencyColumn]; ok && strings.TrimSpace(raw) != "" {
			code = strings.TrimSpace(raw)
		}
	}

	code = strings.ToUpper(code)

	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", 0, apperrors.MappingError(apperrors.CodeInvalidCurrency, "currency", code, err)
	}

	scale, _ := currency.Standard.Rounding(unit)
	return unit.String(), scale, nil
}

// parseDate tries the spec's layouts in order. Timestamp layouts come
// first; falling through to a date-only layout still succeeds at day
// granularity.
func (n *Normalizer) parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)

	var lastErr error
	for _, layout := range n.spec.DateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}

	return time.Time{}, apperrors.MappingError(apperrors.CodeInvalidDate, "date", raw, lastErr)
}

// ParseAmountMinorUnits parses a locale-formatted amount string into an
// exact minor-unit integer for the given currency scale. "1,250.50" at
// scale 2 parses to 125050. Values with more fractional digits than the
// currency carries are rejected, not rounded.
func ParseAmountMinorUnits(raw string, format NumberFormat, scale int) (int64, error) {
	cleaned := strings.TrimSpace(raw)

	// Strip common currency adornments before locale handling.
	cleaned = strings.Trim(cleaned, "$€£¥ ")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return 0, apperrors.MappingError(apperrors.CodeInvalidAmount, "amount", raw, nil)
	}

	if format.ThousandsSeparator != "" {
		cleaned = strings.ReplaceAll(cleaned, format.ThousandsSeparator, "")
	}
	if format.DecimalSeparator != "" && format.DecimalSeparator != "." {
		cleaned = strings.ReplaceAll(cleaned, format.DecimalSeparator, ".")
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, apperrors.MappingError(apperrors.CodeInvalidAmount, "amount", raw, err)
	}

	shifted := d.Shift(int32(scale))
	if !shifted.IsInteger() {
		return 0, apperrors.MappingError(apperrors.CodeInvalidAmount, "amount", raw, nil).
			WithContext("scale", scale)
	}

	return shifted.IntPart(), nil
}
