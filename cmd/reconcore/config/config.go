package config

import (
	"fmt"

	"recon-core/internal/classifier"
	"recon-core/internal/engine"
	"recon-core/internal/ingest"
	"recon-core/internal/matcher"
	"recon-core/internal/models"
	"recon-core/internal/normalizer"
	"recon-core/internal/reporter"
)

// CreateIngestConfig creates a CSV reader configuration with the given
// delimiter.
func CreateIngestConfig(delimiter string) (*ingest.Config, error) {
	config := ingest.DefaultConfig()

	if delimiter != "" {
		runes := []rune(delimiter)
		if len(runes) != 1 {
			return nil, fmt.Errorf("delimiter must be a single character, got %q", delimiter)
		}
		config.Delimiter = runes[0]
	}

	return config, nil
}

// CreateMappingSpec creates a mapping spec for one source side. Column
// overrides replace the defaults only when non-empty.
func CreateMappingSpec(source string, overrides MappingOverrides) (*normalizer.MappingSpec, error) {
	sourceType, err := models.ParseSourceType(source)
	if err != nil {
		return nil, err
	}

	spec := normalizer.DefaultMappingSpec(sourceType)

	if overrides.IDColumn != "" {
		spec.IDColumn = overrides.IDColumn
	}
	if overrides.AmountColumn != "" {
		spec.AmountColumn = overrides.AmountColumn
	}
	if overrides.CurrencyColumn != "" {
		spec.CurrencyColumn = overrides.CurrencyColumn
	}
	if overrides.DateColumn != "" {
		spec.DateColumn = overrides.DateColumn
	}
	if overrides.ValueDateColumn != "" {
		spec.ValueDateColumn = overrides.ValueDateColumn
	}
	if overrides.ReferenceColumn != "" {
		spec.ReferenceColumn = overrides.ReferenceColumn
	}
	if overrides.DefaultCurrency != "" {
		spec.DefaultCurrency = overrides.DefaultCurrency
	}
	if overrides.DecimalSeparator != "" {
		spec.Number.DecimalSeparator = overrides.DecimalSeparator
	}
	if overrides.ThousandsSeparator != "" {
		spec.Number.ThousandsSeparator = overrides.ThousandsSeparator
	}
	if len(overrides.DateLayouts) > 0 {
		spec.DateLayouts = overrides.DateLayouts
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return spec, nil
}

// MappingOverrides carries per-source column overrides from flags or a
// config file. Empty fields keep the defaults.
type MappingOverrides struct {
	IDColumn           string   `json:"idColumn" mapstructure:"id-column"`
	AmountColumn       string   `json:"amountColumn" mapstructure:"amount-column"`
	CurrencyColumn     string   `json:"currencyColumn" mapstructure:"currency-column"`
	DateColumn         string   `json:"dateColumn" mapstructure:"date-column"`
	ValueDateColumn    string   `json:"valueDateColumn" mapstructure:"value-date-column"`
	ReferenceColumn    string   `json:"referenceColumn" mapstructure:"reference-column"`
	DefaultCurrency    string   `json:"defaultCurrency" mapstructure:"default-currency"`
	DecimalSeparator   string   `json:"decimalSeparator" mapstructure:"decimal-separator"`
	ThousandsSeparator string   `json:"thousandsSeparator" mapstructure:"thousands-separator"`
	DateLayouts        []string `json:"dateLayouts" mapstructure:"date-layouts"`
}

// CreateEngineConfig creates an orchestrator configuration with CLI
// overrides applied over the defaults.
func CreateEngineConfig(skipCeiling float64, workers int, highValueThreshold int64) *engine.Config {
	config := engine.DefaultConfig()

	if skipCeiling >= 0 {
		config.SkipRatioCeiling = skipCeiling
	}
	if workers > 0 {
		if config.Matcher == nil {
			config.Matcher = matcher.DefaultConfig()
		}
		config.Matcher.Workers = workers
	}
	if highValueThreshold > 0 {
		if config.Classifier == nil {
			config.Classifier = classifier.DefaultConfig()
		}
		config.Classifier.HighValueThresholdMinor = highValueThreshold
	}

	return config
}

// CreateReportConfig creates a report configuration for the specified
// output format.
func CreateReportConfig(format string, includeMatches bool) *reporter.Config {
	config := reporter.DefaultConfig()

	switch format {
	case "console":
		config.Format = reporter.FormatConsole
		config.IncludeExceptions = true
		config.IncludeSkipLog = true
	case "json":
		config.Format = reporter.FormatJSON
		config.IncludeExceptions = true
		config.IncludeSkipLog = true
	case "csv":
		config.Format = reporter.FormatCSV
		config.CSVHeaders = true
		config.CSVDelimiter = ','
		config.IncludeExceptions = true
		// CSV is the exception export shape; the summary and skip log do
		// not fit a flat exception listing.
		config.IncludeSkipLog = false
	}

	config.IncludeMatches = includeMatches

	return config
}
