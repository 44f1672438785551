// Package reporter renders reconciliation results for human and machine
// consumption.
//
// Supported output formats:
//   - Console: human-readable summary for terminal display
//   - JSON: structured output for programmatic consumption
//   - CSV: flat exception listing for spreadsheet review
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"recon-core/internal/models"

	"github.com/shopspring/decimal"
)

// OutputFormat represents the supported report output formats.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// Config holds report generation options.
type Config struct {
	Format OutputFormat `json:"format"`

	// Detail level options
	IncludeMatches    bool `json:"includeMatches"`
	IncludeExceptions bool `json:"includeExceptions"`
	IncludeSkipLog    bool `json:"includeSkipLog"`

	// Console options
	MaxListedItems int `json:"maxListedItems"`

	// CSV options
	CSVDelimiter rune `json:"csvDelimiter"`
	CSVHeaders   bool `json:"csvHeaders"`
}

// DefaultConfig returns a default report configuration
func DefaultConfig() *Config {
	return &Config{
		Format:            FormatConsole,
		IncludeMatches:    false,
		IncludeExceptions: true,
		IncludeSkipLog:    true,
		MaxListedItems:    10,
		CSVDelimiter:      ',',
		CSVHeaders:        true,
	}
}

// Validate validates the report configuration
func (c *Config) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}

	if c.MaxListedItems < 1 {
		return fmt.Errorf("max listed items must be at least 1, got %d", c.MaxListedItems)
	}

	return nil
}

// Report bundles everything a run produced for rendering. Matches and
// exceptions are optional; the summary is required.
type Report struct {
	Result     *models.ReconciliationResult `json:"result"`
	Matches    []models.MatchResult         `json:"matches,omitempty"`
	Exceptions []*models.Exception          `json:"exceptions,omitempty"`
	SkipLog    string                       `json:"skipLog,omitempty"`
	Currency   string                       `json:"currency,omitempty"`
}

// Generator renders reports in the configured format.
type Generator struct {
	config *Config
}

// NewGenerator creates a report generator with the specified configuration
func NewGenerator(config *Config) (*Generator, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}

	return &Generator{config: config}, nil
}

// Generate renders the report to the writer in the configured format.
func (g *Generator) Generate(report *Report, writer io.Writer) error {
	if report == nil || report.Result == nil {
		return fmt.Errorf("reconciliation result cannot be nil")
	}

	switch g.config.Format {
	case FormatConsole:
		return g.generateConsole(report, writer)
	case FormatJSON:
		return g.generateJSON(report, writer)
	case FormatCSV:
		return g.generateCSV(report, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", g.config.Format)
	}
}

func (g *Generator) generateConsole(report *Report, writer io.Writer) error {
	result := report.Result

	fmt.Fprintf(writer, "RECONCILIATION REPORT\n")
	fmt.Fprintf(writer, "Job: %s\n", result.JobID)
	fmt.Fprintf(writer, "Generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(writer, "Processing Time: %dms\n", result.ProcessingTimeMs)
	if result.Partial {
		fmt.Fprintf(writer, "NOTE: run was cancelled; figures cover completed partitions only\n")
	}
	fmt.Fprintf(writer, "\n")

	fmt.Fprintf(writer, "=== SUMMARY ===\n")
	g.printSummary(result, writer)
	fmt.Fprintf(writer, "\n")

	if result.ExceptionCount > 0 {
		fmt.Fprintf(writer, "=== EXCEPTION BREAKDOWN ===\n")
		g.printExceptionBreakdown(result, writer)
		fmt.Fprintf(writer, "\n")
	}

	if g.config.IncludeExceptions && len(report.Exceptions) > 0 {
		fmt.Fprintf(writer, "=== EXCEPTIONS ===\n")
		g.printExceptions(report.Exceptions, writer)
		fmt.Fprintf(writer, "\n")
	}

	if g.config.IncludeMatches && len(report.Matches) > 0 {
		fmt.Fprintf(writer, "=== MATCHES ===\n")
		g.printMatches(report.Matches, writer)
		fmt.Fprintf(writer, "\n")
	}

	if g.config.IncludeSkipLog && report.SkipLog != "" {
		fmt.Fprintf(writer, "=== SKIPPED ROWS ===\n")
		fmt.Fprintf(writer, "%s\n", report.SkipLog)
	}

	return nil
}

func (g *Generator) generateJSON(report *Report, writer io.Writer) error {
	filtered := &Report{
		Result:   report.Result,
		Currency: report.Currency,
	}

	if g.config.IncludeMatches {
		filtered.Matches = report.Matches
	}
	if g.config.IncludeExceptions {
		filtered.Exceptions = report.Exceptions
	}
	if g.config.IncludeSkipLog {
		filtered.SkipLog = report.SkipLog
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")

	return encoder.Encode(filtered)
}

// generateCSV writes one row per exception, the shape downstream
// exception-management tooling imports.
func (g *Generator) generateCSV(report *Report, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = g.config.CSVDelimiter
	defer csvWriter.Flush()

	if g.config.CSVHeaders {
		headers := []string{
			"Exception_ID",
			"Job_ID",
			"Type",
			"Severity",
			"Status",
			"Confidence",
			"Involved_Transactions",
			"Explanation",
			"Suggested_Action",
			"Created_At",
		}
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	for _, ex := range report.Exceptions {
		record := []string{
			ex.ID,
			ex.JobID,
			string(ex.Type),
			string(ex.Severity),
			string(ex.Status),
			strconv.FormatFloat(ex.Confidence, 'f', 4, 64),
			strings.Join(ex.InvolvedTransactionIDs, "; "),
			ex.Explanation,
			ex.SuggestedAction,
			ex.CreatedAt.Format(time.RFC3339),
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("failed to write exception record: %w", err)
		}
	}

	return nil
}

// Helper methods for console output formatting

func (g *Generator) printSummary(result *models.ReconciliationResult, writer io.Writer) {
	matchedTxns := result.MatchedCount * 2

	fmt.Fprintf(writer, "Transactions:\n")
	fmt.Fprintf(writer, "  Total:      %d\n", result.TotalTransactions)
	fmt.Fprintf(writer, "  Matched:    %d pairs (%d transactions)\n", result.MatchedCount, matchedTxns)
	fmt.Fprintf(writer, "  Exceptions: %d\n", result.ExceptionCount)
	fmt.Fprintf(writer, "  Skipped:    %d rows\n", result.SkippedRows)
	fmt.Fprintf(writer, "\nMatch Rate: %.1f%%\n",
		decimal.NewFromFloat(result.MatchRate).Mul(decimal.NewFromInt(100)).InexactFloat64())
}

func (g *Generator) printExceptionBreakdown(result *models.ReconciliationResult, writer io.Writer) {
	fmt.Fprintf(writer, "By Severity:\n")
	for _, severity := range []models.Severity{
		models.SeverityCritical,
		models.SeverityHigh,
		models.SeverityMedium,
		models.SeverityLow,
	} {
		if count := result.ExceptionsBySeverity[severity]; count > 0 {
			fmt.Fprintf(writer, "  %-10s %d\n", strings.ToUpper(string(severity))+":", count)
		}
	}

	types := make([]models.ExceptionType, 0, len(result.ExceptionsByType))
	for exType := range result.ExceptionsByType {
		types = append(types, exType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	fmt.Fprintf(writer, "\nBy Type:\n")
	for _, exType := range types {
		fmt.Fprintf(writer, "  %-20s %d\n", string(exType)+":", result.ExceptionsByType[exType])
	}
}

func (g *Generator) printExceptions(exceptions []*models.Exception, writer io.Writer) {
	// Group by severity, worst first.
	severityGroups := make(map[models.Severity][]*models.Exception)
	for _, ex := range exceptions {
		severityGroups[ex.Severity] = append(severityGroups[ex.Severity], ex)
	}

	severities := []models.Severity{
		models.SeverityCritical,
		models.SeverityHigh,
		models.SeverityMedium,
		models.SeverityLow,
	}

	for _, severity := range severities {
		group := severityGroups[severity]
		if len(group) == 0 {
			continue
		}

		fmt.Fprintf(writer, "%s Severity (%d):\n", strings.ToUpper(string(severity)), len(group))
		for i, ex := range group {
			fmt.Fprintf(writer, "  - [%s] %s (confidence %.2f)\n", ex.Type, ex.Explanation, ex.Confidence)
			fmt.Fprintf(writer, "    Transactions: %s\n", strings.Join(ex.InvolvedTransactionIDs, ", "))
			fmt.Fprintf(writer, "    Action: %s\n", ex.SuggestedAction)

			if i >= g.config.MaxListedItems-1 && len(group) > g.config.MaxListedItems {
				fmt.Fprintf(writer, "  ... and %d more\n", len(group)-g.config.MaxListedItems)
				break
			}
		}
		fmt.Fprintf(writer, "\n")
	}
}

func (g *Generator) printMatches(matches []models.MatchResult, writer io.Writer) {
	fmt.Fprintf(writer, "Total Matches: %d\n\n", len(matches))

	for i, m := range matches {
		fmt.Fprintf(writer, "  %d. %s <-> %s (rule %s, confidence %.4f)\n",
			i+1, m.LeftTransactionID, m.RightTransactionID, m.MatchedByRuleID, m.Confidence)

		if i >= g.config.MaxListedItems-1 && len(matches) > g.config.MaxListedItems {
			fmt.Fprintf(writer, "  ... and %d more\n", len(matches)-g.config.MaxListedItems)
			break
		}
	}
}
