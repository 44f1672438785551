package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"recon-core/cmd/reconcore/config"
	"recon-core/internal/engine"
	"recon-core/internal/ingest"
	"recon-core/internal/reporter"
	"recon-core/internal/rules"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Flags for the run command
var (
	leftFile    string
	rightFile   string
	rulesFile   string
	leftSource  string
	rightSource string

	outputFormat   string
	outputFile     string
	includeMatches bool

	jobID       string
	skipCeiling float64
	workers     int
	highValue   int64
	timeout     time.Duration
	delimiter   string

	showProgress bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a reconciliation between two transaction sources",
	Long: `Run ingests two transaction files, normalizes them into canonical
form, matches them against the configured rule set, and classifies
every unmatched or flagged transaction into an exception.

This command requires:
- Two transaction files (CSV format), one per source
- A rule set file (JSON format)

Examples:
  # Basic run
  reconcore run --left-file bank.csv --right-file settlement.csv --rules-file rules.json

  # Named sources with JSON output
  reconcore run --left-file bank.csv --right-file switch.csv --rules-file rules.json \
    --left-source bank --right-source switch \
    --output-format json --output-file result.json

  # Custom quality ceiling and worker count
  reconcore run --left-file bank.csv --right-file settlement.csv --rules-file rules.json \
    --skip-ceiling 0.10 --workers 8

  # With live progress
  reconcore run --left-file bank.csv --right-file settlement.csv --rules-file rules.json --progress`,

	PreRunE: validateRunFlags,
	RunE:    runReconciliation,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Required flags
	runCmd.Flags().StringVarP(&leftFile, "left-file", "l", "", "path to the left source CSV file (required)")
	runCmd.Flags().StringVarP(&rightFile, "right-file", "r", "", "path to the right source CSV file (required)")
	runCmd.Flags().StringVar(&rulesFile, "rules-file", "", "path to the rule set JSON file (required)")

	// Source naming flags
	runCmd.Flags().StringVar(&leftSource, "left-source", "bank", "left source type: bank, settlement, switch, card, gl")
	runCmd.Flags().StringVar(&rightSource, "right-source", "settlement", "right source type: bank, settlement, switch, card, gl")

	// Output flags
	runCmd.Flags().StringVarP(&outputFormat, "output-format", "f", "console", "output format: console, json, csv")
	runCmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "output file path (default: stdout)")
	runCmd.Flags().BoolVar(&includeMatches, "include-matches", false, "include matched pairs in the report")

	// Engine configuration flags
	runCmd.Flags().StringVar(&jobID, "job-id", "", "job identifier (default: generated)")
	runCmd.Flags().Float64Var(&skipCeiling, "skip-ceiling", -1, "tolerated fraction of malformed rows (0.0-1.0)")
	runCmd.Flags().IntVar(&workers, "workers", 0, "matcher worker count (default: 4)")
	runCmd.Flags().Int64Var(&highValue, "high-value-threshold", 0, "high value threshold in minor units for severity escalation")
	runCmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the run after this duration (default: none)")
	runCmd.Flags().StringVar(&delimiter, "delimiter", "", "CSV field delimiter (default: comma)")

	// UI flags
	runCmd.Flags().BoolVar(&showProgress, "progress", false, "show progress indicators")

	// Mark required flags
	runCmd.MarkFlagRequired("left-file")
	runCmd.MarkFlagRequired("right-file")
	runCmd.MarkFlagRequired("rules-file")

	// Bind flags to viper
	viper.BindPFlag("left-file", runCmd.Flags().Lookup("left-file"))
	viper.BindPFlag("right-file", runCmd.Flags().Lookup("right-file"))
	viper.BindPFlag("rules-file", runCmd.Flags().Lookup("rules-file"))
	viper.BindPFlag("left-source", runCmd.Flags().Lookup("left-source"))
	viper.BindPFlag("right-source", runCmd.Flags().Lookup("right-source"))
	viper.BindPFlag("output-format", runCmd.Flags().Lookup("output-format"))
	viper.BindPFlag("output-file", runCmd.Flags().Lookup("output-file"))
	viper.BindPFlag("include-matches", runCmd.Flags().Lookup("include-matches"))
	viper.BindPFlag("skip-ceiling", runCmd.Flags().Lookup("skip-ceiling"))
	viper.BindPFlag("workers", runCmd.Flags().Lookup("workers"))
	viper.BindPFlag("high-value-threshold", runCmd.Flags().Lookup("high-value-threshold"))
	viper.BindPFlag("delimiter", runCmd.Flags().Lookup("delimiter"))
	viper.BindPFlag("progress", runCmd.Flags().Lookup("progress"))
}

func validateRunFlags(cmd *cobra.Command, args []string) error {
	// Get values from viper (allows override from config file)
	leftFile = viper.GetString("left-file")
	rightFile = viper.GetString("right-file")
	rulesFile = viper.GetString("rules-file")
	leftSource = viper.GetString("left-source")
	rightSource = viper.GetString("right-source")
	outputFormat = viper.GetString("output-format")
	outputFile = viper.GetString("output-file")
	includeMatches = viper.GetBool("include-matches")
	skipCeiling = viper.GetFloat64("skip-ceiling")
	workers = viper.GetInt("workers")
	highValue = viper.GetInt64("high-value-threshold")
	delimiter = viper.GetString("delimiter")
	showProgress = viper.GetBool("progress")

	// Validate file existence
	if err := validateFileExists(leftFile, "left source file"); err != nil {
		return err
	}
	if err := validateFileExists(rightFile, "right source file"); err != nil {
		return err
	}
	if err := validateFileExists(rulesFile, "rule set file"); err != nil {
		return err
	}

	// Validate output format
	validFormats := map[string]bool{"console": true, "json": true, "csv": true}
	if !validFormats[outputFormat] {
		return fmt.Errorf("invalid output format '%s'. Valid formats: console, json, csv", outputFormat)
	}

	// Validate tolerances
	if skipCeiling > 1.0 {
		return fmt.Errorf("skip ceiling must be between 0.0 and 1.0")
	}
	if workers < 0 {
		return fmt.Errorf("worker count cannot be negative")
	}
	if highValue < 0 {
		return fmt.Errorf("high value threshold cannot be negative")
	}

	// Validate output file directory exists if specified
	if outputFile != "" {
		dir := filepath.Dir(outputFile)
		if dir != "." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("output directory does not exist: %s", dir)
			}
		}
	}

	return nil
}

func validateFileExists(filePath, description string) error {
	if filePath == "" {
		return fmt.Errorf("%s path cannot be empty", description)
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s does not exist: %s", description, filePath)
	}
	if err != nil {
		return fmt.Errorf("error accessing %s: %w", description, err)
	}

	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file: %s", description, filePath)
	}

	// Check if file is readable
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("%s is not readable: %w", description, err)
	}
	file.Close()

	return nil
}

func runReconciliation(cmd *cobra.Command, args []string) error {
	// Interrupt cancels the run; completed partitions are still reported.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if viper.GetBool("verbose") {
		fmt.Fprintf(os.Stderr, "Starting reconciliation...\n")
		fmt.Fprintf(os.Stderr, "Left file: %s (%s)\n", leftFile, leftSource)
		fmt.Fprintf(os.Stderr, "Right file: %s (%s)\n", rightFile, rightSource)
		fmt.Fprintf(os.Stderr, "Rules file: %s\n", rulesFile)
		if outputFile != "" {
			fmt.Fprintf(os.Stderr, "Output file: %s\n", outputFile)
		}
	}

	// Create configurations
	ingestConfig, err := config.CreateIngestConfig(delimiter)
	if err != nil {
		return fmt.Errorf("failed to create ingest config: %w", err)
	}

	leftMapping, err := config.CreateMappingSpec(leftSource, mappingOverridesFor("left"))
	if err != nil {
		return fmt.Errorf("failed to create left mapping spec: %w", err)
	}

	rightMapping, err := config.CreateMappingSpec(rightSource, mappingOverridesFor("right"))
	if err != nil {
		return fmt.Errorf("failed to create right mapping spec: %w", err)
	}

	engineConfig := config.CreateEngineConfig(skipCeiling, workers, highValue)

	// Load the rule set
	rulesData, err := os.ReadFile(rulesFile)
	if err != nil {
		return fmt.Errorf("failed to read rule set file: %w", err)
	}

	ruleSet, err := rules.ParseRuleSetJSON(rulesData)
	if err != nil {
		return err
	}

	// Read both sources
	reader := ingest.NewReader(ingestConfig)

	leftRecords, err := reader.ReadFile(leftFile)
	if err != nil {
		return err
	}

	rightRecords, err := reader.ReadFile(rightFile)
	if err != nil {
		return err
	}

	// Create the orchestrator
	orchestrator, err := engine.New(engineConfig)
	if err != nil {
		return err
	}

	if jobID == "" {
		jobID = uuid.NewString()
	}

	request := &engine.RunRequest{
		JobID: jobID,
		Left: engine.SourceInput{
			Name:    leftSource,
			Records: leftRecords,
			Mapping: leftMapping,
		},
		Right: engine.SourceInput{
			Name:    rightSource,
			Records: rightRecords,
			Mapping: rightMapping,
		},
		RuleSet: ruleSet,
	}

	// Stream progress if requested
	if showProgress {
		events, unsubscribe := orchestrator.Subscribe(jobID)
		defer unsubscribe()

		go func() {
			for ev := range events {
				fmt.Fprintf(os.Stderr, "\r[%s] %.0f%% complete (matches: %d, exceptions: %d)",
					ev.State, ev.PercentComplete, ev.MatchesFound, ev.ExceptionsFound)
			}
		}()
	}

	result, runErr := orchestrator.Run(ctx, request)
	if showProgress {
		fmt.Fprintf(os.Stderr, "\n")
	}
	// A cancelled run may still carry a partial result worth reporting.
	if runErr != nil && result == nil {
		return runErr
	}

	exceptions, err := orchestrator.Exceptions(jobID, nil)
	if err != nil {
		exceptions = nil
	}

	skipLog, err := orchestrator.SkipLog(jobID)
	if err != nil {
		return err
	}

	// Generate report
	reportConfig := config.CreateReportConfig(outputFormat, includeMatches)
	generator, err := reporter.NewGenerator(reportConfig)
	if err != nil {
		return fmt.Errorf("failed to create report generator: %w", err)
	}

	var output *os.File
	if outputFile != "" {
		output, err = os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer output.Close()
	} else {
		output = os.Stdout
	}

	report := &reporter.Report{
		Result:     result,
		Exceptions: exceptions,
		SkipLog:    skipLog.Summary(),
	}
	if includeMatches {
		// Matches live in the report only on request; runs can produce a
		// lot of them.
		if matches, err := orchestrator.Matches(jobID); err == nil {
			report.Matches = matches
		}
	}

	if err := generator.Generate(report, output); err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}

	// Show completion message
	if viper.GetBool("verbose") {
		fmt.Fprintf(os.Stderr, "\nReconciliation completed.\n")
		fmt.Fprintf(os.Stderr, "Processed %d transactions: %d matched pairs, %d exceptions, %d rows skipped.\n",
			result.TotalTransactions, result.MatchedCount, result.ExceptionCount, result.SkippedRows)
		fmt.Fprintf(os.Stderr, "Match rate: %.1f%%. Processing time: %dms.\n",
			result.MatchRate*100, result.ProcessingTimeMs)
	}

	return runErr
}

// mappingOverridesFor reads per-side column overrides from the config
// file, e.g. "left.amount-column: amt".
func mappingOverridesFor(side string) config.MappingOverrides {
	var overrides config.MappingOverrides
	if sub := viper.Sub(side); sub != nil {
		sub.Unmarshal(&overrides)
	}
	return overrides
}
