package cmd

import (
	"fmt"
	"os"

	"recon-core/internal/rules"

	"github.com/spf13/cobra"
)

var validateRulesFile string

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Work with match rule sets",
}

// rulesValidateCmd loads a rule set the same way run does, so a rule set
// that validates here is guaranteed to be accepted by run.
var rulesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a rule set file without running a reconciliation",
	Long: `Validate parses a rule set file, checks every rule's parameters,
compiles regex patterns, and reports the effective evaluation order.

Examples:
  reconcore rules validate --rules-file rules.json`,

	RunE: runRulesValidate,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesValidateCmd)

	rulesValidateCmd.Flags().StringVar(&validateRulesFile, "rules-file", "", "Path to the rule set file (JSON, required)")
	rulesValidateCmd.MarkFlagRequired("rules-file")
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(validateRulesFile)
	if err != nil {
		return fmt.Errorf("failed to read rule set file: %w", err)
	}

	ruleSet, err := rules.ParseRuleSetJSON(data)
	if err != nil {
		return err
	}

	active := ruleSet.ActiveRules()
	fmt.Printf("Rule set %s (version %d) is valid\n", ruleSet.ID, ruleSet.Version)
	fmt.Printf("Rules: %d total, %d active\n\n", len(ruleSet.Rules), len(active))

	fmt.Println("Evaluation order:")
	for i, rule := range active {
		fmt.Printf("  %d. [%s] %s on %s (%s) -> %s\n",
			i+1, rule.ID, rule.Name, rule.Field, rule.Operator, rule.ThenAction)
	}

	if window := ruleSet.MaxDateToleranceDays(); window > 0 {
		fmt.Printf("\nLargest date tolerance: %d day(s)\n", window)
	}

	return nil
}
