package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/spiretel/mutt/pkg/client"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage classification rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List classification rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		activeOnly, _ := cmd.Flags().GetBool("active")

		c := adminClient(cmd)
		ctx, cancel := clientContext()
		defer cancel()

		rules, err := c.ListRules(ctx, activeOnly)
		if err != nil {
			return fmt.Errorf("failed to list rules: %v", err)
		}

		fmt.Printf("%-5s %-28s %-11s %-9s %-16s %-12s %-14s %s\n",
			"ID", "NAME", "TYPE", "PRIORITY", "PROD", "DEV", "TEAM", "ACTIVE")
		for _, r := range rules {
			fmt.Printf("%-5d %-28s %-11s %-9d %-16s %-12s %-14s %v\n",
				r.ID, r.Name, r.MatchType, r.Priority, r.ProdHandling, r.DevHandling, r.TeamAssignment, r.Active)
		}
		return nil
	},
}

var rulesApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a rules file",
	Long: `Apply classification rules from a YAML file.

Entries carrying an id update the existing rule; entries without one
create a new rule. The whole file is validated before anything is
written.

Examples:
  # Apply a rule set
  mutt rules apply -f rules.yaml`,
	RunE: runRulesApply,
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Deactivate a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("rule id must be a number: %q", args[0])
		}

		c := adminClient(cmd)
		ctx, cancel := clientContext()
		defer cancel()

		if err := c.DeleteRule(ctx, id); err != nil {
			return fmt.Errorf("failed to delete rule: %v", err)
		}
		fmt.Printf("✓ Rule %d deactivated\n", id)
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesApplyCmd)
	rulesCmd.AddCommand(rulesDeleteCmd)

	addClientFlags(rulesListCmd, rulesApplyCmd, rulesDeleteCmd)
	rulesListCmd.Flags().Bool("active", false, "Show active rules only")
	rulesApplyCmd.Flags().StringP("file", "f", "", "YAML rules file to apply (required)")
	_ = rulesApplyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(rulesCmd)
}

// RulesFile is the YAML shape mutt rules apply consumes
type RulesFile struct {
	Rules []client.RuleSpec `yaml:"rules"`
}

func runRulesApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse YAML: %v", err)
	}
	if len(file.Rules) == 0 {
		return fmt.Errorf("no rules found in %s", filename)
	}

	fmt.Printf("Applying %d rules from %s\n", len(file.Rules), filename)

	c := adminClient(cmd)
	ctx, cancel := clientContext()
	defer cancel()

	result, err := c.ApplyRules(ctx, file.Rules)
	if err != nil {
		return fmt.Errorf("failed to apply rules: %v", err)
	}

	fmt.Printf("✓ Applied: %d created, %d updated\n", result.Created, result.Updated)
	return nil
}

// addClientFlags registers the flags every admin client command takes
func addClientFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().String("api-url", envOr("MUTT_ADMIN_URL", "http://localhost:8081"), "Admin API base URL")
		cmd.Flags().String("api-key", os.Getenv("MUTT_ADMIN_API_KEY"), "Admin API key")
		cmd.Flags().String("actor", envOr("MUTT_ACTOR", os.Getenv("USER")), "Actor recorded in the audit log")
		cmd.Flags().String("reason", "", "Change reason recorded in the audit log")
	}
}

func adminClient(cmd *cobra.Command) *client.Client {
	apiURL, _ := cmd.Flags().GetString("api-url")
	apiKey, _ := cmd.Flags().GetString("api-key")
	actor, _ := cmd.Flags().GetString("actor")
	reason, _ := cmd.Flags().GetString("reason")

	c := client.New(apiURL, apiKey)
	if actor != "" {
		c = c.WithActor(actor)
	}
	if reason != "" {
		c = c.WithReason(reason)
	}
	return c
}

func clientContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
