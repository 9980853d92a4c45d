package main

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// Queue inspection
var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show queue depths and circuit state",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := adminClient(cmd)
		ctx, cancel := clientContext()
		defer cancel()

		status, err := c.Queues(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue status: %v", err)
		}

		fmt.Printf("%-28s %s\n", "QUEUE", "DEPTH")
		for _, name := range sortedKeys(status.Queues) {
			fmt.Printf("%-28s %d\n", name, status.Queues[name])
		}
		if len(status.Processing) > 0 {
			fmt.Println()
			fmt.Printf("%-28s %s\n", "PROCESSING", "DEPTH")
			for _, name := range sortedKeys(status.Processing) {
				fmt.Printf("%-28s %d\n", name, status.Processing[name])
			}
		}
		fmt.Println()
		fmt.Printf("Circuit: %s (%d consecutive failures)\n", status.Circuit.State, status.Circuit.Failures)
		return nil
	},
}

func init() {
	addClientFlags(queuesCmd)
	rootCmd.AddCommand(queuesCmd)
}

// Quarantine commands
var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect and manage the quarantine",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		c := adminClient(cmd)
		ctx, cancel := clientContext()
		defer cancel()

		list, err := c.ListQuarantine(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to list quarantine: %v", err)
		}

		fmt.Printf("Quarantine depth: %d\n", list.Depth)
		if len(list.Entries) == 0 {
			return nil
		}
		fmt.Println()
		fmt.Printf("%-4s %-38s %-24s %-8s %s\n", "POS", "CORRELATION", "HOSTNAME", "RETRIES", "LAST ERROR")
		for _, e := range list.Entries {
			if e.Malformed {
				fmt.Printf("%-4d %-38s (malformed payload)\n", e.Position, "-")
				continue
			}
			fmt.Printf("%-4d %-38s %-24s %-8d %s\n", e.Position, e.CorrelationID, e.Hostname, e.RetryCount, e.LastError)
		}
		return nil
	},
}

var quarantineRequeueCmd = &cobra.Command{
	Use:   "requeue [CORRELATION-ID]",
	Short: "Replay quarantined entries through the pipeline",
	Long: `Replay quarantined entries back into the raw queue.

With a correlation id only that entry is replayed; without one every
well-formed entry is. Replayed events classify fresh, so rule fixes
made since the failure apply. Malformed payloads are never replayed;
purge is their only exit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var correlationID string
		if len(args) == 1 {
			correlationID = args[0]
		}

		c := adminClient(cmd)
		ctx, cancel := clientContext()
		defer cancel()

		result, err := c.RequeueQuarantine(ctx, correlationID)
		if err != nil {
			return fmt.Errorf("failed to requeue: %v", err)
		}
		fmt.Printf("✓ Requeued %d, skipped %d\n", result.Requeued, result.Skipped)
		return nil
	},
}

var quarantinePurgeCmd = &cobra.Command{
	Use:   "purge [CORRELATION-ID]",
	Short: "Delete quarantined entries permanently",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("purge is permanent: re-run with --yes to confirm")
		}
		var correlationID string
		if len(args) == 1 {
			correlationID = args[0]
		}

		c := adminClient(cmd)
		ctx, cancel := clientContext()
		defer cancel()

		purged, err := c.PurgeQuarantine(ctx, correlationID)
		if err != nil {
			return fmt.Errorf("failed to purge: %v", err)
		}
		fmt.Printf("✓ Purged %d entries\n", purged)
		return nil
	},
}

func init() {
	quarantineCmd.AddCommand(quarantineListCmd)
	quarantineCmd.AddCommand(quarantineRequeueCmd)
	quarantineCmd.AddCommand(quarantinePurgeCmd)

	addClientFlags(quarantineListCmd, quarantineRequeueCmd, quarantinePurgeCmd)
	quarantineListCmd.Flags().Int("limit", 50, "Entries to show")
	quarantinePurgeCmd.Flags().Bool("yes", false, "Confirm permanent deletion")

	rootCmd.AddCommand(quarantineCmd)
}

// Dynamic config commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and tune dynamic configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dynamic config keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := adminClient(cmd)
		ctx, cancel := clientContext()
		defer cancel()

		entries, err := c.ListConfig(ctx)
		if err != nil {
			return fmt.Errorf("failed to list config: %v", err)
		}

		fmt.Printf("%-40s %-14s %-14s %s\n", "KEY", "VALUE", "DEFAULT", "SOURCE")
		for _, e := range entries {
			source := "default"
			if e.Overridden {
				source = "override"
			}
			fmt.Printf("%-40s %-14s %-14s %s\n", e.Key, e.Value, e.Default, source)
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Show one config key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := adminClient(cmd)
		ctx, cancel := clientContext()
		defer cancel()

		entry, err := c.GetConfig(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to read config key: %v", err)
		}

		fmt.Printf("%s = %s\n", entry.Key, entry.Value)
		if entry.Description != "" {
			fmt.Printf("  %s\n", entry.Description)
		}
		if entry.Overridden {
			fmt.Printf("  (overridden, default %s)\n", entry.Default)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Override a config key",
	Long: `Override a dynamic config key.

The change takes effect across the deployment within the cache TTL,
no restarts. Every override lands in the config audit log with the
acting operator, so pass --reason for anything surprising.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := adminClient(cmd)
		ctx, cancel := clientContext()
		defer cancel()

		entry, err := c.SetConfig(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to set config key: %v", err)
		}
		fmt.Printf("✓ %s = %s\n", entry.Key, entry.Value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	addClientFlags(configListCmd, configGetCmd, configSetCmd)

	rootCmd.AddCommand(configCmd)
}

// SLO report
var sloCmd = &cobra.Command{
	Use:   "slo",
	Short: "Show availability against the SLO target",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := adminClient(cmd)
		ctx, cancel := clientContext()
		defer cancel()

		report, err := c.SLOReport(ctx)
		if err != nil {
			return fmt.Errorf("failed to read SLO report: %v", err)
		}

		fmt.Printf("Target: %.2f%%\n", report.Target*100)
		for _, comp := range report.Components {
			fmt.Println()
			fmt.Println(comp.Component)
			for _, w := range comp.Windows {
				met := "met"
				if !w.Met {
					met = "MISSED"
				}
				fmt.Printf("  %-5s ok=%-9d errors=%-7d availability=%.4f burn=%.2f %s\n",
					w.Window, w.Ok, w.Errors, w.Availability, w.BurnRate, met)
			}
		}
		return nil
	},
}

func init() {
	addClientFlags(sloCmd)
	rootCmd.AddCommand(sloCmd)
}

func sortedKeys(m map[string]int64) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
