package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rescueplan/config"
	"github.com/liamcoop/rescueplan/models"
	"github.com/liamcoop/rescueplan/rules"
	"github.com/liamcoop/rescueplan/taskgraph"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check knowledge and inventory files",
	Long: `Load the knowledge files, check every definition and compile every
condition, and resolve the task graph of each active rule so dependency
cycles are found before a run hits them. The inventory is checked when
one is configured.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	k, err := config.NewYAMLProvider(settings.Knowledge.Path).Load(context.Background())
	if err != nil {
		return err
	}
	if err := config.Validate(k); err != nil {
		return err
	}

	resolver, err := taskgraph.NewResolver(k.Tasks)
	if err != nil {
		return err
	}
	for _, r := range k.ActiveRules() {
		if _, err := resolver.Resolve([]rules.MatchedRule{{Rule: r}}); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}

	var resources []models.Resource
	if settings.Inventory.SeedPath != "" {
		resources, err = config.LoadInventory(settings.Inventory.SeedPath)
		if err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tCOUNT")
	fmt.Fprintf(w, "rules\t%d (%d active)\n", len(k.Rules), len(k.ActiveRules()))
	fmt.Fprintf(w, "tasks\t%d\n", len(k.Tasks))
	fmt.Fprintf(w, "capabilities\t%d\n", len(k.Capabilities))
	fmt.Fprintf(w, "hard rules\t%d\n", len(k.HardRules))
	fmt.Fprintf(w, "soft rules\t%d\n", len(k.SoftRules))
	fmt.Fprintf(w, "match profiles\t%d\n", len(k.MatchProfiles))
	fmt.Fprintf(w, "scoring profiles\t%d\n", len(k.ScoringProfiles))
	if settings.Inventory.SeedPath != "" {
		fmt.Fprintf(w, "resources\t%d (%d available)\n", len(resources), available(resources))
	}
	w.Flush()

	fmt.Fprintln(cmd.OutOrStdout(), "OK")
	return nil
}

func available(resources []models.Resource) int {
	n := 0
	for _, r := range resources {
		if r.Status == models.ResourceAvailable {
			n++
		}
	}
	return n
}
