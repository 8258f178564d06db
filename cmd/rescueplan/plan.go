package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/rescueplan/config"
	"github.com/liamcoop/rescueplan/inventory"
	"github.com/liamcoop/rescueplan/models"
	"github.com/liamcoop/rescueplan/pipeline"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Build a rescue plan for a disaster context",
	Long: `Build a rescue plan for the disaster context read from --context (YAML or
JSON) and --set key=value pairs. The inventory is held in memory, so
--commit only shows which teams would be reserved.`,
	RunE: runPlan,
}

var (
	planContextFile string
	planSet         []string
	planIncident    string
	planCommit      bool
	planOutput      string
)

func init() {
	planCmd.Flags().StringVar(&planContextFile, "context", "", "Disaster context file (YAML or JSON)")
	planCmd.Flags().StringArrayVar(&planSet, "set", nil, "Context field as key=value (repeatable)")
	planCmd.Flags().StringVar(&planIncident, "incident", "", "Incident ID")
	planCmd.Flags().BoolVar(&planCommit, "commit", false, "Reserve the recommended teams")
	planCmd.Flags().StringVarP(&planOutput, "output", "o", "text", "Output format: text or json")
}

func runPlan(cmd *cobra.Command, args []string) error {
	disaster, err := readContext(planContextFile, planSet)
	if err != nil {
		return err
	}
	if planOutput != "text" && planOutput != "json" {
		return fmt.Errorf("unknown output format %q", planOutput)
	}

	settings, err := loadSettings()
	if err != nil {
		return err
	}
	var resources []models.Resource
	if settings.Inventory.SeedPath != "" {
		resources, err = config.LoadInventory(settings.Inventory.SeedPath)
		if err != nil {
			return err
		}
	}

	orch, err := pipeline.New(pipeline.Config{
		Matcher:   settings.Matcher,
		Optimizer: settings.Optimizer,
		Scoring:   settings.Scoring,
	}, config.NewYAMLProvider(settings.Knowledge.Path), inventory.NewInMemoryRepository(resources...))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := orch.Run(ctx, pipeline.Request{
		IncidentID: planIncident,
		Context:    disaster,
		Commit:     planCommit,
	})

	out := cmd.OutOrStdout()
	if planOutput == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printResult(out, res)
	}

	if !res.Completed() {
		return fmt.Errorf("run %s failed: %s", res.RunID, res.Reason)
	}
	return nil
}

// readContext merges the context file with --set overrides. Values of
// --set are decoded as YAML scalars, so numbers and booleans keep their
// type.
func readContext(path string, sets []string) (map[string]any, error) {
	disaster := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read context: %w", err)
		}
		if err := yaml.Unmarshal(data, &disaster); err != nil {
			return nil, fmt.Errorf("failed to decode context %s: %w", path, err)
		}
		if disaster == nil {
			disaster = map[string]any{}
		}
	}
	for _, kv := range sets {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		disaster[key] = value
	}
	if len(disaster) == 0 {
		return nil, errors.New("a disaster context is required (--context or --set)")
	}
	return disaster, nil
}

func printResult(out io.Writer, res *pipeline.Result) {
	fmt.Fprintf(out, "Run %s: %s", res.RunID, res.Status)
	if res.Reason != "" {
		fmt.Fprintf(out, " (%s)", res.Reason)
	}
	fmt.Fprintln(out)
	if res.Message != "" {
		fmt.Fprintf(out, "  %s\n", res.Message)
	}

	plan := res.Plan
	if plan != nil {
		if plan.NoOp {
			fmt.Fprintln(out, "No action required: no rule matched the context.")
		} else {
			fmt.Fprintf(out, "Sequence: %s\n", strings.Join(plan.Sequence, " -> "))
			fmt.Fprintf(out, "Score: %s  coverage: %s  partial: %v  committed: %v\n\n",
				formatFloat(plan.Score.Total), formatFloat(plan.OverallCoverageRate), plan.Partial, plan.Committed)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tRESOURCE\tTYPE\tETA(min)\tCOVERS")
			for _, a := range plan.Allocation.Assignments {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%s\n",
					a.TaskID, a.ResourceID, a.ResourceType, a.ETAMinutes, strings.Join(a.Covered, ","))
			}
			w.Flush()

			for _, g := range plan.Gaps {
				fmt.Fprintf(out, "Gap: %s: %s\n", g.TaskID, g.Reason)
			}
		}
	}
	for _, c := range res.ViolatedConstraints {
		fmt.Fprintf(out, "Violated: %s: %s\n", c.RuleID, c.Message)
	}
	for _, e := range res.Errors {
		if !e.Fatal {
			fmt.Fprintf(out, "Warning [%s] %s: %s\n", e.Stage, e.Kind, e.Message)
		}
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
