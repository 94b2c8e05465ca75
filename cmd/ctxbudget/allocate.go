package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	budget "ctxbudget/internal/context"
)

func newAllocateCommand(opts *rootOptions, appFn func() *app) *cobra.Command {
	var (
		total   float64
		demands []string
	)
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Allocate a token budget across zones",
		Example: `  ctxbudget allocate --budget 100 --demand identity=20 --demand truth=30 --demand memory_recall=200
  ctxbudget allocate --demand task_state=400 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			req := budget.AllocationRequest{TotalBudget: float64(a.cfg.TotalBudget)}
			if cmd.Flags().Changed("budget") {
				req.TotalBudget = total
			}
			parsed, err := parseZoneDemands(demands)
			if err != nil {
				return err
			}
			req.ZoneDemands = parsed

			result := a.allocator.Allocate(req)
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, result)
			}
			status := "accepted"
			if !result.Accepted {
				status = result.Reason
			}
			printf(out, "%s %s\n", bold("allocation:"), modeColor(status))
			for _, zone := range budget.Zones() {
				limit := a.allocator.Limit(zone)
				printf(out, "  %-15s %6d %s\n", zone, result.Granted(zone), gray(fmt.Sprintf("(floor %d, cap %d)", limit.Min, limit.Max)))
			}
			printf(out, "  %-15s %6d\n", "total", result.Total())
			return nil
		},
	}
	cmd.Flags().Float64VarP(&total, "budget", "b", 0, "Total token budget (defaults to total_budget from config)")
	cmd.Flags().StringArrayVar(&demands, "demand", nil, "Zone demand as zone=tokens; repeatable")
	return cmd
}

// parseZoneDemands accepts zone=tokens pairs. Values are passed through as
// floats so the allocator's own normalization applies.
func parseZoneDemands(pairs []string) (map[budget.Zone]float64, error) {
	out := make(map[budget.Zone]float64, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid demand %q: want zone=tokens", pair)
		}
		zone := budget.Zone(strings.TrimSpace(name))
		if budget.ZoneOrderIndex(zone) >= len(budget.Zones()) {
			return nil, fmt.Errorf("unknown zone %q", name)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid demand %q: %w", pair, err)
		}
		out[zone] += value
	}
	return out, nil
}
