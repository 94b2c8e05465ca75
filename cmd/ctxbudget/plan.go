package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	budget "ctxbudget/internal/context"
	"ctxbudget/internal/memory"
)

func newPlanCommand(opts *rootOptions, appFn func() *app) *cobra.Command {
	var (
		total     int
		sessionID string
		specs     []string
		remember  []string
		recall    []string
		render    bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Fit rendered source files into the turn budget",
		Long: `Meter each source file in tokens, allocate the budget across zones, shed
degradable sources on floor_unmet, and truncate blocks to their grant.`,
		Example: `  ctxbudget plan --budget 4000 --block identity=persona.md --block recall-memory=recall.md
  ctxbudget plan --block identity=persona.md --remember "rollback=helm rollback api" --recall rollback`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			if !cmd.Flags().Changed("budget") {
				total = a.cfg.TotalBudget
			}
			blocks, err := readBlocks(cmd, specs)
			if err != nil {
				return err
			}
			for _, note := range remember {
				topic, content, _ := strings.Cut(note, "=")
				if _, err := a.memory.Save(cmd.Context(), memory.Entry{
					SessionID: sessionID,
					Topic:     strings.TrimSpace(topic),
					Content:   strings.TrimSpace(content),
					Source:    "cli",
				}); err != nil {
					return fmt.Errorf("remember %q: %w", note, err)
				}
			}
			recalled, ok, err := budget.RecallMemoryBlock(cmd.Context(), a.memory, sessionID, recall, 0)
			if err != nil {
				return err
			}
			if ok {
				blocks = append(blocks, recalled)
			}

			plan := a.planner().Plan(cmd.Context(), budget.PlanRequest{
				SessionID:   sessionID,
				TotalBudget: total,
				Blocks:      blocks,
			})

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, plan)
			}
			if render {
				printf(out, "%s\n", plan.Render())
				return nil
			}
			status := "accepted"
			if !plan.Allocation.Accepted {
				status = plan.Allocation.Reason
			}
			printf(out, "%s %s\n", bold("plan:"), modeColor(status))
			for _, block := range plan.Blocks {
				note := ""
				if block.Truncated {
					note = yellow(fmt.Sprintf(" truncated from %d", block.Demand))
				}
				printf(out, "  %-20s %-15s %6d%s\n", block.Source, gray(string(block.Zone)), block.Tokens, note)
			}
			for _, source := range plan.Dropped {
				printf(out, "  %-20s %s\n", source, red("dropped"))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&total, "budget", "b", 0, "Total token budget (defaults to total_budget from config)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "cli", "Session id attached to the plan span")
	cmd.Flags().StringArrayVar(&specs, "block", nil, "Source block as source=path; repeatable, kept in order")
	cmd.Flags().StringArrayVar(&remember, "remember", nil, "Store a session memory as topic=content before planning; repeatable")
	cmd.Flags().StringSliceVar(&recall, "recall", nil, "Keywords whose session memories are added as a recall-memory block")
	cmd.Flags().BoolVar(&render, "render", false, "Print the fitted context text instead of a summary")
	return cmd
}

// readBlocks reads every block file concurrently and keeps the flag order.
func readBlocks(cmd *cobra.Command, specs []string) ([]budget.Block, error) {
	blocks := make([]budget.Block, len(specs))
	g, _ := errgroup.WithContext(cmd.Context())
	for i, spec := range specs {
		source, path, ok := strings.Cut(spec, "=")
		if !ok || strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("invalid block %q: want source=path", spec)
		}
		blocks[i].Source = budget.Source(strings.TrimSpace(source))
		g.Go(func() error {
			data, err := os.ReadFile(strings.TrimSpace(path))
			if err != nil {
				return fmt.Errorf("read block %s: %w", source, err)
			}
			blocks[i].Text = string(data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}
