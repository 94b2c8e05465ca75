package main

import (
	"github.com/spf13/cobra"

	"ctxbudget/internal/security"
	"ctxbudget/internal/skills"
)

type dispatchOutput struct {
	Decision skills.DispatchDecision `json:"decision"`
	Verdict  security.Verdict        `json:"verdict"`
}

func newDispatchCommand(opts *rootOptions, appFn func() *app) *cobra.Command {
	var (
		score float64
		turn  int
	)
	cmd := &cobra.Command{
		Use:     "dispatch <skill>",
		Short:   "Decide whether a selected skill dispatches",
		Example: "  ctxbudget dispatch release-train --score 12 --turn 3",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			library, err := a.skillLibrary()
			if err != nil {
				return err
			}
			decision := a.gate.Resolve(skills.DispatchRequest{
				Selected: skills.Candidate{Name: args[0], Score: score},
				Index:    library,
				Turn:     turn,
			})
			verdict := security.GateDispatch(a.cfg.SecurityPolicy(), string(decision.Mode))
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, dispatchOutput{Decision: decision, Verdict: verdict})
			}
			printf(out, "%s %s\n", bold(decision.Skill+":"), modeColor(string(decision.Mode)))
			printf(out, "  %s\n", gray(decision.Reason))
			printf(out, "  %s %s\n", verdict.Check, modeColor(string(verdict.Outcome)))
			return nil
		},
	}
	cmd.Flags().Float64Var(&score, "score", 0, "Relevance score of the selected skill")
	cmd.Flags().IntVar(&turn, "turn", 0, "Turn number recorded on the decision")
	return cmd
}

func newSkillsCommand(opts *rootOptions, appFn func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "skills",
		Short: "List the skill catalog with effective dispatch thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			library, err := a.skillLibrary()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, library.List())
			}
			printf(out, "%s\n", skills.IndexMarkdown(library, a.gate))
			return nil
		},
	}
}
