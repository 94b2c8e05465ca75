package main

import (
	"strings"

	"github.com/spf13/cobra"

	"ctxbudget/internal/security"
)

func newPolicyCommand(opts *rootOptions, appFn func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy [mode]",
		Short: "Show the effective security policy for a mode",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			mode := a.cfg.Security.Mode
			if len(args) == 1 {
				mode = args[0]
			}
			policy := security.ResolvePolicy(mode)
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, policy)
			}
			printf(out, "%s %s\n", bold("mode:"), security.NormalizeMode(mode))
			printf(out, "  %-22s %v\n", "enforce_denied_tools", policy.EnforceDeniedTools)
			rows := []struct {
				name  string
				level security.EnforcementLevel
			}{
				{"allowed_tools", policy.AllowedToolsMode},
				{"skill_max_tokens", policy.SkillMaxTokens},
				{"skill_max_tool_calls", policy.SkillMaxToolCalls},
				{"skill_max_parallel", policy.SkillMaxParallel},
				{"skill_dispatch_gate", policy.SkillDispatchGate},
			}
			for _, row := range rows {
				printf(out, "  %-22s %s\n", row.name, modeColor(string(row.level)))
			}
			return nil
		},
	}
	cmd.AddCommand(newCheckToolCommand(opts, appFn))
	return cmd
}

func newCheckToolCommand(opts *rootOptions, appFn func() *app) *cobra.Command {
	var (
		skillName string
		mode      string
	)
	cmd := &cobra.Command{
		Use:   "check-tool <tool>",
		Short: "Check whether a skill may call a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			library, err := a.skillLibrary()
			if err != nil {
				return err
			}
			if strings.TrimSpace(mode) == "" {
				mode = a.cfg.Security.Mode
			}
			var tools security.SkillToolPolicy
			if skill, ok := library.Get(skillName); ok {
				tools = security.SkillToolPolicy{AllowedTools: skill.AllowedTools, DeniedTools: skill.DeniedTools}
			}
			verdict := security.CheckToolAccess(security.ResolvePolicy(mode), tools, args[0])
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, verdict)
			}
			printf(out, "%s %s %s\n", verdict.Check, modeColor(string(verdict.Outcome)), gray(verdict.Detail))
			return nil
		},
	}
	cmd.Flags().StringVar(&skillName, "skill", "", "Skill whose tool lists apply")
	cmd.Flags().StringVar(&mode, "mode", "", "Security mode (defaults to security.mode from config)")
	return cmd
}
