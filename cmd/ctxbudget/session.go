package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	budget "ctxbudget/internal/context"
	ctxerrors "ctxbudget/internal/errors"
	"ctxbudget/internal/events"
	"ctxbudget/internal/memory"
)

type sessionFlags struct {
	sessionID string
	turn      int
	skill     string
}

func (f *sessionFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.sessionID, "session", "s", "cli", "Session id")
	cmd.Flags().IntVar(&f.turn, "turn", 0, "Current turn of the session")
	cmd.Flags().StringVar(&f.skill, "skill", "", "Active skill of the session")
}

// seed replays the turn counter and active skill into the fresh session store.
func (f *sessionFlags) seed(a *app) {
	for a.sessions.CurrentTurn(f.sessionID) < f.turn {
		a.sessions.AdvanceTurn(f.sessionID)
	}
	if f.skill != "" {
		a.sessions.SetActiveSkill(f.sessionID, f.skill)
	}
}

// reportDegraded prints sink failures as a warning; the workflow itself ran.
func reportDegraded(cmd *cobra.Command, err error) error {
	if err == nil || !ctxerrors.IsDegraded(err) {
		return err
	}
	printf(cmd.ErrOrStderr(), "%s %s\n", yellow("warning: sinks failed:"), strings.Join(ctxerrors.FailedCollaborators(err), ", "))
	return nil
}

func printEvents(cmd *cobra.Command, opts *rootOptions, records []events.Record) error {
	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		return writeJSON(out, records)
	}
	for _, record := range records {
		outcome, _ := record.Payload["outcome"].(string)
		printf(out, "%s %s %s\n", bold(record.Type), modeColor(outcome), gray(formatPayload(record.Payload)))
	}
	return nil
}

func formatPayload(payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for key := range payload {
		if key != "outcome" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value := payload[key]
		if value == nil {
			value = "null"
		}
		parts = append(parts, fmt.Sprintf("%s=%v", key, value))
	}
	return strings.Join(parts, " ")
}

func newCompactCommand(opts *rootOptions, appFn func() *app) *cobra.Command {
	var (
		session    sessionFlags
		fromTokens int
		toTokens   int
		summary    string
		entryID    string
	)
	cmd := &cobra.Command{
		Use:     "compact",
		Short:   "Record a completed context compaction",
		Example: `  ctxbudget compact --session s1 --turn 4 --skill review --from 9000 --to 2500 --summary "kept deploy plan"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			session.seed(a)
			input := budget.CompactionInput{Summary: summary, EntryID: entryID}
			if cmd.Flags().Changed("from") {
				input.FromTokens = &fromTokens
			}
			if cmd.Flags().Changed("to") {
				input.ToTokens = &toTokens
			}
			if err := reportDegraded(cmd, a.lifecycle().CompleteCompaction(cmd.Context(), session.sessionID, input)); err != nil {
				return err
			}
			return printEvents(cmd, opts, a.recorder.Records(session.sessionID))
		},
	}
	session.bind(cmd)
	cmd.Flags().IntVar(&fromTokens, "from", 0, "Context tokens before compaction")
	cmd.Flags().IntVar(&toTokens, "to", 0, "Context tokens after compaction")
	cmd.Flags().StringVar(&summary, "summary", "", "Compaction summary")
	cmd.Flags().StringVar(&entryID, "entry-id", "", "Id of the summary entry")
	return cmd
}

func newRecallCommand(opts *rootOptions, appFn func() *app) *cobra.Command {
	var (
		session          sessionFlags
		status           string
		query            string
		hits             []string
		internalTopScore float64
		threshold        float64
		injection        string
		injectionFile    string
		skipReason       string
	)
	cmd := &cobra.Command{
		Use:   "recall",
		Short: "Record an external recall decision against the final injection text",
		Example: `  ctxbudget recall --status decided --query "rollback" --hit "Runbook=helm rollback@0.82" --injection-file prompt.txt
  ctxbudget recall --status skipped --reason internal_recall_sufficient`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			session.seed(a)

			text := injection
			if injectionFile != "" {
				data, err := os.ReadFile(injectionFile)
				if err != nil {
					return fmt.Errorf("read injection: %w", err)
				}
				text = string(data)
			}

			var decision budget.ExternalRecallDecision
			switch budget.ExternalRecallStatus(strings.ToLower(strings.TrimSpace(status))) {
			case budget.ExternalRecallDisabled:
				decision.Status = budget.ExternalRecallDisabled
			case budget.ExternalRecallSkipped:
				payload := map[string]any{}
				if skipReason != "" {
					payload["reason"] = skipReason
				}
				decision = budget.SkippedRecall(payload)
			case budget.ExternalRecallDecided:
				parsed, err := parseHits(hits)
				if err != nil {
					return err
				}
				decision = budget.DecidedRecall(query, parsed, internalTopScore, threshold)
			default:
				return fmt.Errorf("unknown status %q: want disabled, skipped or decided", status)
			}

			if err := reportDegraded(cmd, a.lifecycle().RecordExternalRecallDecision(cmd.Context(), session.sessionID, text, decision)); err != nil {
				return err
			}
			return printEvents(cmd, opts, a.recorder.Records(session.sessionID))
		},
	}
	session.bind(cmd)
	cmd.Flags().StringVar(&status, "status", string(budget.ExternalRecallDecided), "Decision status: disabled, skipped or decided")
	cmd.Flags().StringVar(&query, "query", "", "Recall query")
	cmd.Flags().StringArrayVar(&hits, "hit", nil, "Hit as topic=excerpt[@score]; repeatable")
	cmd.Flags().Float64Var(&internalTopScore, "internal-top-score", 0, "Best internal memory score")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Score threshold that triggered external recall")
	cmd.Flags().StringVar(&injection, "injection", "", "Final injection text")
	cmd.Flags().StringVar(&injectionFile, "injection-file", "", "File holding the final injection text")
	cmd.Flags().StringVar(&skipReason, "reason", "", "Upstream reason for a skipped decision")
	return cmd
}

// parseHits reads topic=excerpt[@score] specs.
func parseHits(specs []string) ([]memory.ExternalRecallHit, error) {
	hits := make([]memory.ExternalRecallHit, 0, len(specs))
	for _, spec := range specs {
		topic, excerpt, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("invalid hit %q: want topic=excerpt[@score]", spec)
		}
		hit := memory.ExternalRecallHit{Topic: strings.TrimSpace(topic), Excerpt: excerpt}
		if idx := strings.LastIndex(excerpt, "@"); idx >= 0 {
			if score, err := strconv.ParseFloat(strings.TrimSpace(excerpt[idx+1:]), 64); err == nil {
				hit.Excerpt = excerpt[:idx]
				hit.Score = score
			}
		}
		hit.Excerpt = strings.TrimSpace(hit.Excerpt)
		hits = append(hits, hit)
	}
	return hits, nil
}
