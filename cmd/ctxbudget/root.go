package main

import (
	"context"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	jsonOutput bool
	noColor    bool
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	var current *app

	rootCmd := &cobra.Command{
		Use:           "ctxbudget",
		Short:         "Context budget and policy engine",
		Long:          "Allocate per-turn context budgets, resolve security policy, gate skill dispatch and record session lifecycle events.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.noColor || opts.jsonOutput || !isTTY() {
				color.NoColor = true
			}
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			current = a
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if current == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return current.Close(ctx)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to ctxbudget.yaml")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Emit JSON instead of text")
	rootCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Debug logging")

	appFn := func() *app { return current }
	rootCmd.AddCommand(newAllocateCommand(opts, appFn))
	rootCmd.AddCommand(newPlanCommand(opts, appFn))
	rootCmd.AddCommand(newPolicyCommand(opts, appFn))
	rootCmd.AddCommand(newDispatchCommand(opts, appFn))
	rootCmd.AddCommand(newSkillsCommand(opts, appFn))
	rootCmd.AddCommand(newCompactCommand(opts, appFn))
	rootCmd.AddCommand(newRecallCommand(opts, appFn))
	rootCmd.AddCommand(newLedgerCommand(opts, appFn))
	return rootCmd
}
