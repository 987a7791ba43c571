package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpataki/smithers/internal/orchestrator"
)

func (c *cli) newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Read and write the shared key-value state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get [key]",
		Short: "Print one key, or every key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				if len(args) == 1 {
					v, err := o.State.Get(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return c.print(v, func() { fmt.Println(v) })
				}
				all, err := o.State.All(cmd.Context())
				if err != nil {
					return err
				}
				return c.print(all, func() {
					for _, e := range all {
						fmt.Printf("%-20s %s\n", e.Key, e.Value)
					}
				})
			})
		},
	})

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a key to a JSON value (bare words are stored as strings)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			trigger, _ := cmd.Flags().GetString("trigger")
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				// Transitions are attributed to the configured execution.
				if c.cfg.ExecutionID != "" {
					o.Scope.Enter(c.cfg.ExecutionID)
				}
				return o.State.Set(cmd.Context(), o.Scope, args[0], parseJSONArg(args[1]), trigger)
			})
		},
	}
	set.Flags().String("trigger", "cli", "trigger recorded on the transition")
	cmd.AddCommand(set)

	history := &cobra.Command{
		Use:   "history <key>",
		Short: "Show recorded transitions of a key, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				list, err := o.State.History(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return c.print(list, func() {
					for _, t := range list {
						fmt.Printf("#%-5d %s %-12s %s -> %s (%s)\n", t.ID, t.CreatedAt.Local().Format(time.DateTime),
							t.Trigger, t.OldValue, t.NewValue, t.ExecutionID)
					}
				})
			})
		},
	}
	history.Flags().Int("limit", 100, "maximum transitions to show")
	cmd.AddCommand(history)

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Delete all state and transitions and reinstall the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				if err := o.State.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("State reset")
				return nil
			})
		},
	})
	return cmd
}
