package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpataki/smithers/internal/jsonval"
	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/orchestrator"
)

func (c *cli) newVCSCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vcs",
		Short: "Serialize version-control operations through the shared queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "enqueue <operation> [payload-json]",
		Short: "Queue an operation (commit, push, rebase, ...)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := jsonval.NullValue()
			if len(args) == 2 {
				v, err := jsonval.Parse([]byte(args[1]))
				if err != nil {
					return fmt.Errorf("invalid payload: %w", err)
				}
				payload = v
			}
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				id, err := o.VCS.Enqueue(cmd.Context(), args[0], payload)
				if err != nil {
					return err
				}
				return c.print(map[string]int64{"id": id}, func() { fmt.Printf("Queued #%d\n", id) })
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dequeue",
		Short: "Claim the oldest pending operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				item, err := o.VCS.Dequeue(cmd.Context())
				if err != nil {
					return err
				}
				return c.print(item, func() {
					if item == nil {
						fmt.Println("Queue empty")
						return
					}
					printVCSItem(item)
				})
			})
		},
	})

	complete := &cobra.Command{
		Use:   "complete <id>",
		Short: "Finish a claimed operation (failed when --error is given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			errText, _ := cmd.Flags().GetString("error")
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				if err := o.VCS.Complete(cmd.Context(), id, errText); err != nil {
					return err
				}
				item, err := o.VCS.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				return c.print(item, func() {
					if item == nil {
						fmt.Printf("No item #%d\n", id)
						return
					}
					printVCSItem(item)
				})
			})
		},
	}
	complete.Flags().String("error", "", "failure message")
	cmd.AddCommand(complete)

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List pending operations in queue order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				var items []*models.VCSItem
				var err error
				if all {
					items, err = o.VCS.List(cmd.Context(), 0)
				} else {
					items, err = o.VCS.GetPending(cmd.Context())
				}
				if err != nil {
					return err
				}
				return c.print(items, func() {
					if len(items) == 0 {
						fmt.Println("Queue empty")
					}
					for _, item := range items {
						printVCSItem(item)
					}
				})
			})
		},
	}
	pending.Flags().Bool("all", false, "include finished items")
	cmd.AddCommand(pending)

	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Apply every pending operation to the configured repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				runner, err := o.Runner()
				if err != nil {
					return err
				}
				n, err := runner.Drain(cmd.Context())
				if err != nil {
					return err
				}
				return c.print(map[string]int{"processed": n}, func() { fmt.Printf("Processed %d operations\n", n) })
			})
		},
	})

	reap := &cobra.Command{
		Use:   "reap",
		Short: "Fail operations claimed longer than --stale-after",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			staleAfter, _ := cmd.Flags().GetDuration("stale-after")
			if !cmd.Flags().Changed("stale-after") {
				staleAfter = c.cfg.VCS.StaleAfter
			}
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				ids, err := o.VCS.ReapStale(cmd.Context(), staleAfter)
				if err != nil {
					return err
				}
				return c.print(map[string][]int64{"reaped": ids}, func() { fmt.Printf("Reaped %d operations %v\n", len(ids), ids) })
			})
		},
	}
	reap.Flags().Duration("stale-after", 30*time.Minute, "age after which a claim is abandoned")
	cmd.AddCommand(reap)

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <id>",
		Short: "Re-queue a failed operation as a new item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				newID, err := o.VCS.Retry(cmd.Context(), id)
				if err != nil {
					return err
				}
				if newID == 0 {
					return fmt.Errorf("item #%d is not failed", id)
				}
				return c.print(map[string]int64{"id": newID}, func() { fmt.Printf("Re-queued #%d as #%d\n", id, newID) })
			})
		},
	})
	return cmd
}

func printVCSItem(item *models.VCSItem) {
	line := fmt.Sprintf("#%-5d %-16s %-10s %s", item.ID, item.Operation, item.Status, item.Payload)
	if item.Error != "" {
		line += "  error: " + item.Error
	}
	fmt.Println(line)
}
