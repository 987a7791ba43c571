package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpataki/smithers/internal/backlog"
	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/orchestrator"
	"github.com/mpataki/smithers/internal/tickets"
)

func (c *cli) newTicketsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "Schedule backlog tickets",
	}
	cmd.AddCommand(c.newTicketsSeedCommand())
	cmd.AddCommand(c.newTicketsNextCommand())
	cmd.AddCommand(c.newTicketsStatusCommand())
	cmd.AddCommand(c.newTicketsNoteCommand())
	cmd.AddCommand(c.newTicketsLastRunCommand())
	cmd.AddCommand(c.newTicketsTriageCommand())
	cmd.AddCommand(c.newTicketsListCommand())
	cmd.AddCommand(c.newTicketsDepsCommand())
	return cmd
}

// loadBacklog reads files directly and directories with LoadAll.
func loadBacklog(paths []string) ([]models.Ticket, error) {
	var all []models.Ticket
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		var list []models.Ticket
		if info.IsDir() {
			list, err = backlog.LoadAll([]string{p})
		} else {
			list, err = backlog.Parse(p)
		}
		if err != nil {
			return nil, err
		}
		all = append(all, list...)
	}
	if err := backlog.Validate(all); err != nil {
		return nil, err
	}
	return all, nil
}

func (c *cli) newTicketsSeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [backlog.yaml|dir ...]",
		Short: "Insert backlog tickets that do not exist yet (defaults to SMITHERS_BACKLOG)",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				if c.cfg.BacklogPath == "" {
					return fmt.Errorf("no backlog given and SMITHERS_BACKLOG is not set")
				}
				paths = []string{c.cfg.BacklogPath}
			}
			list, err := loadBacklog(paths)
			if err != nil {
				return err
			}
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				n, err := o.Tickets.Seed(cmd.Context(), list)
				if err != nil {
					return err
				}
				return c.print(map[string]int{"inserted": n, "total": len(list)}, func() {
					fmt.Printf("Inserted %d of %d tickets\n", n, len(list))
				})
			})
		},
	}
}

func (c *cli) newTicketsNextCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Select the next eligible ticket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exclude, _ := cmd.Flags().GetString("exclude")
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				t, err := o.Tickets.SelectNext(cmd.Context(), exclude)
				if err != nil {
					return err
				}
				return c.print(t, func() {
					if t == nil {
						fmt.Println("No eligible ticket")
						return
					}
					printTicket(t)
				})
			})
		},
	}
	cmd.Flags().String("exclude", "", "ticket id to skip")
	return cmd
}

func (c *cli) newTicketsStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id> <todo|in_progress|blocked|done>",
		Short: "Change a ticket's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				return o.Tickets.UpdateStatus(cmd.Context(), args[0], models.TicketStatus(args[1]), reason)
			})
		},
	}
	cmd.Flags().String("reason", "", "blocked reason (kept only for blocked)")
	return cmd
}

func (c *cli) newTicketsNoteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "note <id> <text>",
		Short: "Append a progress note",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				return o.Tickets.AddProgressNote(cmd.Context(), args[0], args[1])
			})
		},
	}
}

func (c *cli) newTicketsLastRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "last-run <id>",
		Short: "Record the latest run against a ticket; omitted flags keep their value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run := tickets.LastRun{RunAt: time.Now()}
			for flag, dst := range map[string]**string{
				"report":     &run.ReportPath,
				"review-dir": &run.ReviewDir,
				"goal":       &run.TicketGoal,
			} {
				if cmd.Flags().Changed(flag) {
					v, _ := cmd.Flags().GetString(flag)
					*dst = &v
				}
			}
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				return o.Tickets.SetLastRun(cmd.Context(), args[0], run)
			})
		},
	}
	cmd.Flags().String("report", "", "report path")
	cmd.Flags().String("review-dir", "", "review directory")
	cmd.Flags().String("goal", "", "goal the run worked toward")
	return cmd
}

func (c *cli) newTicketsTriageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triage <title>",
		Short: "Create a ticket from a triage report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			priority, _ := cmd.Flags().GetInt("priority")
			description, _ := cmd.Flags().GetString("description")
			reportID, _ := cmd.Flags().GetString("report-id")
			deps, _ := cmd.Flags().GetStringSlice("dep")
			criteria, _ := cmd.Flags().GetStringSlice("criteria")

			t := models.Ticket{
				ID:                 id,
				Priority:           priority,
				Title:              args[0],
				Description:        description,
				Dependencies:       deps,
				AcceptanceCriteria: criteria,
			}
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				newID, err := o.Tickets.CreateFromTriage(cmd.Context(), t, reportID)
				if err != nil {
					return err
				}
				return c.print(map[string]string{"id": newID}, func() { fmt.Printf("Created ticket %s\n", newID) })
			})
		},
	}
	cmd.Flags().String("id", "", "ticket id (generated when empty)")
	cmd.Flags().Int("priority", tickets.DefaultPriority, "priority, lower is more urgent")
	cmd.Flags().String("description", "", "description")
	cmd.Flags().String("report-id", "", "source report id")
	cmd.Flags().StringSlice("dep", nil, "dependency ticket id (repeatable)")
	cmd.Flags().StringSlice("criteria", nil, "acceptance criterion (repeatable)")
	return cmd
}

func (c *cli) newTicketsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets in scheduling order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				list, err := o.Tickets.List(cmd.Context(), models.TicketStatus(status))
				if err != nil {
					return err
				}
				return c.print(list, func() {
					if len(list) == 0 {
						fmt.Println("No tickets")
						return
					}
					for _, t := range list {
						fmt.Printf("%-10s %-4d %-12s %s\n", t.ID, t.Priority, t.Status, t.Title)
					}
				})
			})
		},
	}
	cmd.Flags().String("status", "", "only tickets with this status")
	return cmd
}

func (c *cli) newTicketsDepsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deps <id>",
		Short: "Report whether every dependency of a ticket is done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				ok, err := o.Tickets.AreDepsComplete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.print(map[string]bool{"complete": ok}, func() {
					if ok {
						fmt.Println("Dependencies complete")
					} else {
						fmt.Println("Dependencies incomplete")
					}
				})
			})
		},
	}
}

func printTicket(t *models.Ticket) {
	fmt.Printf("%s  %s\n", t.ID, t.Title)
	fmt.Printf("Priority: %d  Status: %s\n", t.Priority, t.Status)
	if t.Description != "" {
		fmt.Printf("\n%s\n", t.Description)
	}
	if len(t.Dependencies) > 0 {
		fmt.Printf("Depends on: %s\n", strings.Join(t.Dependencies, ", "))
	}
	if len(t.AcceptanceCriteria) > 0 {
		fmt.Println("Acceptance criteria:")
		for _, ac := range t.AcceptanceCriteria {
			fmt.Printf("  - %s\n", ac)
		}
	}
	if len(t.ProgressNotes) > 0 {
		fmt.Println("Progress:")
		for _, n := range t.ProgressNotes {
			fmt.Printf("  * %s\n", n)
		}
	}
}
