package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/orchestrator"
)

func (c *cli) newLeaseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Inspect and arbitrate the build-fix lease",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the build lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				st, err := o.Lease.Get(cmd.Context())
				if err != nil {
					return err
				}
				return c.print(st, func() { printBuildState(st) })
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "broken <agent-id>",
		Short: "Report a broken build and try to claim the fix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				res, err := o.Lease.HandleBrokenBuild(cmd.Context(), args[0], o.LeaseOptions())
				if err != nil {
					return err
				}
				return c.print(res, func() {
					if res.ShouldFix {
						fmt.Printf("%s holds the lease: fix the build\n", args[0])
						return
					}
					fmt.Printf("%s is already fixing; retry in %s\n", res.State.FixerAgentID, res.RetryAfter)
				})
			})
		},
	})

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Release a fixing lease held longer than --stale-after",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			staleAfter, _ := cmd.Flags().GetDuration("stale-after")
			if !cmd.Flags().Changed("stale-after") {
				staleAfter = c.cfg.Lease.StaleAfter
			}
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				released, err := o.Lease.Cleanup(cmd.Context(), staleAfter)
				if err != nil {
					return err
				}
				return c.print(map[string]bool{"released": released}, func() {
					if released {
						fmt.Println("Released stale lease")
					} else {
						fmt.Println("Nothing to release")
					}
				})
			})
		},
	}
	cleanup.Flags().Duration("stale-after", 15*time.Minute, "age after which a fixing lease is stale")
	cmd.AddCommand(cleanup)

	cmd.AddCommand(&cobra.Command{
		Use:   "fixed",
		Short: "Mark the build passing and clear the lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				if err := o.Lease.MarkFixed(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("Build marked passing")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "release <agent-id>",
		Short: "Give up the lease if agent-id holds it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				ok, err := o.Lease.Release(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.print(map[string]bool{"released": ok}, func() {
					if ok {
						fmt.Println("Lease released")
					} else {
						fmt.Printf("%s does not hold the lease\n", args[0])
					}
				})
			})
		},
	})
	return cmd
}

func printBuildState(st *models.BuildState) {
	fmt.Printf("Status:  %s\n", st.Status)
	if st.FixerAgentID != "" {
		fmt.Printf("Fixer:   %s\n", st.FixerAgentID)
	}
	for _, f := range []struct {
		label string
		t     *time.Time
	}{
		{"Broken:  ", st.BrokenAt},
		{"Fixing:  ", st.FixingSince},
		{"Checked: ", st.LastCheckAt},
	} {
		if f.t != nil {
			fmt.Printf("%s%s\n", f.label, f.t.Local().Format(time.DateTime))
		}
	}
}
