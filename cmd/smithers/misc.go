package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mpataki/smithers/internal/orchestrator"
)

func (c *cli) newQueryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql> [args...]",
		Short: "Run raw SQL against the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := make([]any, 0, len(args)-1)
			for _, a := range args[1:] {
				params = append(params, a)
			}
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				rows, err := o.Query(cmd.Context(), args[0], params...)
				if err != nil {
					return err
				}
				return c.print(rows, func() { printRows(rows) })
			})
		},
	}
}

func printRows(rows []map[string]any) {
	if len(rows) == 0 {
		fmt.Println("(no rows)")
		return
	}
	cols := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	fmt.Println(strings.Join(cols, "\t"))
	for _, row := range rows {
		vals := make([]string, len(cols))
		for i, col := range cols {
			if row[col] == nil {
				vals[i] = "NULL"
			} else {
				vals[i] = fmt.Sprint(row[col])
			}
		}
		fmt.Println(strings.Join(vals, "\t"))
	}
}

func (c *cli) newScriptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script <file.lua>",
		Short: "Run a Lua workflow script as an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, _ := cmd.Flags().GetString("input")
			if id, _ := cmd.Flags().GetString("id"); id != "" {
				c.cfg.ExecutionID = id
			}
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				out, err := o.RunScript(cmd.Context(), args[0], input)
				if out != nil {
					if perr := c.print(out, func() {
						for _, line := range out.Logs {
							fmt.Println(line)
						}
						switch {
						case out.Stuck:
							fmt.Printf("Execution %s stuck: %s\n", out.ExecutionID, out.Reason)
						default:
							fmt.Printf("Execution %s %s\n", out.ExecutionID, out.Status)
						}
					}); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().String("input", "", "value passed to workflow() as ctx.input")
	cmd.Flags().String("id", "", "execution id to create or resume")
	return cmd
}

func (c *cli) newCheckerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checker",
		Short: "Run periodic lease and queue housekeeping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			once, _ := cmd.Flags().GetBool("once")
			drain, _ := cmd.Flags().GetBool("drain")
			if schedule, _ := cmd.Flags().GetString("schedule"); schedule != "" {
				c.cfg.Checker.Schedule = schedule
			}
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				chk, err := o.Checker(drain)
				if err != nil {
					return err
				}
				if !once {
					return chk.Run(cmd.Context())
				}
				report, err := chk.Sweep(cmd.Context())
				if report != nil {
					if perr := c.print(report, func() {
						fmt.Printf("Lease released: %v  Reaped: %v  Drained: %d\n",
							report.LeaseReleased, report.Reaped, report.Drained)
					}); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().Bool("once", false, "sweep once and exit")
	cmd.Flags().Bool("drain", false, "also drain the VCS queue into the configured repository")
	cmd.Flags().String("schedule", "", "cron schedule (default from config, @every 30s)")
	return cmd
}
