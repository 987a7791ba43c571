package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpataki/smithers/internal/jsonval"
	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/orchestrator"
)

func (c *cli) newExecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Start, finish and inspect workflow executions",
	}
	cmd.AddCommand(c.newExecStartCommand())
	cmd.AddCommand(c.newExecFinishCommand("complete", "Mark an execution completed"))
	cmd.AddCommand(c.newExecFinishCommand("fail", "Mark an execution failed"))
	cmd.AddCommand(c.newExecFinishCommand("cancel", "Mark an execution cancelled"))
	cmd.AddCommand(c.newExecListCommand())
	cmd.AddCommand(c.newExecStatusCommand())
	cmd.AddCommand(c.newExecIncompleteCommand())
	return cmd
}

func (c *cli) newExecStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start an execution, or resume the one named by --id / SMITHERS_EXECUTION_ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _ := cmd.Flags().GetString("source")
			configArg, _ := cmd.Flags().GetString("config")
			if id, _ := cmd.Flags().GetString("id"); id != "" {
				c.cfg.ExecutionID = id
			}

			var cfg any
			if configArg != "" {
				v, err := jsonval.Parse([]byte(configArg))
				if err != nil {
					return fmt.Errorf("invalid --config: %w", err)
				}
				cfg = v
			}

			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				started, err := o.StartExecution(cmd.Context(), args[0], source, cfg)
				if err != nil {
					return err
				}
				return c.print(started, func() {
					if started.Resumed {
						fmt.Printf("Resumed execution %s (was %s)\n", started.ID, started.PriorStatus)
					} else {
						fmt.Printf("Started execution %s\n", started.ID)
					}
				})
			})
		},
	}
	cmd.Flags().String("source", "", "workflow source file")
	cmd.Flags().String("config", "", "execution configuration as JSON")
	cmd.Flags().String("id", "", "execution id to create or resume")
	return cmd
}

func (c *cli) newExecFinishCommand(verb, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				ctx := cmd.Context()
				var err error
				switch verb {
				case "complete":
					var result any
					if raw, _ := cmd.Flags().GetString("result"); raw != "" {
						result = parseJSONArg(raw)
					}
					err = o.Executions.Complete(ctx, o.Scope, id, result)
				case "fail":
					reason, _ := cmd.Flags().GetString("error")
					err = o.Executions.Fail(ctx, o.Scope, id, reason)
				case "cancel":
					err = o.Executions.Cancel(ctx, o.Scope, id)
				}
				if err != nil {
					return err
				}
				e, err := o.Executions.Get(ctx, id)
				if err != nil {
					return err
				}
				if e == nil {
					return fmt.Errorf("execution %s not found", id)
				}
				return c.print(e, func() {
					fmt.Printf("Execution %s is %s\n", e.ID, e.Status)
				})
			})
		},
	}
	switch verb {
	case "complete":
		cmd.Flags().String("result", "", "result as JSON")
	case "fail":
		cmd.Flags().String("error", "", "failure reason")
	}
	return cmd
}

func (c *cli) newExecListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				list, err := o.Executions.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return c.print(list, func() {
					if len(list) == 0 {
						fmt.Println("No executions found")
						return
					}
					fmt.Printf("%-36s %-20s %-10s %-5s %s\n", "ID", "NAME", "STATUS", "ITER", "CREATED")
					for _, e := range list {
						fmt.Printf("%-36s %-20s %-10s %-5d %s\n",
							e.ID, e.Name, e.Status, e.TotalIterations, e.CreatedAt.Local().Format(time.DateTime))
					}
				})
			})
		},
	}
	cmd.Flags().Int("limit", 20, "maximum executions to show")
	return cmd
}

type executionStatus struct {
	Execution *models.Execution `json:"execution"`
	Phases    []*models.Phase   `json:"phases"`
	Steps     []*models.Step    `json:"steps"`
	Agents    []*models.Agent   `json:"agents"`
	Tasks     []*models.Task    `json:"tasks"`
}

func (c *cli) newExecStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show an execution and its phases, steps, agents and tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				ctx := cmd.Context()
				t := o.Executions
				e, err := t.Get(ctx, id)
				if err != nil {
					return err
				}
				if e == nil {
					return fmt.Errorf("execution %s not found", id)
				}
				st := executionStatus{Execution: e}
				if st.Phases, err = t.Phases(ctx, id); err != nil {
					return err
				}
				if st.Steps, err = t.Steps(ctx, id); err != nil {
					return err
				}
				if st.Agents, err = t.Agents(ctx, id); err != nil {
					return err
				}
				if st.Tasks, err = t.Tasks(ctx, id); err != nil {
					return err
				}
				return c.print(st, func() { printExecutionStatus(st) })
			})
		},
	}
}

func printExecutionStatus(st executionStatus) {
	e := st.Execution
	fmt.Printf("Execution %s: %s\n", e.ID, e.Name)
	fmt.Printf("Status:     %s\n", e.Status)
	if e.SourceFile != "" {
		fmt.Printf("Source:     %s\n", e.SourceFile)
	}
	if e.Owner != "" {
		fmt.Printf("Owner:      %s (resumed %d times)\n", e.Owner, e.ResumeCount)
	}
	fmt.Printf("Iterations: %d  Agents: %d  Tool calls: %d  Tokens: %d\n",
		e.TotalIterations, e.TotalAgents, e.TotalToolCalls, e.TotalTokensUsed)
	if e.Error != "" {
		fmt.Printf("Error:      %s\n", e.Error)
	}
	if !e.Result.IsNull() {
		fmt.Printf("Result:     %s\n", e.Result)
	}

	fmt.Println("\nPhases:")
	for _, p := range st.Phases {
		fmt.Printf("  %-20s iter %-3d %s\n", p.Name, p.Iteration, p.Status)
	}
	fmt.Println("\nSteps:")
	for _, s := range st.Steps {
		fmt.Printf("  %-20s %s\n", s.Name, s.Status)
	}
	fmt.Println("\nAgents:")
	for _, a := range st.Agents {
		fmt.Printf("  %-20s %-10s tokens %d/%d\n", a.Model, a.Status, a.TokensInput, a.TokensOutput)
	}
	fmt.Println("\nTasks:")
	for _, t := range st.Tasks {
		fmt.Printf("  %s/%s iter %d %s\n", t.ComponentType, t.ComponentName, t.Iteration, t.Status)
	}
}

func (c *cli) newExecIncompleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incomplete",
		Short: "Show the most recent pending or running execution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resume, _ := cmd.Flags().GetBool("resume")
			return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
				ctx := cmd.Context()
				if resume {
					started, err := o.ResumeIncomplete(ctx)
					if err != nil {
						return err
					}
					return c.print(started, func() {
						if started == nil {
							fmt.Println("Nothing to resume")
							return
						}
						fmt.Printf("Resumed execution %s\n", started.ID)
					})
				}
				e, err := o.Executions.FindIncomplete(ctx)
				if err != nil {
					return err
				}
				return c.print(e, func() {
					if e == nil {
						fmt.Println("No incomplete execution")
						return
					}
					fmt.Printf("%s %s (%s)\n", e.ID, e.Name, e.Status)
				})
			})
		},
	}
	cmd.Flags().Bool("resume", false, "resume it in place")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
