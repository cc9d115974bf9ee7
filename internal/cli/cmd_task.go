package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aofdev/aof/internal/store"
	"github.com/aofdev/aof/internal/task"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "task",
		Aliases: []string{"t"},
		Short:   "Create and manage tasks",
	}
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskTransitionCmd())
	cmd.AddCommand(newTaskBlockCmd())
	cmd.AddCommand(newTaskUnblockCmd())
	cmd.AddCommand(newTaskCancelCmd())
	cmd.AddCommand(newTaskCloseCmd())
	cmd.AddCommand(newTaskResurrectCmd())
	cmd.AddCommand(newTaskPromoteCmd())
	cmd.AddCommand(newTaskUpdateCmd())
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var (
		body      string
		projectID string
		agent     string
		role      string
		team      string
		workflow  string
		priority  string
		tags      []string
		parent    string
		dependsOn []string
		resource  string
		createdBy string
	)
	cmd := &cobra.Command{
		Use:   "create TITLE",
		Short: "Create a task in backlog",
		Long: `Create a task record under tasks/backlog/.

Example:
  aof task create "Fix login bug" --team auth --priority high
  aof task create "Ship release" --depends-on TASK-2026-08-24-001`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			t, err := env.store.Create(store.CreateSpec{
				Title:     args[0],
				Body:      body,
				Project:   projectID,
				Routing:   task.Routing{Agent: agent, Role: role, Team: team, Workflow: workflow},
				Priority:  task.Priority(priority),
				Tags:      tags,
				CreatedBy: createdBy,
				ParentID:  parent,
				DependsOn: dependsOn,
				Resource:  resource,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(t)
			}
			fmt.Printf("Created %s (%s)\n", t.ID, t.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "markdown body")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&agent, "agent", "", "route to a specific agent")
	cmd.Flags().StringVar(&role, "role", "", "route to a role")
	cmd.Flags().StringVar(&team, "team", "", "route to a team")
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow name from project.yaml")
	cmd.Flags().StringVar(&priority, "priority", string(task.PriorityNormal), "critical|high|normal|low")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task id")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "blocking task id (repeatable)")
	cmd.Flags().StringVar(&resource, "resource", "", "exclusive resource key")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "author recorded on the task")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var (
		status string
		agent  string
		team   string
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			tasks, err := env.store.List(&store.Filter{
				Status: task.Status(status),
				Agent:  agent,
				Team:   team,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(tasks)
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks found. Create one with: aof task create \"Your task\"")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tTARGET\tTITLE")
			for _, t := range tasks {
				fmt.Fprintln(w, taskLine(t))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&agent, "agent", "", "filter by lease holder")
	cmd.Flags().StringVar(&team, "team", "", "filter by routing team")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one task record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			t, err := env.resolve(args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(t)
			}
			fmt.Printf("%s  %s\n", t.ID, statusIcon(t.Status))
			fmt.Printf("Title:    %s\n", t.Title)
			fmt.Printf("Priority: %s\n", t.Priority)
			if target := t.Routing.Target(); target != "" {
				fmt.Printf("Target:   %s\n", target)
			}
			if len(t.Tags) > 0 {
				fmt.Printf("Tags:     %s\n", strings.Join(t.Tags, ", "))
			}
			if len(t.DependsOn) > 0 {
				fmt.Printf("Deps:     %s\n", strings.Join(t.DependsOn, ", "))
			}
			if t.Lease != nil {
				fmt.Printf("Lease:    %s until %s\n", t.Lease.Agent, t.Lease.ExpiresAt.Format("15:04:05"))
			}
			if t.Gate != nil {
				fmt.Printf("Gate:     %s\n", t.Gate.Current)
			}
			if t.Body != "" {
				fmt.Printf("\n%s\n", t.Body)
			}
			return nil
		},
	}
}

func newTaskTransitionCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "transition ID STATUS",
		Short: "Move a task to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			t, err := env.resolve(args[0])
			if err != nil {
				return err
			}
			moved, err := env.store.Transition(t.ID, task.Status(args[1]), store.TransitionOpts{
				Reason: reason,
				Actor:  "cli",
			})
			if err != nil {
				return err
			}
			return reportMove(moved)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the event")
	return cmd
}

// taskOp builds the single-argument lifecycle commands; they differ
// only in the store call.
func taskOp(use, short string, withReason bool, run func(env *cliEnv, id, reason string) (*task.Task, error)) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			t, err := env.resolve(args[0])
			if err != nil {
				return err
			}
			moved, err := run(env, t.ID, reason)
			if err != nil {
				return err
			}
			return reportMove(moved)
		},
	}
	if withReason {
		cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the task")
	}
	return cmd
}

func newTaskBlockCmd() *cobra.Command {
	return taskOp("block", "Park a task in blocked", true,
		func(env *cliEnv, id, reason string) (*task.Task, error) {
			return env.store.Block(id, reason, "cli")
		})
}

func newTaskUnblockCmd() *cobra.Command {
	return taskOp("unblock", "Return a blocked task to ready", false,
		func(env *cliEnv, id, _ string) (*task.Task, error) {
			return env.store.Unblock(id, "cli")
		})
}

func newTaskCancelCmd() *cobra.Command {
	return taskOp("cancel", "Cancel a task", true,
		func(env *cliEnv, id, reason string) (*task.Task, error) {
			return env.store.Cancel(id, reason, "cli")
		})
}

func newTaskCloseCmd() *cobra.Command {
	return taskOp("close", "Mark a task done", false,
		func(env *cliEnv, id, _ string) (*task.Task, error) {
			return env.store.Close(id, "cli")
		})
}

func newTaskResurrectCmd() *cobra.Command {
	return taskOp("resurrect", "Bring a cancelled or deadlettered task back to ready", false,
		func(env *cliEnv, id, _ string) (*task.Task, error) {
			return env.store.Resurrect(id, "cli")
		})
}

func newTaskPromoteCmd() *cobra.Command {
	return taskOp("promote", "Promote a backlog task to ready", false,
		func(env *cliEnv, id, _ string) (*task.Task, error) {
			return env.store.Promote(id, "cli")
		})
}

func newTaskUpdateCmd() *cobra.Command {
	var (
		title    string
		priority string
		tags     []string
		agent    string
		role     string
		team     string
		workflow string
		resource string
	)
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Edit task fields in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			t, err := env.resolve(args[0])
			if err != nil {
				return err
			}
			var p store.Patch
			if cmd.Flags().Changed("title") {
				p.Title = &title
			}
			if cmd.Flags().Changed("priority") {
				pr := task.Priority(priority)
				p.Priority = &pr
			}
			if cmd.Flags().Changed("tag") {
				p.Tags = &tags
			}
			if cmd.Flags().Changed("resource") {
				p.Resource = &resource
			}
			if cmd.Flags().Changed("agent") || cmd.Flags().Changed("role") ||
				cmd.Flags().Changed("team") || cmd.Flags().Changed("workflow") {
				r := t.Routing
				if cmd.Flags().Changed("agent") {
					r.Agent = agent
				}
				if cmd.Flags().Changed("role") {
					r.Role = role
				}
				if cmd.Flags().Changed("team") {
					r.Team = team
				}
				if cmd.Flags().Changed("workflow") {
					r.Workflow = workflow
				}
				p.Routing = &r
			}
			updated, err := env.store.Update(t.ID, p, "cli")
			if err != nil {
				return err
			}
			return reportMove(updated)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&priority, "priority", "", "new priority")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replace tags (repeatable)")
	cmd.Flags().StringVar(&agent, "agent", "", "new routing agent")
	cmd.Flags().StringVar(&role, "role", "", "new routing role")
	cmd.Flags().StringVar(&team, "team", "", "new routing team")
	cmd.Flags().StringVar(&workflow, "workflow", "", "new workflow")
	cmd.Flags().StringVar(&resource, "resource", "", "new resource key")
	return cmd
}

func reportMove(t *task.Task) error {
	if jsonOut {
		return printJSON(t)
	}
	fmt.Printf("%s is now %s\n", t.ID, t.Status)
	return nil
}
