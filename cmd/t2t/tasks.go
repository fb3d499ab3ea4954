package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"text2tasks/internal/app"
	"text2tasks/internal/domain"
	"text2tasks/internal/engine"
)

func (c *cli) taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow new -> in_progress -> blocked/done and can depend on each other. A task reaches done only when every dependency is done; dependency cycles are rejected.",
	}
	task.AddCommand(c.taskCreateCmd())
	task.AddCommand(c.taskListCmd())
	task.AddCommand(c.taskGetCmd())
	task.AddCommand(c.taskUpdateCmd())
	task.AddCommand(c.taskStatusCmd())
	task.AddCommand(c.taskDepsCmd())
	task.AddCommand(c.taskInsightsCmd())
	task.AddCommand(c.taskGraphCmd())
	return task
}

func (c *cli) taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = c.actor()
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return c.printTask(ctx, a, t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority: low, medium, high or urgent (default medium)")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date YYYY-MM-DD")
	cmd.Flags().StringArrayVar(&opts.DependsOn, "depends-on", nil, "dependency task id (repeatable)")
	cmd.Flags().StringArrayVar(&opts.DocumentIDs, "doc", nil, "linked document id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func (c *cli) taskListCmd() *cobra.Command {
	var f engine.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if c.jsonOut() {
					return c.printJSON(items)
				}
				tw := c.table()
				tw.AppendHeader(table.Row{"", "ID", "Title", "Status", "Priority", "Owner", "Due", "Deps"})
				for _, t := range items {
					critical, err := a.Engine.IsCriticalPath(ctx, t.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{
						criticalMarker(critical && t.Status != domain.StatusDone),
						t.ID, truncate(t.Title, 48), colorStatus(t.Status), t.Priority,
						deref(t.Owner), deref(t.DueDate), len(t.DependsOn),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.Owner, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.Document, "doc", "", "linked document filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func (c *cli) taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return c.printTask(ctx, a, t)
			})
		},
	}
}

func (c *cli) taskUpdateCmd() *cobra.Command {
	var title, description, priority, owner, due string
	var link, unlink []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task metadata",
		Long:  "Only the flags given are changed. An empty --owner or --due clears the field. Use 't2t task status' to change the status.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{
				ID:         args[0],
				LinkDocs:   link,
				UnlinkDocs: unlink,
				ActorID:    c.actor(),
			}
			changed := func(name string, v *string) *string {
				if cmd.Flags().Changed(name) {
					return v
				}
				return nil
			}
			opts.Title = changed("title", &title)
			opts.Description = changed("description", &description)
			opts.Priority = changed("priority", &priority)
			opts.Owner = changed("owner", &owner)
			opts.DueDate = changed("due", &due)
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return c.printTask(ctx, a, t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&priority, "priority", "", "new priority")
	cmd.Flags().StringVar(&owner, "owner", "", "new owner (empty clears)")
	cmd.Flags().StringVar(&due, "due", "", "new due date YYYY-MM-DD (empty clears)")
	cmd.Flags().StringArrayVar(&link, "link-doc", nil, "link a document (repeatable)")
	cmd.Flags().StringArrayVar(&unlink, "unlink-doc", nil, "unlink a document (repeatable)")
	return cmd
}

func (c *cli) taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "status <id> <new|in_progress|blocked|done>",
		Short:     "Move a task to another status",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"new", "in_progress", "blocked", "done"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := domain.ParseStatus(args[1]); err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Transition(ctx, engine.TransitionOptions{ID: args[0], Status: args[1], ActorID: c.actor()})
				if err != nil {
					return err
				}
				return c.printTask(ctx, a, t)
			})
		},
	}
}

func (c *cli) taskDepsCmd() *cobra.Command {
	deps := &cobra.Command{
		Use:   "deps",
		Short: "Manage task dependencies",
	}
	run := func(add bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			opts := engine.DependencyOptions{TaskID: args[0], DependsOn: args[1], ActorID: c.actor()}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					t   domain.Task
					err error
				)
				if add {
					t, err = a.Engine.AddDependency(ctx, opts)
				} else {
					t, err = a.Engine.RemoveDependency(ctx, opts)
				}
				if err != nil {
					return err
				}
				return c.printTask(ctx, a, t)
			})
		}
	}
	deps.AddCommand(&cobra.Command{
		Use:   "add <id> <depends-on-id>",
		Short: "Make a task depend on another",
		Args:  cobra.ExactArgs(2),
		RunE:  run(true),
	})
	deps.AddCommand(&cobra.Command{
		Use:     "rm <id> <depends-on-id>",
		Aliases: []string{"remove"},
		Short:   "Remove a dependency",
		Args:    cobra.ExactArgs(2),
		RunE:    run(false),
	})
	return deps
}

func (c *cli) taskInsightsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "insights <id>",
		Short: "Show blockers, dependents, depth and critical path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Engine.Insights(ctx, args[0])
				if err != nil {
					return err
				}
				if c.jsonOut() {
					return c.printJSON(in)
				}
				fmt.Fprintf(c.out, "%s %s [%s]\n", criticalMarker(in.Critical), in.Task.Title, colorStatus(in.Task.Status))
				fmt.Fprintf(c.out, "Depth: %d  Critical: %t\n", in.Depth, in.Critical)
				for _, group := range []struct {
					name  string
					tasks []domain.Task
				}{{"Blockers", in.Blockers}, {"Dependents", in.Dependents}} {
					if len(group.tasks) == 0 {
						fmt.Fprintf(c.out, "%s: none\n", group.name)
						continue
					}
					tw := c.table()
					tw.SetTitle(group.name)
					tw.AppendHeader(table.Row{"ID", "Title", "Status"})
					for _, t := range group.tasks {
						tw.AppendRow(table.Row{t.ID, t.Title, colorStatus(t.Status)})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

// printTask renders one task as a field/value table, or JSON.
func (c *cli) printTask(ctx context.Context, a *app.App, t domain.Task) error {
	if c.jsonOut() {
		return c.printJSON(t)
	}
	critical, err := a.Engine.IsCriticalPath(ctx, t.ID)
	if err != nil {
		return err
	}
	tw := c.table()
	tw.AppendRows([]table.Row{
		{"ID", t.ID},
		{"Title", t.Title},
		{"Status", colorStatus(t.Status) + " " + criticalMarker(critical && t.Status != domain.StatusDone)},
		{"Priority", t.Priority},
		{"Owner", deref(t.Owner)},
		{"Due", deref(t.DueDate)},
		{"Depends on", strings.Join(t.DependsOn, "\n")},
		{"Documents", strings.Join(t.LinkedDocumentIDs, "\n")},
		{"Updated", t.UpdatedAt.Format("2006-01-02 15:04:05")},
	})
	if t.Description != "" {
		tw.AppendRow(table.Row{"Description", truncate(t.Description, 80)})
	}
	tw.Render()
	return nil
}
