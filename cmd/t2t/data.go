package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"text2tasks/internal/app"
	"text2tasks/internal/domain"
	"text2tasks/internal/engine"
	"text2tasks/internal/tasks"
)

func (c *cli) searchCmd() *cobra.Command {
	var opts engine.SearchOptions
	cmd := &cobra.Command{
		Use:   "search <query...>",
		Short: "Keyword search over tasks and documents",
		Long:  `Words of three or more letters are matched case-insensitively; "quoted phrases" are matched as a whole. Title and summary matches rank highest.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Query = strings.Join(args, " ")
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Search(ctx, opts)
				if err != nil {
					return err
				}
				if c.jsonOut() {
					return c.printJSON(res)
				}
				if len(res.Tasks)+len(res.Documents) == 0 {
					fmt.Fprintln(c.out, "No matches.")
					return nil
				}
				if len(res.Tasks) > 0 {
					tw := c.table()
					tw.SetTitle("Tasks")
					tw.AppendHeader(table.Row{"Score", "ID", "Title", "Status", "Owner"})
					for _, h := range res.Tasks {
						tw.AppendRow(table.Row{fmt.Sprintf("%.1f", h.Score), h.Task.ID, truncate(h.Task.Title, 48), colorStatus(h.Task.Status), deref(h.Task.Owner)})
					}
					tw.Render()
				}
				if len(res.Documents) > 0 {
					tw := c.table()
					tw.SetTitle("Documents")
					tw.AppendHeader(table.Row{"Score", "ID", "Snippet"})
					for _, h := range res.Documents {
						tw.AppendRow(table.Row{fmt.Sprintf("%.1f", h.Score), h.Document.ID, truncate(h.Snippet, 72)})
					}
					tw.Render()
				}
				fmt.Fprintf(c.out, "%d matches\n", res.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", engine.SearchAll, "all, tasks or documents")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum hits (default 30, split across kinds)")
	cmd.Flags().StringVar(&opts.Filters.Status, "status", "", "task status filter")
	cmd.Flags().StringVar(&opts.Filters.Priority, "priority", "", "task priority filter")
	cmd.Flags().StringVar(&opts.Filters.Owner, "owner", "", "task owner filter")
	return cmd
}

func (c *cli) taskGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph [id...]",
		Short: "Show the dependency graph, whole or below the given tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := a.Engine.DependencyGraph(ctx, args...)
				if err != nil {
					return err
				}
				if c.jsonOut() {
					return c.printJSON(v)
				}
				if len(v.Nodes) == 0 {
					fmt.Fprintln(c.out, "No tasks.")
					return nil
				}
				deps := make(map[string][]string, len(v.Nodes))
				for _, e := range v.Edges {
					deps[e.Task] = append(deps[e.Task], e.DependsOn)
				}
				tw := c.table()
				tw.AppendHeader(table.Row{"", "ID", "Title", "Status", "Depth", "Depends on"})
				for _, n := range v.Nodes {
					tw.AppendRow(table.Row{
						criticalMarker(n.Critical && n.Status != domain.StatusDone),
						n.ID, truncate(n.Title, 40), colorStatus(n.Status), n.Depth,
						strings.Join(deps[n.ID], ", "),
					})
				}
				tw.Render()
				printGraphSummary(c.out, v)
				return nil
			})
		},
	}
}

func printGraphSummary(w io.Writer, v tasks.View) {
	fmt.Fprintf(w, "%d tasks, %d edges, max depth %d\n", len(v.Nodes), len(v.Edges), v.MaxDepth)
	fmt.Fprintf(w, "Roots: %s\n", strings.Join(v.Roots, ", "))
	fmt.Fprintf(w, "Leaves: %s\n", strings.Join(v.Leaves, ", "))
}

func (c *cli) exportCmd() *cobra.Command {
	var format, output string
	var f engine.TaskFilters
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a full JSON backup, or tasks as CSV",
		Long:  "The JSON backup holds documents with their vectors and tasks with their dependencies and links; 't2t import' restores it. CSV output holds tasks only.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "csv" {
				return fmt.Errorf("invalid format %q: want json or csv", format)
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w := c.out
				if output != "" && output != "-" {
					file, err := os.Create(output)
					if err != nil {
						return err
					}
					defer file.Close()
					w = file
				}
				if format == "csv" {
					items, err := a.Engine.ListTasks(ctx, f)
					if err != nil {
						return err
					}
					return engine.WriteTasksCSV(w, items)
				}
				b, err := a.Engine.Export(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				if err := enc.Encode(b); err != nil {
					return err
				}
				if w != c.out {
					c.status("✓", fmt.Sprintf("Exported %d documents and %d tasks to %s", len(b.Documents), len(b.Tasks), output), color.FgGreen)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "json or csv")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&f.Status, "status", "", "csv: status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "csv: priority filter")
	cmd.Flags().StringVar(&f.Owner, "owner", "", "csv: owner filter")
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Merge a JSON backup into the workspace",
		Long:  "Records already present are skipped. Nothing is written if any record is invalid or would break the dependency rules.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				file, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer file.Close()
				r = file
			}
			var b engine.Backup
			if err := json.NewDecoder(r).Decode(&b); err != nil {
				return fmt.Errorf("decode backup: %w", err)
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Import(ctx, b, c.actor())
				if err != nil {
					return err
				}
				if c.jsonOut() {
					return c.printJSON(res)
				}
				c.status("✓", fmt.Sprintf("Imported %d documents and %d tasks", res.Documents, res.Tasks), color.FgGreen)
				if res.SkippedDocuments+res.SkippedTasks > 0 {
					fmt.Fprintf(c.out, "Skipped %d documents and %d tasks already present.\n", res.SkippedDocuments, res.SkippedTasks)
				}
				return nil
			})
		},
	}
}
