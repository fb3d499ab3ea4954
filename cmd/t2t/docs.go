package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"text2tasks/internal/app"
	"text2tasks/internal/engine"
)

func (c *cli) ingestCmd() *cobra.Command {
	var text, source string
	var noExtract bool
	cmd := &cobra.Command{
		Use:   "ingest [file|-]",
		Short: "Store a document and extract tasks from it",
		Long:  "Ingest reads a file, stdin (-) or --text, embeds it and turns action items into tasks. Ingesting the same text twice returns the existing document.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, from, err := readInput(cmd, text, args)
			if err != nil {
				return err
			}
			if source == "" {
				source = from
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.IngestDocument(ctx, engine.IngestOptions{
					Text:         body,
					Source:       source,
					ExtractTasks: !noExtract,
					ActorID:      c.actor(),
				})
				if err != nil {
					return err
				}
				if c.jsonOut() {
					return c.printJSON(res)
				}
				if res.Duplicate {
					c.status("•", "Already ingested as "+res.Document.ID, color.FgYellow)
				} else {
					c.status("✓", "Ingested "+res.Document.ID, color.FgGreen)
				}
				if res.Document.Summary != "" {
					fmt.Fprintf(c.out, "Summary: %s\n", res.Document.Summary)
				}
				if len(res.Tasks) == 0 {
					fmt.Fprintln(c.out, "No tasks extracted.")
					return nil
				}
				tw := c.table()
				tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Owner", "Due"})
				for _, t := range res.Tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Priority, deref(t.Owner), deref(t.DueDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "document text (instead of a file)")
	cmd.Flags().StringVar(&source, "source", "", "where the text came from (defaults to the file name)")
	cmd.Flags().BoolVar(&noExtract, "no-extract", false, "store the document without extracting tasks")
	return cmd
}

func (c *cli) askCmd() *cobra.Command {
	var opts engine.AskOptions
	var minSim float64
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from stored documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Question = strings.Join(args, " ")
			if cmd.Flags().Changed("min-similarity") {
				opts.MinSimilarity = &minSim
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Ask(ctx, opts)
				if err != nil {
					return err
				}
				if c.jsonOut() {
					return c.printJSON(res)
				}
				fmt.Fprintln(c.out, res.Answer)
				if len(res.NextSteps) > 0 {
					fmt.Fprintln(c.out, color.New(color.Bold).Sprint("\nSuggested next steps:"))
					for _, s := range res.NextSteps {
						fmt.Fprintf(c.out, "  - %s\n", s)
					}
				}
				if len(res.Refs) > 0 {
					tw := c.table()
					tw.AppendHeader(table.Row{"Ref", "Score"})
					scores := map[string]float64{}
					for _, s := range res.Scores {
						scores[s.ID] = s.Score
					}
					for _, ref := range res.Refs {
						tw.AppendRow(table.Row{ref, fmt.Sprintf("%.3f", scores[ref])})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&opts.TopK, "top-k", 0, "documents to consider (default from config)")
	cmd.Flags().IntVar(&opts.MaxChars, "max-chars", 0, "context budget in characters (default from config)")
	cmd.Flags().Float64Var(&minSim, "min-similarity", 0, "minimum cosine similarity (default from config)")
	return cmd
}

func (c *cli) docCmd() *cobra.Command {
	doc := &cobra.Command{
		Use:   "doc",
		Short: "Inspect stored documents",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List documents, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				docs, err := a.Engine.ListDocuments(ctx, limit)
				if err != nil {
					return err
				}
				if c.jsonOut() {
					return c.printJSON(docs)
				}
				tw := c.table()
				tw.AppendHeader(table.Row{"ID", "Created", "Source", "Summary"})
				for _, d := range docs {
					tw.AppendRow(table.Row{d.ID, d.CreatedAt.Format("2006-01-02 15:04"), d.Source, truncate(d.Summary, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of documents")
	doc.AddCommand(list)
	doc.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				if c.jsonOut() {
					return c.printJSON(d)
				}
				fmt.Fprintf(c.out, "%s  %s  %s\n\n%s\n", color.New(color.Bold).Sprint(d.ID), d.CreatedAt.Format("2006-01-02 15:04"), d.Source, d.Text)
				return nil
			})
		},
	})
	return doc
}
