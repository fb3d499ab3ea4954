package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"text2tasks/internal/app"
	"text2tasks/internal/config"
	"text2tasks/internal/db"
	"text2tasks/internal/domain"
	"text2tasks/internal/repo"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := newRootCmd(viper.New(), os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

// cli carries what every command needs: settings from flags and T2T_*
// environment variables, and where to write.
type cli struct {
	v      *viper.Viper
	out    io.Writer
	errOut io.Writer
}

func newRootCmd(v *viper.Viper, out, errOut io.Writer) *cobra.Command {
	c := &cli{v: v, out: out, errOut: errOut}
	root := &cobra.Command{
		Use:   "t2t",
		Short: "text2tasks CLI",
		Long: `text2tasks turns free text into tracked tasks.
- Ingest: store a document, embed it and extract action items as tasks.
- Ask: answer a question from the most similar documents.
- Tasks: move through new, in_progress, blocked and done; a task is done only after its dependencies.
- Dependencies: form a graph without cycles; insights show blockers, depth and critical path.
- Event log: every change is recorded, view with 't2t log tail'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	v.SetEnvPrefix("T2T")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	flags := root.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded on events")
	flags.String("log-level", "", "log level (overrides config)")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(c.initCmd())
	root.AddCommand(c.serveCmd())
	root.AddCommand(c.ingestCmd())
	root.AddCommand(c.askCmd())
	root.AddCommand(c.statusCmd())
	root.AddCommand(c.taskCmd())
	root.AddCommand(c.docCmd())
	root.AddCommand(c.searchCmd())
	root.AddCommand(c.exportCmd())
	root.AddCommand(c.importCmd())
	root.AddCommand(c.logCmd())
	root.AddCommand(c.configCmd())
	return root
}

func (c *cli) workspace() string { return c.v.GetString("workspace") }
func (c *cli) jsonOut() bool     { return c.v.GetBool("json") }
func (c *cli) actor() string     { return c.v.GetString("actor-id") }

func (c *cli) initCmd() *cobra.Command {
	var force, tomlFormat bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace config and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := c.workspace()
			if _, err := db.EnsureWorkspace(ws); err != nil {
				return err
			}
			path, written, err := writeDefaultConfig(ws, tomlFormat, force)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if c.jsonOut() {
					return c.printJSON(map[string]any{"config": path, "config_written": written, "database": db.Path(ws)})
				}
				if written {
					c.status("✓", "Wrote "+path, color.FgGreen)
				} else {
					c.status("•", path+" already exists (use --force to overwrite)", color.FgYellow)
				}
				c.status("✓", "Database ready at "+db.Path(ws), color.FgGreen)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().BoolVar(&tomlFormat, "toml", false, "write text2tasks.toml instead of YAML")
	return cmd
}

func writeDefaultConfig(workspace string, tomlFormat, force bool) (string, bool, error) {
	path := config.Path(workspace)
	data := []byte(config.GenerateDefault())
	if tomlFormat {
		path = strings.TrimSuffix(path, ".yml") + ".toml"
		b, err := config.MarshalTOML(config.Default())
		if err != nil {
			return "", false, err
		}
		data = b
	}
	if _, err := os.Stat(path); err == nil && !force {
		return path, false, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", false, err
	}
	return path, true, nil
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task counts, documents and critical tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Engine.Status(ctx)
				if err != nil {
					return err
				}
				if c.jsonOut() {
					return c.printJSON(rep)
				}
				tw := c.table()
				tw.AppendHeader(table.Row{"Status", "Tasks"})
				for _, st := range domain.Statuses {
					tw.AppendRow(table.Row{colorStatus(st), rep.Tasks[st]})
				}
				tw.AppendFooter(table.Row{"Total", rep.TotalTasks})
				tw.Render()
				fmt.Fprintf(c.out, "Documents: %d (dimension %d)\n", rep.Documents, rep.Dimension)
				crit := fmt.Sprint(rep.Critical)
				if rep.Critical > 0 {
					crit = color.New(color.FgRed, color.Bold).Sprint(crit)
				}
				fmt.Fprintf(c.out, "Critical: %s\n", crit)
				return nil
			})
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the workspace config",
		Long:  "The config lives in text2tasks.yml (or text2tasks.toml) in the workspace: retrieval settings, providers, server, logging and webhooks.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadOptional(c.workspace())
			if err != nil {
				return err
			}
			if c.jsonOut() {
				return c.printJSON(loaded)
			}
			b, err := yaml.Marshal(loaded)
			if err != nil {
				return err
			}
			_, err = c.out.Write(b)
			return err
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(c.workspace())
			_, err := config.Load(c.workspace())
			if c.jsonOut() {
				res := map[string]any{"ok": err == nil, "path": path}
				if err != nil {
					res["error"] = err.Error()
				}
				return c.printJSON(res)
			}
			if err != nil {
				return err
			}
			c.status("✓", "config OK ("+path+")", color.FgGreen)
			return nil
		},
	})
	return cfg
}

func (c *cli) logCmd() *cobra.Command {
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.ListEvents(ctx, repo.EventFilter{Type: evtType, EntityKind: entityKind, EntityID: entityID, Limit: n})
				if err != nil {
					return err
				}
				if c.jsonOut() {
					return c.printJSON(events)
				}
				tw := c.table()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, truncate(e.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "limit", "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (task or document)")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	logCmd.AddCommand(tail)
	return logCmd
}

// --- helpers ---

// withApp opens the workspace with its config and a logger on errOut.
func (c *cli) withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	ws := c.workspace()
	cfg, err := config.LoadOptional(ws)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if l := c.v.GetString("log-level"); l != "" {
		level = l
	}
	logger, err := app.NewLogger(c.errOut, level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, ws, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) table() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(c.out)
	tw.SetStyle(table.StyleLight)
	return tw
}

func (c *cli) status(symbol, msg string, attr color.Attribute) {
	fmt.Fprintf(c.out, "%s %s\n", color.New(attr).Sprint(symbol), msg)
}

func colorStatus(st domain.Status) string {
	switch st {
	case domain.StatusNew:
		return color.CyanString(string(st))
	case domain.StatusInProgress:
		return color.YellowString(string(st))
	case domain.StatusBlocked:
		return color.RedString(string(st))
	case domain.StatusDone:
		return color.GreenString(string(st))
	}
	return string(st)
}

func criticalMarker(critical bool) string {
	if !critical {
		return ""
	}
	return color.New(color.FgRed, color.Bold).Sprint("!")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// readInput returns the text from --text, a file argument, or stdin for "-".
func readInput(cmd *cobra.Command, text string, args []string) (string, string, error) {
	if text != "" {
		return text, "", nil
	}
	if len(args) == 0 {
		return "", "", errors.New("provide a file, - for stdin, or --text")
	}
	if args[0] == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		return string(b), "stdin", err
	}
	b, err := os.ReadFile(args[0])
	return string(b), args[0], err
}
