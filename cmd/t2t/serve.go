package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"text2tasks/internal/app"
	"text2tasks/internal/config"
	"text2tasks/internal/server"
)

func (c *cli) serveCmd() *cobra.Command {
	var addr, basePath string
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serve the HTTP API and deliver events to configured webhooks. With --watch, retrieval settings are reloaded when the config file changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("addr") {
					addr = a.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Logger: a.Logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				go server.NewWebhookDispatcher(a.Engine, a.Config.Webhooks, a.Logger).Run(ctx)
				if watch {
					go func() {
						err := config.Watch(ctx, a.Workspace, func(cfg *config.Config) {
							if err := a.Engine.UpdateRetrieval(cfg.Retrieval); err != nil {
								a.Logger.Warn("config reload rejected", "err", err)
							}
						}, func(err error) {
							a.Logger.Warn("config reload failed", "err", err)
						})
						if err != nil {
							a.Logger.Error("config watch stopped", "err", err)
						}
					}()
				}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()

				a.Logger.Info("serving", "addr", addr, "base_path", basePath, "watch", watch)
				fmt.Fprintf(c.out, "Serving text2tasks API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (default from config)")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload retrieval settings when the config file changes")
	return cmd
}
