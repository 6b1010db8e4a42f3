package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonathan/workflow-runner/internal/db"
	"github.com/jonathan/workflow-runner/internal/definition"
	"github.com/jonathan/workflow-runner/internal/server"
	"github.com/spf13/cobra"
)

var (
	servePort    int
	serveMemory  bool
	serveMigrate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the workers, scheduler and admin API",
	Long: `Start the queue workers, schedule discovery, the recurring job scheduler
and the HTTP admin API. Definitions in workflows_dir are applied first.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveMemory, "memory", false, "Use in-memory stores instead of PostgreSQL")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "Apply database migrations before starting")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveMigrate && !serveMemory {
		cfg, _, err := loadSettings()
		if err != nil {
			return err
		}
		if err := db.MigrateUp(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, serveMemory)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := applyDefinitions(ctx, a, a.cfg.WorkflowsDir); err != nil {
		return err
	}

	jwtConfig, err := a.cfg.JWT()
	if err != nil {
		return fmt.Errorf("invalid auth configuration: %w", err)
	}
	port := a.cfg.Port
	if servePort > 0 {
		port = servePort
	}
	srv, err := server.New(server.Config{Port: port, JWT: jwtConfig}, server.Deps{
		Repo:   a.repo,
		Admin:  a.engine,
		Queues: a.queue,
		Events: a.bus,
		Logger: a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer a.engine.Stop()
	go a.queue.Run(ctx)

	if jwtConfig == nil {
		a.logger.Warn("jwt_secret is not set; the admin API is unauthenticated")
	}
	return srv.Start(ctx)
}

// applyDefinitions creates or updates every workflow defined under dir.
func applyDefinitions(ctx context.Context, a *app, dir string) error {
	files, err := definition.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		wf, created, err := definition.Apply(ctx, a.repo, &f.Workflow)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
		a.logger.Infow("workflow definition applied",
			"path", f.Path, "workflowId", wf.ID, "name", wf.Name, "created", created)
	}
	return nil
}
