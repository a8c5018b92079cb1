package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"transcodeq/internal/events"
	"transcodeq/internal/server"
	"transcodeq/internal/worker"
)

func ServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and the stale claim reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context(), app.logger)
			defer cancel()

			svc, err := app.Service(ctx)
			if err != nil {
				return err
			}

			go svc.RunReaper(ctx, app.cfg.Worker.ReapInterval, app.cfg.Worker.StaleAfter)

			srv := server.NewServer(app.cfg.ServerAddr, svc, app.logger)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer stop()
			if err := srv.Stop(shutdownCtx); err != nil {
				app.logger.Warn("admin api shutdown", "error", err)
			}
			app.logger.Info("admin api stopped")
			return nil
		},
	}
	return cmd
}

func WorkerCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and process transcode jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context(), app.logger)
			defer cancel()

			concurrency, _ := cmd.Flags().GetInt("concurrency")
			if concurrency > 0 {
				app.cfg.Worker.Concurrency = concurrency
			}

			svc, err := app.Service(ctx)
			if err != nil {
				return err
			}
			proc, err := worker.NewCommandProcessor(app.cfg.Worker.Commands)
			if err != nil {
				return err
			}

			var wake <-chan struct{}
			if len(app.cfg.Kafka.Brokers) > 0 {
				waker := events.NewKafkaWaker(app.cfg.Kafka, app.logger)
				wake = waker.C()
				go waker.Run(ctx)
			}

			w := worker.New(svc, proc, worker.OptionsFromConfig(app.cfg.Worker), app.logger, wake)
			return w.Run(ctx)
		},
	}
	cmd.Flags().Int("concurrency", 0, "jobs processed at once (overrides config)")
	return cmd
}
