package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"transcodeq/internal/events"
	"transcodeq/internal/logger"
	"transcodeq/internal/models"
	"transcodeq/internal/queue"
	"transcodeq/internal/storage"
)

// App holds what subcommands share. The store is opened on first use so
// commands like migrate and help do not need a pool.
type App struct {
	ConfigPath string

	cfg       *models.Config
	logger    *log.Logger
	store     storage.Storage
	publisher events.Publisher
	service   *queue.Service
}

func (a *App) load() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := models.LoadConfig(a.ConfigPath)
	if err != nil {
		return err
	}
	l, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, l
	return nil
}

func (a *App) Service(ctx context.Context) (*queue.Service, error) {
	if a.service != nil {
		return a.service, nil
	}
	store, err := storage.Open(ctx, a.cfg.Database)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.logger.Info("database connected", "driver", a.cfg.Database.Driver)

	if len(a.cfg.Kafka.Brokers) > 0 {
		a.publisher = events.NewKafkaPublisher(a.cfg.Kafka, a.logger)
		a.logger.Info("job events enabled", "brokers", a.cfg.Kafka.Brokers, "topic", a.cfg.Kafka.Topic)
	} else {
		a.publisher = events.NopPublisher{}
	}
	a.service = queue.NewService(store, a.publisher, a.logger)
	return a.service, nil
}

func (a *App) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("close event publisher", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
}

// NewRootCmd wires every subcommand to app. The caller closes app afterwards.
func NewRootCmd(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "transcodeq",
		Short:         "Transcode job queue with per-asset tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load()
		},
	}
	root.PersistentFlags().StringVarP(&app.ConfigPath, "config", "c", "config.yaml", "path to the YAML config file")

	root.AddCommand(
		ServeCmd(app),
		WorkerCmd(app),
		MigrateCmd(app),
		JobsCmd(app),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	app := &App{}
	defer app.Close()

	root := NewRootCmd(app)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// signalContext is cancelled on the first SIGINT/SIGTERM. A second signal
// exits the process without waiting for in-flight work.
func signalContext(parent context.Context, l *log.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			l.Info("signal received, shutting down gracefully (repeat to force exit)", "signal", sig)
			cancel()
		case <-ctx.Done():
			signal.Stop(sigCh)
			return
		}
		sig := <-sigCh
		l.Error("second signal received, forcing exit", "signal", sig)
		os.Exit(1)
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
