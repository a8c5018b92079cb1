package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"transcodeq/internal/models"
	"transcodeq/internal/queue"
)

func JobsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and administer transcode jobs",
	}
	cmd.AddCommand(
		EnqueueCmd(app),
		ListCmd(app),
		GetCmd(app),
		StatusCmd(app),
		AssetCmd(app),
		RetryCmd(app),
		DeleteCmd(app),
		DeleteVideoCmd(app),
		StatsCmd(app),
		ReapCmd(app),
	)
	return cmd
}

func EnqueueCmd(app *App) *cobra.Command {
	var req queue.CreateRequest
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create a queued job for a video upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := app.Service(cmd.Context())
			if err != nil {
				return err
			}
			job, err := svc.Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVar(&req.VideoID, "video", "", "owning video id")
	cmd.Flags().StringVar(&req.InputKey, "input", "", "source object key")
	cmd.Flags().StringVar(&req.OutputPrefix, "output", "", "destination prefix for produced assets")
	cmd.MarkFlagRequired("video")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")
	return cmd
}

func ListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawStatus, _ := cmd.Flags().GetString("status")
			videoID, _ := cmd.Flags().GetString("video")
			limit, _ := cmd.Flags().GetInt("limit")

			filter := models.ListFilter{VideoID: videoID, Limit: limit}
			if rawStatus != "" {
				status, err := models.ParseJobStatus(rawStatus)
				if err != nil {
					return err
				}
				filter.Status = &status
			}

			svc, err := app.Service(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := svc.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tVIDEO\tSTATUS\tATTEMPTS\tPROGRESS\tCREATED")
			for _, j := range jobs {
				completed, total := j.Progress()
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%d\t%s\n",
					j.ID, j.VideoID, j.Status, j.Attempts, completed, total, j.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("status", "", "filter by status (queued, running, done, failed)")
	cmd.Flags().String("video", "", "filter by video id")
	cmd.Flags().Int("limit", models.DefaultListLimit, fmt.Sprintf("maximum jobs to show (1-%d)", models.MaxListLimit))
	return cmd
}

func GetCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := app.Service(cmd.Context())
			if err != nil {
				return err
			}
			job, err := svc.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func StatusCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <job-id> <queued|running|done|failed>",
		Short: "Move a job along an allowed transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := models.ParseJobStatus(args[1])
			if err != nil {
				return err
			}
			errMsg, _ := cmd.Flags().GetString("error")

			svc, err := app.Service(cmd.Context())
			if err != nil {
				return err
			}
			job, err := svc.UpdateStatus(cmd.Context(), args[0], status, errMsg)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().String("error", "", "failure message when moving to failed")
	return cmd
}

func AssetCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "asset <job-id> <hls|poster|scrubberPreview|hoverPreview> <status>",
		Short: "Set one asset's processing status",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := app.Service(cmd.Context())
			if err != nil {
				return err
			}
			job, err := svc.UpdateProcessingStatus(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func RetryCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := app.Service(cmd.Context())
			if err != nil {
				return err
			}
			job, err := svc.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func DeleteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := app.Service(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func DeleteVideoCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-video <video-id>",
		Short: "Delete every job of a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := app.Service(cmd.Context())
			if err != nil {
				return err
			}
			n, err := svc.DeleteByVideo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d job(s) of video %s\n", n, args[0])
			return nil
		},
	}
}

func StatsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := app.Service(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := svc.Stats(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "queued\t%d\n", stats.Queued)
			fmt.Fprintf(tw, "running\t%d\n", stats.Running)
			fmt.Fprintf(tw, "done\t%d\n", stats.Done)
			fmt.Fprintf(tw, "failed\t%d\n", stats.Failed)
			fmt.Fprintf(tw, "total\t%d\n", stats.Total)
			return tw.Flush()
		},
	}
}

func ReapCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Requeue running jobs whose worker stopped heartbeating",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			if olderThan <= 0 {
				olderThan = app.cfg.Worker.StaleAfter
			}

			svc, err := app.Service(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := svc.ReapStale(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d job(s)\n", len(ids))
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 0, "heartbeat age that counts as stale (defaults to worker.stale_after)")
	return cmd
}
