package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"crate/internal/api"
	"crate/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the download queue",
	}
	cmd.AddCommand(newQueueListCommand(ctx))
	cmd.AddCommand(newQueueRetryCommand(ctx))
	cmd.AddCommand(newQueueRemoveCommand(ctx))
	cmd.AddCommand(newQueueClearCommand(ctx))
	return cmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statusFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				var statuses []queue.Status
				for _, value := range strings.Split(statusFlag, ",") {
					value = strings.TrimSpace(value)
					if value == "" {
						continue
					}
					status, ok := queue.ParseStatus(value)
					if !ok {
						return fmt.Errorf("unknown status %q", value)
					}
					statuses = append(statuses, status)
				}

				jobs, err := s.queueService().List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return printJSON(api.JobListResponse{Jobs: jobs})
				}
				if len(jobs) == 0 {
					fmt.Println("queue is empty")
					return nil
				}

				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					rows = append(rows, []string{
						strconv.FormatInt(job.ID, 10),
						job.Source,
						job.Artist,
						job.Title,
						job.Status,
						job.ErrorMessage,
					})
				}
				fmt.Println(renderTable(
					[]string{"ID", "SOURCE", "ARTIST", "TITLE", "STATUS", "ERROR"},
					rows,
					0,
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&statusFlag, "status", "", "Comma-separated status filter (queued,processing,completed,failed)")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>...",
		Short: "Requeue failed jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				svc := s.queueService()
				for _, arg := range args {
					id, err := strconv.ParseInt(arg, 10, 64)
					if err != nil {
						return fmt.Errorf("invalid job id %q", arg)
					}
					if err := svc.Retry(cmd.Context(), id); err != nil {
						return fmt.Errorf("retry job %d: %w", id, err)
					}
					fmt.Printf("job %d requeued\n", id)
				}
				return nil
			})
		},
	}
}

func newQueueRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>...",
		Short: "Delete jobs from the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				svc := s.queueService()
				for _, arg := range args {
					id, err := strconv.ParseInt(arg, 10, 64)
					if err != nil {
						return fmt.Errorf("invalid job id %q", arg)
					}
					if err := svc.Remove(cmd.Context(), id); err != nil {
						return fmt.Errorf("remove job %d: %w", id, err)
					}
					fmt.Printf("job %d removed\n", id)
				}
				return nil
			})
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var daysFlag int

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete old completed and failed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				days := daysFlag
				if days < 0 {
					days = s.cfg.Workflow.JobRetentionDays
				}
				cutoff := time.Now().AddDate(0, 0, -days)
				removed, err := s.queue.ClearTerminal(cmd.Context(), cutoff)
				if err != nil {
					return err
				}
				fmt.Printf("removed %d terminal jobs\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&daysFlag, "older-than", -1, "Only clear jobs older than this many days (default: configured retention)")
	return cmd
}

func newAddCommand(ctx *commandContext) *cobra.Command {
	var (
		sourceFlag string
		refFlag    string
		titleFlag  string
		artistFlag string
		urlFlag    string
		formatFlag string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a track for download",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				source, ok := queue.ParseSource(sourceFlag)
				if !ok {
					return fmt.Errorf("unknown source %q", sourceFlag)
				}
				outcome, err := s.queueService().Enqueue(cmd.Context(), queue.Spec{
					Source:      source,
					ExternalRef: refFlag,
					Title:       titleFlag,
					Artist:      artistFlag,
					OriginURL:   urlFlag,
					Format:      formatFlag,
				})
				if err != nil {
					return err
				}
				switch outcome.Disposition {
				case api.DispositionEnqueued:
					fmt.Printf("queued as job %d\n", outcome.Job.ID)
				default:
					fmt.Printf("not queued (%s): %s\n", outcome.Disposition, outcome.Detail)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sourceFlag, "source", string(queue.SourceCDN), "Download source (cdn or extractor)")
	cmd.Flags().StringVar(&refFlag, "ref", "", "External track reference for duplicate suppression")
	cmd.Flags().StringVar(&titleFlag, "title", "", "Track title")
	cmd.Flags().StringVar(&artistFlag, "artist", "", "Track artist")
	cmd.Flags().StringVar(&urlFlag, "url", "", "Origin URL (required for the extractor source)")
	cmd.Flags().StringVar(&formatFlag, "format", "", "Preferred audio format")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("artist")
	return cmd
}
