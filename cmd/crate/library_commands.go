package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"crate/internal/api"
)

func newLibraryCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "Browse and manage archived tracks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List archived tracks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				entries, err := s.libraryService().List(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return printJSON(api.EntryListResponse{Entries: entries})
				}
				if len(entries) == 0 {
					fmt.Println("library is empty")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, entry := range entries {
					rows = append(rows, []string{
						strconv.FormatInt(entry.ID, 10),
						entry.Artist,
						entry.Title,
						entry.Codec,
						formatSize(entry.FileSize),
						entry.FilePath,
					})
				}
				fmt.Println(renderTable(
					[]string{"ID", "ARTIST", "TITLE", "CODEC", "SIZE", "FILE"},
					rows,
					0, 4,
				))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>...",
		Short: "Delete archived tracks, their files, and related records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				svc := s.libraryService()
				for _, arg := range args {
					id, err := strconv.ParseInt(arg, 10, 64)
					if err != nil {
						return fmt.Errorf("invalid entry id %q", arg)
					}
					result, err := svc.Delete(cmd.Context(), id)
					if err != nil {
						return fmt.Errorf("delete entry %d: %w", id, err)
					}
					fmt.Printf("entry %d deleted (file removed: %v, jobs removed: %d)\n",
						result.EntryID, result.FileRemoved, result.JobsRemoved)
				}
				return nil
			})
		},
	})

	return cmd
}

func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}
