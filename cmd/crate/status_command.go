package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and library totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				counts, err := s.queue.CountsByState(cmd.Context())
				if err != nil {
					return err
				}
				entries, err := s.lib.List(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return printJSON(map[string]any{
						"counts":         counts,
						"libraryEntries": len(entries),
						"database":       s.queue.Path(),
					})
				}

				rows := [][]string{
					{"queued", strconv.Itoa(counts.Queued)},
					{"processing", strconv.Itoa(counts.Processing)},
					{"completed", strconv.Itoa(counts.Completed)},
					{"failed", strconv.Itoa(counts.Failed)},
					{"library entries", strconv.Itoa(len(entries))},
				}
				fmt.Println(renderTable([]string{"STATE", "COUNT"}, rows, 1))
				fmt.Printf("database: %s\n", s.queue.Path())
				return nil
			})
		},
	}
}
