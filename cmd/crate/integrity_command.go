package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"crate/internal/logging"
	"crate/internal/reconcile"
)

func newIntegrityCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Audit records against the filesystem",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Report inconsistencies without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				reconciler := reconcile.New(s.queue, s.lib, s.watch, logging.NewNop())
				report, err := reconciler.Scan(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return printJSON(report)
				}
				printReport(report, false)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "heal",
		Short: "Apply corrective record updates for every inconsistency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				reconciler := reconcile.New(s.queue, s.lib, s.watch, logging.NewNop())
				report, err := reconciler.Heal(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return printJSON(report)
				}
				printReport(report, true)
				return nil
			})
		},
	})

	return cmd
}

func printReport(report *reconcile.Report, healed bool) {
	if len(report.Findings) == 0 {
		fmt.Println("no inconsistencies found")
		return
	}
	rows := make([][]string, 0, len(report.Findings))
	for _, finding := range report.Findings {
		id := ""
		switch {
		case finding.EntryID != 0:
			id = "entry " + strconv.FormatInt(finding.EntryID, 10)
		case finding.JobID != 0:
			id = "job " + strconv.FormatInt(finding.JobID, 10)
		case finding.TrackID != 0:
			id = "track " + strconv.FormatInt(finding.TrackID, 10)
		}
		rows = append(rows, []string{string(finding.Kind), id, finding.Detail, finding.FilePath})
	}
	fmt.Println(renderTable([]string{"KIND", "RECORD", "TRACK", "FILE"}, rows))
	if healed {
		fmt.Printf("%d healed, %d skipped\n", report.Healed, report.Skipped)
	} else {
		fmt.Printf("%d findings; run `crate integrity heal` to apply corrections\n", len(report.Findings))
	}
}
