package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// newTriggerCommand asks the running daemon to drain queued jobs now. This is
// the one command that talks HTTP instead of the database: the drain has to
// happen inside the daemon's worker context.
func newTriggerCommand(ctx *commandContext) *cobra.Command {
	var countFlag int

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Ask the daemon to process queued jobs immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			bind := strings.TrimSpace(cfg.Paths.APIBind)
			if bind == "" {
				return fmt.Errorf("paths.api_bind is not configured; the daemon has no API to trigger")
			}
			secret := strings.TrimSpace(cfg.Trigger.Secret)
			if secret == "" {
				return fmt.Errorf("trigger.secret is not configured; triggering is disabled")
			}

			endpoint := url.URL{Scheme: "http", Host: bind, Path: "/api/trigger"}
			if countFlag > 0 {
				endpoint.RawQuery = "count=" + strconv.Itoa(countFlag)
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint.String(), nil)
			if err != nil {
				return err
			}
			req.Header.Set("X-Trigger-Secret", secret)

			client := &http.Client{Timeout: 10 * time.Minute}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("reach daemon at %s: %w", bind, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("trigger failed (%s): %s", resp.Status, strings.TrimSpace(string(body)))
			}

			var parsed struct {
				Ran      int `json:"ran"`
				Outcomes []struct {
					JobID  int64  `json:"job_id"`
					Artist string `json:"artist"`
					Title  string `json:"title"`
					Status string `json:"status"`
					Error  string `json:"error"`
				} `json:"outcomes"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return fmt.Errorf("parse trigger response: %w", err)
			}

			if parsed.Ran == 0 {
				fmt.Println("queue is empty, nothing processed")
				return nil
			}
			for _, outcome := range parsed.Outcomes {
				line := fmt.Sprintf("job %d: %s - %s -> %s", outcome.JobID, outcome.Artist, outcome.Title, outcome.Status)
				if outcome.Error != "" {
					line += " (" + outcome.Error + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&countFlag, "count", 0, "Maximum jobs to process (default: configured batch limit)")
	return cmd
}
