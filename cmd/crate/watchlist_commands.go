package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newWatchlistCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchlist",
		Short: "Manage watched playlists",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List watched playlists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				playlists, err := s.watch.Playlists(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					type playlistView struct {
						ID        int64  `json:"id"`
						URL       string `json:"url"`
						Name      string `json:"name,omitempty"`
						CheckedAt string `json:"checkedAt,omitempty"`
					}
					views := make([]playlistView, 0, len(playlists))
					for _, playlist := range playlists {
						view := playlistView{ID: playlist.ID, URL: playlist.URL, Name: playlist.Name}
						if playlist.CheckedAt != nil {
							view.CheckedAt = playlist.CheckedAt.UTC().Format(time.RFC3339)
						}
						views = append(views, view)
					}
					return printJSON(map[string]any{"playlists": views})
				}
				if len(playlists) == 0 {
					fmt.Println("no watched playlists")
					return nil
				}
				rows := make([][]string, 0, len(playlists))
				for _, playlist := range playlists {
					checked := "never"
					if playlist.CheckedAt != nil {
						checked = playlist.CheckedAt.Local().Format("2006-01-02 15:04")
					}
					rows = append(rows, []string{
						strconv.FormatInt(playlist.ID, 10),
						playlist.Name,
						playlist.URL,
						checked,
					})
				}
				fmt.Println(renderTable([]string{"ID", "NAME", "URL", "LAST CHECKED"}, rows, 0))
				return nil
			})
		},
	})

	addCmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Watch a playlist",
		Args:  cobra.ExactArgs(1),
	}
	var nameFlag string
	addCmd.Flags().StringVar(&nameFlag, "name", "", "Display name for the playlist")
	addCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return ctx.withStores(func(s *stores) error {
			playlist, err := s.watch.AddPlaylist(cmd.Context(), args[0], nameFlag)
			if err != nil {
				return err
			}
			fmt.Printf("watching playlist %d: %s\n", playlist.ID, playlist.URL)
			return nil
		})
	}
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Stop watching a playlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid playlist id %q", args[0])
				}
				removed, err := s.watch.RemovePlaylist(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("playlist %d not found", id)
				}
				fmt.Printf("playlist %d removed\n", id)
				return nil
			})
		},
	})

	return cmd
}
