package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/your-org/grapic/pkg/dto"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Create and list events",
}

var eventCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an event and print its access code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := dto.CreateEventRequest{
			Name:        args[0],
			Description: mustGetString(cmd, "description"),
		}
		if ttl, _ := cmd.Flags().GetDuration("expires-in"); ttl > 0 {
			at := time.Now().Add(ttl).UTC()
			req.ExpiresAt = &at
		}
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}

		var ev dto.EventResponse
		client := newAPIClient(cmd)
		if err := client.do(cmd.Context(), http.MethodPost, "/v1/events", "application/json", bytes.NewReader(body), &ev); err != nil {
			return err
		}
		fmt.Printf("Event:       %s\n", ev.ID)
		fmt.Printf("Access code: %s\n", ev.AccessCode)
		if ev.ExpiresAt != nil {
			fmt.Printf("Expires:     %s\n", *ev.ExpiresAt)
		}
		return nil
	},
}

var eventListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		var list dto.EventListResponse
		client := newAPIClient(cmd)
		if err := client.do(cmd.Context(), http.MethodGet, fmt.Sprintf("/v1/events?limit=%d", limit), "", nil, &list); err != nil {
			return err
		}
		if mustGetBool(cmd, "json") {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		}
		for _, ev := range list.Events {
			fmt.Printf("%s  %-8s  %5d photos  %5d processed  %s\n",
				ev.ID, ev.AccessCode, ev.PhotoCount, ev.ProcessedCount, ev.Name)
		}
		fmt.Printf("%d of %d event(s)\n", len(list.Events), list.Total)
		return nil
	},
}

func init() {
	addServerFlags(eventCreateCmd)
	eventCreateCmd.Flags().String("description", "", "event description")
	eventCreateCmd.Flags().Duration("expires-in", 0, "expire the event after this long (e.g. 720h)")

	addServerFlags(eventListCmd)
	eventListCmd.Flags().Int("limit", 50, "max events to list")
	eventListCmd.Flags().Bool("json", false, "print raw JSON")

	eventCmd.AddCommand(eventCreateCmd, eventListCmd)
	rootCmd.AddCommand(eventCmd)
}
