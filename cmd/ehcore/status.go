package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print queue depth and recent error counts from a running serve process",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newControlClient(dataDirFlag, portFlag)
		if err != nil {
			return err
		}

		statusResp, err := client.get("/v1/status")
		if err != nil {
			return fmt.Errorf("contacting control API (is `ehcore serve` running?): %w", err)
		}
		defer statusResp.Body.Close()
		if statusResp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(statusResp.Body)
			return fmt.Errorf("status request failed (%s): %s", statusResp.Status, string(body))
		}
		var status map[string]any
		if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
			return err
		}
		fmt.Printf("queue length: %v\n", status["queue_len"])

		errResp, err := client.get("/v1/analytics/errors")
		if err != nil {
			return err
		}
		defer errResp.Body.Close()
		if errResp.StatusCode == http.StatusOK {
			var summary []map[string]any
			if err := json.NewDecoder(errResp.Body).Decode(&summary); err == nil && len(summary) > 0 {
				fmt.Println("error summary:")
				for _, entry := range summary {
					fmt.Printf("  %v/%v: %v\n", entry["category"], entry["severity"], entry["count"])
				}
			}
		}
		return nil
	},
}
