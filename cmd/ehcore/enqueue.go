package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var (
	enqueueBaseDir    string
	enqueueSaveFolder string
	enqueuePriority   int
	enqueueRangeStart int
	enqueueRangeEnd   int
)

func init() {
	enqueueCmd.Flags().StringVar(&enqueueBaseDir, "base-dir", ".", "directory galleries are saved under")
	enqueueCmd.Flags().StringVar(&enqueueSaveFolder, "save-folder", "", "override the resolved save folder name")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 1, "queue priority (higher runs first)")
	enqueueCmd.Flags().IntVar(&enqueueRangeStart, "range-start", 0, "first page to download (0 = from the beginning)")
	enqueueCmd.Flags().IntVar(&enqueueRangeEnd, "range-end", 0, "last page to download (0 = to the end)")
	rootCmd.AddCommand(enqueueCmd)
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <gallery-url>",
	Short: "Add a gallery to the backlog of an already-running serve process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newControlClient(dataDirFlag, portFlag)
		if err != nil {
			return err
		}

		req := map[string]any{
			"url":           args[0],
			"base_dir":      enqueueBaseDir,
			"save_folder":   enqueueSaveFolder,
			"priority":      enqueuePriority,
			"range_enabled": enqueueRangeStart > 0 || enqueueRangeEnd > 0,
			"range_start":   enqueueRangeStart,
			"range_end":     enqueueRangeEnd,
		}
		resp, err := client.post("/v1/queue", req)
		if err != nil {
			return fmt.Errorf("contacting control API (is `ehcore serve` running?): %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("enqueue rejected (%s): %s", resp.Status, string(body))
		}

		var decoded map[string]string
		json.NewDecoder(resp.Body).Decode(&decoded)
		fmt.Printf("queued %s (priority %d)\n", args[0], enqueuePriority)
		return nil
	},
}
