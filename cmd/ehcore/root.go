// Package main is the engine's host process: the GUI frontend is out of
// scope for this repository (SPEC_FULL.md §1 Non-goals), so this binary
// is the host process that wires storage, config, logging, the event
// bus, the gallery pipeline, the orchestrator, and the control API
// together, and exposes a cobra CLI (serve/enqueue/status) as the
// engine's only direct user surface (SPEC_FULL.md's CLI surface note).
//
// Grounded in the pack's two CLI-first repos, go-civitai-download and
// HuggingFaceModelDownloader, for the cobra root/subcommand split: a
// package-level rootCmd with PersistentFlags for shared engine options,
// and one file per subcommand registering itself via an init().
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	dataDirFlag string
	portFlag    int
)

var rootCmd = &cobra.Command{
	Use:   "ehcore",
	Short: "A fault-tolerant multi-page gallery download engine",
	Long: `ehcore retrieves multi-page image galleries, saves them under
configurable naming rules, and recovers across network failures and
process restarts via a layered retry, circuit-breaker, and resume
subsystem.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "directory for the database, resume store, and backups (default: OS user config dir)")
	rootCmd.PersistentFlags().IntVar(&portFlag, "port", 0, "control API port (default: configured or 4444)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
