package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var autostartFlag bool

func init() {
	serveCmd.Flags().BoolVar(&autostartFlag, "autostart", false, "begin draining any previously queued galleries immediately")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API and process the gallery queue until stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(dataDirFlag)
		if err != nil {
			return err
		}
		defer e.Close()

		port := resolvePort(e, portFlag)
		if err := e.API.Start(port); err != nil {
			return err
		}
		controlToken(e, os.Stdout)
		fmt.Printf("control API listening on 127.0.0.1:%d\n", port)

		if autostartFlag {
			e.Orchestrator.StartSequence(context.Background())
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		e.Logger.Info("shutdown signal received, stopping")
		e.Orchestrator.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.API.Shutdown(shutdownCtx); err != nil {
			e.Logger.Warn("control API shutdown error", "err", err)
		}
		return nil
	},
}
