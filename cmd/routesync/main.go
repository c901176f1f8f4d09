// Package main provides the routesync command: the sync server and the
// worker-side agent that queues, flushes and resolves offline changes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/routesync/internal/config"
	"github.com/kimhsiao/routesync/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "routesync",
	Short:         "Offline-first sync for delivery routes",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logging.InitWithOptions(logging.Options{
			Level: logging.ParseLevel(cfg.Log.Level),
			File:  cfg.Log.File,
			Out:   os.Stderr,
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to routesync.yaml (env: ROUTESYNC_*)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "worker", Title: "Worker session:"},
	)
	rootCmd.AddCommand(serveCmd, agentCmd, deliverCmd, routeCmd, messageCmd, syncCmd, queueCmd, conflictsCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
