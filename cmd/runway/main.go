package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "runway",
		Short: "Runway - autonomous routine dispatcher",
		Long: `Runway runs autonomous agent routines on schedules and task queues.
It dispatches each routine to an AI provider session, bridges the session
to external tool servers and streams execution logs to watchers.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
