package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "reliefd",
		Short: "Relief Orchestrator - disaster response request pipeline",
		Long: `Relief Orchestrator drives incoming help requests through a durable
pipeline: interpretation, prioritization, resource assignment and
stakeholder notification. Requests and resource stock survive restarts;
resource reservations are exactly-once.`,
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
