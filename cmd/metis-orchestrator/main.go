package main

import (
	"fmt"
	"os"

	"github.com/europeana/metis-framework-sub004/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "metis-orchestrator",
	Short: "Queue, schedule and run Metis dataset workflows",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
