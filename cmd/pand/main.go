package main

import (
	"os"

	"github.com/spf13/cobra"

	"pan/internal/interfaces/cli/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pand",
		Short: "pand - a PAN overlay node",
		Long:  `pand runs one node of the PAN peer-to-peer messaging overlay, terminating agent and peer connections and routing traffic between them.`,
	}

	rootCmd.AddCommand(
		server.NewCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
