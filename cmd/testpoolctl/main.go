package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "testpoolctl",
		Short: "testpoolctl - administer testpoold resource pools",
		Long:  "Create, list and remove resource pools directly against the persistence layer",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags and env override)")

	rootCmd.AddCommand(
		poolAddCmd(),
		poolListCmd(),
		poolGetCmd(),
		poolDeleteCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
