package main

import (
	"fmt"
	"os"

	"github.com/DockeryAI/BuildRunner3-sub001/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "buildrunner",
	Short: "Task graph scheduler and multi-worker build coordinator",
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Path to the SQLite database (defaults to DB_PATH, then buildrunner.db)")
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
