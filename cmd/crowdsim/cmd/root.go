package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "crowdsim",
	Short: "drive a crowd simulation over a pre-built navmesh",
	Long: `crowdsim loads a binary navigation mesh (built separately, with
'recast build' or any other go-detour compatible tool) and a YAML
scenario describing agents and pathfinding budgets, then drives the
crowd simulation tick by tick.`,
}

// Execute adds all child commands to the root command sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}
