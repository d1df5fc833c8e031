package cmd

import (
	"fmt"
	"os"

	"github.com/arl/crowdsim/detour"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate SCENARIO",
	Short: "check that a scenario file and its navmesh load cleanly",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scn, err := LoadScenario(args[0])
		if err != nil {
			return err
		}

		f, err := os.Open(scn.Navmesh)
		if err != nil {
			return fmt.Errorf("opening navmesh: %w", err)
		}
		defer f.Close()

		nav, err := detour.Decode(f)
		if err != nil {
			return fmt.Errorf("decoding navmesh: %w", err)
		}

		tiles := 0
		for i := range nav.Tiles {
			if nav.Tiles[i].DataSize != 0 {
				tiles++
			}
		}
		fmt.Printf("navmesh OK: %d tile(s), %d agent(s) in scenario\n",
			tiles, len(scn.Agents))
		return nil
	},
}

func init() {
	RootCmd.AddCommand(validateCmd)
}
