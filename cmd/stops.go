package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tidbyt.dev/gtfslive"
)

var stopsCmd = &cobra.Command{
	Use:   "stops <stop_id>...",
	Short: "Looks up stop names in the static GTFS schedule",
	Args:  cobra.MinimumNArgs(1),
	RunE:  stops,
}

func init() {
	rootCmd.AddCommand(stopsCmd)
}

func stops(cmd *cobra.Command, args []string) error {
	store, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	ids := gtfslive.NormalizeStopIDs(args)

	result, err := stopIndex(store, nil).Lookup(cmd.Context(), ids)
	if err != nil {
		return err
	}

	for _, id := range ids {
		name, found := result.Names[id]
		if !found {
			name = "(unknown)"
		}
		fmt.Printf("%s: %s\n", id, name)
	}

	return nil
}
