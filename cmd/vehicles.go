package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var vehiclesCmd = &cobra.Command{
	Use:   "vehicles",
	Short: "Lists buses currently reporting their position",
	Args:  cobra.NoArgs,
	RunE:  vehicles,
}

var vehiclesRoute string

func init() {
	vehiclesCmd.Flags().StringVarP(&vehiclesRoute, "route", "r", "", "Only show routes containing this text")
	rootCmd.AddCommand(vehiclesCmd)
}

func vehicles(cmd *cobra.Command, args []string) error {
	client, _ := feedClients(nil)

	positions, err := client.Fetch(cmd.Context())
	if err != nil {
		return err
	}

	route := strings.ToLower(strings.TrimSpace(vehiclesRoute))

	sort.SliceStable(positions, func(i, j int) bool {
		if positions[i].RouteID != positions[j].RouteID {
			return positions[i].RouteID < positions[j].RouteID
		}
		return positions[i].ID < positions[j].ID
	})

	shown := 0
	for _, v := range positions {
		if route != "" && !strings.Contains(strings.ToLower(v.RouteID), route) {
			continue
		}
		label := v.VehicleLabel
		if label == "" {
			label = v.VehicleID
		}
		fmt.Printf("%-24s %-8s %-12s %9.5f %10.5f\n", v.ID, v.RouteID, label, v.Lat, v.Lon)
		shown++
	}

	logger.Info().Int("shown", shown).Int("total", len(positions)).Msg("vehicles")

	return nil
}
