package main

import (
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"tidbyt.dev/gtfslive"
	"tidbyt.dev/gtfslive/model"
)

var departuresCmd = &cobra.Command{
	Use:   "departures <vehicle_id>",
	Short: "Lists the next departures of a bus",
	Long:  "Lists the next departures of a bus, identified by its vehicle position entity ID (see the vehicles command)",
	Args:  cobra.ExactArgs(1),
	RunE:  departures,
}

var (
	limit           int
	noRouteFallback bool
	stopNamesURL    string
)

func init() {
	departuresCmd.Flags().IntVarP(&limit, "limit", "l", gtfslive.DefaultDepartureLimit, "Limit the number of departures returned")
	departuresCmd.Flags().BoolVarP(&noRouteFallback, "no-route-fallback", "", false, "Don't fall back to other buses on the same route")
	departuresCmd.Flags().StringVarP(&stopNamesURL, "stop-names-url", "", "", "Resolve stop names through a running server instead of the static schedule")
	rootCmd.AddCommand(departuresCmd)
}

func departures(cmd *cobra.Command, args []string) error {
	entityID := args[0]
	ctx := cmd.Context()

	vehicleClient, tripClient := feedClients(nil)

	var (
		positions           []model.VehiclePosition
		updates             []model.TripUpdate
		vehicleErr, tripErr error
	)
	var wg conc.WaitGroup
	wg.Go(func() { positions, vehicleErr = vehicleClient.Fetch(ctx) })
	wg.Go(func() { updates, tripErr = tripClient.Fetch(ctx) })
	wg.Wait()

	if vehicleErr != nil {
		return vehicleErr
	}
	if tripErr != nil {
		return tripErr
	}

	var vehicle *model.VehiclePosition
	for i := range positions {
		if positions[i].ID == entityID {
			vehicle = &positions[i]
			break
		}
	}
	if vehicle == nil {
		return fmt.Errorf("no vehicle with ID %s in the feed", entityID)
	}

	d := gtfslive.ResolveDepartures(vehicle, updates, gtfslive.DepartureOptions{
		Now:           time.Now(),
		Limit:         limit,
		RouteFallback: !noRouteFallback,
	})

	if len(d.Items) > 0 {
		var lookup gtfslive.StopNameLookup
		if stopNamesURL != "" {
			lookup = gtfslive.NewStopNamesClient(stopNamesURL)
		} else {
			store, err := openStorage()
			if err != nil {
				return err
			}
			defer store.Close()
			lookup = stopIndex(store, nil)
		}

		names, err := stopNameCache(lookup, nil).Resolve(ctx, d.StopIDs())
		if err != nil {
			logger.Warn().Err(err).Msg("stop names unavailable")
		}
		for i := range d.Items {
			d.Items[i].StopName = names[d.Items[i].StopID]
		}
	}

	fmt.Printf("Route %s, vehicle %s\n", vehicle.RouteID, vehicle.VehicleID)
	printDepartures(d)

	return nil
}
