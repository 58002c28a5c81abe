package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tidbyt.dev/gtfslive"
)

var watchCmd = &cobra.Command{
	Use:   "watch [vehicle_id]",
	Short: "Follows a bus, printing its next departures as the feeds refresh",
	Args:  cobra.MaximumNArgs(1),
	RunE:  watch,
}

var watchTrack bool

func init() {
	watchCmd.Flags().BoolVarP(&watchTrack, "track", "t", false, "Keep following the bus if it drops out of the feed")
	rootCmd.AddCommand(watchCmd)
}

func watch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	vehicleClient, tripClient := feedClients(nil)

	tracker := gtfslive.NewTracker(vehicleClient, tripClient)
	tracker.Interval = cfg.RefreshInterval
	tracker.DepartureLimit = cfg.DepartureLimit
	tracker.StopNames = stopNameCache(stopIndex(store, nil), nil)
	tracker.Logger = logger

	if len(args) == 1 {
		tracker.Select(args[0], watchTrack)
	}

	// Departures depend on both feeds, so print once per applied trip
	// update.
	// Stop names are resolved under the cycle's context, so a slow
	// lookup is abandoned once the next refresh starts.
	tracker.OnApply = func(cycleCtx context.Context, feed string) {
		if feed == gtfslive.VehiclePositionsFeed {
			snapshot := tracker.Snapshot()
			fmt.Printf("%s: %d vehicles\n", time.Now().Format("15:04:05"), len(snapshot.Vehicles))
			return
		}
		report(cycleCtx, tracker)
	}

	tracker.Run(ctx)

	return nil
}

func report(ctx context.Context, tracker *gtfslive.Tracker) {
	fmt.Println(tracker.TrackingStatus())

	target := tracker.Target()
	if target == nil {
		return
	}

	d, err := tracker.DeparturesWithNames(ctx, time.Now())
	if err != nil && !gtfslive.IsCancelled(err) {
		logger.Warn().Err(err).Msg("stop names unavailable")
	}

	fmt.Printf("Route %s, vehicle %s\n", target.RouteID, target.VehicleID)
	printDepartures(d)
}
