package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"tidbyt.dev/gtfslive"
	"tidbyt.dev/gtfslive/metrics"
	"tidbyt.dev/gtfslive/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the stop name service, GTFS pass-through and live tracker over HTTP",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

var (
	listen    string
	noTracker bool
)

func init() {
	serveCmd.Flags().StringVarP(&listen, "listen", "l", "", "Address to listen on (default from config)")
	serveCmd.Flags().BoolVarP(&noTracker, "no-tracker", "", false, "Only serve stop names and the GTFS pass-through")
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if listen != "" {
		cfg.Listen = listen
	}

	store, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	collector := metrics.NewCollector()
	index := stopIndex(store, collector)

	var tracker *gtfslive.Tracker
	if !noTracker {
		vehicleClient, tripClient := feedClients(collector)
		tracker = gtfslive.NewTracker(vehicleClient, tripClient)
		tracker.Interval = cfg.RefreshInterval
		tracker.DepartureLimit = cfg.DepartureLimit
		tracker.StopNames = stopNameCache(index, collector)
		tracker.Logger = logger
		tracker.Metrics = collector
	}

	s := server.New(index, tracker)
	s.UpstreamURL = cfg.APIBaseURL + "/v1/gtfs"
	s.APIKey = cfg.APIKey
	s.Metrics = collector
	s.Logger = logger

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg conc.WaitGroup
	defer wg.Wait()

	if tracker != nil {
		wg.Go(func() { tracker.Run(ctx) })
	}

	// Warm the stop index so the first lookup doesn't pay for it
	wg.Go(func() {
		if _, err := index.Lookup(ctx, nil); err != nil && !gtfslive.IsCancelled(err) {
			logger.Warn().Err(err).Msg("initial stop index load failed")
		}
	})

	wg.Go(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	})

	logger.Info().
		Str("listen", cfg.Listen).
		Bool("tracker", tracker != nil).
		Bool("pass_through", cfg.APIKey != "").
		Str("storage", cfg.Storage).
		Msg("serving")

	err = httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	// Unblock the goroutines above
	stop()
	return err
}
