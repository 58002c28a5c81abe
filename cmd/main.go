package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tidbyt.dev/gtfslive"
	"tidbyt.dev/gtfslive/config"
	"tidbyt.dev/gtfslive/metrics"
	"tidbyt.dev/gtfslive/model"
	"tidbyt.dev/gtfslive/storage"
)

var rootCmd = &cobra.Command{
	Use:               "gtfslive",
	Short:             "Live TfNSW bus tracking",
	Long:              "Tracks Sydney buses from the TfNSW GTFS realtime feeds and resolves their next departures",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var (
	configPath   string
	apiKey       string
	dev          bool
	proxyBaseURL string
	logLevel     string
	logJSON      bool
)

// Populated by setup before any command runs.
var (
	cfg    *config.Config
	logger zerolog.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&apiKey, "api-key", "k", "", "TfNSW API key (default $TFNSW_API_KEY)")
	rootCmd.PersistentFlags().BoolVarP(&dev, "dev", "", false, "Prefer the local proxy over the direct API")
	rootCmd.PersistentFlags().StringVarP(&proxyBaseURL, "proxy-base-url", "", "", "Base URL of a proxy serving /api/gtfs/*")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&logJSON, "log-json", "", false, "Log JSON instead of console output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if logJSON {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	logger = logger.Level(level).With().Timestamp().Logger()

	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("api-key") {
		cfg.APIKey = apiKey
	}
	if flags.Changed("dev") {
		cfg.Dev = dev
	}
	if flags.Changed("proxy-base-url") {
		cfg.ProxyBaseURL = proxyBaseURL
	}

	return cfg.Validate()
}

func endpoints(overrideURL string) gtfslive.EndpointConfig {
	return gtfslive.EndpointConfig{
		OverrideURL:  overrideURL,
		APIKey:       cfg.APIKey,
		Dev:          cfg.Dev,
		ProxyBaseURL: cfg.ProxyBaseURL,
	}
}

func feedClients(m *metrics.Collector) (*gtfslive.FeedClient[model.VehiclePosition], *gtfslive.FeedClient[model.TripUpdate]) {
	vehicles := gtfslive.NewVehiclePositionsClient(endpoints(cfg.VehiclePositionsURL))
	vehicles.Timeout = cfg.FetchTimeout
	vehicles.Logger = logger
	vehicles.Metrics = m

	trips := gtfslive.NewTripUpdatesClient(endpoints(cfg.TripUpdatesURL))
	trips.Timeout = cfg.FetchTimeout
	trips.Logger = logger
	trips.Metrics = m

	return vehicles, trips
}

func openStorage() (storage.StopNameStore, error) {
	switch cfg.Storage {
	case "sqlite":
		s, err := storage.NewSQLiteStorage(storage.SQLiteConfig{OnDisk: true, Directory: cfg.StorageDir})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite storage: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := storage.NewPSQLStorage(cfg.PostgresURL, false)
		if err != nil {
			return nil, fmt.Errorf("opening postgres storage: %w", err)
		}
		return s, nil
	}
	return storage.NewMemoryStorage(), nil
}

func stopIndex(store storage.StopNameStore, m *metrics.Collector) *gtfslive.StopIndex {
	index := gtfslive.NewStopIndex(cfg.StaticURLs, cfg.APIKey)
	index.TTL = cfg.StaticTTL
	index.Timeout = cfg.StaticTimeout
	index.Store = store
	index.Logger = logger
	index.Metrics = m
	return index
}

func stopNameCache(lookup gtfslive.StopNameLookup, m *metrics.Collector) *gtfslive.StopNameCache {
	cache := gtfslive.NewStopNameCache(lookup)
	cache.BatchSize = cfg.StopNameBatchSize
	cache.BatchDelay = cfg.StopNameDelay
	cache.Logger = logger
	cache.Metrics = m
	return cache
}

func printDepartures(d model.Departures) {
	if len(d.Items) == 0 {
		fmt.Println("No upcoming departures")
		return
	}

	fmt.Printf("Next departures (matched by %s)\n", d.Tier)
	for _, item := range d.Items {
		stop := item.StopName
		if stop == "" {
			stop = "Stop " + item.StopID
		}
		fmt.Printf("  %s  %-6s %s\n", item.Time.Local().Format("15:04"), item.RouteID, stop)
	}
}
