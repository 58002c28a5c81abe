package gtfslive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tidbyt.dev/gtfslive/downloader"
	"tidbyt.dev/gtfslive/metrics"
	"tidbyt.dev/gtfslive/model"
	"tidbyt.dev/gtfslive/parse"
)

const (
	VehiclePositionsFeed = "vehicle positions"
	TripUpdatesFeed      = "trip updates"

	VehiclePositionsProxyPath = "/api/gtfs/vehiclepos/buses"
	VehiclePositionsDirectURL = "https://api.transport.nsw.gov.au/v1/gtfs/vehiclepos/buses"
	TripUpdatesProxyPath      = "/api/gtfs/realtime/buses"
	TripUpdatesDirectURL      = "https://api.transport.nsw.gov.au/v1/gtfs/realtime/buses"

	ProtobufContentType = "application/x-google-protobuf"

	DefaultFeedTimeout = 15 * time.Second
	DefaultFeedMaxSize = 64 << 20
)

// Candidate labels, in plan order.
const (
	CandidateDirectURL     = "direct-url"
	CandidateDevProxy      = "dev-proxy"
	CandidateDirectDefault = "direct-default"
	CandidateAppProxy      = "app-proxy"
)

// Where a feed can be fetched from.
type EndpointConfig struct {
	// Explicit feed URL. Replaces the rest of the plan when set.
	OverrideURL string

	// TfNSW API key, sent as "Authorization: apikey <key>".
	APIKey string

	// Dev mode prefers a local proxy over the direct API.
	Dev bool

	// Base URL of a proxy serving ProxyPath.
	ProxyBaseURL string
	ProxyPath    string

	// The upstream's own URL for the feed.
	DirectURL string
}

// Computes the ordered list of candidates to try for a feed. The plan
// is empty when nothing is configured.
func BuildRequestPlan(cfg EndpointConfig) []downloader.Candidate {
	authHeaders := func() map[string]string {
		headers := map[string]string{"Accept": ProtobufContentType}
		if cfg.APIKey != "" {
			headers["Authorization"] = "apikey " + cfg.APIKey
		}
		return headers
	}

	if cfg.OverrideURL != "" {
		return []downloader.Candidate{{
			Label:   CandidateDirectURL,
			URL:     cfg.OverrideURL,
			Headers: authHeaders(),
		}}
	}

	proxyURL := ""
	if cfg.ProxyBaseURL != "" {
		proxyURL = strings.TrimRight(cfg.ProxyBaseURL, "/") + cfg.ProxyPath
	}

	plan := []downloader.Candidate{}

	if cfg.Dev && proxyURL != "" {
		plan = append(plan, downloader.Candidate{
			Label:   CandidateDevProxy,
			URL:     proxyURL,
			Headers: map[string]string{"Accept": ProtobufContentType},
		})
	}

	if cfg.APIKey != "" && cfg.DirectURL != "" {
		plan = append(plan, downloader.Candidate{
			Label:   CandidateDirectDefault,
			URL:     cfg.DirectURL,
			Headers: authHeaders(),
		})
	}

	// For deployments fronted by their own proxy
	if !cfg.Dev && proxyURL != "" {
		plan = append(plan, downloader.Candidate{
			Label:   CandidateAppProxy,
			URL:     proxyURL,
			Headers: map[string]string{"Accept": ProtobufContentType},
		})
	}

	return plan
}

// Fetches and decodes one GTFS-rt feed, walking the endpoint plan
// until a candidate yields a decodable payload.
type FeedClient[T any] struct {
	Feed       string
	Endpoints  EndpointConfig
	Decode     func([]byte) ([]T, error)
	Downloader downloader.Downloader
	Timeout    time.Duration
	MaxSize    int
	Logger     zerolog.Logger
	Metrics    *metrics.Collector
}

func NewVehiclePositionsClient(endpoints EndpointConfig) *FeedClient[model.VehiclePosition] {
	if endpoints.ProxyPath == "" {
		endpoints.ProxyPath = VehiclePositionsProxyPath
	}
	if endpoints.DirectURL == "" {
		endpoints.DirectURL = VehiclePositionsDirectURL
	}
	return &FeedClient[model.VehiclePosition]{
		Feed:       VehiclePositionsFeed,
		Endpoints:  endpoints,
		Decode:     parse.DecodeVehiclePositions,
		Downloader: downloader.NewHTTPDownloader(),
		Timeout:    DefaultFeedTimeout,
		MaxSize:    DefaultFeedMaxSize,
		Logger:     zerolog.Nop(),
	}
}

func NewTripUpdatesClient(endpoints EndpointConfig) *FeedClient[model.TripUpdate] {
	if endpoints.ProxyPath == "" {
		endpoints.ProxyPath = TripUpdatesProxyPath
	}
	if endpoints.DirectURL == "" {
		endpoints.DirectURL = TripUpdatesDirectURL
	}
	return &FeedClient[model.TripUpdate]{
		Feed:       TripUpdatesFeed,
		Endpoints:  endpoints,
		Decode:     parse.DecodeTripUpdates,
		Downloader: downloader.NewHTTPDownloader(),
		Timeout:    DefaultFeedTimeout,
		MaxSize:    DefaultFeedMaxSize,
		Logger:     zerolog.Nop(),
	}
}

// Fetches the feed. If ctx is cancelled, ctx.Err() is returned and no
// further candidates are attempted.
func (c *FeedClient[T]) Fetch(ctx context.Context) ([]T, error) {
	plan := BuildRequestPlan(c.Endpoints)
	if len(plan) == 0 {
		return nil, fmt.Errorf("no %s feed endpoint configured (set an API key or proxy): %w", c.Feed, downloader.ErrNoCandidates)
	}

	d := c.Downloader
	if d == nil {
		d = downloader.NewHTTPDownloader()
	}

	start := time.Now()
	defer func() {
		c.Metrics.FetchObserve(c.Feed, time.Since(start))
	}()

	var decoded []T
	accept := func(resp *downloader.Response) error {
		items, err := c.Decode(resp.Body)
		if err != nil {
			return fmt.Errorf("decoding: %w", err)
		}
		decoded = items
		return nil
	}

	observe := func(candidate downloader.Candidate, err error) {
		if err != nil {
			c.Logger.Debug().Err(err).Str("feed", c.Feed).Str("candidate", candidate.Label).Msg("feed candidate failed")
			c.Metrics.FetchAttempt(c.Feed, candidate.Label, "failed")
			return
		}
		c.Metrics.FetchAttempt(c.Feed, candidate.Label, "ok")
	}

	_, err := downloader.GetFirst(
		ctx,
		d,
		plan,
		downloader.GetOptions{Timeout: c.Timeout, MaxSize: c.MaxSize},
		accept,
		observe,
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.Logger.Warn().Err(err).Str("feed", c.Feed).Msg("feed unreachable")
		return nil, fmt.Errorf("unable to reach %s feed: %w", c.Feed, err)
	}

	return decoded, nil
}

// True for errors caused by cancellation. These aren't failures and
// shouldn't be reported as such.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// A short, stable message describing err, suitable for end users.
// Empty for nil and cancellation. Upstream 5xx responses collapse into
// a generic message, unless another candidate answered with a client
// error.
func UserMessage(feed string, err error) string {
	if err == nil || IsCancelled(err) {
		return ""
	}

	if serverSide(err) {
		return fmt.Sprintf("%s feed is temporarily unavailable", feed)
	}

	return err.Error()
}

// An exhausted plan is judged on all of its candidates: a 4xx from any
// of them is a real cause worth surfacing, even next to a 5xx.
func serverSide(err error) bool {
	failures := []error{err}
	var exhausted *downloader.ExhaustedError
	if errors.As(err, &exhausted) {
		failures = nil
		for _, f := range exhausted.Failures {
			failures = append(failures, f.Err)
		}
	}

	sawServerError := false
	for _, f := range failures {
		var statusErr *downloader.StatusError
		if !errors.As(f, &statusErr) {
			continue
		}
		if statusErr.StatusCode < http.StatusInternalServerError {
			return false
		}
		sawServerError = true
	}

	return sawServerError
}
