package gtfslive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"tidbyt.dev/gtfslive/downloader"
	"tidbyt.dev/gtfslive/metrics"
	"tidbyt.dev/gtfslive/parse"
	"tidbyt.dev/gtfslive/storage"
)

const (
	DefaultStaticTTL     = 6 * time.Hour
	DefaultStaticTimeout = 2 * time.Minute
	DefaultStaticMaxSize = 512 << 20
)

var DefaultStaticURLs = []string{
	"https://api.transport.nsw.gov.au/v1/gtfs/schedule/buses",
	"https://api.transport.nsw.gov.au/v1/gtfs/schedule/sydney-buses",
}

// Process wide stop_id to stop_name table, built from a static GTFS
// download and refreshed when older than TTL.
//
// Concurrent lookups against a cold or expired table share a single
// download. When a reload fails the previous table, if any, keeps
// being served.
type StopIndex struct {
	Endpoints  []string
	APIKey     string
	TTL        time.Duration
	Timeout    time.Duration
	MaxSize    int
	Downloader downloader.Downloader

	// Optional. Receives a snapshot after each successful load, and
	// provides the initial table on first use.
	Store storage.StopNameStore

	Logger  zerolog.Logger
	Metrics *metrics.Collector
	TimeNow func() time.Time

	group singleflight.Group

	mutex       sync.RWMutex
	names       map[string]string
	source      string
	loadedAt    time.Time
	warmed      bool
	retry       backoff.BackOff
	nextAttempt time.Time
}

func NewStopIndex(endpoints []string, apiKey string) *StopIndex {
	return &StopIndex{
		Endpoints:  endpoints,
		APIKey:     apiKey,
		TTL:        DefaultStaticTTL,
		Timeout:    DefaultStaticTimeout,
		MaxSize:    DefaultStaticMaxSize,
		Downloader: downloader.NewHTTPDownloader(),
		Logger:     zerolog.Nop(),
		TimeNow:    time.Now,
	}
}

// Resolves stop IDs against the static table, loading it first if
// necessary. Each (normalized) ID ends up in either Names or Missing.
func (s *StopIndex) Lookup(ctx context.Context, ids []string) (*StopNames, error) {
	ids = NormalizeStopIDs(ids)

	if err := s.ensureFresh(ctx); err != nil {
		return nil, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := &StopNames{
		Names:   map[string]string{},
		Missing: []string{},
	}
	for _, id := range ids {
		if name, found := s.names[id]; found {
			result.Names[id] = name
		} else {
			result.Missing = append(result.Missing, id)
		}
	}

	return result, nil
}

// Satisfies StopNameLookup.
func (s *StopIndex) LookupStopNames(ctx context.Context, ids []string) (*StopNames, error) {
	return s.Lookup(ctx, ids)
}

// Reloads the table regardless of its age. Joins an in-flight reload
// if there is one.
func (s *StopIndex) Reload(ctx context.Context) error {
	return s.reload(ctx, true)
}

// Drops the table. The next lookup triggers a reload.
func (s *StopIndex) Invalidate() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.names = nil
	s.source = ""
	s.loadedAt = time.Time{}
	s.nextAttempt = time.Time{}
	if s.retry != nil {
		s.retry.Reset()
	}
}

// Number of stops in the table, and when it was loaded.
func (s *StopIndex) Status() (int, time.Time) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.names), s.loadedAt
}

func (s *StopIndex) now() time.Time {
	if s.TimeNow != nil {
		return s.TimeNow()
	}
	return time.Now()
}

func (s *StopIndex) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return DefaultStaticTTL
}

func (s *StopIndex) fresh() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.names != nil && s.now().Sub(s.loadedAt) < s.ttl()
}

func (s *StopIndex) ensureFresh(ctx context.Context) error {
	s.warmStart()

	if s.fresh() {
		return nil
	}

	s.mutex.RLock()
	haveTable := s.names != nil
	pacing := s.now().Before(s.nextAttempt)
	s.mutex.RUnlock()

	// Recently failed and there's a stale table to serve meanwhile.
	// Without one every lookup retries.
	if haveTable && pacing {
		return nil
	}

	err := s.reload(ctx, false)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if haveTable {
		s.Logger.Warn().Err(err).Msg("serving stale stop index")
		return nil
	}
	return err
}

// Installs the persisted snapshot, if there is one. Only done once.
func (s *StopIndex) warmStart() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.warmed {
		return
	}
	s.warmed = true

	if s.Store == nil {
		return
	}

	snapshot, err := s.Store.ReadStopNames()
	if err != nil {
		s.Logger.Error().Err(err).Msg("reading stop name snapshot")
		return
	}
	if snapshot == nil || len(snapshot.Names) == 0 {
		return
	}

	s.names = snapshot.Names
	s.source = snapshot.Source
	s.loadedAt = snapshot.LoadedAt
	s.Metrics.IndexReload("snapshot")
	s.Metrics.IndexInstalled(len(s.names), s.loadedAt)
	s.Logger.Info().
		Int("stops", len(s.names)).
		Time("loaded_at", s.loadedAt).
		Str("source", s.source).
		Msg("installed stop name snapshot")
}

func (s *StopIndex) reload(ctx context.Context, force bool) error {
	ch := s.group.DoChan("reload", func() (interface{}, error) {
		// Someone else may have completed a load while this
		// caller was deciding to start one.
		if !force && s.fresh() {
			return nil, nil
		}

		// The load is shared, so it mustn't die with whichever
		// caller happened to start it.
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = DefaultStaticTimeout
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		return nil, s.load(loadCtx)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (s *StopIndex) load(ctx context.Context) error {
	headers := map[string]string{}
	if s.APIKey != "" {
		headers["Authorization"] = "apikey " + s.APIKey
	}

	candidates := []downloader.Candidate{}
	for _, endpoint := range s.Endpoints {
		candidates = append(candidates, downloader.Candidate{
			Label:   endpoint,
			URL:     endpoint,
			Headers: headers,
		})
	}

	d := s.Downloader
	if d == nil {
		d = downloader.NewHTTPDownloader()
	}

	var names map[string]string
	accept := func(resp *downloader.Response) error {
		parsed, err := parse.ParseStopsPayload(resp.Body, resp.ContentType)
		if err != nil {
			return err
		}
		names = parsed
		return nil
	}

	source := ""
	observe := func(candidate downloader.Candidate, err error) {
		if err != nil {
			s.Logger.Debug().Err(err).Str("endpoint", candidate.URL).Msg("static endpoint failed")
			return
		}
		source = candidate.URL
	}

	started := s.now()
	_, err := downloader.GetFirst(ctx, d, candidates, downloader.GetOptions{MaxSize: s.MaxSize}, accept, observe)
	if err != nil {
		s.failed(err)
		return fmt.Errorf("loading static stops: %w", err)
	}

	loadedAt := s.now()

	s.mutex.Lock()
	s.names = names
	s.source = source
	s.loadedAt = loadedAt
	s.nextAttempt = time.Time{}
	if s.retry != nil {
		s.retry.Reset()
	}
	s.mutex.Unlock()

	s.Metrics.IndexReload("ok")
	s.Metrics.IndexInstalled(len(names), loadedAt)
	s.Logger.Info().
		Int("stops", len(names)).
		Str("source", source).
		Dur("took", loadedAt.Sub(started)).
		Msg("loaded static stop index")

	if s.Store != nil {
		err := s.Store.WriteStopNames(&storage.StopNameSnapshot{
			Source:   source,
			LoadedAt: loadedAt,
			Names:    names,
		})
		if err != nil {
			s.Logger.Error().Err(err).Msg("persisting stop name snapshot")
		}
	}

	return nil
}

func (s *StopIndex) failed(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.retry == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 5 * time.Second
		b.MaxInterval = 5 * time.Minute
		b.MaxElapsedTime = 0
		b.Reset()
		s.retry = b
	}

	s.nextAttempt = s.now().Add(s.retry.NextBackOff())

	s.Metrics.IndexReload("failed")
	s.Logger.Error().Err(err).Time("next_attempt", s.nextAttempt).Msg("static stop index reload failed")
}
