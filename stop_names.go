package gtfslive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tidbyt.dev/gtfslive/downloader"
	"tidbyt.dev/gtfslive/metrics"
)

const (
	StopNamesPath            = "/api/stop-names"
	DefaultStopNameBatchSize = 250
)

// Result of a stop name lookup. Every requested ID is in exactly one
// of Names and Missing.
type StopNames struct {
	Names   map[string]string `json:"stopNamesById"`
	Missing []string          `json:"missingIds"`
}

// Anything capable of resolving stop IDs to names.
type StopNameLookup interface {
	LookupStopNames(ctx context.Context, ids []string) (*StopNames, error)
}

// Trims IDs, dropping blanks and duplicates. Order is preserved.
func NormalizeStopIDs(ids []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Caches stop names from a StopNameLookup. IDs the lookup reports as
// missing are remembered and never requested again.
type StopNameCache struct {
	Lookup StopNameLookup

	// Max IDs per lookup request.
	BatchSize int

	// Pause between consecutive lookup requests.
	BatchDelay time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Collector

	mutex   sync.Mutex
	names   map[string]string
	missing map[string]bool
}

func NewStopNameCache(lookup StopNameLookup) *StopNameCache {
	return &StopNameCache{
		Lookup:    lookup,
		BatchSize: DefaultStopNameBatchSize,
		Logger:    zerolog.Nop(),
		names:     map[string]string{},
		missing:   map[string]bool{},
	}
}

// Resolves stop IDs to names. IDs that can't be resolved are absent
// from the returned map.
//
// Unknown IDs are looked up in sequential batches. If a batch fails,
// names resolved so far are returned along with the error.
func (c *StopNameCache) Resolve(ctx context.Context, ids []string) (map[string]string, error) {
	ids = NormalizeStopIDs(ids)

	unknown := c.unknown(ids)
	c.Metrics.LookupResult("hit", len(ids)-len(unknown))

	batchSize := c.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultStopNameBatchSize
	}

	var err error
	for start := 0; start < len(unknown); start += batchSize {
		if start > 0 && c.BatchDelay > 0 {
			timer := time.NewTimer(c.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		if err = ctx.Err(); err != nil {
			break
		}

		end := start + batchSize
		if end > len(unknown) {
			end = len(unknown)
		}

		err = c.lookupBatch(ctx, unknown[start:end])
		if err != nil {
			if !IsCancelled(err) {
				c.Logger.Warn().Err(err).Int("ids", end-start).Msg("stop name lookup failed")
			}
			break
		}
	}

	return c.cached(ids), err
}

// Forgets all cached names, positive and negative.
func (c *StopNameCache) Invalidate() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.names = map[string]string{}
	c.missing = map[string]bool{}
}

func (c *StopNameCache) unknown(ids []string) []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.init()

	unknown := []string{}
	for _, id := range ids {
		if _, found := c.names[id]; found {
			continue
		}
		if c.missing[id] {
			continue
		}
		unknown = append(unknown, id)
	}
	return unknown
}

func (c *StopNameCache) lookupBatch(ctx context.Context, ids []string) error {
	c.Metrics.Lookup()

	result, err := c.Lookup.LookupStopNames(ctx, ids)
	if err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.init()

	resolved := 0
	for id, name := range result.Names {
		id = strings.TrimSpace(id)
		name = strings.TrimSpace(name)
		if id == "" || name == "" {
			continue
		}
		delete(c.missing, id)
		c.names[id] = name
		resolved++
	}

	missing := 0
	for _, id := range result.Missing {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, found := c.names[id]; found {
			continue
		}
		c.missing[id] = true
		missing++
	}

	c.Metrics.LookupResult("resolved", resolved)
	c.Metrics.LookupResult("missing", missing)

	return nil
}

func (c *StopNameCache) cached(ids []string) map[string]string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.init()

	result := map[string]string{}
	for _, id := range ids {
		if name, found := c.names[id]; found {
			result[id] = name
		}
	}
	return result
}

// Supports use of a zero value StopNameCache.
func (c *StopNameCache) init() {
	if c.names == nil {
		c.names = map[string]string{}
	}
	if c.missing == nil {
		c.missing = map[string]bool{}
	}
}

// Looks up stop names from a remote lookup service.
type StopNamesClient struct {
	BaseURL    string
	Downloader downloader.Downloader
	Timeout    time.Duration
}

func NewStopNamesClient(baseURL string) *StopNamesClient {
	return &StopNamesClient{
		BaseURL:    baseURL,
		Downloader: downloader.NewHTTPDownloader(),
		Timeout:    30 * time.Second,
	}
}

func (c *StopNamesClient) LookupStopNames(ctx context.Context, ids []string) (*StopNames, error) {
	u := strings.TrimRight(c.BaseURL, "/") + StopNamesPath + "?ids=" + url.QueryEscape(strings.Join(ids, ","))

	d := c.Downloader
	if d == nil {
		d = downloader.NewHTTPDownloader()
	}

	resp, err := d.Get(ctx, u, map[string]string{"Accept": "application/json"}, downloader.GetOptions{
		Timeout: c.Timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("looking up stop names: %w", err)
	}

	result := &StopNames{}
	if err := json.Unmarshal(resp.Body, result); err != nil {
		return nil, fmt.Errorf("decoding stop names: %w", err)
	}
	if result.Names == nil {
		result.Names = map[string]string{}
	}

	return result, nil
}
