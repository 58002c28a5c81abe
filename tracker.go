package gtfslive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"tidbyt.dev/gtfslive/metrics"
	"tidbyt.dev/gtfslive/model"
)

const DefaultRefreshInterval = 20 * time.Second

type VehicleSource interface {
	Fetch(ctx context.Context) ([]model.VehiclePosition, error)
}

type TripUpdateSource interface {
	Fetch(ctx context.Context) ([]model.TripUpdate, error)
}

// Where a feed is in its refresh cycle. Applied, Cancelled and Failed
// are idle states, recording how the most recent cycle ended.
type FeedState int

const (
	FeedIdle FeedState = iota
	FeedFetching
	FeedApplied
	FeedCancelled
	FeedFailed
)

func (s FeedState) String() string {
	switch s {
	case FeedIdle:
		return "idle"
	case FeedFetching:
		return "fetching"
	case FeedApplied:
		return "applied"
	case FeedCancelled:
		return "cancelled"
	case FeedFailed:
		return "failed"
	}
	return fmt.Sprintf("FeedState(%d)", int(s))
}

func (s FeedState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *FeedState) UnmarshalText(text []byte) error {
	for state := FeedIdle; state <= FeedFailed; state++ {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown feed state %q", text)
}

type FeedStatus struct {
	State FeedState `json:"state"`

	// When data was last applied. Zero if never.
	UpdatedAt time.Time `json:"updatedAt"`

	// Entities in the current data.
	Count int `json:"count"`

	// User facing description of the most recent failure. Cleared
	// on success.
	Error string `json:"error,omitempty"`
}

type TrackerSnapshot struct {
	Vehicles    []model.VehiclePosition `json:"vehicles"`
	TripUpdates []model.TripUpdate      `json:"tripUpdates"`
	Status      map[string]FeedStatus   `json:"status"`
	SelectedID  string                  `json:"selectedId,omitempty"`
	TrackedID   string                  `json:"trackedId,omitempty"`
}

// Keeps vehicle positions and trip updates current by periodically
// refreshing both feeds, and tracks which vehicle departures are
// wanted for.
//
// Starting a refresh cancels the one in flight, and results of a
// cancelled refresh are never applied. The two feeds are fetched
// concurrently and applied independently: one failing doesn't affect
// the other, and a failure keeps the previous data.
type Tracker struct {
	Vehicles VehicleSource
	Trips    TripUpdateSource
	Interval time.Duration

	// Optional. Used by DeparturesWithNames.
	StopNames *StopNameCache

	DepartureLimit int
	RouteFallback  bool

	// Optional. Called after each applied feed update, on the refresh
	// goroutine. ctx is cancelled when the cycle is superseded or the
	// tracker stops.
	OnApply func(ctx context.Context, feed string)

	Logger  zerolog.Logger
	Metrics *metrics.Collector
	TimeNow func() time.Time

	mutex      sync.Mutex
	cycle      uint64
	cancel     context.CancelFunc
	vehicles   []model.VehiclePosition
	updates    []model.TripUpdate
	status     map[string]*FeedStatus
	selectedID string
	trackedID  string
}

func NewTracker(vehicles VehicleSource, trips TripUpdateSource) *Tracker {
	return &Tracker{
		Vehicles:       vehicles,
		Trips:          trips,
		Interval:       DefaultRefreshInterval,
		DepartureLimit: DefaultDepartureLimit,
		RouteFallback:  true,
		Logger:         zerolog.Nop(),
		TimeNow:        time.Now,
		status: map[string]*FeedStatus{
			VehiclePositionsFeed: {},
			TripUpdatesFeed:      {},
		},
	}
}

func (t *Tracker) now() time.Time {
	if t.TimeNow != nil {
		return t.TimeNow()
	}
	return time.Now()
}

// Must hold mutex.
func (t *Tracker) feedStatus(feed string) *FeedStatus {
	if t.status == nil {
		t.status = map[string]*FeedStatus{}
	}
	s, found := t.status[feed]
	if !found {
		s = &FeedStatus{}
		t.status[feed] = s
	}
	return s
}

// Refreshes immediately and then on every Interval, until ctx is
// done. Waits for outstanding refreshes before returning.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	var pending conc.WaitGroup
	defer pending.Wait()

	refresh := func() {
		done := t.Refresh(ctx)
		pending.Go(func() { <-done })
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// Starts a refresh cycle, cancelling any cycle in flight. The returned
// channel is closed when both feeds have been applied or discarded.
func (t *Tracker) Refresh(ctx context.Context) <-chan struct{} {
	cycleCtx, cancel := context.WithCancel(ctx)

	t.mutex.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.cycle++
	cycle := t.cycle
	t.cancel = cancel
	vehicleSource, tripSource := t.Vehicles, t.Trips
	t.feedStatus(VehiclePositionsFeed).State = FeedFetching
	t.feedStatus(TripUpdatesFeed).State = FeedFetching
	t.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()

		var wg conc.WaitGroup
		wg.Go(func() {
			vehicles, err := vehicleSource.Fetch(cycleCtx)
			t.applyVehicles(cycleCtx, cycle, vehicles, err)
		})
		wg.Go(func() {
			updates, err := tripSource.Fetch(cycleCtx)
			t.applyTripUpdates(cycleCtx, cycle, updates, err)
		})
		wg.Wait()
	}()

	return done
}

// Decides what to do with a fetch outcome. Returns true if the data
// should be applied. Must hold mutex.
func (t *Tracker) settle(ctx context.Context, cycle uint64, feed string, count int, err error) bool {
	status := t.feedStatus(feed)

	// Superseded or shut down. Either way the result is stale, even
	// if the fetch itself succeeded.
	if ctx.Err() != nil || cycle != t.cycle {
		if cycle == t.cycle {
			status.State = FeedCancelled
		}
		t.Metrics.RefreshCycle(feed, "cancelled")
		return false
	}

	if err != nil {
		status.State = FeedFailed
		status.Error = UserMessage(feed, err)
		t.Metrics.RefreshCycle(feed, "failed")
		t.Logger.Warn().Err(err).Str("feed", feed).Msg("refresh failed, keeping previous data")
		return false
	}

	status.State = FeedApplied
	status.UpdatedAt = t.now()
	status.Count = count
	status.Error = ""
	t.Metrics.RefreshCycle(feed, "applied")
	t.Metrics.Entities(feed, count)
	return true
}

func (t *Tracker) applyVehicles(ctx context.Context, cycle uint64, vehicles []model.VehiclePosition, err error) {
	t.mutex.Lock()
	applied := t.settle(ctx, cycle, VehiclePositionsFeed, len(vehicles), err)
	if applied {
		t.vehicles = vehicles

		// Selection follows the vehicle or goes away. Tracking
		// stays, and resumes if the vehicle comes back.
		if t.selectedID != "" && t.findVehicle(t.selectedID) == nil {
			t.selectedID = ""
		}
	}
	t.mutex.Unlock()

	if applied && t.OnApply != nil {
		t.OnApply(ctx, VehiclePositionsFeed)
	}
}

func (t *Tracker) applyTripUpdates(ctx context.Context, cycle uint64, updates []model.TripUpdate, err error) {
	t.mutex.Lock()
	applied := t.settle(ctx, cycle, TripUpdatesFeed, len(updates), err)
	if applied {
		t.updates = updates
	}
	t.mutex.Unlock()

	if applied && t.OnApply != nil {
		t.OnApply(ctx, TripUpdatesFeed)
	}
}

// Must hold mutex.
func (t *Tracker) findVehicle(id string) *model.VehiclePosition {
	if id == "" {
		return nil
	}
	for i := range t.vehicles {
		if t.vehicles[i].ID == id {
			v := t.vehicles[i]
			return &v
		}
	}
	return nil
}

// Selects a vehicle by entity ID. With track set, the vehicle is also
// tracked. An empty id clears the selection.
func (t *Tracker) Select(id string, track bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.selectedID = id
	if track {
		t.trackedID = id
	}
}

func (t *Tracker) StopTracking() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.trackedID = ""
}

// The vehicle departures are wanted for: the selected vehicle if
// there is one, else the tracked vehicle if it's currently present.
func (t *Tracker) Target() *model.VehiclePosition {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.target()
}

// Must hold mutex.
func (t *Tracker) target() *model.VehiclePosition {
	if v := t.findVehicle(t.selectedID); v != nil {
		return v
	}
	return t.findVehicle(t.trackedID)
}

func (t *Tracker) Vehicle(id string) *model.VehiclePosition {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.findVehicle(id)
}

func (t *Tracker) TrackingStatus() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.trackedID == "" {
		return "Tracking: off"
	}

	v := t.findVehicle(t.trackedID)
	if v == nil {
		return "Tracking paused (vehicle unavailable)"
	}

	route := v.RouteID
	if route == "" {
		route = "Unknown"
	}
	label := v.VehicleLabel
	if label == "" {
		label = v.VehicleID
	}
	if label == "" {
		label = "N/A"
	}
	return fmt.Sprintf("Tracking route %s (%s)", route, label)
}

func (t *Tracker) Snapshot() TrackerSnapshot {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	status := map[string]FeedStatus{}
	for feed, s := range t.status {
		status[feed] = *s
	}

	return TrackerSnapshot{
		Vehicles:    append([]model.VehiclePosition{}, t.vehicles...),
		TripUpdates: append([]model.TripUpdate{}, t.updates...),
		Status:      status,
		SelectedID:  t.selectedID,
		TrackedID:   t.trackedID,
	}
}

// Resolves departures for the target vehicle.
func (t *Tracker) Departures(now time.Time) model.Departures {
	t.mutex.Lock()
	vehicle := t.target()
	updates := t.updates
	t.mutex.Unlock()

	return ResolveDepartures(vehicle, updates, DepartureOptions{
		Now:           now,
		Limit:         t.DepartureLimit,
		RouteFallback: t.RouteFallback,
	})
}

// Like Departures, but with stop names filled in from StopNames.
// Departures are returned even if stop names can't be resolved.
func (t *Tracker) DeparturesWithNames(ctx context.Context, now time.Time) (model.Departures, error) {
	departures := t.Departures(now)
	if t.StopNames == nil || len(departures.Items) == 0 {
		return departures, nil
	}

	names, err := t.StopNames.Resolve(ctx, departures.StopIDs())
	for i := range departures.Items {
		departures.Items[i].StopName = names[departures.Items[i].StopID]
	}

	return departures, err
}
