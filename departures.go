package gtfslive

import (
	"sort"
	"time"

	"tidbyt.dev/gtfslive/model"
)

const (
	DefaultDepartureGrace = 60 * time.Second
	DefaultDepartureLimit = 6
)

type DepartureOptions struct {
	// Reference time. Defaults to time.Now().
	Now time.Time

	// Stops this far in the past are still included, so that a
	// stop doesn't vanish the instant the bus reaches it.
	// Defaults to DefaultDepartureGrace.
	Grace time.Duration

	// Max number of departures. Defaults to DefaultDepartureLimit.
	Limit int

	// Allow falling back to departures of any vehicle on the same
	// route.
	RouteFallback bool

	// Optional stop_id to stop_name mapping.
	StopNames map[string]string
}

// Resolves upcoming departures for a vehicle.
//
// Matching is attempted by trip ID, then by vehicle ID and finally
// (if enabled) by route ID. The first tier producing at least one
// departure wins, regardless of how many departures a lower tier
// might have produced.
func ResolveDepartures(
	vehicle *model.VehiclePosition,
	updates []model.TripUpdate,
	opts DepartureOptions,
) model.Departures {
	none := model.Departures{Tier: model.MatchTierNone, Items: []model.Departure{}}

	if vehicle == nil || len(updates) == 0 {
		return none
	}

	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultDepartureGrace
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultDepartureLimit
	}

	if items := matchTrip(vehicle, updates, opts); len(items) > 0 {
		return model.Departures{Tier: model.MatchTierTrip, Items: items}
	}

	if items := matchVehicle(vehicle, updates, opts); len(items) > 0 {
		return model.Departures{Tier: model.MatchTierVehicle, Items: items}
	}

	if opts.RouteFallback {
		if items := matchRoute(vehicle, updates, opts); len(items) > 0 {
			return model.Departures{Tier: model.MatchTierRoute, Items: items}
		}
	}

	return none
}

// Departures of the first trip update with the vehicle's trip ID.
func matchTrip(vehicle *model.VehiclePosition, updates []model.TripUpdate, opts DepartureOptions) []model.Departure {
	if vehicle.TripID == "" {
		return nil
	}

	for i := range updates {
		if updates[i].TripID != vehicle.TripID {
			continue
		}
		items := upcoming(&updates[i], model.MatchTierTrip, opts)
		if len(items) > opts.Limit {
			items = items[:opts.Limit]
		}
		return items
	}

	return nil
}

func matchVehicle(vehicle *model.VehiclePosition, updates []model.TripUpdate, opts DepartureOptions) []model.Departure {
	if vehicle.VehicleID == "" {
		return nil
	}
	return merged(updates, func(tu *model.TripUpdate) bool {
		return tu.VehicleID == vehicle.VehicleID
	}, model.MatchTierVehicle, opts)
}

func matchRoute(vehicle *model.VehiclePosition, updates []model.TripUpdate, opts DepartureOptions) []model.Departure {
	if vehicle.RouteID == "" {
		return nil
	}
	return merged(updates, func(tu *model.TripUpdate) bool {
		return tu.RouteID == vehicle.RouteID
	}, model.MatchTierRoute, opts)
}

// Flattens the departures of all matching trip updates, ordered by
// time with duplicates removed.
func merged(
	updates []model.TripUpdate,
	match func(*model.TripUpdate) bool,
	tier model.MatchTier,
	opts DepartureOptions,
) []model.Departure {
	items := []model.Departure{}
	for i := range updates {
		if !match(&updates[i]) {
			continue
		}
		items = append(items, upcoming(&updates[i], tier, opts)...)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Time.Before(items[j].Time)
	})

	seen := map[string]bool{}
	unique := make([]model.Departure, 0, len(items))
	for _, d := range items {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		unique = append(unique, d)
		if len(unique) == opts.Limit {
			break
		}
	}

	return unique
}

// Departures from the update's stops that aren't too far in the past.
func upcoming(tu *model.TripUpdate, tier model.MatchTier, opts DepartureOptions) []model.Departure {
	cutoff := opts.Now.Add(-opts.Grace)

	items := []model.Departure{}
	for _, stop := range tu.Stops {
		if stop.Time.Before(cutoff) {
			continue
		}
		items = append(items, model.Departure{
			ID:           model.DepartureID(tu.RouteID, tu.TripID, tu.VehicleID, stop.StopID, stop.StopSequence, stop.Time),
			RouteID:      tu.RouteID,
			TripID:       tu.TripID,
			StopID:       stop.StopID,
			StopName:     opts.StopNames[stop.StopID],
			StopSequence: stop.StopSequence,
			Time:         stop.Time,
			VehicleID:    tu.VehicleID,
			VehicleLabel: tu.VehicleLabel,
			MatchTier:    tier,
		})
	}
	return items
}
