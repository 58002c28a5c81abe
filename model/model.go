package model

import (
	"strconv"
	"strings"
	"time"
)

// Holds all external facing types and constants.

type StopTimeScheduleRelationship int

const (
	StopTimeScheduled StopTimeScheduleRelationship = iota
	StopTimeSkipped
	StopTimeNoData
	StopTimeUnscheduled
)

// A vehicle position as reported by the realtime feed.
//
// Timestamp is zero when the feed didn't provide one. SpeedKmh is
// nil when speed was absent (as opposed to reported as 0).
type VehiclePosition struct {
	ID           string    `json:"id"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	Bearing      float64   `json:"bearing"`
	RouteID      string    `json:"routeId"`
	TripID       string    `json:"tripId"`
	VehicleID    string    `json:"vehicleId"`
	VehicleLabel string    `json:"vehicleLabel"`
	StopID       string    `json:"stopId"`
	SpeedKmh     *int      `json:"speedKmh"`
	Timestamp    time.Time `json:"timestamp"`
}

// A realtime prediction for a single stop along a trip. Time is the
// departure time if present, else the arrival time.
type StopTimeEvent struct {
	StopID               string                        `json:"stopId"`
	StopSequence         *uint32                       `json:"stopSequence,omitempty"`
	Time                 time.Time                     `json:"eventTime"`
	ScheduleRelationship *StopTimeScheduleRelationship `json:"scheduleRelationship,omitempty"`
}

// A trip update. Stops is never empty and is sorted by Time.
type TripUpdate struct {
	ID           string          `json:"id"`
	RouteID      string          `json:"routeId"`
	TripID       string          `json:"tripId"`
	VehicleID    string          `json:"vehicleId"`
	VehicleLabel string          `json:"vehicleLabel"`
	Timestamp    time.Time       `json:"timestamp"`
	Stops        []StopTimeEvent `json:"stops"`
}

// Which matching strategy produced a set of departures.
type MatchTier string

const (
	MatchTierTrip    MatchTier = "trip"
	MatchTierVehicle MatchTier = "vehicle"
	MatchTierRoute   MatchTier = "route"
	MatchTierNone    MatchTier = "none"
)

// A vehicle departing from (or arriving at) a stop.
type Departure struct {
	ID           string    `json:"id"`
	RouteID      string    `json:"routeId"`
	TripID       string    `json:"tripId"`
	StopID       string    `json:"stopId"`
	StopName     string    `json:"stopName,omitempty"`
	StopSequence *uint32   `json:"stopSequence,omitempty"`
	Time         time.Time `json:"eventTime"`
	VehicleID    string    `json:"vehicleId"`
	VehicleLabel string    `json:"vehicleLabel"`
	MatchTier    MatchTier `json:"matchType"`
}

// Departures resolved for a vehicle, along with the tier that
// produced them.
type Departures struct {
	Tier  MatchTier   `json:"basis"`
	Items []Departure `json:"items"`
}

// Distinct, non-blank stop IDs in order of first appearance.
func (d Departures) StopIDs() []string {
	seen := map[string]bool{}
	ids := []string{}
	for _, dep := range d.Items {
		if dep.StopID == "" || seen[dep.StopID] {
			continue
		}
		seen[dep.StopID] = true
		ids = append(ids, dep.StopID)
	}
	return ids
}

// Composite key of a departure. Two departures with the same route,
// trip, vehicle, stop, stop sequence and time are the same departure,
// regardless of which trip update they were read from.
func DepartureID(routeID, tripID, vehicleID, stopID string, stopSequence *uint32, t time.Time) string {
	seq := "_"
	if stopSequence != nil {
		seq = strconv.FormatUint(uint64(*stopSequence), 10)
	}
	return strings.Join([]string{
		orBlank(routeID),
		orBlank(tripID),
		orBlank(vehicleID),
		orBlank(stopID),
		seq,
		strconv.FormatInt(t.UnixMilli(), 10),
	}, ":")
}

func orBlank(s string) string {
	if s == "" {
		return "_"
	}
	return s
}
