package gtfslive

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/gtfslive/model"
)

var departuresNow = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func seq(n uint32) *uint32 {
	return &n
}

func stopAt(stopID string, sequence uint32, offset time.Duration) model.StopTimeEvent {
	return model.StopTimeEvent{
		StopID:       stopID,
		StopSequence: seq(sequence),
		Time:         departuresNow.Add(offset),
	}
}

func departureStops(d model.Departures) []string {
	stops := []string{}
	for _, item := range d.Items {
		stops = append(stops, item.StopID)
	}
	return stops
}

func TestResolveDeparturesTripMatch(t *testing.T) {
	vehicle := &model.VehiclePosition{TripID: "T1", VehicleID: "V1", RouteID: "R1"}
	updates := []model.TripUpdate{
		{
			TripID:    "T1",
			RouteID:   "R1",
			VehicleID: "V1",
			Stops: []model.StopTimeEvent{
				stopAt("S1", 1, 2*time.Minute),
				stopAt("S2", 2, 5*time.Minute),
			},
		},
	}

	d := ResolveDepartures(vehicle, updates, DepartureOptions{Now: departuresNow, Limit: 6})

	assert.Equal(t, model.MatchTierTrip, d.Tier)
	require.Equal(t, 2, len(d.Items))

	assert.Equal(t, "S1", d.Items[0].StopID)
	assert.Equal(t, departuresNow.Add(2*time.Minute), d.Items[0].Time)
	assert.Equal(t, "R1:T1:V1:S1:1:"+itoa(departuresNow.Add(2*time.Minute).UnixMilli()), d.Items[0].ID)
	assert.Equal(t, model.MatchTierTrip, d.Items[0].MatchTier)

	assert.Equal(t, "S2", d.Items[1].StopID)
	assert.Equal(t, departuresNow.Add(5*time.Minute), d.Items[1].Time)
}

func TestResolveDeparturesVehicleMatch(t *testing.T) {
	vehicle := &model.VehiclePosition{TripID: "T1", VehicleID: "V1", RouteID: "R1"}
	updates := []model.TripUpdate{
		{
			TripID:    "T2",
			RouteID:   "R1",
			VehicleID: "V1",
			Stops:     []model.StopTimeEvent{stopAt("S9", 9, 3*time.Minute)},
		},
	}

	d := ResolveDepartures(vehicle, updates, DepartureOptions{Now: departuresNow, Limit: 6})
	assert.Equal(t, model.MatchTierVehicle, d.Tier)
	assert.Equal(t, []string{"S9"}, departureStops(d))
}

func TestResolveDeparturesTierPrecedence(t *testing.T) {
	vehicle := &model.VehiclePosition{TripID: "T1", VehicleID: "V1", RouteID: "R1"}
	updates := []model.TripUpdate{
		// Plenty of vehicle and route matches...
		{
			TripID:    "T0",
			RouteID:   "R1",
			VehicleID: "V1",
			Stops: []model.StopTimeEvent{
				stopAt("A", 1, time.Minute),
				stopAt("B", 2, 2*time.Minute),
				stopAt("C", 3, 3*time.Minute),
			},
		},
		// ...but a single trip match takes precedence.
		{
			TripID:    "T1",
			RouteID:   "R1",
			VehicleID: "V1",
			Stops:     []model.StopTimeEvent{stopAt("X", 7, 10*time.Minute)},
		},
	}

	d := ResolveDepartures(vehicle, updates, DepartureOptions{Now: departuresNow, RouteFallback: true})
	assert.Equal(t, model.MatchTierTrip, d.Tier)
	assert.Equal(t, []string{"X"}, departureStops(d))
}

func TestResolveDeparturesTripMatchExhausted(t *testing.T) {
	// The trip's only stop is long gone, so vehicle match kicks in
	vehicle := &model.VehiclePosition{TripID: "T1", VehicleID: "V1"}
	updates := []model.TripUpdate{
		{
			TripID:    "T1",
			VehicleID: "V1",
			Stops:     []model.StopTimeEvent{stopAt("old", 1, -10*time.Minute)},
		},
		{
			TripID:    "T2",
			VehicleID: "V1",
			Stops:     []model.StopTimeEvent{stopAt("next", 1, 10*time.Minute)},
		},
	}

	d := ResolveDepartures(vehicle, updates, DepartureOptions{Now: departuresNow})
	assert.Equal(t, model.MatchTierVehicle, d.Tier)
	assert.Equal(t, []string{"next"}, departureStops(d))
}

func TestResolveDeparturesGrace(t *testing.T) {
	vehicle := &model.VehiclePosition{TripID: "T1"}
	updates := []model.TripUpdate{
		{
			TripID: "T1",
			Stops: []model.StopTimeEvent{
				stopAt("gone", 1, -90*time.Second),
				stopAt("edge", 2, -60*time.Second),
				stopAt("just_passed", 3, -30*time.Second),
				stopAt("upcoming", 4, time.Minute),
			},
		},
	}

	d := ResolveDepartures(vehicle, updates, DepartureOptions{Now: departuresNow})
	assert.Equal(t, []string{"edge", "just_passed", "upcoming"}, departureStops(d))

	// Custom grace
	d = ResolveDepartures(vehicle, updates, DepartureOptions{Now: departuresNow, Grace: 10 * time.Second})
	assert.Equal(t, []string{"upcoming"}, departureStops(d))
}

func TestResolveDeparturesLimit(t *testing.T) {
	stops := []model.StopTimeEvent{}
	for i := 0; i < 10; i++ {
		stops = append(stops, stopAt(itoa(int64(i)), uint32(i), time.Duration(i)*time.Minute))
	}
	vehicle := &model.VehiclePosition{TripID: "T1", VehicleID: "V1"}

	d := ResolveDepartures(vehicle, []model.TripUpdate{{TripID: "T1", Stops: stops}}, DepartureOptions{Now: departuresNow})
	assert.Equal(t, DefaultDepartureLimit, len(d.Items))

	d = ResolveDepartures(vehicle, []model.TripUpdate{{TripID: "T1", Stops: stops}}, DepartureOptions{Now: departuresNow, Limit: 3})
	assert.Equal(t, []string{"0", "1", "2"}, departureStops(d))

	d = ResolveDepartures(vehicle, []model.TripUpdate{{TripID: "T9", VehicleID: "V1", Stops: stops}}, DepartureOptions{Now: departuresNow, Limit: 2})
	assert.Equal(t, model.MatchTierVehicle, d.Tier)
	assert.Equal(t, []string{"0", "1"}, departureStops(d))
}

func TestResolveDeparturesVehicleMergeAndDedupe(t *testing.T) {
	vehicle := &model.VehiclePosition{VehicleID: "V1"}

	// Feed transition: the same trip appears twice, overlapping.
	updates := []model.TripUpdate{
		{
			ID:        "a",
			TripID:    "T1",
			VehicleID: "V1",
			Stops: []model.StopTimeEvent{
				stopAt("S2", 2, 4*time.Minute),
				stopAt("S3", 3, 6*time.Minute),
			},
		},
		{
			ID:        "b",
			TripID:    "T1",
			VehicleID: "V1",
			Stops: []model.StopTimeEvent{
				stopAt("S1", 1, 2*time.Minute),
				stopAt("S2", 2, 4*time.Minute),
			},
		},
		// Another vehicle
		{
			TripID:    "T7",
			VehicleID: "V7",
			Stops:     []model.StopTimeEvent{stopAt("S0", 1, time.Minute)},
		},
	}

	d := ResolveDepartures(vehicle, updates, DepartureOptions{Now: departuresNow})
	assert.Equal(t, model.MatchTierVehicle, d.Tier)
	assert.Equal(t, []string{"S1", "S2", "S3"}, departureStops(d))
}

func TestResolveDeparturesRouteFallback(t *testing.T) {
	vehicle := &model.VehiclePosition{TripID: "T1", VehicleID: "V1", RouteID: "333"}
	updates := []model.TripUpdate{
		{
			TripID:    "T5",
			RouteID:   "333",
			VehicleID: "V5",
			Stops:     []model.StopTimeEvent{stopAt("S5", 1, 5*time.Minute)},
		},
		{
			TripID:    "T4",
			RouteID:   "333",
			VehicleID: "V4",
			Stops:     []model.StopTimeEvent{stopAt("S4", 1, 4*time.Minute)},
		},
		{
			TripID:    "T8",
			RouteID:   "380",
			VehicleID: "V8",
			Stops:     []model.StopTimeEvent{stopAt("S8", 1, time.Minute)},
		},
	}

	// Off by default
	d := ResolveDepartures(vehicle, updates, DepartureOptions{Now: departuresNow})
	assert.Equal(t, model.MatchTierNone, d.Tier)
	assert.Equal(t, 0, len(d.Items))

	d = ResolveDepartures(vehicle, updates, DepartureOptions{Now: departuresNow, RouteFallback: true})
	assert.Equal(t, model.MatchTierRoute, d.Tier)
	assert.Equal(t, []string{"S4", "S5"}, departureStops(d))
	assert.Equal(t, "V4", d.Items[0].VehicleID)
	assert.Equal(t, model.MatchTierRoute, d.Items[0].MatchTier)
}

func TestResolveDeparturesNoMatch(t *testing.T) {
	updates := []model.TripUpdate{
		{TripID: "T1", VehicleID: "V1", RouteID: "R1", Stops: []model.StopTimeEvent{stopAt("S", 1, time.Minute)}},
	}

	for _, tc := range []struct {
		name    string
		vehicle *model.VehiclePosition
		updates []model.TripUpdate
	}{
		{"no_vehicle", nil, updates},
		{"no_updates", &model.VehiclePosition{TripID: "T1"}, nil},
		{"no_identifiers", &model.VehiclePosition{}, updates},
		{"unrelated", &model.VehiclePosition{TripID: "T2", VehicleID: "V2", RouteID: "R2"}, updates},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := ResolveDepartures(tc.vehicle, tc.updates, DepartureOptions{Now: departuresNow, RouteFallback: true})
			assert.Equal(t, model.MatchTierNone, d.Tier)
			assert.NotNil(t, d.Items)
			assert.Equal(t, 0, len(d.Items))
		})
	}
}

func TestResolveDeparturesStopNames(t *testing.T) {
	vehicle := &model.VehiclePosition{TripID: "T1"}
	updates := []model.TripUpdate{
		{
			TripID: "T1",
			Stops: []model.StopTimeEvent{
				stopAt("S1", 1, time.Minute),
				stopAt("S2", 2, 2*time.Minute),
				{StopID: "", Time: departuresNow.Add(3 * time.Minute)},
			},
		},
	}

	d := ResolveDepartures(vehicle, updates, DepartureOptions{
		Now:       departuresNow,
		StopNames: map[string]string{"S1": "Central Station"},
	})
	require.Equal(t, 3, len(d.Items))
	assert.Equal(t, "Central Station", d.Items[0].StopName)
	assert.Equal(t, "", d.Items[1].StopName)
	assert.Equal(t, "_:T1:_:_:_:"+itoa(departuresNow.Add(3*time.Minute).UnixMilli()), d.Items[2].ID)

	assert.Equal(t, []string{"S1", "S2"}, d.StopIDs())
}
