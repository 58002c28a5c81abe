package parse

import (
	"fmt"
	"math"
	"sort"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"

	"tidbyt.dev/gtfslive/model"
)

// Geographic area vehicle positions must fall within. Positions
// outside are discarded at decode time.
type Bounds struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Greater Sydney, roughly.
var DefaultBounds = Bounds{
	MinLat: -34.2,
	MaxLat: -33.3,
	MinLon: 150.5,
	MaxLon: 151.5,
}

func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Required fields (header, entity id, trip descriptor) are frequently
// omitted by producers. Their absence is not a reason to reject an
// otherwise readable feed.
var unmarshalOptions = proto.UnmarshalOptions{AllowPartial: true}

func unmarshalFeed(buf []byte) (*gtfsproto.FeedMessage, error) {
	f := &gtfsproto.FeedMessage{}
	err := unmarshalOptions.Unmarshal(buf, f)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling protobuf: %w", err)
	}
	return f, nil
}

// Decodes the vehicle positions in a GTFS-rt FeedMessage, keeping
// those within DefaultBounds.
func DecodeVehiclePositions(buf []byte) ([]model.VehiclePosition, error) {
	return DecodeVehiclePositionsWithin(buf, DefaultBounds)
}

// Decodes the vehicle positions in a GTFS-rt FeedMessage.
//
// Entities without a position, with non-finite coordinates or with
// coordinates outside bounds are dropped. Errors are only returned
// for payloads the protobuf decoder rejects.
func DecodeVehiclePositionsWithin(buf []byte, bounds Bounds) ([]model.VehiclePosition, error) {
	f, err := unmarshalFeed(buf)
	if err != nil {
		return nil, err
	}

	vehicles := []model.VehiclePosition{}
	for _, entity := range f.GetEntity() {
		vp := entity.GetVehicle()
		position := vp.GetPosition()
		if vp == nil || position == nil {
			continue
		}

		if position.Latitude == nil || position.Longitude == nil {
			continue
		}
		lat := float64(position.GetLatitude())
		lon := float64(position.GetLongitude())
		if !finite(lat) || !finite(lon) {
			continue
		}
		if !bounds.Contains(lat, lon) {
			continue
		}

		v := model.VehiclePosition{
			ID:           entity.GetId(),
			Lat:          lat,
			Lon:          lon,
			Bearing:      float64(position.GetBearing()),
			RouteID:      vp.GetTrip().GetRouteId(),
			TripID:       vp.GetTrip().GetTripId(),
			VehicleID:    vp.GetVehicle().GetId(),
			VehicleLabel: vp.GetVehicle().GetLabel(),
			StopID:       vp.GetStopId(),
		}

		if position.Speed != nil {
			speed := float64(position.GetSpeed())
			if finite(speed) {
				// m/s -> km/h
				kmh := int(math.Round(speed * 3.6))
				v.SpeedKmh = &kmh
			}
		}

		if vp.Timestamp != nil {
			v.Timestamp = time.Unix(int64(vp.GetTimestamp()), 0).UTC()
		}

		vehicles = append(vehicles, v)
	}

	return vehicles, nil
}

// Decodes the trip updates in a GTFS-rt FeedMessage.
//
// Each stop time update gets its event time from the departure if
// present, else from the arrival. Updates lacking both are
// dropped. Stops are sorted by event time, and trip updates left
// without stops are dropped altogether.
func DecodeTripUpdates(buf []byte) ([]model.TripUpdate, error) {
	f, err := unmarshalFeed(buf)
	if err != nil {
		return nil, err
	}

	updates := []model.TripUpdate{}
	for _, entity := range f.GetEntity() {
		tu := entity.GetTripUpdate()
		if tu == nil {
			continue
		}

		stops := make([]model.StopTimeEvent, 0, len(tu.GetStopTimeUpdate()))
		for _, stu := range tu.GetStopTimeUpdate() {
			event, ok := decodeStopTimeUpdate(stu)
			if !ok {
				continue
			}
			stops = append(stops, event)
		}
		if len(stops) == 0 {
			continue
		}

		sort.SliceStable(stops, func(i, j int) bool {
			return stops[i].Time.Before(stops[j].Time)
		})

		update := model.TripUpdate{
			ID:           entity.GetId(),
			RouteID:      tu.GetTrip().GetRouteId(),
			TripID:       tu.GetTrip().GetTripId(),
			VehicleID:    tu.GetVehicle().GetId(),
			VehicleLabel: tu.GetVehicle().GetLabel(),
			Stops:        stops,
		}
		if tu.Timestamp != nil {
			update.Timestamp = time.Unix(int64(tu.GetTimestamp()), 0).UTC()
		}

		updates = append(updates, update)
	}

	return updates, nil
}

func decodeStopTimeUpdate(stu *gtfsproto.TripUpdate_StopTimeUpdate) (model.StopTimeEvent, bool) {
	var eventUnix int64
	switch {
	case stu.GetDeparture() != nil && stu.GetDeparture().Time != nil:
		eventUnix = stu.GetDeparture().GetTime()
	case stu.GetArrival() != nil && stu.GetArrival().Time != nil:
		eventUnix = stu.GetArrival().GetTime()
	default:
		return model.StopTimeEvent{}, false
	}

	event := model.StopTimeEvent{
		StopID: stu.GetStopId(),
		Time:   time.Unix(eventUnix, 0).UTC(),
	}

	if stu.StopSequence != nil {
		seq := stu.GetStopSequence()
		event.StopSequence = &seq
	}

	if stu.ScheduleRelationship != nil {
		var sr model.StopTimeScheduleRelationship
		switch stu.GetScheduleRelationship() {
		case gtfsproto.TripUpdate_StopTimeUpdate_SCHEDULED:
			sr = model.StopTimeScheduled
		case gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED:
			sr = model.StopTimeSkipped
		case gtfsproto.TripUpdate_StopTimeUpdate_NO_DATA:
			sr = model.StopTimeNoData
		case gtfsproto.TripUpdate_StopTimeUpdate_UNSCHEDULED:
			sr = model.StopTimeUnscheduled
		}
		event.ScheduleRelationship = &sr
	}

	return event, true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
