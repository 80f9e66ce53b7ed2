// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package feed

import (
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
)

const headerTS = uint64(1_700_000_000)

func stopTimeUpdate(stopID string, arrival int64, delay int32) *gtfs.TripUpdate_StopTimeUpdate {
	return &gtfs.TripUpdate_StopTimeUpdate{
		StopId: proto.String(stopID),
		Arrival: &gtfs.TripUpdate_StopTimeEvent{
			Time:  proto.Int64(arrival),
			Delay: proto.Int32(delay),
		},
		Departure: &gtfs.TripUpdate_StopTimeEvent{
			Time: proto.Int64(arrival + 30),
		},
	}
}

func tripEntity(id, tripID, routeID string, stus ...*gtfs.TripUpdate_StopTimeUpdate) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{
		Id: proto.String(id),
		TripUpdate: &gtfs.TripUpdate{
			Trip: &gtfs.TripDescriptor{
				TripId:      proto.String(tripID),
				RouteId:     proto.String(routeID),
				DirectionId: proto.Uint32(1),
			},
			StopTimeUpdate: stus,
		},
	}
}

func envelope(entities ...*gtfs.FeedEntity) []byte {
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(headerTS),
		},
		Entity: entities,
	}
	payload, err := proto.Marshal(msg)
	if err != nil {
		panic(err)
	}
	return payload
}

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder(nil, nil)
	require.NoError(t, err)
	return d
}

func TestDecodeNominal(t *testing.T) {
	base := int64(headerTS)
	payload := envelope(
		tripEntity("1", "trip-a", "6",
			stopTimeUpdate("601N", base+60, 30),
			stopTimeUpdate("602N", base+180, 30),
			stopTimeUpdate("603N", base+300, 30),
			stopTimeUpdate("604N", base+420, 30)),
		tripEntity("2", "trip-b", "6",
			stopTimeUpdate("601N", base+240, 0),
			stopTimeUpdate("602N", base+360, 0),
			stopTimeUpdate("603N", base+480, 0),
			stopTimeUpdate("604N", base+600, 0)),
		tripEntity("3", "trip-c", "6",
			stopTimeUpdate("605N", base+60, -15),
			stopTimeUpdate("606N", base+180, -15),
			stopTimeUpdate("607N", base+300, -15),
			stopTimeUpdate("608N", base+420, -15)),
	)

	d := newTestDecoder(t)
	res, err := d.Decode("main", payload)
	require.NoError(t, err)

	assert.Equal(t, 3, res.EntitiesSeen)
	assert.Equal(t, 0, res.EntitiesSkipped)
	assert.Len(t, res.TripUpdates, 12)
	assert.False(t, res.Partial())
	assert.Equal(t, time.Unix(int64(headerTS), 0).UTC(), res.HeaderTimestamp)

	for _, tu := range res.TripUpdates {
		assert.Equal(t, "6", tu.RouteID)
		assert.Equal(t, "6", tu.Line)
		assert.Equal(t, 1, tu.Direction) // northbound platforms
		assert.Equal(t, res.HeaderTimestamp, tu.ObservedAt)
		require.NotNil(t, tu.ArrivalTime)
		require.NotNil(t, tu.DelaySeconds)
	}
}

func TestDecodeReplayIsIdempotent(t *testing.T) {
	payload := envelope(tripEntity("1", "trip-a", "6",
		stopTimeUpdate("601N", int64(headerTS)+60, 0)))

	d := newTestDecoder(t)
	first, err := d.Decode("main", payload)
	require.NoError(t, err)
	assert.Len(t, first.TripUpdates, 1)

	second, err := d.Decode("main", payload)
	require.NoError(t, err)
	assert.Empty(t, second.TripUpdates, "replaying the same snapshot must emit nothing")
}

func TestDecodeLaterRecordWinsWithinTick(t *testing.T) {
	base := int64(headerTS)
	payload := envelope(
		tripEntity("1", "trip-a", "6", stopTimeUpdate("601N", base+60, 10)),
		tripEntity("2", "trip-a", "6", stopTimeUpdate("601N", base+90, 20)),
	)

	d := newTestDecoder(t)
	res, err := d.Decode("main", payload)
	require.NoError(t, err)
	require.Len(t, res.TripUpdates, 1)
	assert.Equal(t, 20, *res.TripUpdates[0].DelaySeconds)
}

func TestDecodePartial(t *testing.T) {
	good := tripEntity("1", "trip-a", "6", stopTimeUpdate("601N", int64(headerTS)+60, 0))
	bad := &gtfs.FeedEntity{
		Id: proto.String("2"),
		TripUpdate: &gtfs.TripUpdate{
			Trip: &gtfs.TripDescriptor{TripId: proto.String("")},
		},
	}

	d := newTestDecoder(t)
	res, err := d.Decode("main", envelope(good, bad))
	require.NoError(t, err)
	assert.True(t, res.Partial())
	assert.Equal(t, 2, res.EntitiesSeen)
	assert.Equal(t, 1, res.EntitiesSkipped)
	assert.Len(t, res.TripUpdates, 1)
}

func TestDecodeHeaderErrors(t *testing.T) {
	d := newTestDecoder(t)

	_, err := d.Decode("main", []byte("not a protobuf, definitely"))
	assert.ErrorIs(t, err, ErrDecode)

	// No timestamp.
	msg := &gtfs.FeedMessage{Header: &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")}}
	payload, _ := proto.Marshal(msg)
	_, err = d.Decode("main", payload)
	assert.ErrorIs(t, err, ErrDecode)

	// Unknown version tag.
	msg = &gtfs.FeedMessage{Header: &gtfs.FeedHeader{
		GtfsRealtimeVersion: proto.String("3.0"),
		Timestamp:           proto.Uint64(headerTS),
	}}
	payload, _ = proto.Marshal(msg)
	_, err = d.Decode("main", payload)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeVehiclePositions(t *testing.T) {
	vehicle := &gtfs.FeedEntity{
		Id: proto.String("v1"),
		Vehicle: &gtfs.VehiclePosition{
			Trip: &gtfs.TripDescriptor{
				TripId:  proto.String("trip-a"),
				RouteId: proto.String("L"),
			},
			Position: &gtfs.Position{
				Latitude:  proto.Float32(40.73),
				Longitude: proto.Float32(-73.99),
			},
			StopId:        proto.String("L03N"),
			CurrentStatus: gtfs.VehiclePosition_STOPPED_AT.Enum(),
			Timestamp:     proto.Uint64(headerTS - 5),
		},
	}

	d := newTestDecoder(t)
	res, err := d.Decode("l", envelope(vehicle))
	require.NoError(t, err)
	require.Len(t, res.Positions, 1)

	pos := res.Positions[0]
	assert.Equal(t, "l", pos.Line)
	assert.Equal(t, transit.StatusAtStop, pos.CurrentStatus)
	assert.Equal(t, time.Unix(int64(headerTS)-5, 0).UTC(), pos.ObservedAt)
	require.NotNil(t, pos.Lat)
	assert.InDelta(t, 40.73, *pos.Lat, 0.001)
}

func TestDecodeCountsAlerts(t *testing.T) {
	alert := &gtfs.FeedEntity{
		Id:    proto.String("a1"),
		Alert: &gtfs.Alert{},
	}
	d := newTestDecoder(t)
	res, err := d.Decode("main", envelope(alert))
	require.NoError(t, err)
	assert.Equal(t, 1, res.AlertsSeen)
	assert.Equal(t, 0, res.EntitiesSeen)
}

func stopTimeArrivalOnly(stopID string, arrival int64) *gtfs.TripUpdate_StopTimeUpdate {
	return &gtfs.TripUpdate_StopTimeUpdate{
		StopId:  proto.String(stopID),
		Arrival: &gtfs.TripUpdate_StopTimeEvent{Time: proto.Int64(arrival)},
	}
}

func TestDecodeDerivesDelayFromSchedule(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	arrival := time.Unix(int64(headerTS)+60, 0)
	local := arrival.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	// Scheduled two minutes before the observed arrival.
	schedSecs := int(arrival.Sub(midnight)/time.Second) - 120

	sched := func(tripID, stopID string) (int, bool) {
		assert.Equal(t, "trip-a", tripID)
		assert.Equal(t, "601N", stopID, "schedule lookup uses the raw platform id")
		return schedSecs, true
	}
	d, err := NewDecoder(nil, sched)
	require.NoError(t, err)

	res, err := d.Decode("main", envelope(
		tripEntity("1", "trip-a", "6", stopTimeArrivalOnly("601N", arrival.Unix()))))
	require.NoError(t, err)
	require.Len(t, res.TripUpdates, 1)
	require.NotNil(t, res.TripUpdates[0].DelaySeconds)
	assert.Equal(t, 120, *res.TripUpdates[0].DelaySeconds)
}

func TestDecodeDelayStaysNullWithoutSchedule(t *testing.T) {
	d := newTestDecoder(t)
	res, err := d.Decode("main", envelope(
		tripEntity("1", "trip-a", "6", stopTimeArrivalOnly("601N", int64(headerTS)+60))))
	require.NoError(t, err)
	require.Len(t, res.TripUpdates, 1)
	assert.Nil(t, res.TripUpdates[0].DelaySeconds, "no feed delay and no schedule match means null")
}

func TestDecodeRejectsMismatchedScheduleTrip(t *testing.T) {
	// A schedule hit more than the skew bound away is a trip mismatch.
	sched := func(string, string) (int, bool) { return 0, true }
	d, err := NewDecoder(nil, sched)
	require.NoError(t, err)

	res, err := d.Decode("main", envelope(
		tripEntity("1", "trip-a", "6", stopTimeArrivalOnly("601N", int64(headerTS)+60))))
	require.NoError(t, err)
	require.Len(t, res.TripUpdates, 1)
	assert.Nil(t, res.TripUpdates[0].DelaySeconds)
}

func TestDecodeResolvesStations(t *testing.T) {
	resolve := func(stop string) string {
		if stop == "601N" {
			return "601"
		}
		return stop
	}
	d, err := NewDecoder(resolve, nil)
	require.NoError(t, err)

	res, err := d.Decode("main", envelope(
		tripEntity("1", "trip-a", "6", stopTimeUpdate("601N", int64(headerTS)+60, 0))))
	require.NoError(t, err)
	require.Len(t, res.TripUpdates, 1)
	assert.Equal(t, "601", res.TripUpdates[0].NextStopID)
	// Direction still derives from the raw platform suffix.
	assert.Equal(t, 1, res.TripUpdates[0].Direction)
}
