// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package feed

import (
	"fmt"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/telemetry"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/util/log"
)

// ErrDecode is returned when the feed envelope header itself is unparseable.
// Individual bad entities never surface it; they are skipped and counted.
var ErrDecode = errors.New("decode_error")

// dedupCacheSize bounds the replay-suppression cache. At nine feeds and a
// 30s tick the cache covers well over an hour of traffic.
const dedupCacheSize = 1 << 16

// DecodeResult is the canonical content of one feed envelope.
type DecodeResult struct {
	FeedID          string
	HeaderTimestamp time.Time
	Version         string
	TripUpdates     []transit.TripUpdate
	Positions       []transit.VehiclePosition
	EntitiesSeen    int
	EntitiesSkipped int
	AlertsSeen      int
}

// Partial reports whether any entity was dropped during decode.
func (r *DecodeResult) Partial() bool { return r.EntitiesSkipped > 0 }

// ScheduleFunc looks up the static scheduled arrival for a trip at a stop,
// as seconds into the service day.
type ScheduleFunc func(tripID, stopID string) (int, bool)

// maxScheduleSkew bounds schedule-derived delays. A larger gap means the
// realtime trip did not match the static trip, not a three-hour-late train.
const maxScheduleSkew = 3 * time.Hour

// Decoder turns protocol-buffer feed payloads into canonical records. It is
// stateful: a bounded cache of (trip, stop, observed_at) keys makes
// re-ingesting an identical snapshot a no-op, which keeps at-least-once
// fetching idempotent downstream.
type Decoder struct {
	resolve func(string) string
	sched   ScheduleFunc
	tz      *time.Location
	seen    *lru.Cache[string, struct{}]
}

// NewDecoder builds a Decoder. resolve maps a raw stop id to its analytics
// station (the catalog's parent rollup); nil means identity. sched, when
// non-nil, backs delay derivation for feeds that omit the delay field.
func NewDecoder(resolve func(string) string, sched ScheduleFunc) (*Decoder, error) {
	if resolve == nil {
		resolve = func(s string) string { return s }
	}
	seen, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, err
	}
	tz, err := time.LoadLocation("America/New_York")
	if err != nil {
		log.Warnf("feed: local timezone unavailable, schedule delays use UTC: %v", err) //nolint:errcheck
		tz = time.UTC
	}
	return &Decoder{resolve: resolve, sched: sched, tz: tz, seen: seen}, nil
}

// Decode parses one envelope. Header failures return ErrDecode; entity
// failures are skipped and counted so the caller can record a partial run.
func (d *Decoder) Decode(feedID string, payload []byte) (*DecodeResult, error) {
	var msg gtfs.FeedMessage
	if err := proto.Unmarshal(payload, &msg); err != nil {
		return nil, errors.Wrapf(ErrDecode, "feed %s: %v", feedID, err)
	}
	header := msg.GetHeader()
	if header == nil || header.GetTimestamp() == 0 {
		return nil, errors.Wrapf(ErrDecode, "feed %s: envelope has no header timestamp", feedID)
	}
	version := header.GetGtfsRealtimeVersion()
	if version != "1.0" && version != "2.0" {
		return nil, errors.Wrapf(ErrDecode, "feed %s: unsupported version %q", feedID, version)
	}

	observedAt := time.Unix(int64(header.GetTimestamp()), 0).UTC()
	res := &DecodeResult{
		FeedID:          feedID,
		HeaderTimestamp: observedAt,
		Version:         version,
	}

	// Vehicle snapshots are indexed first so trip updates can carry the
	// current stop status.
	vehicleByTrip := make(map[string]*gtfs.VehiclePosition)
	for _, entity := range msg.GetEntity() {
		if v := entity.GetVehicle(); v != nil && v.GetTrip().GetTripId() != "" {
			vehicleByTrip[v.GetTrip().GetTripId()] = v
		}
	}

	// Within a tick the later record for the same (trip, stop) wins.
	updates := make(map[tripStopKey]transit.TripUpdate)

	for _, entity := range msg.GetEntity() {
		switch {
		case entity.GetTripUpdate() != nil:
			res.EntitiesSeen++
			n, err := d.decodeTripUpdate(entity.GetTripUpdate(), vehicleByTrip, observedAt, updates)
			if err != nil {
				res.EntitiesSkipped++
				log.Debugf("feed %s: skipping entity %s: %v", feedID, entity.GetId(), err)
				continue
			}
			if n == 0 {
				res.EntitiesSkipped++
			}
		case entity.GetVehicle() != nil:
			res.EntitiesSeen++
			pos, err := d.decodeVehicle(entity.GetVehicle(), observedAt)
			if err != nil {
				res.EntitiesSkipped++
				log.Debugf("feed %s: skipping vehicle entity %s: %v", feedID, entity.GetId(), err)
				continue
			}
			res.Positions = append(res.Positions, pos)
		case entity.GetAlert() != nil:
			res.AlertsSeen++
		}
	}

	for key, tu := range updates {
		if d.alreadySeen(key.trip, key.stop, tu.ObservedAt) {
			continue
		}
		res.TripUpdates = append(res.TripUpdates, tu)
	}

	if res.EntitiesSkipped > 0 {
		telemetry.DecodeEntitiesSkipped.WithLabelValues(feedID).Add(float64(res.EntitiesSkipped))
	}
	return res, nil
}

type tripStopKey struct{ trip, stop string }

// decodeTripUpdate emits one canonical record per stop_time_update. Returns
// the number of records produced.
func (d *Decoder) decodeTripUpdate(
	tu *gtfs.TripUpdate,
	vehicles map[string]*gtfs.VehiclePosition,
	observedAt time.Time,
	out map[tripStopKey]transit.TripUpdate,
) (int, error) {
	trip := tu.GetTrip()
	if trip.GetTripId() == "" || trip.GetRouteId() == "" {
		return 0, errors.New("trip update lacks trip_id or route_id")
	}
	tripID := trip.GetTripId()
	routeID := trip.GetRouteId()
	direction := int(trip.GetDirectionId())

	status := transit.StatusInTransit
	var currentStop string
	if v, ok := vehicles[tripID]; ok {
		status = stopStatus(v.GetCurrentStatus())
		currentStop = d.resolve(v.GetStopId())
	}

	stus := tu.GetStopTimeUpdate()
	produced := 0
	for i, stu := range stus {
		rawStop := stu.GetStopId()
		if rawStop == "" {
			continue
		}
		stopID := d.resolve(rawStop)

		rec := transit.TripUpdate{
			TripID:        tripID,
			RouteID:       routeID,
			Line:          transit.LineForRoute(routeID),
			Direction:     directionFromStop(rawStop, direction),
			ObservedAt:    observedAt,
			CurrentStopID: currentStop,
			NextStopID:    stopID,
			CurrentStatus: status,
		}
		if arr := stu.GetArrival(); arr != nil {
			if arr.GetTime() != 0 {
				t := time.Unix(arr.GetTime(), 0).UTC()
				rec.ArrivalTime = &t
			}
			if arr.Delay != nil {
				delay := int(arr.GetDelay())
				rec.DelaySeconds = &delay
			}
		}
		if dep := stu.GetDeparture(); dep != nil && dep.GetTime() != 0 {
			t := time.Unix(dep.GetTime(), 0).UTC()
			rec.DepartureTime = &t
			if rec.DelaySeconds == nil && dep.Delay != nil {
				delay := int(dep.GetDelay())
				rec.DelaySeconds = &delay
			}
		}
		// The NYC feeds rarely populate delay. Derive it from the static
		// schedule when a match exists; otherwise the delay stays null.
		if rec.DelaySeconds == nil && rec.ArrivalTime != nil && d.sched != nil {
			if secs, ok := d.sched(tripID, rawStop); ok {
				if delay, ok := d.scheduleDelay(*rec.ArrivalTime, secs); ok {
					rec.DelaySeconds = &delay
				}
			}
		}
		// The head of the stop list is where the train currently is when
		// the vehicle entity is absent.
		if currentStop == "" && i == 0 {
			rec.CurrentStopID = stopID
		}
		out[tripStopKey{tripID, stopID}] = rec
		produced++
	}
	return produced, nil
}

func (d *Decoder) decodeVehicle(v *gtfs.VehiclePosition, observedAt time.Time) (transit.VehiclePosition, error) {
	trip := v.GetTrip()
	if trip.GetTripId() == "" || trip.GetRouteId() == "" {
		return transit.VehiclePosition{}, errors.New("vehicle lacks trip descriptor")
	}
	if v.GetTimestamp() != 0 {
		observedAt = time.Unix(int64(v.GetTimestamp()), 0).UTC()
	}
	pos := transit.VehiclePosition{
		TripID:        trip.GetTripId(),
		RouteID:       trip.GetRouteId(),
		Line:          transit.LineForRoute(trip.GetRouteId()),
		Direction:     int(trip.GetDirectionId()),
		ObservedAt:    observedAt,
		StopID:        d.resolve(v.GetStopId()),
		CurrentStatus: stopStatus(v.GetCurrentStatus()),
	}
	if p := v.GetPosition(); p != nil {
		lat, lon := float64(p.GetLatitude()), float64(p.GetLongitude())
		pos.Lat, pos.Lon = &lat, &lon
	}
	return pos, nil
}

// scheduleDelay compares an observed arrival against a scheduled arrival
// given as seconds into the service day. GTFS times past 24:00:00 belong to
// the previous service day, so the candidate nearest the observation wins.
func (d *Decoder) scheduleDelay(observed time.Time, schedSecs int) (int, bool) {
	local := observed.In(d.tz)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, d.tz)

	best := int64(0)
	found := false
	for _, day := range []time.Time{midnight, midnight.AddDate(0, 0, -1)} {
		delta := observed.Unix() - day.Add(time.Duration(schedSecs)*time.Second).Unix()
		if !found || abs64(delta) < abs64(best) {
			best, found = delta, true
		}
	}
	if abs64(best) > int64(maxScheduleSkew/time.Second) {
		return 0, false
	}
	return int(best), true
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// alreadySeen records and tests the replay-suppression key.
func (d *Decoder) alreadySeen(tripID, stopID string, observedAt time.Time) bool {
	key := fmt.Sprintf("%s|%s|%d", tripID, stopID, observedAt.Unix())
	if _, hit := d.seen.Get(key); hit {
		return true
	}
	d.seen.Add(key, struct{}{})
	return false
}

func stopStatus(s gtfs.VehiclePosition_VehicleStopStatus) transit.StopStatus {
	switch s {
	case gtfs.VehiclePosition_STOPPED_AT:
		return transit.StatusAtStop
	case gtfs.VehiclePosition_INCOMING_AT:
		return transit.StatusIncoming
	default:
		return transit.StatusInTransit
	}
}

// directionFromStop prefers the vendor's platform suffix (N/S) over the
// trip descriptor's direction_id, which several feeds leave unset.
func directionFromStop(rawStopID string, fallback int) int {
	if n := len(rawStopID); n > 0 {
		switch rawStopID[n-1] {
		case 'N', 'E':
			return 1
		case 'S', 'W':
			return 0
		}
	}
	return fallback
}
