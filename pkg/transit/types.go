// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package transit defines the canonical in-memory data model shared by every
// component: catalog entities, decoded feed records, computed features, and
// detected anomalies.
package transit

import "time"

// Route is a static catalog route. Immutable after load.
type Route struct {
	RouteID     string `json:"route_id" db:"route_id"`
	DisplayName string `json:"display_name" db:"display_name"`
	Color       string `json:"color" db:"color"`
}

// Station is a static catalog stop. Child stops carry a non-empty ParentID
// and are collapsed into their parent for analytics. Immutable after load.
type Station struct {
	StopID       string   `json:"stop_id" db:"stop_id"`
	Name         string   `json:"name" db:"name"`
	Lat          float64  `json:"lat" db:"lat"`
	Lon          float64  `json:"lon" db:"lon"`
	ParentID     string   `json:"parent_id,omitempty" db:"parent_id"`
	RoutesServed []string `json:"routes_served,omitempty" db:"-"`
}

// FeedRunStatus classifies the outcome of one fetch+decode attempt.
type FeedRunStatus string

// Feed run outcomes.
const (
	FeedRunOK             FeedRunStatus = "ok"
	FeedRunTransportError FeedRunStatus = "transport_error"
	FeedRunDecodeError    FeedRunStatus = "decode_error"
	FeedRunPartial        FeedRunStatus = "partial"
)

// FeedRun records one fetch attempt for one feed. Immutable once written.
type FeedRun struct {
	RunID           int64         `json:"run_id" db:"run_id"`
	FeedID          string        `json:"feed_id" db:"feed_id"`
	StartedAt       time.Time     `json:"started_at" db:"started_at"`
	FinishedAt      time.Time     `json:"finished_at" db:"finished_at"`
	EntitiesSeen    int           `json:"entities_seen" db:"entities_seen"`
	EntitiesSkipped int           `json:"entities_skipped" db:"entities_skipped"`
	AlertsSeen      int           `json:"alerts_seen" db:"alerts_seen"`
	Status          FeedRunStatus `json:"status" db:"status"`
	DurationMS      int64         `json:"duration_ms" db:"duration_ms"`
}

// StopStatus is the canonical vehicle stop relationship.
type StopStatus string

// Stop statuses, mapped from the GTFS-RT VehicleStopStatus enum.
const (
	StatusAtStop    StopStatus = "at_stop"
	StatusInTransit StopStatus = "in_transit"
	StatusIncoming  StopStatus = "incoming"
)

// TripUpdate is the canonical per-trip observation flowing from the decoder
// into the feature engine. It is transient: nothing outside the rolling
// window retains it.
type TripUpdate struct {
	TripID        string
	RouteID       string
	Line          string
	Direction     int
	ObservedAt    time.Time
	CurrentStopID string
	NextStopID    string
	ArrivalTime   *time.Time
	DepartureTime *time.Time
	CurrentStatus StopStatus
	DelaySeconds  *int
	Lat           *float64
	Lon           *float64
}

// VehiclePosition is the canonical vehicle snapshot, used for the
// per-line position API and window replay.
type VehiclePosition struct {
	TripID        string     `json:"trip_id" db:"trip_id"`
	RouteID       string     `json:"route_id" db:"route_id"`
	Line          string     `json:"line" db:"line"`
	Direction     int        `json:"direction" db:"direction"`
	ObservedAt    time.Time  `json:"observed_at" db:"observed_at"`
	StopID        string     `json:"stop_id" db:"stop_id"`
	NextStopID    string     `json:"next_stop_id,omitempty" db:"next_stop_id"`
	CurrentStatus StopStatus `json:"current_status" db:"current_status"`
	Lat           *float64   `json:"lat,omitempty" db:"lat"`
	Lon           *float64   `json:"lon,omitempty" db:"lon"`
	DelaySeconds  *int       `json:"delay_seconds,omitempty" db:"delay_seconds"`

	// Computed features, persisted alongside the position so training can
	// replay them without recomputation.
	HeadwaySeconds    *float64 `json:"headway_seconds,omitempty" db:"headway_seconds"`
	DwellSeconds      *float64 `json:"dwell_seconds,omitempty" db:"dwell_seconds"`
	ScheduleAdherence *float64 `json:"schedule_adherence,omitempty" db:"schedule_adherence"`
}

// FeatureFrame is the feature vector computed for one trip/stop observation.
type FeatureFrame struct {
	TripID     string    `json:"trip_id"`
	RouteID    string    `json:"route_id"`
	Line       string    `json:"line"`
	StopID     string    `json:"stop_id"`
	Direction  int       `json:"direction"`
	ObservedAt time.Time `json:"observed_at"`

	HeadwayS          *float64 `json:"headway_s,omitempty"`
	DwellS            *float64 `json:"dwell_s,omitempty"`
	DelayS            *float64 `json:"delay_s,omitempty"`
	ScheduleAdherence *float64 `json:"schedule_adherence,omitempty"`

	RollingHeadwayMean  float64 `json:"rolling_headway_mean"`
	RollingHeadwayStdev float64 `json:"rolling_headway_stdev"`
	HeadwayZ            float64 `json:"headway_z"`
	DwellZ              float64 `json:"dwell_z"`

	Hour     int  `json:"hour"`
	RushHour bool `json:"rush_hour"`
}

// AnomalyKind enumerates the detector output classes.
type AnomalyKind string

// Anomaly kinds.
const (
	KindHeadwayOutlier AnomalyKind = "headway_outlier"
	KindDwellOutlier   AnomalyKind = "dwell_outlier"
	KindDelaySpike     AnomalyKind = "delay_spike"
	KindSequence       AnomalyKind = "sequence_reconstruction"
)

// Anomaly is a detected operational anomaly. Severity is always in [0,1];
// categorical buckets are derived only at the API boundary.
type Anomaly struct {
	AnomalyID    string             `json:"anomaly_id" db:"anomaly_id"`
	DetectedAt   time.Time          `json:"detected_at" db:"detected_at"`
	StationID    string             `json:"station_id,omitempty" db:"station_id"`
	Line         string             `json:"line,omitempty" db:"line"`
	Kind         AnomalyKind        `json:"kind" db:"kind"`
	Severity     float64            `json:"severity" db:"severity"`
	ModelName    string             `json:"model_name" db:"model_name"`
	ModelVersion int                `json:"model_version" db:"model_version"`
	Features     map[string]float64 `json:"features" db:"-"`
	Resolved     bool               `json:"resolved" db:"resolved"`
	ResolvedAt   *time.Time         `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ModelArtifact is a versioned, opaque serialized model.
type ModelArtifact struct {
	Name                string             `json:"name" db:"name"`
	Version             int                `json:"version" db:"version"`
	TrainedAt           time.Time          `json:"trained_at" db:"trained_at"`
	Payload             []byte             `json:"-" db:"payload"`
	Hyperparams         map[string]float64 `json:"hyperparams" db:"-"`
	TrainingWindowHours int                `json:"training_window_hours" db:"training_window_hours"`
}

// SeverityBucket classifies a severity score for the API surface.
// low ∈ [0,0.4), medium ∈ [0.4,0.7), high ∈ [0.7,1].
func SeverityBucket(severity float64) string {
	switch {
	case severity >= 0.7:
		return "high"
	case severity >= 0.4:
		return "medium"
	default:
		return "low"
	}
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
