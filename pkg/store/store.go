// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package store owns every durable record: positions, feed runs, anomalies,
// model artifacts and the station/route catalog tables. It is the only
// component that talks to Postgres.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	// Postgres driver registration.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/telemetry"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned by point lookups that match nothing.
var ErrNotFound = errors.New("not found")

// writeRetryDelay is the pause before the single write retry allowed by the
// store error policy.
const writeRetryDelay = 100 * time.Millisecond

// Store is the Postgres-backed state store. All writes feed the shared
// latency tracker so the scheduler can observe backpressure.
type Store struct {
	db      *sqlx.DB
	latency *LatencyTracker
}

// Open connects to Postgres and bootstraps the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect to state store")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := NewWithDB(db)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "bootstrap schema")
	}
	return s, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db, latency: NewLatencyTracker(time.Minute)}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies store reachability for the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// WriteP95 reports the 95th-percentile write latency over the last minute.
func (s *Store) WriteP95() time.Duration { return s.latency.P95() }

func (s *Store) observeWrite(table string, start time.Time) {
	elapsed := time.Since(start)
	s.latency.Observe(elapsed)
	telemetry.StoreWriteDuration.WithLabelValues(table).Observe(elapsed.Seconds())
}

// retryOnce runs fn and retries once after a short pause, per the store
// error policy: a single retry, then the failure escalates to the caller.
func retryOnce(fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	time.Sleep(writeRetryDelay)
	if retryErr := fn(); retryErr == nil {
		return nil
	}
	return err
}

// --- catalog ---

// UpsertCatalog loads stations and routes. Conflicts keep the existing row,
// so concurrent loaders cannot deadlock and the first writer wins.
func (s *Store) UpsertCatalog(ctx context.Context, stations []*transit.Station, routes []*transit.Route) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin catalog load")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, st := range stations {
		routesJSON, _ := json.Marshal(st.RoutesServed)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stations (stop_id, name, lat, lon, parent_id, routes)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (stop_id) DO NOTHING`,
			st.StopID, st.Name, st.Lat, st.Lon, st.ParentID, routesJSON); err != nil {
			return errors.Wrapf(err, "upsert station %s", st.StopID)
		}
	}
	for _, rt := range routes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO routes (route_id, display_name, color)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (route_id) DO NOTHING`,
			rt.RouteID, rt.DisplayName, rt.Color); err != nil {
			return errors.Wrapf(err, "upsert route %s", rt.RouteID)
		}
	}
	return tx.Commit()
}

// --- feed runs & positions ---

// InsertFeedRun records one fetch attempt and returns its run id.
func (s *Store) InsertFeedRun(ctx context.Context, run *transit.FeedRun) (int64, error) {
	defer s.observeWrite("feed_runs", time.Now())

	var runID int64
	err := retryOnce(func() error {
		return s.db.QueryRowContext(ctx,
			`INSERT INTO feed_runs
			   (feed_id, started_at, finished_at, entities_seen, entities_skipped, alerts_seen, status, duration_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING run_id`,
			run.FeedID, run.StartedAt, run.FinishedAt, run.EntitiesSeen,
			run.EntitiesSkipped, run.AlertsSeen, run.Status, run.DurationMS,
		).Scan(&runID)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "insert feed run for %s", run.FeedID)
	}
	run.RunID = runID
	return runID, nil
}

// InsertTick persists one feed run and its positions in a single
// transaction, so a crash can never record positions without their run.
// Duplicate positions on (trip_id, stop_id, observed_at) are ignored:
// ingest is at-least-once.
func (s *Store) InsertTick(ctx context.Context, run *transit.FeedRun, positions []transit.VehiclePosition) (int64, error) {
	defer s.observeWrite("train_positions", time.Now())

	var runID int64
	err := retryOnce(func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		if err := tx.QueryRowContext(ctx,
			`INSERT INTO feed_runs
			   (feed_id, started_at, finished_at, entities_seen, entities_skipped, alerts_seen, status, duration_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING run_id`,
			run.FeedID, run.StartedAt, run.FinishedAt, run.EntitiesSeen,
			run.EntitiesSkipped, run.AlertsSeen, run.Status, run.DurationMS,
		).Scan(&runID); err != nil {
			return err
		}

		for _, p := range positions {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO train_positions
				   (trip_id, route_id, line, direction, observed_at, stop_id, next_stop_id,
				    current_status, lat, lon, delay_seconds, headway_seconds, dwell_seconds, schedule_adherence)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
				 ON CONFLICT (trip_id, stop_id, observed_at) DO NOTHING`,
				p.TripID, p.RouteID, p.Line, p.Direction, p.ObservedAt, p.StopID, p.NextStopID,
				p.CurrentStatus, p.Lat, p.Lon, p.DelaySeconds,
				p.HeadwaySeconds, p.DwellSeconds, p.ScheduleAdherence); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, errors.Wrapf(err, "insert tick for feed %s", run.FeedID)
	}
	run.RunID = runID
	return runID, nil
}

// PositionFilter narrows a position query.
type PositionFilter struct {
	Line   string
	StopID string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// QueryPositions returns positions ordered by observed_at ascending.
func (s *Store) QueryPositions(ctx context.Context, f PositionFilter) ([]transit.VehiclePosition, error) {
	q := `SELECT trip_id, route_id, line, direction, observed_at, stop_id, next_stop_id,
	             current_status, lat, lon, delay_seconds, headway_seconds, dwell_seconds, schedule_adherence
	      FROM train_positions WHERE observed_at >= $1 AND observed_at <= $2`
	args := []interface{}{f.Since, f.Until}
	if f.Line != "" {
		args = append(args, f.Line)
		q += ` AND line = $3`
	}
	if f.StopID != "" {
		args = append(args, f.StopID)
		if f.Line != "" {
			q += ` AND stop_id = $4`
		} else {
			q += ` AND stop_id = $3`
		}
	}
	q += ` ORDER BY observed_at ASC`
	if f.Limit > 0 {
		q += ` LIMIT ` + itoa(f.Limit)
	}

	var out []transit.VehiclePosition
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, errors.Wrap(err, "query positions")
	}
	return out, nil
}

// PositionsBetween returns every position in the interval, oldest first.
// Feeds model training, which replays the window in order.
func (s *Store) PositionsBetween(ctx context.Context, since, until time.Time) ([]transit.VehiclePosition, error) {
	return s.QueryPositions(ctx, PositionFilter{Since: since, Until: until})
}

// LatestPositions returns the most recent observation per trip on a line.
func (s *Store) LatestPositions(ctx context.Context, line string) ([]transit.VehiclePosition, error) {
	var out []transit.VehiclePosition
	err := s.db.SelectContext(ctx, &out,
		`SELECT DISTINCT ON (trip_id)
		        trip_id, route_id, line, direction, observed_at, stop_id, next_stop_id,
		        current_status, lat, lon, delay_seconds, headway_seconds, dwell_seconds, schedule_adherence
		 FROM train_positions
		 WHERE line = $1 AND observed_at > now() - interval '10 minutes'
		 ORDER BY trip_id, observed_at DESC`, line)
	if err != nil {
		return nil, errors.Wrapf(err, "latest positions for line %s", line)
	}
	return out, nil
}

// RecentFeedRuns returns the latest runs across all feeds, newest first.
func (s *Store) RecentFeedRuns(ctx context.Context, limit int) ([]transit.FeedRun, error) {
	var out []transit.FeedRun
	err := s.db.SelectContext(ctx, &out,
		`SELECT run_id, feed_id, started_at, finished_at, entities_seen, entities_skipped,
		        alerts_seen, status, duration_ms
		 FROM feed_runs ORDER BY run_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recent feed runs")
	}
	return out, nil
}

// LastRunWithin reports whether any feed completed a run after the cutoff.
// Drives the ingest-freshness half of /health/ready.
func (s *Store) LastRunWithin(ctx context.Context, window time.Duration) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM feed_runs WHERE finished_at > $1`,
		time.Now().Add(-window))
	if err != nil {
		return false, errors.Wrap(err, "check ingest freshness")
	}
	return n > 0, nil
}

// --- anomalies ---

// InsertAnomaly persists a detected anomaly. The caller must only publish
// the anomaly to subscribers after this returns nil.
func (s *Store) InsertAnomaly(ctx context.Context, a *transit.Anomaly) error {
	defer s.observeWrite("anomalies", time.Now())

	features, _ := json.Marshal(a.Features)
	err := retryOnce(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO anomalies
			   (anomaly_id, detected_at, station_id, line, kind, severity, model_name, model_version, features, resolved)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			a.AnomalyID, a.DetectedAt, a.StationID, a.Line, a.Kind, a.Severity,
			a.ModelName, a.ModelVersion, features, a.Resolved)
		return err
	})
	return errors.Wrapf(err, "insert anomaly %s", a.AnomalyID)
}

// BumpAnomalySeverity raises an existing anomaly's severity in place; used
// by duplicate suppression. Severity never decreases.
func (s *Store) BumpAnomalySeverity(ctx context.Context, anomalyID string, severity float64) error {
	defer s.observeWrite("anomalies", time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE anomalies SET severity = GREATEST(severity, $2) WHERE anomaly_id = $1`,
		anomalyID, severity)
	return errors.Wrapf(err, "bump anomaly %s", anomalyID)
}

// ResolveAnomaly marks an anomaly resolved. Returns ErrNotFound for an
// unknown id.
func (s *Store) ResolveAnomaly(ctx context.Context, anomalyID string, at time.Time) error {
	defer s.observeWrite("anomalies", time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE anomalies SET resolved = TRUE, resolved_at = $2 WHERE anomaly_id = $1 AND NOT resolved`,
		anomalyID, at)
	if err != nil {
		return errors.Wrapf(err, "resolve anomaly %s", anomalyID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveStale marks unresolved anomalies older than the cutoff as
// resolved. Returns the number of rows touched.
func (s *Store) ResolveStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE anomalies SET resolved = TRUE, resolved_at = now()
		 WHERE NOT resolved AND detected_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "resolve stale anomalies")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetAnomaly fetches one anomaly by id.
func (s *Store) GetAnomaly(ctx context.Context, anomalyID string) (*transit.Anomaly, error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT anomaly_id, detected_at, station_id, line, kind, severity,
		        model_name, model_version, features, resolved, resolved_at
		 FROM anomalies WHERE anomaly_id = $1`, anomalyID)
	a, err := scanAnomaly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// AnomalyFilter narrows a paged anomaly query.
type AnomalyFilter struct {
	Line        string
	StationID   string
	SeverityMin float64
	Since       time.Time
	Until       time.Time
	Page        int
	PageSize    int
}

// QueryAnomalies returns a page of anomalies (newest first) plus the total
// match count.
func (s *Store) QueryAnomalies(ctx context.Context, f AnomalyFilter) ([]transit.Anomaly, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 50
	}

	where := ` WHERE detected_at >= $1 AND detected_at <= $2 AND severity >= $3`
	args := []interface{}{f.Since, f.Until, f.SeverityMin}
	if f.Line != "" {
		args = append(args, f.Line)
		where += ` AND line = $` + itoa(len(args))
	}
	if f.StationID != "" {
		args = append(args, f.StationID)
		where += ` AND station_id = $` + itoa(len(args))
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM anomalies`+where, args...); err != nil {
		return nil, 0, errors.Wrap(err, "count anomalies")
	}

	q := `SELECT anomaly_id, detected_at, station_id, line, kind, severity,
	             model_name, model_version, features, resolved, resolved_at
	      FROM anomalies` + where +
		` ORDER BY detected_at DESC LIMIT ` + itoa(f.PageSize) +
		` OFFSET ` + itoa((f.Page-1)*f.PageSize)

	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "query anomalies")
	}
	defer rows.Close()

	var out []transit.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *a)
	}
	return out, total, rows.Err()
}

// AnomaliesSince returns every anomaly detected after the cutoff, oldest
// first. The stats endpoint aggregates over this in memory.
func (s *Store) AnomaliesSince(ctx context.Context, since time.Time) ([]transit.Anomaly, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT anomaly_id, detected_at, station_id, line, kind, severity,
		        model_name, model_version, features, resolved, resolved_at
		 FROM anomalies WHERE detected_at >= $1 ORDER BY detected_at ASC`, since)
	if err != nil {
		return nil, errors.Wrap(err, "anomalies since")
	}
	defer rows.Close()

	var out []transit.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAnomaly(row rowScanner) (*transit.Anomaly, error) {
	var (
		a        transit.Anomaly
		features []byte
	)
	if err := row.Scan(&a.AnomalyID, &a.DetectedAt, &a.StationID, &a.Line, &a.Kind,
		&a.Severity, &a.ModelName, &a.ModelVersion, &features, &a.Resolved, &a.ResolvedAt); err != nil {
		return nil, err
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &a.Features); err != nil {
			log.Warnf("store: anomaly %s has unreadable features: %v", a.AnomalyID, err) //nolint:errcheck
		}
	}
	return &a, nil
}

// --- retention ---

// PurgeBefore deletes time-partitioned rows older than the cutoff. Called
// once per minute by the scheduler; exactly one purger runs.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) error {
	for _, t := range []struct{ table, column string }{
		{"train_positions", "observed_at"},
		{"feed_runs", "finished_at"},
		{"anomalies", "detected_at"},
	} {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+t.table+` WHERE `+t.column+` < $1`, cutoff)
		if err != nil {
			return errors.Wrapf(err, "purge %s", t.table)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			telemetry.PurgedRows.WithLabelValues(t.table).Add(float64(n))
			log.Debugf("store: purged %d rows from %s", n, t.table)
		}
	}
	return nil
}

// --- model artifacts ---

// PutModelArtifact stores a new artifact, assigning the next version for
// the model name atomically.
func (s *Store) PutModelArtifact(ctx context.Context, a *transit.ModelArtifact) error {
	defer s.observeWrite("model_artifacts", time.Now())

	hyper, _ := json.Marshal(a.Hyperparams)
	err := retryOnce(func() error {
		return s.db.QueryRowContext(ctx,
			`INSERT INTO model_artifacts (name, version, trained_at, payload, hyperparams, training_window_hours)
			 SELECT $1, coalesce(max(version), 0) + 1, $2, $3, $4, $5
			 FROM model_artifacts WHERE name = $1
			 RETURNING version`,
			a.Name, a.TrainedAt, a.Payload, hyper, a.TrainingWindowHours,
		).Scan(&a.Version)
	})
	return errors.Wrapf(err, "store artifact %s", a.Name)
}

// GetLatestArtifact returns the most recent artifact for a model name, or
// ErrNotFound when the model has never been trained.
func (s *Store) GetLatestArtifact(ctx context.Context, name string) (*transit.ModelArtifact, error) {
	var (
		a     transit.ModelArtifact
		hyper []byte
	)
	err := s.db.QueryRowxContext(ctx,
		`SELECT name, version, trained_at, payload, hyperparams, training_window_hours
		 FROM model_artifacts WHERE name = $1 ORDER BY version DESC LIMIT 1`, name,
	).Scan(&a.Name, &a.Version, &a.TrainedAt, &a.Payload, &hyper, &a.TrainingWindowHours)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load artifact %s", name)
	}
	if len(hyper) > 0 {
		json.Unmarshal(hyper, &a.Hyperparams) //nolint:errcheck
	}
	return &a, nil
}

// ArtifactExistsAt reports whether (name, version) existed at or before ts.
func (s *Store) ArtifactExistsAt(ctx context.Context, name string, version int, ts time.Time) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM model_artifacts WHERE name = $1 AND version = $2 AND trained_at <= $3`,
		name, version, ts)
	if err != nil {
		return false, errors.Wrap(err, "check artifact")
	}
	return n > 0, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
