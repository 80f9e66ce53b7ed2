// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package store

// Schema bootstrap. Positions, feed runs and anomalies are append-only and
// keyed by time; the scheduler's purge loop enforces the retention horizon,
// so no partition maintenance is needed at this scale.
const schema = `
CREATE TABLE IF NOT EXISTS stations (
    stop_id     TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    lat         DOUBLE PRECISION NOT NULL,
    lon         DOUBLE PRECISION NOT NULL,
    parent_id   TEXT NOT NULL DEFAULT '',
    routes      JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS routes (
    route_id     TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    color        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS feed_runs (
    run_id           BIGSERIAL PRIMARY KEY,
    feed_id          TEXT NOT NULL,
    started_at       TIMESTAMPTZ NOT NULL,
    finished_at      TIMESTAMPTZ NOT NULL,
    entities_seen    INTEGER NOT NULL DEFAULT 0,
    entities_skipped INTEGER NOT NULL DEFAULT 0,
    alerts_seen      INTEGER NOT NULL DEFAULT 0,
    status           TEXT NOT NULL,
    duration_ms      BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_feed_runs_feed_time ON feed_runs (feed_id, started_at DESC);

CREATE TABLE IF NOT EXISTS train_positions (
    trip_id            TEXT NOT NULL,
    route_id           TEXT NOT NULL,
    line               TEXT NOT NULL,
    direction          INTEGER NOT NULL DEFAULT 0,
    observed_at        TIMESTAMPTZ NOT NULL,
    stop_id            TEXT NOT NULL,
    next_stop_id       TEXT NOT NULL DEFAULT '',
    current_status     TEXT NOT NULL DEFAULT 'in_transit',
    lat                DOUBLE PRECISION,
    lon                DOUBLE PRECISION,
    delay_seconds      INTEGER,
    headway_seconds    DOUBLE PRECISION,
    dwell_seconds      DOUBLE PRECISION,
    schedule_adherence DOUBLE PRECISION,
    PRIMARY KEY (trip_id, stop_id, observed_at)
);
CREATE INDEX IF NOT EXISTS idx_positions_line_time ON train_positions (line, observed_at DESC);
CREATE INDEX IF NOT EXISTS idx_positions_stop_time ON train_positions (stop_id, observed_at DESC);
CREATE INDEX IF NOT EXISTS idx_positions_time ON train_positions (observed_at);

CREATE TABLE IF NOT EXISTS anomalies (
    anomaly_id    TEXT PRIMARY KEY,
    detected_at   TIMESTAMPTZ NOT NULL,
    station_id    TEXT NOT NULL DEFAULT '',
    line          TEXT NOT NULL DEFAULT '',
    kind          TEXT NOT NULL,
    severity      DOUBLE PRECISION NOT NULL,
    model_name    TEXT NOT NULL,
    model_version INTEGER NOT NULL,
    features      JSONB NOT NULL DEFAULT '{}',
    resolved      BOOLEAN NOT NULL DEFAULT FALSE,
    resolved_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_anomalies_time ON anomalies (detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_anomalies_station_time ON anomalies (station_id, detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_anomalies_active ON anomalies (resolved, detected_at DESC);

CREATE TABLE IF NOT EXISTS model_artifacts (
    name                  TEXT NOT NULL,
    version               INTEGER NOT NULL,
    trained_at            TIMESTAMPTZ NOT NULL,
    payload               BYTEA NOT NULL,
    hyperparams           JSONB NOT NULL DEFAULT '{}',
    training_window_hours INTEGER NOT NULL DEFAULT 168,
    PRIMARY KEY (name, version)
);
`
