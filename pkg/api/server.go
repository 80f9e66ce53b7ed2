// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package api is the monitor's outward surface: the JSON query API, the
// health and metrics endpoints, and the websocket anomaly stream.
package api

import (
	"context"
	"expvar"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/bus"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/catalog"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/config"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/detector"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/status/health"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/store"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// requestDeadline bounds every API handler; queries that outlive it fail
// with deadline_exceeded and no partial result.
const requestDeadline = 10 * time.Second

// Stores is the slice of the state store the API reads.
type Stores interface {
	QueryAnomalies(ctx context.Context, f store.AnomalyFilter) ([]transit.Anomaly, int, error)
	AnomaliesSince(ctx context.Context, since time.Time) ([]transit.Anomaly, error)
	GetAnomaly(ctx context.Context, id string) (*transit.Anomaly, error)
	ResolveAnomaly(ctx context.Context, id string, at time.Time) error
	LatestPositions(ctx context.Context, line string) ([]transit.VehiclePosition, error)
	RecentFeedRuns(ctx context.Context, limit int) ([]transit.FeedRun, error)
	LastRunWithin(ctx context.Context, window time.Duration) (bool, error)
	Ping(ctx context.Context) error
}

// Server wires the HTTP surface. DetectNow is the scheduler's one-shot
// detection trigger; it returns the id of the run it scored.
type Server struct {
	cfg      *config.Config
	store    Stores
	cache    *store.SnapshotCache
	catalog  *catalog.Catalog
	bus      *bus.Bus
	ensemble *detector.Ensemble
	health   *health.Registry

	DetectNow func(ctx context.Context) (int64, error)

	hub *wsHub
}

// New builds the server. cache may be nil; position queries then always hit
// the store.
func New(cfg *config.Config, st Stores, cache *store.SnapshotCache, cat *catalog.Catalog,
	b *bus.Bus, ens *detector.Ensemble, reg *health.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		cache:    cache,
		catalog:  cat,
		bus:      b,
		ensemble: ens,
		health:   reg,
	}
	s.hub = newWSHub(cfg, b)
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.deadlineMiddleware)

	r.HandleFunc("/anomalies", s.handleListAnomalies).Methods(http.MethodGet)
	r.HandleFunc("/anomalies/stats", s.handleAnomalyStats).Methods(http.MethodGet)
	r.HandleFunc("/anomalies/detect", s.handleDetect).Methods(http.MethodPost)
	r.HandleFunc("/anomalies/{id}", s.handleGetAnomaly).Methods(http.MethodGet)
	r.HandleFunc("/anomalies/{id}/resolve", s.handleResolveAnomaly).Methods(http.MethodPost)

	r.HandleFunc("/feeds/positions/{line}", s.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/feeds/status", s.handleFeedStatus).Methods(http.MethodGet)
	r.HandleFunc("/stations", s.handleStations).Methods(http.MethodGet)

	r.HandleFunc("/health/live", s.handleLive).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/debug/vars", expvar.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.hub.handleConnection)
	return r
}

// Shutdown closes websocket sessions. The bus is shut down by the scheduler.
func (s *Server) Shutdown() { s.hub.shutdown() }

func (s *Server) deadlineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" { // long-lived, heartbeat-supervised
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestDeadline)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// respondStoreErr maps store failures to the envelope, distinguishing a
// blown deadline from a store fault.
func respondStoreErr(w http.ResponseWriter, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, KindDeadlineExceeded, "query exceeded the request deadline")
		return
	}
	log.Errorf("api: store failure: %v", err) //nolint:errcheck
	writeError(w, KindStoreError, "state store unavailable")
}

type anomalyPage struct {
	Anomalies []anomalyView `json:"anomalies"`
	Total     int           `json:"total"`
	Page      int           `json:"page"`
	PageSize  int           `json:"page_size"`
	ModelCold bool          `json:"model_cold,omitempty"`
}

// anomalyView decorates an anomaly with its categorical severity bucket.
type anomalyView struct {
	transit.Anomaly
	SeverityBucket string `json:"severity_bucket"`
}

func viewOf(a transit.Anomaly) anomalyView {
	return anomalyView{Anomaly: a, SeverityBucket: transit.SeverityBucket(a.Severity)}
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := store.AnomalyFilter{
		Line:      q.Get("line"),
		StationID: q.Get("station"),
		Until:     time.Now().UTC(),
	}
	f.Since = f.Until.Add(-24 * time.Hour)

	var err error
	if raw := q.Get("start"); raw != "" {
		if f.Since, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, KindBadRequest, "start must be RFC3339")
			return
		}
	}
	if raw := q.Get("end"); raw != "" {
		if f.Until, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, KindBadRequest, "end must be RFC3339")
			return
		}
	}
	if f.Page, err = intParam(q.Get("page"), 1); err != nil {
		writeError(w, KindBadRequest, "page must be a positive integer")
		return
	}
	if f.PageSize, err = intParam(q.Get("page_size"), 50); err != nil || f.PageSize > 500 {
		writeError(w, KindBadRequest, "page_size must be in [1, 500]")
		return
	}
	if raw := q.Get("severity_min"); raw != "" {
		if f.SeverityMin, err = strconv.ParseFloat(raw, 64); err != nil {
			writeError(w, KindBadRequest, "severity_min must be a float")
			return
		}
	}

	anomalies, total, err := s.store.QueryAnomalies(r.Context(), f)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	page := anomalyPage{
		Anomalies: make([]anomalyView, 0, len(anomalies)),
		Total:     total,
		Page:      f.Page,
		PageSize:  f.PageSize,
		ModelCold: !s.ensemble.Ready(),
	}
	for _, a := range anomalies {
		page.Anomalies = append(page.Anomalies, viewOf(a))
	}
	writeJSON(w, http.StatusOK, page)
}

type trendPoint struct {
	Hour        string  `json:"hour"`
	Count       int     `json:"count"`
	AvgSeverity float64 `json:"avg_severity"`
}

type statsResponse struct {
	TotalToday           int              `json:"total_today"`
	TotalActive          int              `json:"total_active"`
	ByType               map[string]int   `json:"by_type"`
	ByLine               map[string]int   `json:"by_line"`
	SeverityDistribution map[string]int   `json:"severity_distribution"`
	Trend24H             []trendPoint     `json:"trend_24h"`
	ModelCold            bool             `json:"model_cold,omitempty"`
}

func (s *Server) handleAnomalyStats(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r.URL.Query().Get("hours"), 24)
	if err != nil || hours > 168 {
		writeError(w, KindBadRequest, "hours must be in [1, 168]")
		return
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	anomalies, err := s.store.AnomaliesSince(r.Context(), since)
	if err != nil {
		respondStoreErr(w, err)
		return
	}

	resp := statsResponse{
		ByType:               map[string]int{},
		ByLine:               map[string]int{},
		SeverityDistribution: map[string]int{"low": 0, "medium": 0, "high": 0},
		ModelCold:            !s.ensemble.Ready(),
	}
	type bucket struct {
		count int
		sum   float64
	}
	trend := map[string]*bucket{}

	for i := range anomalies {
		a := &anomalies[i]
		resp.TotalToday++
		if !a.Resolved {
			resp.TotalActive++
		}
		resp.ByType[string(a.Kind)]++
		if a.Line != "" {
			resp.ByLine[a.Line]++
		}
		resp.SeverityDistribution[transit.SeverityBucket(a.Severity)]++

		hour := a.DetectedAt.UTC().Truncate(time.Hour).Format(time.RFC3339)
		b, ok := trend[hour]
		if !ok {
			b = &bucket{}
			trend[hour] = b
		}
		b.count++
		b.sum += a.Severity
	}

	// The trend covers every hour in the horizon, zero-filled.
	start := since.Truncate(time.Hour)
	for h := start; !h.After(time.Now().UTC()); h = h.Add(time.Hour) {
		key := h.Format(time.RFC3339)
		point := trendPoint{Hour: key}
		if b, ok := trend[key]; ok {
			point.Count = b.count
			point.AvgSeverity = b.sum / float64(b.count)
		}
		resp.Trend24H = append(resp.Trend24H, point)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if s.DetectNow == nil {
		writeError(w, KindStoreError, "detection trigger unavailable")
		return
	}
	runID, err := s.DetectNow(r.Context())
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"triggered": true,
		"run_id":    runID,
	})
}

func (s *Server) handleGetAnomaly(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAnomaly(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, KindNotFound, "no such anomaly")
		return
	}
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*a))
}

func (s *Server) handleResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.store.ResolveAnomaly(r.Context(), id, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, KindNotFound, "no such open anomaly")
		return
	}
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resolved": true, "anomaly_id": id})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	line := mux.Vars(r)["line"]

	if s.cache != nil {
		if positions, hit := s.cache.GetPositions(r.Context(), line); hit {
			writeJSON(w, http.StatusOK, positions)
			return
		}
	}
	positions, err := s.store.LatestPositions(r.Context(), line)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	if positions == nil {
		positions = []transit.VehiclePosition{}
	}
	if s.cache != nil {
		s.cache.PutPositions(r.Context(), line, positions)
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleFeedStatus(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.RecentFeedRuns(r.Context(), 3*len(s.cfg.Feeds))
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"last_runs": runs,
	})
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("bbox")
	if raw == "" {
		writeJSON(w, http.StatusOK, s.catalog.Stations())
		return
	}
	box, err := parseBBox(raw)
	if err != nil {
		writeError(w, KindBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.catalog.StationsInBounds(box))
}

// parseBBox parses "min_lat,min_lon,max_lat,max_lon".
func parseBBox(raw string) (catalog.BBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return catalog.BBox{}, errors.New("bbox must be min_lat,min_lon,max_lat,max_lon")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return catalog.BBox{}, errors.Errorf("bbox component %d is not a number", i)
		}
		vals[i] = v
	}
	return catalog.BBox{MinLat: vals[0], MinLon: vals[1], MaxLat: vals[2], MaxLon: vals[3]}, nil
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	catalogOK := s.catalog != nil
	storeOK := s.store.Ping(r.Context()) == nil
	ingestFresh, _ := s.store.LastRunWithin(r.Context(), 2*s.cfg.FeedUpdateInterval)
	componentsOK := s.health == nil || s.health.Healthy()

	status := "ok"
	code := http.StatusOK
	if !catalogOK || !storeOK || !ingestFresh || !componentsOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":       status,
		"catalog":      catalogOK,
		"store":        storeOK,
		"ingest_fresh": ingestFresh,
		"detector":     string(s.ensemble.State()),
	})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, errors.New("invalid integer parameter")
	}
	return v, nil
}
