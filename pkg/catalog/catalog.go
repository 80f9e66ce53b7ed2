// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package catalog loads the static GTFS schedule bundle (a zip of CSV
// tables) and serves read-only route and station lookups. Child stops are
// rolled up into their parent station so analytics never see a platform-level
// stop as a distinct unit.
package catalog

import (
	"archive/zip"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/util/log"
)

// ErrCatalogMissing is returned when the bundle lacks the required tables.
// It is fatal at startup.
var ErrCatalogMissing = errors.New("catalog_missing")

// BBox is a geographic bounding box.
type BBox struct {
	MinLat, MinLon, MaxLat, MaxLon float64
}

// Contains reports whether the point is inside the box.
func (b BBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Catalog is the immutable station/route registry. Safe for concurrent use
// without locking once Load returns.
type Catalog struct {
	stations map[string]*transit.Station // parent and standalone stops only
	parents  map[string]string           // child stop_id -> parent stop_id
	routes   map[string]*transit.Route
	schedule map[scheduleKey]int // (trip, station) -> scheduled arrival, seconds into the service day
	skipped  int
}

type scheduleKey struct{ trip, stop string }

// Load opens the bundle at path and parses it.
func Load(path string) (*Catalog, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrapf(ErrCatalogMissing, "open bundle %s: %v", path, err)
	}
	defer zr.Close()
	return loadFromZip(&zr.Reader)
}

func loadFromZip(zr *zip.Reader) (*Catalog, error) {
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}
	if files["stops.txt"] == nil || files["routes.txt"] == nil {
		return nil, errors.Wrap(ErrCatalogMissing, "bundle lacks stops.txt or routes.txt")
	}

	c := &Catalog{
		stations: make(map[string]*transit.Station),
		parents:  make(map[string]string),
		routes:   make(map[string]*transit.Route),
		schedule: make(map[scheduleKey]int),
	}
	if err := c.loadRoutes(files["routes.txt"]); err != nil {
		return nil, err
	}
	if err := c.loadStops(files["stops.txt"]); err != nil {
		return nil, err
	}
	// trips.txt and stop_times.txt are optional; when present they let us
	// derive the routes served by each station and the scheduled arrival
	// times that back delay derivation for feeds that omit delay.
	if files["trips.txt"] != nil && files["stop_times.txt"] != nil {
		if err := c.loadRoutesServed(files["trips.txt"], files["stop_times.txt"]); err != nil {
			log.Warnf("catalog: routes-served enrichment failed: %v", err)
		}
	}

	log.Infof("catalog: loaded %d stations, %d routes (%d rows skipped)",
		len(c.stations), len(c.routes), c.skipped)
	return c, nil
}

func openCSV(f *zip.File) (*csv.Reader, io.Closer, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", f.Name)
	}
	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	return r, rc, nil
}

// headerIndex reads the header row and maps normalized column names to
// positions. GTFS files from the vendor sometimes carry a BOM.
func headerIndex(r *csv.Reader, name string, required ...string) (map[string]int, error) {
	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "read %s header", name)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimPrefix(strings.TrimSpace(strings.ToLower(h)), "\ufeff")] = i
	}
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return nil, errors.Errorf("%s missing column %q", name, col)
		}
	}
	return idx, nil
}

func field(row []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (c *Catalog) loadRoutes(f *zip.File) error {
	r, closer, err := openCSV(f)
	if err != nil {
		return err
	}
	defer closer.Close()

	idx, err := headerIndex(r, "routes.txt", "route_id")
	if err != nil {
		return err
	}
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			c.skipped++
			continue
		}
		routeID := field(row, idx, "route_id")
		if routeID == "" {
			c.skipped++
			continue
		}
		// The long name is the display name; NYC short names are single
		// characters and already encoded in the route id.
		name := field(row, idx, "route_long_name")
		if name == "" {
			name = field(row, idx, "route_short_name")
		}
		c.routes[routeID] = &transit.Route{
			RouteID:     routeID,
			DisplayName: name,
			Color:       field(row, idx, "route_color"),
		}
	}
	return nil
}

func (c *Catalog) loadStops(f *zip.File) error {
	r, closer, err := openCSV(f)
	if err != nil {
		return err
	}
	defer closer.Close()

	idx, err := headerIndex(r, "stops.txt", "stop_id", "stop_name", "stop_lat", "stop_lon")
	if err != nil {
		return err
	}
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			c.skipped++
			continue
		}
		stopID := field(row, idx, "stop_id")
		name := field(row, idx, "stop_name")
		lat, latErr := strconv.ParseFloat(field(row, idx, "stop_lat"), 64)
		lon, lonErr := strconv.ParseFloat(field(row, idx, "stop_lon"), 64)
		if stopID == "" || name == "" || latErr != nil || lonErr != nil {
			c.skipped++
			continue
		}
		parent := field(row, idx, "parent_station")
		if parent != "" {
			c.parents[stopID] = parent
			continue
		}
		c.stations[stopID] = &transit.Station{
			StopID: stopID,
			Name:   name,
			Lat:    lat,
			Lon:    lon,
		}
	}
	return nil
}

// loadRoutesServed joins trips.txt (trip -> route) with stop_times.txt
// (trip -> stop) to compute the set of routes serving each station.
func (c *Catalog) loadRoutesServed(tripsFile, stopTimesFile *zip.File) error {
	r, closer, err := openCSV(tripsFile)
	if err != nil {
		return err
	}
	idx, err := headerIndex(r, "trips.txt", "trip_id", "route_id")
	if err != nil {
		closer.Close()
		return err
	}
	tripRoute := make(map[string]string)
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		if tripID, routeID := field(row, idx, "trip_id"), field(row, idx, "route_id"); tripID != "" && routeID != "" {
			tripRoute[tripID] = routeID
		}
	}
	closer.Close()

	r, closer, err = openCSV(stopTimesFile)
	if err != nil {
		return err
	}
	defer closer.Close()
	idx, err = headerIndex(r, "stop_times.txt", "trip_id", "stop_id")
	if err != nil {
		return err
	}
	served := make(map[string]map[string]struct{})
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		tripID := field(row, idx, "trip_id")
		stopID := c.Resolve(field(row, idx, "stop_id"))
		if stopID == "" {
			continue
		}
		if secs, ok := parseGTFSTime(field(row, idx, "arrival_time")); ok && tripID != "" {
			c.schedule[scheduleKey{tripID, stopID}] = secs
		}
		routeID := tripRoute[tripID]
		if routeID == "" {
			continue
		}
		if served[stopID] == nil {
			served[stopID] = make(map[string]struct{})
		}
		served[stopID][routeID] = struct{}{}
	}
	for stopID, routeSet := range served {
		st, ok := c.stations[stopID]
		if !ok {
			continue
		}
		for routeID := range routeSet {
			st.RoutesServed = append(st.RoutesServed, routeID)
		}
	}
	return nil
}

// parseGTFSTime converts a GTFS HH:MM:SS clock value to seconds into the
// service day. Hours past 23 are legal; trips running after midnight belong
// to the previous service day.
func parseGTFSTime(s string) (int, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, hErr := strconv.Atoi(parts[0])
	m, mErr := strconv.Atoi(parts[1])
	sec, sErr := strconv.Atoi(parts[2])
	if hErr != nil || mErr != nil || sErr != nil || h < 0 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, false
	}
	return h*3600 + m*60 + sec, true
}

// ScheduledArrival returns the scheduled arrival for a trip at a stop as
// seconds into the service day. The stop id is resolved to its analytics
// station first. False when stop_times.txt was absent or has no row for the
// pair.
func (c *Catalog) ScheduledArrival(tripID, stopID string) (int, bool) {
	secs, ok := c.schedule[scheduleKey{tripID, c.Resolve(stopID)}]
	return secs, ok
}

// Resolve maps a stop id to its analytics station: the parent station for
// child stops, the id itself otherwise. Unknown ids resolve to themselves
// after trimming a trailing direction letter, matching the vendor's
// platform-id convention.
func (c *Catalog) Resolve(stopID string) string {
	if stopID == "" {
		return ""
	}
	if parent, ok := c.parents[stopID]; ok {
		return parent
	}
	if _, ok := c.stations[stopID]; ok {
		return stopID
	}
	if n := len(stopID); n > 1 {
		last := stopID[n-1]
		if last == 'N' || last == 'S' || last == 'E' || last == 'W' {
			base := stopID[:n-1]
			if _, ok := c.stations[base]; ok {
				return base
			}
		}
	}
	return stopID
}

// LookupStation returns the analytics station for a stop id, resolving
// children to their parent.
func (c *Catalog) LookupStation(stopID string) (*transit.Station, bool) {
	st, ok := c.stations[c.Resolve(stopID)]
	return st, ok
}

// LookupRoute returns a route by id.
func (c *Catalog) LookupRoute(routeID string) (*transit.Route, bool) {
	rt, ok := c.routes[routeID]
	return rt, ok
}

// Stations returns every analytics station.
func (c *Catalog) Stations() []*transit.Station {
	out := make([]*transit.Station, 0, len(c.stations))
	for _, st := range c.stations {
		out = append(out, st)
	}
	return out
}

// StationsInBounds returns the stations inside the bounding box.
func (c *Catalog) StationsInBounds(box BBox) []*transit.Station {
	var out []*transit.Station
	for _, st := range c.stations {
		if box.Contains(st.Lat, st.Lon) {
			out = append(out, st)
		}
	}
	return out
}

// Routes returns every route.
func (c *Catalog) Routes() []*transit.Route {
	out := make([]*transit.Route, 0, len(c.routes))
	for _, rt := range c.routes {
		out = append(out, rt)
	}
	return out
}

// Skipped reports how many invalid rows were dropped during load.
func (c *Catalog) Skipped() int { return c.skipped }
