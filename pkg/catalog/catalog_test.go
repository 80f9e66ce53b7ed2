// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package catalog

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBundle(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "google_transit.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

const stopsCSV = `stop_id,stop_name,stop_lat,stop_lon,location_type,parent_station
635,14 St-Union Sq,40.734673,-73.989951,1,
635N,14 St-Union Sq,40.734673,-73.989951,0,635
635S,14 St-Union Sq,40.734673,-73.989951,0,635
L03,Union Sq-14 St,40.734789,-73.990770,1,
bogus,,not-a-lat,-73.1,0,
`

const routesCSV = `route_id,route_short_name,route_long_name,route_color
6,6,Lexington Av Local,00933C
L,L,14 St-Canarsie Local,A7A9AC
,missing,id,FFFFFF
`

const tripsCSV = `route_id,service_id,trip_id,direction_id
6,Weekday,trip-6-1,1
L,Weekday,trip-l-1,0
`

const stopTimesCSV = `trip_id,arrival_time,departure_time,stop_id,stop_sequence
trip-6-1,08:00:00,08:00:30,635N,1
trip-l-1,08:01:00,08:01:30,L03,1
`

func validBundle(t *testing.T) string {
	return writeBundle(t, map[string]string{
		"stops.txt":      stopsCSV,
		"routes.txt":     routesCSV,
		"trips.txt":      tripsCSV,
		"stop_times.txt": stopTimesCSV,
	})
}

func TestLoad(t *testing.T) {
	c, err := Load(validBundle(t))
	require.NoError(t, err)

	assert.Len(t, c.Stations(), 2)
	assert.Len(t, c.Routes(), 2)
	// one bad stop row and one bad route row
	assert.Equal(t, 2, c.Skipped())

	rt, ok := c.LookupRoute("6")
	require.True(t, ok)
	assert.Equal(t, "Lexington Av Local", rt.DisplayName)
	assert.Equal(t, "00933C", rt.Color)
}

func TestChildStopsRollUp(t *testing.T) {
	c, err := Load(validBundle(t))
	require.NoError(t, err)

	assert.Equal(t, "635", c.Resolve("635N"))
	assert.Equal(t, "635", c.Resolve("635S"))
	assert.Equal(t, "635", c.Resolve("635"))

	st, ok := c.LookupStation("635S")
	require.True(t, ok)
	assert.Equal(t, "635", st.StopID)

	// Children are never surfaced as stations.
	for _, st := range c.Stations() {
		assert.Empty(t, st.ParentID)
		assert.NotContains(t, []string{"635N", "635S"}, st.StopID)
	}
}

func TestRoutesServed(t *testing.T) {
	c, err := Load(validBundle(t))
	require.NoError(t, err)

	st, ok := c.LookupStation("635")
	require.True(t, ok)
	assert.Equal(t, []string{"6"}, st.RoutesServed)
}

func TestStationsInBounds(t *testing.T) {
	c, err := Load(validBundle(t))
	require.NoError(t, err)

	all := c.StationsInBounds(BBox{MinLat: 40, MinLon: -75, MaxLat: 41, MaxLon: -73})
	assert.Len(t, all, 2)

	none := c.StationsInBounds(BBox{MinLat: 50, MinLon: 0, MaxLat: 51, MaxLon: 1})
	assert.Empty(t, none)
}

func TestLoadDeterministic(t *testing.T) {
	path := validBundle(t)
	a, err := Load(path)
	require.NoError(t, err)
	b, err := Load(path)
	require.NoError(t, err)

	ids := func(c *Catalog) map[string]bool {
		out := map[string]bool{}
		for _, st := range c.Stations() {
			out[st.StopID] = true
		}
		return out
	}
	assert.Equal(t, ids(a), ids(b))
}

func TestBOMHeaderIsStripped(t *testing.T) {
	path := writeBundle(t, map[string]string{
		"stops.txt":  "\ufeff" + stopsCSV,
		"routes.txt": routesCSV,
	})
	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Stations(), 2, "a BOM on the header row must not hide stop_id")
}

func TestScheduledArrival(t *testing.T) {
	c, err := Load(validBundle(t))
	require.NoError(t, err)

	secs, ok := c.ScheduledArrival("trip-6-1", "635N")
	require.True(t, ok)
	assert.Equal(t, 8*3600, secs)

	// The parent station resolves to the same row.
	secs, ok = c.ScheduledArrival("trip-6-1", "635")
	require.True(t, ok)
	assert.Equal(t, 8*3600, secs)

	_, ok = c.ScheduledArrival("trip-6-1", "999")
	assert.False(t, ok)
	_, ok = c.ScheduledArrival("nope", "635")
	assert.False(t, ok)
}

func TestParseGTFSTime(t *testing.T) {
	secs, ok := parseGTFSTime("08:00:30")
	require.True(t, ok)
	assert.Equal(t, 8*3600+30, secs)

	// Post-midnight trips carry hours past 23.
	secs, ok = parseGTFSTime("25:30:00")
	require.True(t, ok)
	assert.Equal(t, 25*3600+30*60, secs)

	for _, bad := range []string{"", "8:00", "aa:bb:cc", "08:61:00", "08:00:75"} {
		_, ok := parseGTFSTime(bad)
		assert.False(t, ok, "input %q", bad)
	}
}

func TestCatalogMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.zip"))
	assert.ErrorIs(t, err, ErrCatalogMissing)

	path := writeBundle(t, map[string]string{"stops.txt": stopsCSV})
	_, err = Load(path)
	assert.ErrorIs(t, err, ErrCatalogMissing)
}
