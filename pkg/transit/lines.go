// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package transit

import (
	"strings"
	"time"
)

// Route-to-line grouping. Routes sharing trackage are analyzed as one line
// so that headway statistics see every train that actually serves a stop.
var routeLines = map[string]string{
	"N": "nqrw",
	"Q": "nqrw",
	"R": "nqrw",
	"W": "nqrw",
	"B": "bdfm",
	"D": "bdfm",
	"F": "bdfm",
	"M": "bdfm",
	"A": "ace",
	"C": "ace",
	"E": "ace",
	"H": "ace",
	"J": "jz",
	"Z": "jz",
	"FS": "ace",
	"GS": "s",
	"SIR": "si",
}

// LineForRoute maps a GTFS route id to its analysis line. Express variants
// collapse into their local route ("6X" scores with "6").
func LineForRoute(routeID string) string {
	if routeID == "" {
		return ""
	}
	if len(routeID) > 1 && routeID[len(routeID)-1] == 'X' {
		routeID = routeID[:len(routeID)-1]
	}
	if line, ok := routeLines[routeID]; ok {
		return line
	}
	return strings.ToLower(routeID)
}

// IsRushHour reports whether hour (local, 24h) on a weekday falls in the
// morning or evening peak.
func IsRushHour(hour int, weekday time.Weekday) bool {
	if weekday == time.Sunday || weekday == time.Saturday {
		return false
	}
	return (hour >= 7 && hour <= 10) || (hour >= 17 && hour <= 20)
}
