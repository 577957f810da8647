// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2025 Sumner Evans
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package connector

import (
	"fmt"
	"strconv"
	"strings"
)

// GeoURI is a pair of coordinates as carried by Matrix's m.location events,
// which embed them in a "geo:" URI rather than as separate fields.
type GeoURI struct {
	Lat  float64
	Long float64
}

func GeoURIFromLatLong(lat, long float64) GeoURI {
	return GeoURI{Lat: lat, Long: long}
}

// ParseGeoURI parses a "geo:<lat>,<long>" URI, ignoring any trailing
// ";u=<uncertainty>" parameter.
func ParseGeoURI(uri string) (g GeoURI, err error) {
	const prefix = "geo:"
	if !strings.HasPrefix(uri, prefix) {
		return g, fmt.Errorf("invalid geo URI: %s", uri)
	}
	coordinates, _, _ := strings.Cut(strings.TrimPrefix(uri, prefix), ";")
	lat, long, ok := strings.Cut(coordinates, ",")
	if !ok {
		return g, fmt.Errorf("geo coordinates not formatted properly")
	}
	if g.Lat, err = strconv.ParseFloat(lat, 64); err != nil {
		return g, fmt.Errorf("failed to parse latitude: %w", err)
	}
	if g.Long, err = strconv.ParseFloat(long, 64); err != nil {
		return g, fmt.Errorf("failed to parse longitude: %w", err)
	}
	return g, nil
}

func (g GeoURI) URI() string {
	return fmt.Sprintf("geo:%f,%f", g.Lat, g.Long)
}
