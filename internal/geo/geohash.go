// Package geo provides geolocation utilities: geofence evaluation for check-ins and
// coarse geohashes for privacy-preserving incident locations.
package geo

import "strings"

// DefaultPrecision is the geohash length attached to incident notifications.
// Six characters is roughly a 1.2 km x 0.6 km cell, which is enough to route
// responders to an area without publishing an exact position to every subscriber.
const DefaultPrecision = 6

// base32 is the geohash alphabet. It omits 'a', 'i', 'l' and 'o'.
const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode encodes latitude and longitude into a geohash string of the given length.
// A precision below 1 falls back to DefaultPrecision.
func Encode(lat, lng float64, precision int) string {
	if precision < 1 {
		precision = DefaultPrecision
	}

	latLo, latHi := -90.0, 90.0
	lngLo, lngHi := -180.0, 180.0

	var sb strings.Builder
	sb.Grow(precision)

	var (
		bit  int
		ch   uint
		even = true
	)
	for sb.Len() < precision {
		if even {
			mid := (lngLo + lngHi) / 2
			if lng > mid {
				ch |= 1 << (4 - bit)
				lngLo = mid
			} else {
				lngHi = mid
			}
		} else {
			mid := (latLo + latHi) / 2
			if lat > mid {
				ch |= 1 << (4 - bit)
				latLo = mid
			} else {
				latHi = mid
			}
		}
		even = !even

		if bit++; bit == 5 {
			sb.WriteByte(base32[ch])
			bit, ch = 0, 0
		}
	}

	return sb.String()
}

// EncodePoint is Encode for a Point at DefaultPrecision.
func EncodePoint(p Point) string {
	return Encode(p.Lat, p.Lng, DefaultPrecision)
}

// RoundGeohash lowercases a geohash and truncates it to precision.
// It returns "" for empty input, a precision below 1, or characters outside the alphabet.
func RoundGeohash(input string, precision int) string {
	if input == "" || precision < 1 {
		return ""
	}

	lower := strings.ToLower(input)
	for _, c := range lower {
		if !strings.ContainsRune(base32, c) {
			return ""
		}
	}

	if len(lower) <= precision {
		return lower
	}
	return lower[:precision]
}
