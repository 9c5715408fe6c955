// Package units provides shared constants and conversions for speed units.
// The simulation engine reports edge speeds in m/s; comparison and
// calibration logic works in km/h, matching the real-world sample feeds.
package units

// KmhPerMps is the conversion factor from metres per second to km/h.
const KmhPerMps = 3.6

// MpsToKmh converts a speed in metres per second to km/h.
func MpsToKmh(mps float64) float64 {
	return mps * KmhPerMps
}

// KmhToMps converts a speed in km/h to metres per second.
func KmhToMps(kmh float64) float64 {
	return kmh / KmhPerMps
}
