package face

import (
	"errors"
	"math"
)

// ErrNoEncodings is returned by Average when there is nothing to average.
var ErrNoEncodings = errors.New("face: no encodings to average")

// Distances returns the distance from probe to each known encoding, in the
// same order as known.
func Distances(known []Encoding, probe Encoding) []float64 {
	distances := make([]float64, len(known))
	for i, enc := range known {
		distances[i] = probe.Distance(enc)
	}
	return distances
}

// BestMatch returns the index of the closest known encoding within tolerance
// and its distance. When no encoding is within tolerance the index is -1 and
// the distance is the smallest one observed; on an empty slice both are zero
// values.
func BestMatch(known []Encoding, probe Encoding, tolerance float64) (int, float64) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	best := -1
	bestDistance := math.Inf(1)
	for i, enc := range known {
		if d := probe.Distance(enc); d < bestDistance {
			best = i
			bestDistance = d
		}
	}
	if best == -1 {
		return -1, 0
	}
	if bestDistance > tolerance {
		return -1, bestDistance
	}
	return best, bestDistance
}

// Average returns the element-wise mean of the given encodings. Averaging
// several shots of the same person yields a more robust enrollment encoding.
func Average(encodings []Encoding) (Encoding, error) {
	if len(encodings) == 0 {
		return Encoding{}, ErrNoEncodings
	}

	var avg Encoding
	for _, enc := range encodings {
		for i := range avg {
			avg[i] += enc[i]
		}
	}
	n := float64(len(encodings))
	for i := range avg {
		avg[i] /= n
	}
	return avg, nil
}
