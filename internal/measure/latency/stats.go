package latency

import "math"

// Mean of values, absent for an empty slice.
func Mean(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), true
}

// StdDev is the sample standard deviation (n-1), absent below two values.
func StdDev(values []float64) (float64, bool) {
	if len(values) < 2 {
		return 0, false
	}
	mean, _ := Mean(values)
	var m2 float64
	for _, v := range values {
		d := v - mean
		m2 += d * d
	}
	return math.Sqrt(m2 / float64(len(values)-1)), true
}
