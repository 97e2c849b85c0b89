package strategy

import "math"

// Mean is the arithmetic mean, or 0 for no values.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev is the population standard deviation, or 0 for fewer than two
// values.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(values)))
}

// SMA is the simple moving average of the last n values. ok is false
// when there are fewer than n values.
func SMA(values []float64, n int) (float64, bool) {
	if n <= 0 || len(values) < n {
		return 0, false
	}
	return Mean(values[len(values)-n:]), true
}

// ZScore is how many standard deviations the last value sits from the mean
// of the trailing window, the last value included.
func ZScore(values []float64, n int) (float64, bool) {
	if n < 2 || len(values) < n {
		return 0, false
	}
	window := values[len(values)-n:]
	sd := StdDev(window)
	if sd == 0 {
		return 0, false
	}
	return (window[len(window)-1] - Mean(window)) / sd, true
}

// RSI is Wilder's relative strength index over n periods.
func RSI(values []float64, n int) (float64, bool) {
	if n <= 0 || len(values) < n+1 {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(n)
	loss /= float64(n)
	for i := n + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		gain = (gain*float64(n-1) + g) / float64(n)
		loss = (loss*float64(n-1) + l) / float64(n)
	}
	if loss == 0 {
		return 100, true
	}
	rs := gain / loss
	return 100 - 100/(1+rs), true
}

// RateOfChange is the fractional change of the last value over n periods.
func RateOfChange(values []float64, n int) (float64, bool) {
	if n <= 0 || len(values) < n+1 {
		return 0, false
	}
	base := values[len(values)-1-n]
	if base == 0 {
		return 0, false
	}
	return (values[len(values)-1] - base) / base, true
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
