package patterns

import "math"

// erf implements the Abramowitz & Stegun rational approximation (7.1.26).
// Maximum absolute error is 1.5e-7, well inside what percentile flagging
// needs. The constants are part of the published approximation and must not
// be tuned.
func erf(x float64) float64 {
	const (
		a1 = 0.254829592
		a2 = -0.284496736
		a3 = 1.421413741
		a4 = -1.453152027
		a5 = 1.061405429
		p  = 0.3275911
	)
	sign := 1.0
	if x < 0 {
		sign = -1.0
		x = -x
	}
	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)
	return sign * y
}

// Percentile places value on the standard-normal CDF defined by the
// population mean and standard deviation, in [0,100].
func Percentile(value, mean, stdDev float64) float64 {
	if stdDev <= 0 {
		return 50
	}
	z := (value - mean) / stdDev
	return 50 * (1 + erf(z/math.Sqrt2))
}

// variance returns the population variance of vs.
func variance(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	mean := sum / float64(len(vs))
	var sq float64
	for _, v := range vs {
		d := v - mean
		sq += d * d
	}
	return sq / float64(len(vs))
}
