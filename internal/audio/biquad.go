package audio

import "math"

// biquad is a direct-form-I second-order IIR filter section, configured per
// Robert Bristow-Johnson's audio EQ cookbook formulas. State (x1,x2,y1,y2)
// persists across calls so filtering a stream frame-by-frame is seamless at
// frame boundaries.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	x1, x2     float64
	y1, y2     float64
}

// newHighPass builds a high-pass biquad at the given cutoff frequency and Q,
// sampled at sampleRate Hz.
func newHighPass(cutoffHz, q float64, sampleRate int) *biquad {
	w0 := 2 * math.Pi * cutoffHz / float64(sampleRate)
	cosW0 := math.Cos(w0)
	sinW0 := math.Sin(w0)
	alpha := sinW0 / (2 * q)

	b0 := (1 + cosW0) / 2
	b1 := -(1 + cosW0)
	b2 := (1 + cosW0) / 2
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha

	return &biquad{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b2 / a0,
		a1: a1 / a0,
		a2: a2 / a0,
	}
}

// Process filters a single sample, updating internal state.
func (f *biquad) Process(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2 = f.x1
	f.x1 = x
	f.y2 = f.y1
	f.y1 = y
	return y
}

// softClip limits samples above unity amplitude with a smooth knee instead
// of hard truncation, so occasional mix overshoot doesn't produce audible
// crackle. Samples within [-1, 1] pass through unchanged.
func softClip(x float64) float64 {
	if x > 1 {
		return 1 - 1/(1+10*(x-1))
	}
	if x < -1 {
		return -(1 - 1/(1+10*(-x-1)))
	}
	return x
}
