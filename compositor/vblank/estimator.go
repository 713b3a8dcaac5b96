/*
Package vblank turns noisy vertical-retrace timestamps into a smoothed
prediction of the next retrace time and the refresh period.

Consumer display retrace signalling is jittery. A 2-state Kalman filter with a
constant-velocity model (state x = [vblankTime, frameInterval], transition
x_{k+1} = [[1,1],[0,1]] x_k) smooths the samples and forecasts far enough
ahead that GPU work can be scheduled without busy-waiting a full frame.
*/
package vblank

import (
	"math"
)

// Sample is one timestamped observation of the hardware retrace counter.
type Sample struct {
	// TimestampNS is the time the retrace was observed, in nanoseconds.
	TimestampNS int64
	// Counter is the hardware retrace counter value at that time.
	Counter uint64
}

// Default noise tuning, in nanosecond units. The measurement noise is tuned
// empirically to the jitter of the retrace signal as delivered by consumer
// display drivers.
const (
	processNoisePosition = 50.0 * 50.0
	processNoiseVelocity = 20.0 * 20.0
	measurementNoise     = 1.5e5 * 1.5e5
)

// Estimator is the 2-state filter. It exclusively owns its state; callers
// interact through Start/Update/UpdateSample/PredictNextVblankTime only.
type Estimator struct {
	// x[0] = estimated time of the most recent vblank, x[1] = frame interval.
	x [2]float64
	// p is the 2x2 state covariance.
	p [2][2]float64
	// q is the process noise diagonal, r the scalar measurement noise.
	q [2]float64
	r float64

	started bool
	updates uint64
}

func NewEstimator() *Estimator {
	return &Estimator{
		q: [2]float64{processNoisePosition, processNoiseVelocity},
		r: measurementNoise,
	}
}

// Start initializes the state from a single sample and a nominal refresh rate.
// The initial variances reflect how little one sample tells us: the position
// is trusted to roughly one frame, the velocity to a tenth of one.
func (e *Estimator) Start(sample Sample, approxRateHz float64) {
	interval := 1e9 / approxRateHz
	e.x[0] = float64(sample.TimestampNS)
	e.x[1] = interval

	e.p = [2][2]float64{}
	e.p[0][0] = interval * interval
	sigmaV := 1e9 / (10.0 * approxRateHz)
	e.p[1][1] = sigmaV * sigmaV

	e.started = true
	e.updates = 0
}

func (e *Estimator) Started() bool {
	return e.started
}

// PredictNextVblankTime returns the forecast time of the next retrace.
// Side-effect free.
func (e *Estimator) PredictNextVblankTime() int64 {
	return int64(e.x[0] + e.x[1])
}

// Period returns the current frame interval estimate in nanoseconds.
func (e *Estimator) Period() int64 {
	return int64(e.x[1])
}

// PositionStdDev is the standard deviation of the vblank time estimate,
// sqrt(P[0][0]). The display uses it to size the pre-vsync wait pad.
func (e *Estimator) PositionStdDev() float64 {
	return math.Sqrt(e.p[0][0])
}

// predict advances state and covariance by the process model:
// x' = F x, P' = F P Ft + Q with F = [[1,1],[0,1]].
func (e *Estimator) predict() {
	e.x[0] += e.x[1]

	p00 := e.p[0][0] + e.p[0][1] + e.p[1][0] + e.p[1][1] + e.q[0]
	p01 := e.p[0][1] + e.p[1][1]
	p10 := e.p[1][0] + e.p[1][1]
	p11 := e.p[1][1] + e.q[1]
	e.p = [2][2]float64{{p00, p01}, {p10, p11}}
}

// Update advances the filter by the process model alone. Called once per
// inferred-but-unobserved retrace (a skipped hardware sample) so the filter's
// internal event count stays aligned with the hardware counter.
func (e *Estimator) Update() {
	e.predict()
	e.updates++
}

// UpdateSample folds a fresh measurement into the filter with the standard
// scalar Kalman correction (H = [1, 0]) and returns the post-fit residual.
// If N hardware samples were skipped since the last observed one, call
// Update() N times before this.
func (e *Estimator) UpdateSample(sample Sample) float64 {
	e.predict()

	z := float64(sample.TimestampNS)
	y := z - e.x[0]
	s := e.p[0][0] + e.r
	k0 := e.p[0][0] / s
	k1 := e.p[1][0] / s

	e.x[0] += k0 * y
	e.x[1] += k1 * y

	p00 := (1 - k0) * e.p[0][0]
	p01 := (1 - k0) * e.p[0][1]
	p10 := e.p[1][0] - k1*e.p[0][0]
	p11 := e.p[1][1] - k1*e.p[0][1]
	e.p = [2][2]float64{{p00, p01}, {p10, p11}}

	e.updates++
	return z - e.x[0]
}
