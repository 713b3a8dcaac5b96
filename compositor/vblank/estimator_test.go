package vblank

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRateHz         = 90.0
	testPeriodNS int64 = 11_111_111 // 1e9 / 90, rounded
)

// Feeds a jittered synthetic 90 Hz sample stream and checks that the period
// estimate converges to the true period and that the one-step prediction error
// has strictly lower variance than the raw sample jitter.
func TestEstimatorConvergesAndSmooths(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	jitterStdDev := 150_000.0 // 150us, matches the measurement noise tuning

	e := NewEstimator()
	t0 := int64(1_000_000_000)
	e.Start(Sample{TimestampNS: t0 + int64(rng.NormFloat64()*jitterStdDev), Counter: 1}, testRateHz)

	const warmup = 100
	const measured = 400

	var predErrors []float64
	var jitters []float64
	for k := 1; k <= warmup+measured; k++ {
		trueTime := t0 + int64(k)*testPeriodNS
		jitter := rng.NormFloat64() * jitterStdDev
		sample := Sample{TimestampNS: trueTime + int64(jitter), Counter: uint64(k + 1)}

		if k > warmup {
			predErrors = append(predErrors, float64(e.PredictNextVblankTime()-trueTime))
			jitters = append(jitters, jitter)
		}
		e.UpdateSample(sample)
	}

	// Period estimate converged within 20us of the true period.
	assert.InDelta(t, float64(testPeriodNS), float64(e.Period()), 20_000)

	assert.Less(t, variance(predErrors), variance(jitters),
		"filter prediction should be smoother than the raw samples")
}

// Process-model-only updates must extrapolate exactly along the constant
// velocity model: after N Update() calls the prediction is x0 + (N+1)*x1 of
// the starting state, and a sample landing exactly there leaves the state
// mean in place (near-zero residual).
func TestEstimatorMissedSampleConsistency(t *testing.T) {
	e := NewEstimator()
	t0 := int64(5_000_000_000)
	e.Start(Sample{TimestampNS: t0, Counter: 1}, testRateHz)

	x0, x1 := e.x[0], e.x[1]

	const missed = 7
	for i := 0; i < missed; i++ {
		e.Update()
	}
	expected := x0 + float64(missed+1)*x1
	assert.InDelta(t, expected, float64(e.PredictNextVblankTime()), 1.0)

	// A measurement exactly on the extrapolated trajectory barely moves the state.
	residual := e.UpdateSample(Sample{TimestampNS: int64(expected), Counter: missed + 2})
	assert.InDelta(t, 0.0, residual, 1.0)
	assert.InDelta(t, expected, e.x[0], 1.0)
	assert.InDelta(t, x1, e.x[1], 1.0)
}

func TestEstimatorPredictIsSideEffectFree(t *testing.T) {
	e := NewEstimator()
	e.Start(Sample{TimestampNS: 1_000_000, Counter: 1}, testRateHz)

	first := e.PredictNextVblankTime()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.PredictNextVblankTime())
	}
}

func TestEstimatorUncertaintyShrinksWithSamples(t *testing.T) {
	e := NewEstimator()
	t0 := int64(0)
	e.Start(Sample{TimestampNS: t0, Counter: 1}, testRateHz)

	initial := e.PositionStdDev()
	require.Greater(t, initial, 0.0)

	for k := 1; k <= 50; k++ {
		e.UpdateSample(Sample{TimestampNS: t0 + int64(k)*testPeriodNS, Counter: uint64(k + 1)})
	}
	assert.Less(t, e.PositionStdDev(), initial)
}

func variance(xs []float64) float64 {
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var v float64
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return v / float64(len(xs))
}
