package display

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prisma/compositor/core"
	"github.com/spaghettifunk/prisma/compositor/vblank"
)

func init() {
	core.MetricsInitialize()
}

// scriptedSource replays a fixed sample sequence without sleeping.
type scriptedSource struct {
	samples []vblank.Sample
	next    int
}

func (s *scriptedSource) Start() error { return nil }

func (s *scriptedSource) WaitNext() (vblank.Sample, error) {
	if s.next >= len(s.samples) {
		return vblank.Sample{}, core.ErrDriver
	}
	sample := s.samples[s.next]
	s.next++
	return sample, nil
}

func (s *scriptedSource) Close() error { return nil }

func TestStartVblankEstimatorRequiresSource(t *testing.T) {
	d := New(nil, nil, 90.0)
	err := d.StartVblankEstimator()
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestVsyncCountsMissedRetraces(t *testing.T) {
	const periodNS = int64(11_111_111) // 90 Hz
	base := core.NowNS() - int64(1e9)

	at := func(counter uint64) vblank.Sample {
		return vblank.Sample{
			TimestampNS: base + int64(counter)*periodNS,
			Counter:     counter,
		}
	}

	src := &scriptedSource{samples: []vblank.Sample{
		at(1), // seed
		at(2),
		at(3),
		at(6), // three ticks late: 2 missed
		at(7),
	}}

	d := New(nil, src, 90.0)
	require.NoError(t, d.StartVblankEstimator())

	missed, err := d.Vsync()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), missed)

	missed, err = d.Vsync()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), missed)

	missed, err = d.Vsync()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), missed)

	missed, err = d.Vsync()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), missed)

	// The frame index tracks the hardware counter deltas, missed included.
	assert.Equal(t, uint64(6), d.FrameIndex())

	predicted, period := d.Predicted()
	assert.InDelta(t, float64(periodNS), float64(period), 5e5)
	assert.Greater(t, predicted, at(7).TimestampNS)

	// An exhausted source surfaces as a driver failure.
	_, err = d.Vsync()
	assert.ErrorIs(t, err, core.ErrDriver)
}

func TestSyntheticSourceCountersAdvance(t *testing.T) {
	src := NewSyntheticSource(1000.0)
	require.NoError(t, src.Start())

	prev, err := src.WaitNext()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		s, err := src.WaitNext()
		require.NoError(t, err)
		assert.Greater(t, s.Counter, prev.Counter)
		assert.Greater(t, s.TimestampNS, prev.TimestampNS)
		prev = s
	}

	require.NoError(t, src.Close())
	_, err = src.WaitNext()
	assert.Error(t, err)
}

func TestPresentClockedSourceInfersSkippedTicks(t *testing.T) {
	src := NewPresentClockedSource(90.0)
	require.NoError(t, src.Start())

	// Start queues the seed twice: once for the estimator, once for the
	// first retrace wait.
	seed, err := src.WaitNext()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seed.Counter)
	seed, err = src.WaitNext()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seed.Counter)

	const periodNS = int64(11_111_111)

	src.Observe(seed.TimestampNS + periodNS)
	s, err := src.WaitNext()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Counter)

	// A present that completes three periods later means two retraces went by
	// unpresented.
	src.Observe(s.TimestampNS + 3*periodNS)
	s, err = src.WaitNext()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), s.Counter)
}

// Before anything was ever presented the only sample producer is the loop
// itself, so the first retrace wait must not depend on a present having
// happened.
func TestVsyncBeforeFirstPresentReturns(t *testing.T) {
	src := NewPresentClockedSource(90.0)
	d := New(nil, src, 90.0)
	require.NoError(t, d.StartVblankEstimator())

	done := make(chan error, 1)
	go func() {
		_, err := d.Vsync()
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first vsync wait never returned")
	}

	// The present feedback takes over from here.
	src.Observe(core.NowNS() + 11_111_111)
	missed, err := d.Vsync()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), missed)
}

func TestPresentClockedSourceCloseStopsWaiters(t *testing.T) {
	src := NewPresentClockedSource(90.0)
	require.NoError(t, src.Start())
	_, err := src.WaitNext()
	require.NoError(t, err)
	_, err = src.WaitNext()
	require.NoError(t, err)

	require.NoError(t, src.Close())
	_, err = src.WaitNext()
	assert.ErrorIs(t, err, core.ErrDriver)

	// A present completing after teardown is dropped, not delivered.
	src.Observe(core.NowNS())
	_, err = src.WaitNext()
	assert.ErrorIs(t, err, core.ErrDriver)
}
