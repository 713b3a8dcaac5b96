/*
Package display owns the output side of the compositor: the retrace timing
source, the vblank estimator feeding, and the swapchain acquire/present pair.
*/
package display

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/prisma/compositor/core"
	"github.com/spaghettifunk/prisma/compositor/vblank"
)

// RetraceSource delivers one timestamped sample per observed vertical
// retrace. The concrete source is chosen once at startup; the render loop
// never branches on the detection mechanism again.
type RetraceSource interface {
	Start() error
	// WaitNext blocks until the next retrace is observed. The sample counter
	// is the hardware (or inferred) retrace count, so gaps in it tell the
	// caller how many retraces were skipped.
	WaitNext() (vblank.Sample, error)
	Close() error
}

// SyntheticSource ticks at a fixed nominal rate with no hardware behind it.
// Used headless, in tests, and with --simulate. The counter is derived from
// wall time, so a late caller observes the skipped ticks in the counter gap
// just like it would on hardware.
type SyntheticSource struct {
	RateHz float64

	epochNS  int64
	periodNS int64
	closed   atomic.Bool
}

func NewSyntheticSource(rateHz float64) *SyntheticSource {
	return &SyntheticSource{RateHz: rateHz}
}

func (s *SyntheticSource) Start() error {
	s.epochNS = core.NowNS()
	s.periodNS = int64(1e9 / s.RateHz)
	return nil
}

func (s *SyntheticSource) WaitNext() (vblank.Sample, error) {
	if s.closed.Load() {
		return vblank.Sample{}, core.ErrClientGone
	}
	now := core.NowNS()
	elapsed := now - s.epochNS
	nextTick := elapsed/s.periodNS + 1
	target := s.epochNS + nextTick*s.periodNS
	time.Sleep(time.Duration(target-now) * time.Nanosecond)
	return vblank.Sample{
		TimestampNS: core.NowNS(),
		Counter:     uint64(nextTick),
	}, nil
}

func (s *SyntheticSource) Close() error {
	s.closed.Store(true)
	return nil
}

// PresentClockedSource is clocked by the presentation engine: with a FIFO
// swapchain, QueuePresent completion is locked to the retrace, so the render
// loop reports each present completion time via Observe. The retrace counter
// is inferred by rounding the elapsed time against the nominal period, which
// recovers skipped retraces.
type PresentClockedSource struct {
	RateHz float64

	periodNS int64
	lastNS   int64
	counter  uint64
	samples  chan vblank.Sample
	closed   atomic.Bool
	done     chan struct{}
}

func NewPresentClockedSource(rateHz float64) *PresentClockedSource {
	return &PresentClockedSource{
		RateHz:  rateHz,
		samples: make(chan vblank.Sample, 4),
		done:    make(chan struct{}),
	}
}

// Start emits the synthetic seed sample twice. The estimator seed consumes
// one; the second lets the loop's first retrace wait fall through to a
// present, which starts the Observe feedback every later sample comes from.
func (p *PresentClockedSource) Start() error {
	p.periodNS = int64(1e9 / p.RateHz)
	p.lastNS = core.NowNS()
	p.counter = 0
	seed := vblank.Sample{TimestampNS: p.lastNS, Counter: 0}
	p.samples <- seed
	p.samples <- seed
	return nil
}

// Observe is called by the render loop right after a present completes.
func (p *PresentClockedSource) Observe(timestampNS int64) {
	if p.closed.Load() {
		return
	}
	elapsed := timestampNS - p.lastNS
	ticks := uint64(math.Round(float64(elapsed) / float64(p.periodNS)))
	if ticks < 1 {
		ticks = 1
	}
	p.counter += ticks
	p.lastNS = timestampNS

	sample := vblank.Sample{TimestampNS: timestampNS, Counter: p.counter}
	select {
	case p.samples <- sample:
	default:
		// The loop is the only consumer; if it is behind, drop rather
		// than block the present path.
		core.LogWarn("retrace sample dropped, render loop is behind")
	}
}

func (p *PresentClockedSource) WaitNext() (vblank.Sample, error) {
	select {
	case sample := <-p.samples:
		return sample, nil
	case <-p.done:
		return vblank.Sample{}, core.ErrDriver
	}
}

// Close never closes the sample channel: a present completing during teardown
// may still call Observe, which must quietly drop instead of panicking.
func (p *PresentClockedSource) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		close(p.done)
	}
	return nil
}
