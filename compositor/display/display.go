package display

import (
	"fmt"
	"time"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/compositor/core"
	"github.com/spaghettifunk/prisma/compositor/vblank"
	"github.com/spaghettifunk/prisma/compositor/vulkan"
)

// The wait pad is sized from the filter covariance so a confident filter
// wastes less CPU spinning, but never collapses below the scheduler's
// wake-up slop nor balloons past a small fraction of the frame.
const (
	minWaitPadNS = 200_000
	maxWaitPadNS = 2_000_000
)

// Display couples the retrace source with the vblank estimator and fronts the
// swapchain for the render loop.
type Display struct {
	context *vulkan.VulkanContext
	source  RetraceSource
	est     *vblank.Estimator

	rateHz      float64
	lastCounter uint64
	frameIndex  uint64
}

func New(context *vulkan.VulkanContext, source RetraceSource, rateHz float64) *Display {
	return &Display{
		context: context,
		source:  source,
		est:     vblank.NewEstimator(),
		rateHz:  rateHz,
	}
}

// StartVblankEstimator brings up the retrace source, waits for one transition
// and seeds the filter from it. A display with no usable retrace capability
// is a configuration error; the compositor cannot run open-loop.
func (d *Display) StartVblankEstimator() error {
	if d.source == nil {
		err := fmt.Errorf("display exposes no retrace capability: %w", core.ErrConfiguration)
		core.LogError(err.Error())
		return err
	}
	if err := d.source.Start(); err != nil {
		return err
	}
	sample, err := d.source.WaitNext()
	if err != nil {
		return err
	}
	d.est.Start(sample, d.rateHz)
	d.lastCounter = sample.Counter
	core.LogInfo("Vblank estimator seeded at %.1f Hz (counter %d).", d.rateHz, sample.Counter)
	return nil
}

// Vsync blocks until the next retrace and folds it into the estimator. The
// thread sleeps until shortly before the predicted retrace, with the pad
// derived from the filter's own position uncertainty, then blocks on the
// source. Returns the number of missed retraces since the previous call.
func (d *Display) Vsync() (uint64, error) {
	if d.est.Started() {
		pad := int64(3.0 * d.est.PositionStdDev())
		if pad < minWaitPadNS {
			pad = minWaitPadNS
		}
		if pad > maxWaitPadNS {
			pad = maxWaitPadNS
		}
		wake := d.est.PredictNextVblankTime() - pad
		if delay := wake - core.NowNS(); delay > 0 {
			time.Sleep(time.Duration(delay) * time.Nanosecond)
		}
	}

	sample, err := d.source.WaitNext()
	if err != nil {
		return 0, err
	}

	delta := sample.Counter - d.lastCounter
	if delta == 0 {
		// Source repeated itself; nothing new to learn.
		return 0, nil
	}
	missed := delta - 1
	for i := uint64(0); i < missed; i++ {
		d.est.Update()
	}
	residual := d.est.UpdateSample(sample)

	d.lastCounter = sample.Counter
	d.frameIndex += delta
	if missed > 0 {
		core.MetricsMissedVblanks(missed)
		core.LogDebug("Missed %d retrace(s), residual %.0fns.", missed, residual)
	}
	return missed, nil
}

// FrameIndex is the running count of hardware retraces observed, including
// inferred missed ones.
func (d *Display) FrameIndex() uint64 {
	return d.frameIndex
}

// Predicted returns the forecast next retrace time and the period estimate.
func (d *Display) Predicted() (predictedNS int64, periodNS int64) {
	return d.est.PredictNextVblankTime(), d.est.Period()
}

// AcquireImage hands out the next swapchain image, signalling readySignal
// when it is actually available.
func (d *Display) AcquireImage(readySignal vk.Semaphore) (uint32, error) {
	return d.context.Swapchain.SwapchainAcquireNextImageIndex(d.context, ^uint64(0), readySignal, nil)
}

// Present queues the image for the next retrace, gated on doneSignal. When
// the retrace source is present-clocked, the completion time is fed back to
// it here.
func (d *Display) Present(doneSignal vk.Semaphore, imageIndex uint32) error {
	if err := d.context.Swapchain.SwapchainPresent(d.context, d.context.Device.PresentQueue, doneSignal, imageIndex); err != nil {
		return err
	}
	if pcs, ok := d.source.(*PresentClockedSource); ok {
		pcs.Observe(core.NowNS())
	}
	return nil
}

func (d *Display) Close() error {
	if d.source != nil {
		return d.source.Close()
	}
	return nil
}

// ListDisplays logs the connected monitors with their current video modes.
func ListDisplays() {
	monitors := glfw.GetMonitors()
	if len(monitors) == 0 {
		core.LogWarn("No displays found.")
		return
	}
	for i, m := range monitors {
		mode := m.GetVideoMode()
		core.LogInfo("Display %d: %s %dx%d @ %dHz", i, m.GetName(), mode.Width, mode.Height, mode.RefreshRate)
	}
}
