package compositor

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prisma/compositor/core"
	"github.com/spaghettifunk/prisma/compositor/daemon"
	"github.com/spaghettifunk/prisma/compositor/shared"
)

func init() {
	core.MetricsInitialize()
}

// newFrameHarness builds a compositor with real shared memory and the
// simulated daemon but no GPU behind it; decideFrame never touches the GPU.
func newFrameHarness(t *testing.T) *Compositor {
	t.Helper()
	channel, err := shared.CreateChannel()
	require.NoError(t, err)
	images, err := shared.CreateImageRegion(64, 32)
	require.NoError(t, err)
	t.Cleanup(func() {
		channel.Close()
		images.Close()
	})
	return New(nil, nil, daemon.NewSimulated(64, 32, 4_000_000), channel, images)
}

func trackedPose() daemon.PoseState {
	return daemon.PoseState{TrackingOK: true}
}

func TestDecideFrameDegradedModes(t *testing.T) {
	c := newFrameHarness(t)
	rec := shared.VblankTimerRecord{PredictedVblankNS: core.NowNS()}

	mode, _ := c.decideFrame(daemon.PoseState{}, false, rec)
	assert.Equal(t, frameBlack, mode, "headset off: black")

	mode, _ = c.decideFrame(daemon.PoseState{}, true, rec)
	assert.Equal(t, frameGray, mode, "worn but tracking lost: gray")

	mode, result := c.decideFrame(trackedPose(), true, rec)
	assert.Equal(t, frameBoundary, mode, "no client: boundary")
	assert.Equal(t, uint32(0), result.ImageIndex)
}

// A connected client that has not submitted yet owns the shared images, so
// the compositor holds black rather than drawing the boundary grid into them.
func TestDecideFrameHoldsBlackForClientWithoutFrames(t *testing.T) {
	c := newFrameHarness(t)
	rec := shared.VblankTimerRecord{PredictedVblankNS: core.NowNS()}

	// Poison the first image so any boundary write would be detectable.
	c.images.Image(0)[0] = 0x7F

	c.SetClientActive(true)
	mode, _ := c.decideFrame(trackedPose(), true, rec)
	assert.Equal(t, frameBlack, mode)
	assert.Equal(t, byte(0x7F), c.images.Image(0)[0], "client image must stay untouched")
}

func TestDecideFrameDropsHeldResultOnDisconnect(t *testing.T) {
	c := newFrameHarness(t)
	rec := shared.VblankTimerRecord{PredictedVblankNS: core.NowNS()}

	c.SetClientActive(true)
	result := shared.RenderResult{ImageIndex: 2, RenderTimestampNS: core.NowNS()}
	c.channel.RenderResults.Publish(&result)

	mode, got := c.decideFrame(trackedPose(), true, rec)
	assert.Equal(t, frameClient, mode)
	assert.Equal(t, uint32(2), got.ImageIndex)

	// No new publish: the newest frame is re-warped.
	mode, got = c.decideFrame(trackedPose(), true, rec)
	assert.Equal(t, frameClient, mode)
	assert.Equal(t, uint32(2), got.ImageIndex)

	// Disconnect. The loop drops the held frame on its next pass; the stale
	// client frame must not survive into the boundary mode.
	c.SetClientActive(false)
	mode, got = c.decideFrame(trackedPose(), true, rec)
	assert.Equal(t, frameBoundary, mode)
	assert.Equal(t, uint32(0), got.ImageIndex)

	// Reconnecting does not resurrect the departed client's frame either.
	c.SetClientActive(true)
	mode, _ = c.decideFrame(trackedPose(), true, rec)
	assert.Equal(t, frameBlack, mode)
}

// The push constant block must match the shader's std430 push_constant
// layout: mat4 at 0, the FOV tangents at 64, the eye U window at 80.
func TestWarpPushConstantLayout(t *testing.T) {
	var p warpPushConstants
	assert.EqualValues(t, 96, unsafe.Sizeof(p))
	assert.EqualValues(t, 0, unsafe.Offsetof(p.Rotation))
	assert.EqualValues(t, 64, unsafe.Offsetof(p.FOV))
	assert.EqualValues(t, 80, unsafe.Offsetof(p.UVBaseU))
	assert.EqualValues(t, 84, unsafe.Offsetof(p.UVScaleU))
}
