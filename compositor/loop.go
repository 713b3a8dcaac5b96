package compositor

import (
	"fmt"
	"runtime"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/compositor/core"
	"github.com/spaghettifunk/prisma/compositor/daemon"
	"github.com/spaghettifunk/prisma/compositor/math"
	"github.com/spaghettifunk/prisma/compositor/shared"
	"github.com/spaghettifunk/prisma/compositor/vulkan"
)

// frameMode is what the current frame shows.
type frameMode int

const (
	// frameBlack: headset not worn, panel dark.
	frameBlack frameMode = iota
	// frameGray: worn but tracking lost, flat neutral gray.
	frameGray
	// frameBoundary: worn, tracked, no client; boundary grid through the
	// warp path.
	frameBoundary
	// frameClient: warp the newest client frame.
	frameClient
)

// Run is the render loop. It owns the calling goroutine until shutdown or a
// fatal driver error, and locks it to its OS thread since every blocking
// GPU/display wait happens here. The shutdown flag is polled at exactly two
// points: after Vsync and after the in-flight fence wait, never mid-frame.
func (c *Compositor) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := c.display.StartVblankEstimator(); err != nil {
		return err
	}
	c.frameClock.Start()

	for {
		missed, err := c.display.Vsync()
		if err != nil {
			return fmt.Errorf("vsync wait failed: %w", err)
		}
		_ = missed

		// Publish timing for the client and kick the broker's vsync byte.
		predicted, period := c.display.Predicted()
		rec := shared.VblankTimerRecord{
			FrameIndex:        c.display.FrameIndex(),
			PredictedVblankNS: predicted,
			PeriodNS:          period,
		}
		c.channel.VblankTimer.Publish(&rec)
		if fn, ok := c.onVsync.Load().(func(shared.VblankTimerRecord)); ok && fn != nil {
			fn(rec)
		}

		if c.shutdown.Load() {
			break
		}

		if c.geometryDirty.Swap(false) {
			if err := c.refreshGeometry(); err != nil {
				return fmt.Errorf("geometry refresh failed: %w", err)
			}
		}

		if err := c.renderFrame(rec); err != nil {
			return err
		}

		c.frameClock.Update()
		core.MetricsUpdate(c.frameClock.Elapsed() * 1e-9)
		c.frameClock.Start()

		if c.shutdown.Load() {
			break
		}
	}

	core.LogInfo("Render loop exiting.")
	return nil
}

func (c *Compositor) renderFrame(rec shared.VblankTimerRecord) error {
	ctx := c.context

	pose, err := c.dmn.Pose(c.trackerIndex())
	if err != nil {
		return fmt.Errorf("pose query failed: %w", err)
	}
	worn, err := c.dmn.Signal(c.proximityIndex())
	if err != nil {
		return fmt.Errorf("proximity query failed: %w", err)
	}

	mode, result := c.decideFrame(pose, worn, rec)

	// Backpressure: exactly one frame in flight.
	if !ctx.InFlightFence.FenceWait(ctx, ^uint64(0)) {
		err := fmt.Errorf("in-flight fence wait failed: %w", core.ErrDriver)
		core.LogError(err.Error())
		return err
	}
	if c.shutdown.Load() {
		return nil
	}
	if err := ctx.InFlightFence.FenceReset(ctx); err != nil {
		return err
	}

	imageIndex, err := c.display.AcquireImage(ctx.ImageAvailableSemaphore)
	if err != nil {
		return err
	}
	ctx.ImageIndex = imageIndex

	cb := ctx.GraphicsCommandBuffers[imageIndex]
	cb.Reset()
	if err := cb.Begin(false, false, false); err != nil {
		return err
	}

	draw := mode == frameClient || mode == frameBoundary
	if draw {
		if err := c.recordInputUpload(cb, result.ImageIndex); err != nil {
			return err
		}
	}

	switch mode {
	case frameGray:
		c.renderpass.SetClearColor(0.5, 0.5, 0.5, 1.0)
	default:
		c.renderpass.SetClearColor(0.0, 0.0, 0.0, 1.0)
	}
	c.renderpass.RenderpassBegin(cb, ctx.Swapchain.Framebuffers[imageIndex].Handle)

	if draw {
		if err := c.recordWarpDraw(cb, result, rec); err != nil {
			return err
		}
	}

	c.renderpass.RenderpassEnd(cb)
	if err := cb.End(); err != nil {
		return err
	}

	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   1,
		PWaitSemaphores:      []vk.Semaphore{ctx.ImageAvailableSemaphore},
		PWaitDstStageMask:    []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)},
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{cb.Handle},
		SignalSemaphoreCount: 1,
		PSignalSemaphores:    []vk.Semaphore{ctx.QueueCompleteSemaphore},
	}
	if res := vk.QueueSubmit(ctx.Device.GraphicsQueue, 1, []vk.SubmitInfo{submitInfo}, ctx.InFlightFence.Handle); res != vk.Success {
		err := fmt.Errorf("queue submit failed with %s: %w", vulkan.VulkanResultString(res, true), core.ErrDriver)
		core.LogError(err.Error())
		return err
	}
	cb.UpdateSubmitted()

	return c.display.Present(ctx.QueueCompleteSemaphore, imageIndex)
}

// decideFrame picks the frame mode and, for drawn modes, the render result to
// warp. Degraded states are drawn, never silent.
func (c *Compositor) decideFrame(pose daemon.PoseState, worn bool, rec shared.VblankTimerRecord) (frameMode, shared.RenderResult) {
	if !worn {
		return frameBlack, shared.RenderResult{}
	}
	if !pose.TrackingOK {
		return frameGray, shared.RenderResult{}
	}

	active := c.clientActive.Load()
	if !active {
		// A departed client's last frame must not outlive it.
		c.haveResult = false
	}
	if active {
		if !c.paused.Load() {
			var result shared.RenderResult
			if c.channel.RenderResults.Lock(&result) {
				c.lastResult = result
				c.haveResult = true
			} else if c.haveResult {
				core.MetricsRepeatedFrame()
			}
		}
		if c.haveResult {
			return frameClient, c.lastResult
		}
		// Connected but nothing submitted yet. The shared images are the
		// client's to write now, so hold black instead of scribbling the
		// boundary grid into them.
		return frameBlack, shared.RenderResult{}
	}

	// No client: boundary grid through the same warp path. The grid is drawn
	// at the predicted pose so it stays locked to the world, not the face.
	exposure := rec.PredictedVblankNS + c.deviceConfig.DisplayLatencyNS + c.exposureOffsetNS.Load()
	grid := shared.RenderResult{
		ImageIndex:        0,
		RenderTimestampNS: exposure,
		HeadPose:          ExtrapolatePose(pose.Pose, exposure),
	}
	DrawBoundaryGrid(c.images.Image(0), c.images.Width, c.images.Height)
	return frameBoundary, grid
}

// recordInputUpload copies the locked shared input image to its GPU twin
// through the staging buffer.
func (c *Compositor) recordInputUpload(cb *vulkan.VulkanCommandBuffer, imageIndex uint32) error {
	if imageIndex >= shared.ImageCount {
		err := fmt.Errorf("render result image index %d out of range: %w", imageIndex, core.ErrProtocol)
		core.LogError(err.Error())
		return err
	}
	img := c.inputImages[imageIndex]
	pixels := c.images.Image(imageIndex)

	if err := c.staging.LoadData(c.context, 0, vk.DeviceSize(len(pixels)), 0, pixels); err != nil {
		return err
	}

	oldLayout := vk.ImageLayoutShaderReadOnlyOptimal
	if !c.inputValid[imageIndex] {
		oldLayout = vk.ImageLayoutUndefined
		c.inputValid[imageIndex] = true
	}
	if err := img.ImageTransitionLayout(c.context, cb, oldLayout, vk.ImageLayoutTransferDstOptimal); err != nil {
		return err
	}
	img.ImageCopyFromBuffer(cb, c.staging.Handle)
	return img.ImageTransitionLayout(c.context, cb, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutShaderReadOnlyOptimal)
}

// warpPushConstants is the per-eye parameter block pushed ahead of each eye's
// half of the distortion mesh. Layout mirrors the shader's push_constant
// block: the reprojection rotation, the eye's FOV half-angle tangents, and
// the eye's U window in the side-by-side input image.
type warpPushConstants struct {
	Rotation math.Mat4
	FOV      shared.TangentFOV
	UVBaseU  float32
	UVScaleU float32
	_        [2]float32
}

// recordWarpDraw binds the warp pipeline and draws the distortion mesh, one
// indexed draw per eye with that eye's parameter block.
func (c *Compositor) recordWarpDraw(cb *vulkan.VulkanCommandBuffer, result shared.RenderResult, rec shared.VblankTimerRecord) error {
	ctx := c.context

	exposure := rec.PredictedVblankNS + c.deviceConfig.DisplayLatencyNS + c.exposureOffsetNS.Load()
	predicted := ExtrapolatePose(result.HeadPose, exposure)
	enabled := c.reprojection.Load()

	if err := c.warpPipeline.Bind(cb, vk.PipelineBindPointGraphics); err != nil {
		return err
	}

	viewport := vk.Viewport{
		X: 0, Y: 0,
		Width:    float32(ctx.FramebufferWidth),
		Height:   float32(ctx.FramebufferHeight),
		MinDepth: 0, MaxDepth: 1,
	}
	scissor := vk.Rect2D{
		Offset: vk.Offset2D{X: 0, Y: 0},
		Extent: vk.Extent2D{Width: ctx.FramebufferWidth, Height: ctx.FramebufferHeight},
	}
	vk.CmdSetViewport(cb.Handle, 0, 1, []vk.Viewport{viewport})
	vk.CmdSetScissor(cb.Handle, 0, 1, []vk.Rect2D{scissor})
	vk.CmdSetLineWidth(cb.Handle, 1.0)

	vk.CmdBindDescriptorSets(cb.Handle, vk.PipelineBindPointGraphics, c.warpPipeline.PipelineLayout,
		0, 1, []vk.DescriptorSet{c.descriptorSets[result.ImageIndex]}, 0, nil)
	vk.CmdBindVertexBuffers(cb.Handle, 0, 1, []vk.Buffer{c.vertexBuffer.Handle}, []vk.DeviceSize{0})
	vk.CmdBindIndexBuffer(cb.Handle, c.indexBuffer.Handle, 0, vk.IndexTypeUint16)

	// Each eye warps around its own screen-relative orientation and samples
	// through its own FOV tangents.
	for eye := 0; eye < shared.EyeCount; eye++ {
		eyeCfg := &c.deviceConfig.Eyes[eye]
		push := warpPushConstants{
			Rotation: ComputeReprojection(
				result.HeadPose.Orientation,
				predicted.Orientation,
				eyeCfg.EyeOrientation,
				enabled),
			FOV:      eyeCfg.FOV,
			UVBaseU:  float32(eye) * 0.5,
			UVScaleU: 0.5,
		}
		vk.CmdPushConstants(cb.Handle, c.warpPipeline.PipelineLayout,
			vk.ShaderStageFlags(vk.ShaderStageVertexBit)|vk.ShaderStageFlags(vk.ShaderStageFragmentBit),
			0, uint32(unsafe.Sizeof(push)), unsafe.Pointer(&push))
		vk.CmdDrawIndexed(cb.Handle, eyeIndexCount, 1, uint32(eye)*eyeIndexCount, 0, 0)
	}
	return nil
}

func (c *Compositor) trackerIndex() uint32 {
	return c.daemonTrackerIndex
}

func (c *Compositor) proximityIndex() uint32 {
	return c.daemonProximityIndex
}
