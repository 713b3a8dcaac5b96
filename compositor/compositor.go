package compositor

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/compositor/core"
	"github.com/spaghettifunk/prisma/compositor/daemon"
	"github.com/spaghettifunk/prisma/compositor/display"
	"github.com/spaghettifunk/prisma/compositor/shared"
	"github.com/spaghettifunk/prisma/compositor/vulkan"
)

// Compositor owns every GPU resource of the warp path and runs the render
// loop. All GPU access happens on the loop goroutine; the only state other
// goroutines touch are the atomics below and the shared channel.
type Compositor struct {
	context *vulkan.VulkanContext
	display *display.Display
	dmn     daemon.Daemon

	channel *shared.Channel
	images  *shared.ImageRegion

	renderpass *vulkan.VulkanRenderpass

	// GPU copies of the three shared input images, index-aligned with the
	// memfd image triple.
	inputImages [shared.ImageCount]*vulkan.VulkanImage
	inputValid  [shared.ImageCount]bool
	staging     *vulkan.VulkanBuffer

	vertexBuffer *vulkan.VulkanBuffer
	indexBuffer  *vulkan.VulkanBuffer
	indexCount   uint32

	sampler             vk.Sampler
	descriptorSetLayout vk.DescriptorSetLayout
	descriptorPool      vk.DescriptorPool
	descriptorSets      [shared.ImageCount]vk.DescriptorSet

	warpVert     *vulkan.VulkanShaderStage
	warpFrag     *vulkan.VulkanShaderStage
	warpPipeline *vulkan.VulkanPipeline

	deviceConfig         shared.DeviceConfiguration
	meshVersion          uint32
	daemonTrackerIndex   uint32
	daemonProximityIndex uint32

	// Cross-goroutine controls.
	geometryDirty atomic.Bool
	reprojection  atomic.Bool
	paused        atomic.Bool
	shutdown      atomic.Bool
	clientActive  atomic.Bool

	// exposureOffsetNS is added on top of the daemon-reported display latency
	// when extrapolating poses. Nudged at runtime from the +/- keys and the
	// config watcher.
	exposureOffsetNS atomic.Int64

	// onVsync forwards each retrace to the broker's notification path.
	onVsync atomic.Value // func(shared.VblankTimerRecord)

	lastResult shared.RenderResult
	haveResult bool

	frameClock *core.Clock
}

func New(context *vulkan.VulkanContext, disp *display.Display, dmn daemon.Daemon, channel *shared.Channel, images *shared.ImageRegion) *Compositor {
	c := &Compositor{
		context:    context,
		display:    disp,
		dmn:        dmn,
		channel:    channel,
		images:     images,
		frameClock: core.NewClock(),
	}
	c.reprojection.Store(true)
	c.geometryDirty.Store(true) // force initial mesh build
	dmn.OnChange(func() {
		c.geometryDirty.Store(true)
	})
	return c
}

// SetVsyncNotifier installs the broker's per-retrace callback.
func (c *Compositor) SetVsyncNotifier(fn func(shared.VblankTimerRecord)) {
	c.onVsync.Store(fn)
}

// SetClientActive is flipped by the broker on connect/disconnect. Only the
// atomic is written here; the loop drops its held frame when it sees the flag
// go false, keeping lastResult loop-local.
func (c *Compositor) SetClientActive(active bool) {
	c.clientActive.Store(active)
}

// ToggleReprojection flips time-warp on or off. Returns the new state.
func (c *Compositor) ToggleReprojection() bool {
	next := !c.reprojection.Load()
	c.reprojection.Store(next)
	return next
}

// TogglePause flips the debug pause. While paused, the loop keeps vsyncing
// and publishing timer records but re-presents without re-warping.
func (c *Compositor) TogglePause() bool {
	next := !c.paused.Load()
	c.paused.Store(next)
	return next
}

// NudgeExposureOffset shifts the exposure offset by deltaNS. Returns the new
// total offset.
func (c *Compositor) NudgeExposureOffset(deltaNS int64) int64 {
	return c.exposureOffsetNS.Add(deltaNS)
}

// SetExposureOffset replaces the exposure offset outright (config reload).
func (c *Compositor) SetExposureOffset(offsetNS int64) {
	c.exposureOffsetNS.Store(offsetNS)
}

// SetReprojection replaces the reprojection toggle outright (config reload).
func (c *Compositor) SetReprojection(enabled bool) {
	c.reprojection.Store(enabled)
}

// RequestShutdown asks the loop to exit; honored only at its two polling
// points, never mid-frame.
func (c *Compositor) RequestShutdown() {
	c.shutdown.Store(true)
}

// InitializeResources builds every GPU object the loop needs. shaderDir holds
// the compiled SPIR-V binaries.
func (c *Compositor) InitializeResources(shaderDir string) error {
	ctx := c.context

	rp, err := vulkan.RenderpassCreate(ctx,
		0, 0, float32(ctx.FramebufferWidth), float32(ctx.FramebufferHeight),
		0.0, 0.0, 0.0, 1.0)
	if err != nil {
		return err
	}
	c.renderpass = rp

	// Swapchain framebuffers, one per image.
	ctx.Swapchain.Framebuffers = make([]*vulkan.VulkanFramebuffer, ctx.Swapchain.ImageCount)
	for i := 0; i < int(ctx.Swapchain.ImageCount); i++ {
		fb, err := vulkan.FramebufferCreate(ctx, rp, ctx.FramebufferWidth, ctx.FramebufferHeight,
			1, []vk.ImageView{ctx.Swapchain.Views[i]})
		if err != nil {
			return err
		}
		ctx.Swapchain.Framebuffers[i] = fb
	}

	// One primary command buffer per swapchain image.
	ctx.GraphicsCommandBuffers = make([]*vulkan.VulkanCommandBuffer, ctx.Swapchain.ImageCount)
	for i := range ctx.GraphicsCommandBuffers {
		cb, err := vulkan.NewVulkanCommandBuffer(ctx, ctx.Device.GraphicsCommandPool, true)
		if err != nil {
			return err
		}
		ctx.GraphicsCommandBuffers[i] = cb
	}

	// Sync objects: one in-flight frame, bounded by one fence.
	semaphoreCreateInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	if res := vk.CreateSemaphore(ctx.Device.LogicalDevice, &semaphoreCreateInfo, ctx.Allocator, &ctx.ImageAvailableSemaphore); res != vk.Success {
		err := fmt.Errorf("failed to create image available semaphore: %w", core.ErrDriver)
		core.LogError(err.Error())
		return err
	}
	if res := vk.CreateSemaphore(ctx.Device.LogicalDevice, &semaphoreCreateInfo, ctx.Allocator, &ctx.QueueCompleteSemaphore); res != vk.Success {
		err := fmt.Errorf("failed to create queue complete semaphore: %w", core.ErrDriver)
		core.LogError(err.Error())
		return err
	}
	fence, err := vulkan.NewFence(ctx, true)
	if err != nil {
		return err
	}
	ctx.InFlightFence = fence

	// GPU input images plus the staging buffer that carries shared-memory
	// pixels to them.
	for i := range c.inputImages {
		img, err := vulkan.ImageCreate(ctx, c.images.Width, c.images.Height,
			vk.FormatR8g8b8a8Unorm, vk.ImageTilingOptimal,
			vk.ImageUsageFlags(vk.ImageUsageTransferDstBit|vk.ImageUsageSampledBit),
			vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
			true, vk.ImageAspectFlags(vk.ImageAspectColorBit))
		if err != nil {
			return err
		}
		c.inputImages[i] = img
	}
	staging, err := vulkan.BufferCreate(ctx, vk.DeviceSize(c.images.Sizes[0]),
		vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit),
		vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit))
	if err != nil {
		return err
	}
	c.staging = staging

	if err := c.createSamplerAndDescriptors(); err != nil {
		return err
	}
	if err := c.createWarpPipeline(shaderDir); err != nil {
		return err
	}

	core.LogInfo("Compositor GPU resources initialized.")
	return nil
}

func (c *Compositor) createSamplerAndDescriptors() error {
	ctx := c.context

	samplerInfo := vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               vk.FilterLinear,
		MinFilter:               vk.FilterLinear,
		AddressModeU:            vk.SamplerAddressModeClampToEdge,
		AddressModeV:            vk.SamplerAddressModeClampToEdge,
		AddressModeW:            vk.SamplerAddressModeClampToEdge,
		AnisotropyEnable:        vk.False,
		BorderColor:             vk.BorderColorIntOpaqueBlack,
		UnnormalizedCoordinates: vk.False,
		MipmapMode:              vk.SamplerMipmapModeNearest,
	}
	var sampler vk.Sampler
	if res := vk.CreateSampler(ctx.Device.LogicalDevice, &samplerInfo, ctx.Allocator, &sampler); res != vk.Success {
		err := fmt.Errorf("failed to create sampler: %w", core.ErrDriver)
		core.LogError(err.Error())
		return err
	}
	c.sampler = sampler

	layoutBinding := vk.DescriptorSetLayoutBinding{
		Binding:         0,
		DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
		DescriptorCount: 1,
		StageFlags:      vk.ShaderStageFlags(vk.ShaderStageFragmentBit),
	}
	layoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: 1,
		PBindings:    []vk.DescriptorSetLayoutBinding{layoutBinding},
	}
	var layout vk.DescriptorSetLayout
	if res := vk.CreateDescriptorSetLayout(ctx.Device.LogicalDevice, &layoutInfo, ctx.Allocator, &layout); res != vk.Success {
		err := fmt.Errorf("failed to create descriptor set layout: %w", core.ErrDriver)
		core.LogError(err.Error())
		return err
	}
	c.descriptorSetLayout = layout

	poolSize := vk.DescriptorPoolSize{
		Type:            vk.DescriptorTypeCombinedImageSampler,
		DescriptorCount: shared.ImageCount,
	}
	poolInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		PoolSizeCount: 1,
		PPoolSizes:    []vk.DescriptorPoolSize{poolSize},
		MaxSets:       shared.ImageCount,
	}
	var pool vk.DescriptorPool
	if res := vk.CreateDescriptorPool(ctx.Device.LogicalDevice, &poolInfo, ctx.Allocator, &pool); res != vk.Success {
		err := fmt.Errorf("failed to create descriptor pool: %w", core.ErrDriver)
		core.LogError(err.Error())
		return err
	}
	c.descriptorPool = pool

	// One immutable set per input image.
	for i := range c.descriptorSets {
		allocInfo := vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     pool,
			DescriptorSetCount: 1,
			PSetLayouts:        []vk.DescriptorSetLayout{layout},
		}
		var set vk.DescriptorSet
		if res := vk.AllocateDescriptorSets(ctx.Device.LogicalDevice, &allocInfo, &set); res != vk.Success {
			err := fmt.Errorf("failed to allocate descriptor set: %w", core.ErrDriver)
			core.LogError(err.Error())
			return err
		}
		c.descriptorSets[i] = set

		imageInfo := vk.DescriptorImageInfo{
			Sampler:     c.sampler,
			ImageView:   c.inputImages[i].View,
			ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
		}
		write := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set,
			DstBinding:      0,
			DstArrayElement: 0,
			DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
			DescriptorCount: 1,
			PImageInfo:      []vk.DescriptorImageInfo{imageInfo},
		}
		vk.UpdateDescriptorSets(ctx.Device.LogicalDevice, 1, []vk.WriteDescriptorSet{write}, 0, nil)
	}
	return nil
}

func (c *Compositor) createWarpPipeline(shaderDir string) error {
	ctx := c.context

	vert, err := vulkan.NewShaderStage(ctx, filepath.Join(shaderDir, "warp.vert.spv"), vk.ShaderStageVertexBit)
	if err != nil {
		return err
	}
	c.warpVert = vert
	frag, err := vulkan.NewShaderStage(ctx, filepath.Join(shaderDir, "warp.frag.spv"), vk.ShaderStageFragmentBit)
	if err != nil {
		return err
	}
	c.warpFrag = frag

	stride := uint32(unsafe.Sizeof(shared.MeshVertex{}))
	attributes := []vk.VertexInputAttributeDescription{
		{Location: 0, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: 0},  // position
		{Location: 1, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: 8},  // red uv
		{Location: 2, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: 16}, // green uv
		{Location: 3, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: 24}, // blue uv
	}

	pipeline, err := vulkan.NewGraphicsPipeline(ctx, &vulkan.VulkanPipelineConfig{
		Renderpass:           c.renderpass,
		Stride:               stride,
		Attributes:           attributes,
		DescriptorSetLayouts: []vk.DescriptorSetLayout{c.descriptorSetLayout},
		Stages: []vk.PipelineShaderStageCreateInfo{
			vert.ShaderStageCreateInfo,
			frag.ShaderStageCreateInfo,
		},
		Viewport: vk.Viewport{
			X: 0, Y: 0,
			Width:    float32(ctx.FramebufferWidth),
			Height:   float32(ctx.FramebufferHeight),
			MinDepth: 0, MaxDepth: 1,
		},
		Scissor: vk.Rect2D{
			Offset: vk.Offset2D{X: 0, Y: 0},
			Extent: vk.Extent2D{Width: ctx.FramebufferWidth, Height: ctx.FramebufferHeight},
		},
		Topology:         vk.PrimitiveTopologyTriangleStrip,
		PrimitiveRestart: true,
		PushConstantSize: uint32(unsafe.Sizeof(warpPushConstants{})),
	})
	if err != nil {
		return err
	}
	c.warpPipeline = pipeline
	return nil
}

// refreshGeometry pulls the daemon configuration, regenerates the distortion
// mesh buffers and republishes the configuration into the shared channel.
// No-op when the daemon-side version has not moved.
func (c *Compositor) refreshGeometry() error {
	cfg, err := c.dmn.Configuration()
	if err != nil {
		return err
	}
	c.daemonTrackerIndex = cfg.TrackerIndex
	c.daemonProximityIndex = cfg.ProximityIndex
	if c.vertexBuffer != nil && cfg.Device.Version == c.meshVersion {
		return nil
	}

	vertices, indices := RegenerateMesh(&cfg.Device, c.context.FramebufferWidth, c.context.FramebufferHeight)
	vertexBytes := VertexBytes(vertices)
	indexBytes := IndexBytes(indices)

	// The mesh changes rarely; host-visible buffers keep the path simple and
	// the regeneration cheap.
	if c.vertexBuffer != nil {
		vk.DeviceWaitIdle(c.context.Device.LogicalDevice)
		c.vertexBuffer.Destroy(c.context)
		c.indexBuffer.Destroy(c.context)
	}
	vb, err := vulkan.BufferCreate(c.context, vk.DeviceSize(len(vertexBytes)),
		vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit),
		vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit))
	if err != nil {
		return err
	}
	if err := vb.LoadData(c.context, 0, vk.DeviceSize(len(vertexBytes)), 0, vertexBytes); err != nil {
		return err
	}
	ib, err := vulkan.BufferCreate(c.context, vk.DeviceSize(len(indexBytes)),
		vk.BufferUsageFlags(vk.BufferUsageIndexBufferBit),
		vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit))
	if err != nil {
		return err
	}
	if err := ib.LoadData(c.context, 0, vk.DeviceSize(len(indexBytes)), 0, indexBytes); err != nil {
		return err
	}
	c.vertexBuffer = vb
	c.indexBuffer = ib
	c.indexCount = uint32(len(indices))
	c.deviceConfig = cfg.Device
	c.meshVersion = cfg.Device.Version

	c.channel.DeviceConfig.Publish(&cfg.Device)
	core.LogInfo("Distortion mesh regenerated at version %d (%d indices).", c.meshVersion, c.indexCount)
	return nil
}

// Shutdown drains submitted GPU work and releases every resource. Safe to
// call once, after the loop has exited.
func (c *Compositor) Shutdown() {
	ctx := c.context
	if ctx.Device == nil || ctx.Device.LogicalDevice == nil {
		return
	}
	vk.DeviceWaitIdle(ctx.Device.LogicalDevice)

	if c.warpPipeline != nil {
		c.warpPipeline.Destroy(ctx)
	}
	if c.warpVert != nil {
		c.warpVert.Destroy(ctx)
	}
	if c.warpFrag != nil {
		c.warpFrag.Destroy(ctx)
	}
	if c.descriptorPool != nil {
		vk.DestroyDescriptorPool(ctx.Device.LogicalDevice, c.descriptorPool, ctx.Allocator)
		c.descriptorPool = nil
	}
	if c.descriptorSetLayout != nil {
		vk.DestroyDescriptorSetLayout(ctx.Device.LogicalDevice, c.descriptorSetLayout, ctx.Allocator)
		c.descriptorSetLayout = nil
	}
	if c.sampler != nil {
		vk.DestroySampler(ctx.Device.LogicalDevice, c.sampler, ctx.Allocator)
		c.sampler = nil
	}
	if c.vertexBuffer != nil {
		c.vertexBuffer.Destroy(ctx)
	}
	if c.indexBuffer != nil {
		c.indexBuffer.Destroy(ctx)
	}
	if c.staging != nil {
		c.staging.Destroy(ctx)
	}
	for _, img := range c.inputImages {
		if img != nil {
			img.ImageDestroy(ctx)
		}
	}
	if ctx.InFlightFence != nil {
		ctx.InFlightFence.FenceDestroy(ctx)
	}
	if ctx.ImageAvailableSemaphore != nil {
		vk.DestroySemaphore(ctx.Device.LogicalDevice, ctx.ImageAvailableSemaphore, ctx.Allocator)
		ctx.ImageAvailableSemaphore = nil
	}
	if ctx.QueueCompleteSemaphore != nil {
		vk.DestroySemaphore(ctx.Device.LogicalDevice, ctx.QueueCompleteSemaphore, ctx.Allocator)
		ctx.QueueCompleteSemaphore = nil
	}
	for _, cb := range ctx.GraphicsCommandBuffers {
		if cb != nil && cb.Handle != nil {
			cb.Free(ctx, ctx.Device.GraphicsCommandPool)
		}
	}
	for _, fb := range ctx.Swapchain.Framebuffers {
		if fb != nil {
			fb.Destroy(ctx)
		}
	}
	if c.renderpass != nil {
		c.renderpass.RenderpassDestroy(ctx)
	}
	core.LogInfo("Compositor GPU resources released.")
}
