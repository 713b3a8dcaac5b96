package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/compositor/core"
)

// VulkanContext is the one GPU context object. It is resolved once at startup
// and passed explicitly to every GPU-facing component; there is no ambient
// global dispatch state.
type VulkanContext struct {
	// The output surface's current dimensions.
	FramebufferWidth  uint32
	FramebufferHeight uint32

	Instance  vk.Instance
	Allocator *vk.AllocationCallbacks
	Surface   vk.Surface

	debugMessenger vk.DebugReportCallback

	Device *VulkanDevice

	Swapchain *VulkanSwapchain

	// One primary command buffer per swapchain image.
	GraphicsCommandBuffers []*VulkanCommandBuffer

	// ImageAvailableSemaphore gates submitted work on swapchain acquisition;
	// QueueCompleteSemaphore gates presentation on the submitted work. The
	// InFlightFence is the only CPU-observable backpressure in the loop.
	ImageAvailableSemaphore vk.Semaphore
	QueueCompleteSemaphore  vk.Semaphore
	InFlightFence           *VulkanFence

	ImageIndex uint32
}

func (vc *VulkanContext) FindMemoryIndex(typeFilter, propertyFlags uint32) int32 {
	var memoryProperties vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(vc.Device.PhysicalDevice, &memoryProperties)
	memoryProperties.Deref()

	for i := uint32(0); i < memoryProperties.MemoryTypeCount; i++ {
		// Check each memory type to see if its bit is set to 1.
		memoryProperties.MemoryTypes[i].Deref()
		if (typeFilter&(1<<i)) != 0 && (uint32(memoryProperties.MemoryTypes[i].PropertyFlags)&propertyFlags) == propertyFlags {
			return int32(i)
		}
	}
	core.LogWarn("Unable to find suitable memory type!")
	return -1
}
