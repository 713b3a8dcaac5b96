package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/compositor/core"
)

// VulkanBuffer is a plain device buffer with its backing allocation. Used for
// the mesh vertex/index buffers and the host-visible staging buffers that
// carry client pixels to the GPU.
type VulkanBuffer struct {
	Handle      vk.Buffer
	Memory      vk.DeviceMemory
	TotalSize   vk.DeviceSize
	Usage       vk.BufferUsageFlags
	MemoryFlags vk.MemoryPropertyFlags
	IsLocked    bool
}

func BufferCreate(
	context *VulkanContext,
	size vk.DeviceSize,
	usage vk.BufferUsageFlags,
	memoryFlags vk.MemoryPropertyFlags,
) (*VulkanBuffer, error) {
	buffer := &VulkanBuffer{
		TotalSize:   size,
		Usage:       usage,
		MemoryFlags: memoryFlags,
	}

	bufferCreateInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        size,
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
	}

	var pBuffer vk.Buffer
	if err := lockPool.SafeCall(BufferManagement, func() error {
		if res := vk.CreateBuffer(context.Device.LogicalDevice, &bufferCreateInfo, context.Allocator, &pBuffer); res != vk.Success {
			err := fmt.Errorf("failed to create buffer with %s: %w", VulkanResultString(res, true), core.ErrDriver)
			core.LogError(err.Error())
			return err
		}
		return nil
	}); err != nil {
		return nil, err
	}
	buffer.Handle = pBuffer

	var memoryRequirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(context.Device.LogicalDevice, buffer.Handle, &memoryRequirements)
	memoryRequirements.Deref()

	memoryIndex := context.FindMemoryIndex(memoryRequirements.MemoryTypeBits, uint32(memoryFlags))
	if memoryIndex == -1 {
		err := fmt.Errorf("required memory type not found for buffer: %w", core.ErrDriver)
		core.LogError(err.Error())
		return nil, err
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memoryRequirements.Size,
		MemoryTypeIndex: uint32(memoryIndex),
	}
	var pMemory vk.DeviceMemory
	if err := lockPool.SafeCall(MemoryManagement, func() error {
		if res := vk.AllocateMemory(context.Device.LogicalDevice, &allocateInfo, context.Allocator, &pMemory); res != vk.Success {
			err := fmt.Errorf("failed to allocate buffer memory with %s: %w", VulkanResultString(res, true), core.ErrDriver)
			core.LogError(err.Error())
			return err
		}
		return nil
	}); err != nil {
		return nil, err
	}
	buffer.Memory = pMemory

	if res := vk.BindBufferMemory(context.Device.LogicalDevice, buffer.Handle, buffer.Memory, 0); res != vk.Success {
		err := fmt.Errorf("failed to bind buffer memory: %w", core.ErrDriver)
		core.LogError(err.Error())
		return nil, err
	}

	return buffer, nil
}

// LoadData maps the buffer, copies data into it and unmaps. Only valid for
// host-visible buffers.
func (vb *VulkanBuffer) LoadData(context *VulkanContext, offset vk.DeviceSize, size vk.DeviceSize, flags vk.MemoryMapFlags, data []byte) error {
	var pData unsafe.Pointer
	if res := vk.MapMemory(context.Device.LogicalDevice, vb.Memory, offset, size, flags, &pData); res != vk.Success {
		err := fmt.Errorf("failed to map buffer memory with %s: %w", VulkanResultString(res, true), core.ErrDriver)
		core.LogError(err.Error())
		return err
	}
	vk.Memcopy(pData, data[:size])
	vk.UnmapMemory(context.Device.LogicalDevice, vb.Memory)
	return nil
}

func (vb *VulkanBuffer) Destroy(context *VulkanContext) {
	if vb.Memory != nil {
		vk.FreeMemory(context.Device.LogicalDevice, vb.Memory, context.Allocator)
		vb.Memory = nil
	}
	if vb.Handle != nil {
		vk.DestroyBuffer(context.Device.LogicalDevice, vb.Handle, context.Allocator)
		vb.Handle = nil
	}
	vb.TotalSize = 0
	vb.IsLocked = false
}
