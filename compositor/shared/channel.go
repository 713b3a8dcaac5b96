package shared

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/spaghettifunk/prisma/compositor/core"
)

// channelHeader is the fixed header at offset 0 of the channel region.
type channelHeader struct {
	Magic   uint32
	Version uint32

	RenderResultsOffset uint64
	DeviceConfigOffset  uint64
	VblankTimerOffset   uint64
	TotalSize           uint64
}

// Channel is one process's view over the shared region holding the three
// triple buffers:
//
//	RenderResults  application -> compositor, one publish per submitted frame
//	DeviceConfig   compositor  -> application, republished on geometry change
//	VblankTimer    compositor  -> application, republished once per retrace
type Channel struct {
	fd     int
	region []byte

	RenderResults *TripleBuffer[RenderResult]
	DeviceConfig  *TripleBuffer[DeviceConfiguration]
	VblankTimer   *TripleBuffer[VblankTimerRecord]
}

func alignUp(v, a uintptr) uintptr {
	return (v + a - 1) &^ (a - 1)
}

func channelLayout() (renderOff, configOff, timerOff, total uintptr) {
	off := alignUp(unsafe.Sizeof(channelHeader{}), 64)
	renderOff = off
	off = alignUp(off+tripleBufferSize[RenderResult](), 64)
	configOff = off
	off = alignUp(off+tripleBufferSize[DeviceConfiguration](), 64)
	timerOff = off
	off = alignUp(off+tripleBufferSize[VblankTimerRecord](), 64)
	total = alignUp(off, uintptr(unix.Getpagesize()))
	return
}

// ChannelSize is the total size of the shared channel region in bytes.
func ChannelSize() uint64 {
	_, _, _, total := channelLayout()
	return uint64(total)
}

// CreateChannel allocates the memfd-backed channel region and initializes the
// header and the three buffers. Compositor side, called once at startup; the
// region lives for the process lifetime.
func CreateChannel() (*Channel, error) {
	fd, err := unix.MemfdCreate("prisma-channel", unix.MFD_CLOEXEC)
	if err != nil {
		err := fmt.Errorf("memfd_create failed: %w", err)
		core.LogError(err.Error())
		return nil, err
	}

	size := ChannelSize()
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		err := fmt.Errorf("ftruncate of channel region failed: %w", err)
		core.LogError(err.Error())
		return nil, err
	}

	c, err := mapChannel(fd, true)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	core.LogInfo("Shared channel created: %d bytes.", size)
	return c, nil
}

// OpenChannel maps an existing channel region received over the handshake and
// validates its header. Application side.
func OpenChannel(fd int) (*Channel, error) {
	return mapChannel(fd, false)
}

func mapChannel(fd int, init bool) (*Channel, error) {
	size := ChannelSize()
	region, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		err := fmt.Errorf("mmap of channel region failed: %w", err)
		core.LogError(err.Error())
		return nil, err
	}

	base := unsafe.Pointer(&region[0])
	hdr := (*channelHeader)(base)
	renderOff, configOff, timerOff, total := channelLayout()

	if init {
		hdr.Magic = ChannelMagic
		hdr.Version = ProtocolVersion
		hdr.RenderResultsOffset = uint64(renderOff)
		hdr.DeviceConfigOffset = uint64(configOff)
		hdr.VblankTimerOffset = uint64(timerOff)
		hdr.TotalSize = uint64(total)
	} else {
		// Copy the header fields out before any unmap; the pointers below
		// die with the mapping.
		magic, version := hdr.Magic, hdr.Version
		if magic != ChannelMagic {
			unix.Munmap(region)
			err := fmt.Errorf("channel region has bad magic %#x: %w", magic, core.ErrProtocol)
			core.LogError(err.Error())
			return nil, err
		}
		if version != ProtocolVersion {
			unix.Munmap(region)
			err := fmt.Errorf("channel protocol version %d, want %d: %w", version, ProtocolVersion, core.ErrProtocol)
			core.LogError(err.Error())
			return nil, err
		}
	}

	return &Channel{
		fd:            fd,
		region:        region,
		RenderResults: mapTripleBuffer[RenderResult](base, renderOff, init),
		DeviceConfig:  mapTripleBuffer[DeviceConfiguration](base, configOff, init),
		VblankTimer:   mapTripleBuffer[VblankTimerRecord](base, timerOff, init),
	}, nil
}

// FD is the descriptor handed to the application during the handshake.
func (c *Channel) FD() int {
	return c.fd
}

func (c *Channel) Close() error {
	if c.region != nil {
		if err := unix.Munmap(c.region); err != nil {
			return err
		}
		c.region = nil
	}
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
	return nil
}
