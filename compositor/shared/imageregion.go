package shared

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/spaghettifunk/prisma/compositor/core"
)

// BytesPerPixel of the shared input images. RGBA8.
const BytesPerPixel = 4

// ImageRegion is the memfd-backed pixel storage for the three shared input
// images. The application renders both eyes side by side into one image and
// publishes its index through the channel; the compositor uploads the locked
// image to the GPU each frame. Images are page-aligned within the region.
type ImageRegion struct {
	fd   int
	data []byte

	Width     uint32
	Height    uint32
	TotalSize uint64
	Sizes     [ImageCount]uint64
	Offsets   [ImageCount]uint64
}

func imageRegionLayout(width, height uint32) (sizes, offsets [ImageCount]uint64, total uint64) {
	page := uint64(unix.Getpagesize())
	imageSize := uint64(width) * uint64(height) * BytesPerPixel
	stride := (imageSize + page - 1) &^ (page - 1)
	for i := 0; i < ImageCount; i++ {
		sizes[i] = imageSize
		offsets[i] = uint64(i) * stride
	}
	total = uint64(ImageCount) * stride
	return
}

// CreateImageRegion allocates the input image triple. Compositor side, once
// at startup.
func CreateImageRegion(width, height uint32) (*ImageRegion, error) {
	sizes, offsets, total := imageRegionLayout(width, height)

	fd, err := unix.MemfdCreate("prisma-images", unix.MFD_CLOEXEC)
	if err != nil {
		err := fmt.Errorf("memfd_create failed: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(total)); err != nil {
		unix.Close(fd)
		err := fmt.Errorf("ftruncate of image region failed: %w", err)
		core.LogError(err.Error())
		return nil, err
	}

	r, err := mapImageRegion(fd, width, height, sizes, offsets, total)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	core.LogInfo("Input image triple created: %dx%d, %d bytes total.", width, height, total)
	return r, nil
}

// OpenImageRegion maps an image region received over the handshake, using the
// sizes and offsets the server reported. Application side.
func OpenImageRegion(fd int, width, height uint32, sizes, offsets [ImageCount]uint64, total uint64) (*ImageRegion, error) {
	return mapImageRegion(fd, width, height, sizes, offsets, total)
}

func mapImageRegion(fd int, width, height uint32, sizes, offsets [ImageCount]uint64, total uint64) (*ImageRegion, error) {
	data, err := unix.Mmap(fd, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		err := fmt.Errorf("mmap of image region failed: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	return &ImageRegion{
		fd:        fd,
		data:      data,
		Width:     width,
		Height:    height,
		TotalSize: total,
		Sizes:     sizes,
		Offsets:   offsets,
	}, nil
}

// Image returns the pixel bytes of image i.
func (r *ImageRegion) Image(i uint32) []byte {
	off := r.Offsets[i]
	return r.data[off : off+r.Sizes[i]]
}

// FD is the descriptor handed to the application during the handshake.
func (r *ImageRegion) FD() int {
	return r.fd
}

func (r *ImageRegion) Close() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return err
		}
		r.data = nil
	}
	if r.fd >= 0 {
		unix.Close(r.fd)
		r.fd = -1
	}
	return nil
}
