package compositor

import "github.com/spaghettifunk/prisma/compositor/shared"

// Boundary grid appearance. Drawn when the headset is worn but no client is
// connected, so the wearer sees a stable reference instead of a dead panel.
const (
	boundaryCellPX = 64
	boundaryLinePX = 2
)

var (
	boundaryLineColor = [shared.BytesPerPixel]byte{0x30, 0xC0, 0xFF, 0xFF}
	boundaryFillColor = [shared.BytesPerPixel]byte{0x08, 0x08, 0x0C, 0xFF}
)

// DrawBoundaryGrid paints the boundary grid into one shared input image. The
// grid goes through the same warp and distortion path as client frames, so it
// doubles as a visual check of the mesh.
func DrawBoundaryGrid(pixels []byte, width, height uint32) {
	onLine := func(v uint32) bool {
		return v%boundaryCellPX < boundaryLinePX
	}

	for y := uint32(0); y < height; y++ {
		row := pixels[y*width*shared.BytesPerPixel:]
		lineRow := onLine(y)
		for x := uint32(0); x < width; x++ {
			color := &boundaryFillColor
			if lineRow || onLine(x) {
				color = &boundaryLineColor
			}
			copy(row[x*shared.BytesPerPixel:(x+1)*shared.BytesPerPixel], color[:])
		}
	}
}
