package compositor

import (
	"unsafe"

	"github.com/spaghettifunk/prisma/compositor/shared"
)

// PrimitiveRestartIndex separates the triangle-strip rows of the distortion
// mesh in the index buffer.
const PrimitiveRestartIndex uint16 = 0xFFFF

// eyeIndexCount is each eye's span of the index buffer: the left eye's strips
// occupy [0, eyeIndexCount), the right eye's the second half. The warp draw
// issues one indexed draw per eye over these ranges.
const eyeIndexCount uint32 = (shared.MeshGridHeight - 1) * (2*shared.MeshGridWidth + 1)

// RegenerateMesh turns the daemon-reported per-eye distortion meshes into the
// vertex and index data the warp pipeline draws.
//
// Sample coordinates stay in eye-local [0,1] texture space; the vertex shader
// does the time-warp ray math there and only then maps into the eye's half of
// the side-by-side input image, using the per-eye push constants. Positions
// are remapped from viewport-local [0,1] space into output normalized device
// coordinates on the display.
//
// Rows become triangle strips separated by primitive-restart markers; both
// eyes share one buffer pair, the right eye's indices offset past the left
// eye's vertices. Deterministic: identical configuration and display size
// yield byte-identical buffers.
func RegenerateMesh(cfg *shared.DeviceConfiguration, displayWidth, displayHeight uint32) ([]shared.MeshVertex, []uint16) {
	vertices := make([]shared.MeshVertex, 0, shared.EyeCount*shared.MeshVertexCount)
	indices := make([]uint16, 0, shared.EyeCount*(shared.MeshGridHeight-1)*(2*shared.MeshGridWidth+1))

	for eye := 0; eye < shared.EyeCount; eye++ {
		e := &cfg.Eyes[eye]

		for i := 0; i < shared.MeshVertexCount; i++ {
			src := e.Mesh[i]

			// Viewport-local position -> display pixels -> NDC.
			px := float32(e.Viewport.X) + src.PosX*float32(e.Viewport.Width)
			py := float32(e.Viewport.Y) + src.PosY*float32(e.Viewport.Height)

			v := shared.MeshVertex{
				PosX:   2.0*px/float32(displayWidth) - 1.0,
				PosY:   2.0*py/float32(displayHeight) - 1.0,
				RedU:   clamp01(src.RedU),
				RedV:   clamp01(src.RedV),
				GreenU: clamp01(src.GreenU),
				GreenV: clamp01(src.GreenV),
				BlueU:  clamp01(src.BlueU),
				BlueV:  clamp01(src.BlueV),
			}
			vertices = append(vertices, v)
		}

		base := uint16(eye * shared.MeshVertexCount)
		for row := 0; row < shared.MeshGridHeight-1; row++ {
			for col := 0; col < shared.MeshGridWidth; col++ {
				indices = append(indices,
					base+uint16(row*shared.MeshGridWidth+col),
					base+uint16((row+1)*shared.MeshGridWidth+col))
			}
			indices = append(indices, PrimitiveRestartIndex)
		}
	}

	return vertices, indices
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// VertexBytes reinterprets the vertex slice as the raw bytes uploaded to the
// GPU vertex buffer.
func VertexBytes(vertices []shared.MeshVertex) []byte {
	if len(vertices) == 0 {
		return nil
	}
	size := len(vertices) * int(unsafe.Sizeof(shared.MeshVertex{}))
	return unsafe.Slice((*byte)(unsafe.Pointer(&vertices[0])), size)
}

// IndexBytes reinterprets the index slice as the raw bytes uploaded to the
// GPU index buffer.
func IndexBytes(indices []uint16) []byte {
	if len(indices) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&indices[0])), len(indices)*2)
}
