/*
Package shared defines the cross-process memory protocol between the
compositor and the connected application: the fixed-layout value types, the
single-writer/multi-reader triple buffer they travel in, and the memfd-backed
regions that hold them.

Everything in this package that lands in shared memory is an explicit,
versioned, fixed-layout value type. Layout changes must bump ProtocolVersion,
which is exchanged at handshake time; layout is never inferred from struct
size on the other side.
*/
package shared

import (
	"github.com/spaghettifunk/prisma/compositor/math"
)

// ProtocolVersion is exchanged during the broker handshake and stored in the
// channel header. Bump on any layout change in this file.
const ProtocolVersion uint32 = 1

// ChannelMagic marks a mapped region as a prisma channel. "PRMA".
const ChannelMagic uint32 = 0x50524d41

const (
	// ImageCount is the number of shared input images, index-aligned 1:1 with
	// RenderResult.ImageIndex.
	ImageCount = 3
	// EyeCount: left, right.
	EyeCount = 2
	// Distortion mesh grid dimensions, in vertices.
	MeshGridWidth  = 33
	MeshGridHeight = 33
	// MeshVertexCount is the per-eye vertex count of the distortion mesh.
	MeshVertexCount = MeshGridWidth * MeshGridHeight
)

const (
	// EyeLeft and EyeRight index DeviceConfiguration.Eyes and halves of the
	// shared input image (left half, right half).
	EyeLeft  = 0
	EyeRight = 1
)

// Pose is a tracked head pose with first derivatives, sufficient for constant
// velocity extrapolation to an exposure time.
type Pose struct {
	TimestampNS     int64
	Orientation     math.Quaternion
	Position        math.Vec3
	LinearVelocity  math.Vec3
	AngularVelocity math.Vec3
	_               uint32
}

// Viewport is a post-distortion output rectangle in display pixels.
type Viewport struct {
	X, Y          uint32
	Width, Height uint32
}

// TangentFOV holds the tangents of the four half-angles of an eye's field of
// view.
type TangentFOV struct {
	Left, Right, Up, Down float32
}

// MeshVertex is one distortion-correction grid vertex: an output position in
// normalized device coordinates plus three independent source sample
// coordinates, one per color channel, for chromatic aberration correction.
type MeshVertex struct {
	PosX, PosY     float32
	RedU, RedV     float32
	GreenU, GreenV float32
	BlueU, BlueV   float32
}

// EyeConfiguration is the per-eye slice of the device configuration.
type EyeConfiguration struct {
	// Viewport is where this eye's distorted output lands on the display.
	Viewport Viewport
	FOV      TangentFOV
	// Eye pose relative to the head tracker origin.
	EyePosition    math.Vec3
	EyeOrientation math.Quaternion
	_              uint32
	// Mesh holds the undistorted sample positions the daemon reports, in
	// [0,1] eye-local texture space per channel, with PosX/PosY in the
	// daemon's post-distortion viewport space. The compositor remaps both
	// when it regenerates the upload buffer.
	Mesh [MeshVertexCount]MeshVertex
}

// DeviceConfiguration mirrors what the device daemon reports. The compositor
// republishes it into the channel whenever the daemon signals a geometry
// change, bumping Version. Read-only to the connected application.
type DeviceConfiguration struct {
	Version uint32
	// Pre-distortion frame size: the full shared input image, both eyes side
	// by side.
	FrameWidth  uint32
	FrameHeight uint32
	_           uint32
	// DisplayLatencyNS is added to the predicted vblank time to obtain the
	// exposure time used for pose prediction.
	DisplayLatencyNS int64
	Eyes             [EyeCount]EyeConfiguration
}

// RenderResult is published by the application once per submitted frame,
// after both eyes are finished in the indexed input image.
type RenderResult struct {
	ImageIndex        uint32
	_                 uint32
	RenderTimestampNS int64
	HeadPose          Pose
}

// VblankTimerRecord is published by the compositor once per real retrace. The
// application uses it to time the start of its next frame.
type VblankTimerRecord struct {
	FrameIndex        uint64
	PredictedVblankNS int64
	PeriodNS          int64
}
