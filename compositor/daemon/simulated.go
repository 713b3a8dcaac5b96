package daemon

import (
	"sync"
	"time"

	"github.com/chewxy/math32"

	"github.com/spaghettifunk/prisma/compositor/core"
	"github.com/spaghettifunk/prisma/compositor/math"
	"github.com/spaghettifunk/prisma/compositor/shared"
)

// Per-channel radial distortion coefficients of the simulated lens. Red bends
// slightly less, blue slightly more, so chromatic correction has something to
// correct.
var simulatedK = [3][2]float32{
	{0.21, 0.06}, // red: k1, k2
	{0.22, 0.07}, // green
	{0.24, 0.09}, // blue
}

// Simulated is an in-process Daemon for tests and daemon-less bring-up. It
// reports a fixed plausible headset geometry and a smooth synthetic head path.
type Simulated struct {
	mu        sync.Mutex
	config    Configuration
	callbacks []func()
	start     time.Time
	worn      bool
	tracking  bool
}

func NewSimulated(frameWidth, frameHeight uint32, displayLatencyNS int64) *Simulated {
	s := &Simulated{
		start:    time.Now(),
		worn:     true,
		tracking: true,
	}
	s.config = Configuration{
		TrackerIndex:   0,
		ProximityIndex: 1,
		Device:         simulatedDevice(frameWidth, frameHeight, displayLatencyNS, 1),
	}
	core.LogInfo("Simulated device daemon: %dx%d frame, mesh %dx%d.",
		frameWidth, frameHeight, shared.MeshGridWidth, shared.MeshGridHeight)
	return s
}

func (s *Simulated) Configuration() (*Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.config
	return &cfg, nil
}

func (s *Simulated) Pose(trackerIndex uint32) (PoseState, error) {
	s.mu.Lock()
	tracking := s.tracking
	s.mu.Unlock()

	// A slow head sway: sinusoidal yaw with matching angular velocity.
	t := float32(time.Since(s.start).Seconds())
	const amplitude = 0.35 // radians
	const omega = 0.8      // radians/sec of the sway phase
	yaw := amplitude * math32.Sin(omega*t)
	yawRate := amplitude * omega * math32.Cos(omega*t)

	up := math.NewVec3(0, 1, 0)
	return PoseState{
		Buttons:    0,
		TrackingOK: tracking,
		Pose: shared.Pose{
			TimestampNS:     core.NowNS(),
			Orientation:     math.QuaternionFromAxisAngle(up, yaw),
			Position:        math.NewVec3(0, 1.7, 0),
			LinearVelocity:  math.NewVec3(0, 0, 0),
			AngularVelocity: up.Scale(yawRate),
		},
	}, nil
}

func (s *Simulated) Signal(index uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == s.config.ProximityIndex {
		return s.worn, nil
	}
	return false, nil
}

func (s *Simulated) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

func (s *Simulated) Close() error {
	return nil
}

// SetWorn drives the proximity signal. Test hook.
func (s *Simulated) SetWorn(worn bool) {
	s.mu.Lock()
	s.worn = worn
	s.mu.Unlock()
}

// SetTracking drives the tracking-lost state. Test hook.
func (s *Simulated) SetTracking(ok bool) {
	s.mu.Lock()
	s.tracking = ok
	s.mu.Unlock()
}

// BumpGeometry regenerates the device configuration at the next version and
// fires change callbacks, mimicking a daemon-reported geometry change.
func (s *Simulated) BumpGeometry() {
	s.mu.Lock()
	next := s.config.Device.Version + 1
	s.config.Device = simulatedDevice(s.config.Device.FrameWidth, s.config.Device.FrameHeight,
		s.config.Device.DisplayLatencyNS, next)
	callbacks := append([]func(){}, s.callbacks...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func simulatedDevice(frameWidth, frameHeight uint32, displayLatencyNS int64, version uint32) shared.DeviceConfiguration {
	cfg := shared.DeviceConfiguration{
		Version:          version,
		FrameWidth:       frameWidth,
		FrameHeight:      frameHeight,
		DisplayLatencyNS: displayLatencyNS,
	}

	halfWidth := frameWidth / 2
	for eye := 0; eye < shared.EyeCount; eye++ {
		e := &cfg.Eyes[eye]
		e.Viewport = shared.Viewport{
			X:      uint32(eye) * halfWidth,
			Y:      0,
			Width:  halfWidth,
			Height: frameHeight,
		}
		e.FOV = shared.TangentFOV{Left: 1.2, Right: 1.2, Up: 1.1, Down: 1.1}
		sign := float32(-1)
		if eye == shared.EyeRight {
			sign = 1
		}
		e.EyePosition = math.NewVec3(sign*0.032, 0, 0)
		e.EyeOrientation = math.QuaternionIdentity()
		fillDistortionMesh(e)
	}
	return cfg
}

// fillDistortionMesh writes the undistorted-to-sample mapping of the
// simulated lens: positions are the regular grid in the eye's output space,
// sample coordinates are pushed outward per channel by the radial polynomial
// so the warp pass counteracts pincushion distortion.
func fillDistortionMesh(e *shared.EyeConfiguration) {
	for row := 0; row < shared.MeshGridHeight; row++ {
		for col := 0; col < shared.MeshGridWidth; col++ {
			x := float32(col) / float32(shared.MeshGridWidth-1)
			y := float32(row) / float32(shared.MeshGridHeight-1)

			dx := x - 0.5
			dy := y - 0.5
			r2 := dx*dx + dy*dy

			v := &e.Mesh[row*shared.MeshGridWidth+col]
			v.PosX = x
			v.PosY = y
			v.RedU, v.RedV = distort(dx, dy, r2, 0)
			v.GreenU, v.GreenV = distort(dx, dy, r2, 1)
			v.BlueU, v.BlueV = distort(dx, dy, r2, 2)
		}
	}
}

func distort(dx, dy, r2 float32, channel int) (float32, float32) {
	k := simulatedK[channel]
	f := 1.0 + k[0]*r2 + k[1]*r2*r2
	return 0.5 + dx*f, 0.5 + dy*f
}
