/*
Package daemon is the narrow interface the compositor consumes from the
vendor tracking-driver host: queryable device configuration, a pose query and
change notification callbacks. The daemon host process itself is an external
collaborator; only its surface is modeled here.
*/
package daemon

import (
	"github.com/spaghettifunk/prisma/compositor/shared"
)

// Configuration is everything the daemon reports about the headset.
type Configuration struct {
	// TrackerIndex selects the head tracker for pose queries.
	TrackerIndex uint32
	// ProximityIndex selects the worn/face-detector signal.
	ProximityIndex uint32
	// Device carries the geometry the compositor mirrors into the shared
	// channel: render-target size, per-eye viewport/FOV/pose, the versioned
	// distortion mesh and the display latency offset.
	Device shared.DeviceConfiguration
}

// PoseState is one tracker pose query result.
type PoseState struct {
	Buttons    uint32
	TrackingOK bool
	Pose       shared.Pose
}

// Daemon is the consumed device-daemon surface.
type Daemon interface {
	// Configuration returns the current device configuration. The embedded
	// Device.Version changes whenever the daemon regenerates geometry.
	Configuration() (*Configuration, error)

	// Pose queries the given tracker: button states plus pose with linear and
	// angular velocity and a timestamp.
	Pose(trackerIndex uint32) (PoseState, error)

	// Signal reads a boolean sensor signal, e.g. the proximity detector.
	Signal(index uint32) (bool, error)

	// OnChange registers a callback invoked after any configuration change.
	// Callbacks run on the daemon's notification goroutine.
	OnChange(fn func())

	Close() error
}
