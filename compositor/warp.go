/*
Package compositor is the frame compositor: it owns the GPU resources and the
per-frame render loop that locks the newest client frame, time-warps it to the
freshest predicted head pose, applies lens-distortion correction through the
mesh and presents at the retrace.
*/
package compositor

import (
	"github.com/spaghettifunk/prisma/compositor/math"
	"github.com/spaghettifunk/prisma/compositor/shared"
)

// ExtrapolatePose advances a tracked pose to exposureNS under constant linear
// and angular velocity.
func ExtrapolatePose(p shared.Pose, exposureNS int64) shared.Pose {
	dt := float32(exposureNS-p.TimestampNS) * 1e-9
	out := p
	out.TimestampNS = exposureNS
	out.Position = p.Position.Add(p.LinearVelocity.Scale(dt))
	out.Orientation = p.Orientation.IntegrateAngularVelocity(p.AngularVelocity, dt)
	return out
}

// ComputeReprojection builds the rotation that re-aims the client's frame,
// rendered at poseAtRender, toward predictedPose, expressed in the screen's
// frame:
//
//	inv(screenOrientation) * inv(poseAtRender) * predictedPose * screenOrientation
//
// Identity when reprojection is disabled or there is no client frame to warp.
func ComputeReprojection(poseAtRender, predictedPose, screenOrientation math.Quaternion, enabled bool) math.Mat4 {
	if !enabled {
		return math.Mat4Identity()
	}
	q := screenOrientation.Inverse().
		Mul(poseAtRender.Inverse()).
		Mul(predictedPose).
		Mul(screenOrientation)
	return q.Normalize().ToMat4()
}
