package compositor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spaghettifunk/prisma/compositor/math"
	"github.com/spaghettifunk/prisma/compositor/shared"
)

func TestReprojectionIdentityWhenPosesEqual(t *testing.T) {
	up := math.NewVec3(0, 1, 0)
	pose := math.QuaternionFromAxisAngle(up, 0.3)
	screen := math.QuaternionFromAxisAngle(math.NewVec3(1, 0, 0), 0.1)

	m := ComputeReprojection(pose, pose, screen, true)
	identity := math.Mat4Identity()
	for i := range m.Data {
		assert.InDelta(t, identity.Data[i], m.Data[i], 1e-5)
	}
}

func TestReprojectionIdentityWhenDisabled(t *testing.T) {
	up := math.NewVec3(0, 1, 0)
	renderPose := math.QuaternionFromAxisAngle(up, 0.1)
	predicted := math.QuaternionFromAxisAngle(up, 0.4)

	m := ComputeReprojection(renderPose, predicted, math.QuaternionIdentity(), false)
	assert.Equal(t, math.Mat4Identity(), m)
}

func TestReprojectionRotatesByPoseDelta(t *testing.T) {
	up := math.NewVec3(0, 1, 0)
	renderPose := math.QuaternionFromAxisAngle(up, 0.1)
	predicted := math.QuaternionFromAxisAngle(up, 0.25)

	// With an identity screen orientation the reprojection is just the pose
	// delta, a 0.15 radian yaw.
	m := ComputeReprojection(renderPose, predicted, math.QuaternionIdentity(), true)
	want := math.QuaternionFromAxisAngle(up, 0.15).ToMat4()
	for i := range m.Data {
		assert.InDelta(t, want.Data[i], m.Data[i], 1e-5)
	}
}

// The same head delta expressed around two different screen orientations must
// yield different corrections; that is what makes the warp eye-relative
// instead of one rotation stamped over both eyes.
func TestReprojectionDependsOnScreenOrientation(t *testing.T) {
	up := math.NewVec3(0, 1, 0)
	renderPose := math.QuaternionFromAxisAngle(up, 0.1)
	predicted := math.QuaternionFromAxisAngle(up, 0.3)

	// Canted displays: each panel rolled the opposite way around the view
	// axis, so the yaw delta lands differently in each screen's frame.
	leftEye := math.QuaternionFromAxisAngle(math.NewVec3(0, 0, 1), -0.05)
	rightEye := math.QuaternionFromAxisAngle(math.NewVec3(0, 0, 1), 0.05)

	l := ComputeReprojection(renderPose, predicted, leftEye, true)
	r := ComputeReprojection(renderPose, predicted, rightEye, true)

	differs := false
	for i := range l.Data {
		if abs32(l.Data[i]-r.Data[i]) > 1e-6 {
			differs = true
			break
		}
	}
	assert.True(t, differs, "per-eye screen orientations must produce distinct rotations")
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func TestExtrapolatePoseConstantVelocity(t *testing.T) {
	up := math.NewVec3(0, 1, 0)
	p := shared.Pose{
		TimestampNS:     1_000_000_000,
		Orientation:     math.QuaternionIdentity(),
		Position:        math.NewVec3(0, 1.7, 0),
		LinearVelocity:  math.NewVec3(0.5, 0, -0.25),
		AngularVelocity: up.Scale(0.8),
	}

	// 100ms ahead.
	out := ExtrapolatePose(p, p.TimestampNS+100_000_000)

	assert.Equal(t, p.TimestampNS+100_000_000, out.TimestampNS)
	assert.InDelta(t, 0.05, out.Position.X, 1e-5)
	assert.InDelta(t, 1.7, out.Position.Y, 1e-5)
	assert.InDelta(t, -0.025, out.Position.Z, 1e-5)

	want := math.QuaternionFromAxisAngle(up, 0.08)
	assert.InDelta(t, want.X, out.Orientation.X, 1e-5)
	assert.InDelta(t, want.Y, out.Orientation.Y, 1e-5)
	assert.InDelta(t, want.Z, out.Orientation.Z, 1e-5)
	assert.InDelta(t, want.W, out.Orientation.W, 1e-5)
}

func TestExtrapolatePoseZeroVelocityIsStable(t *testing.T) {
	p := shared.Pose{
		TimestampNS: 5_000_000,
		Orientation: math.QuaternionIdentity(),
		Position:    math.NewVec3(1, 2, 3),
	}
	out := ExtrapolatePose(p, p.TimestampNS+50_000_000)
	assert.Equal(t, p.Position, out.Position)
	assert.Equal(t, p.Orientation, out.Orientation)
}
