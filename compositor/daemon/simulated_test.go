package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prisma/compositor/shared"
)

func TestSimulatedConfigurationIsDeterministic(t *testing.T) {
	a := NewSimulated(2880, 1600, 4_000_000)
	b := NewSimulated(2880, 1600, 4_000_000)

	ca, err := a.Configuration()
	require.NoError(t, err)
	cb, err := b.Configuration()
	require.NoError(t, err)
	assert.Equal(t, ca.Device, cb.Device)

	// Chromatic channels diverge away from the lens center.
	corner := ca.Device.Eyes[shared.EyeLeft].Mesh[0]
	assert.NotEqual(t, corner.RedU, corner.BlueU)

	// Dead center samples straight through on every channel.
	center := ca.Device.Eyes[shared.EyeLeft].Mesh[(shared.MeshGridHeight/2)*shared.MeshGridWidth+shared.MeshGridWidth/2]
	assert.InDelta(t, 0.5, center.GreenU, 1e-6)
	assert.InDelta(t, 0.5, center.GreenV, 1e-6)
}

func TestSimulatedGeometryBumpFiresCallback(t *testing.T) {
	s := NewSimulated(2880, 1600, 0)

	fired := 0
	s.OnChange(func() { fired++ })

	before, _ := s.Configuration()
	s.BumpGeometry()
	after, _ := s.Configuration()

	assert.Equal(t, 1, fired)
	assert.Equal(t, before.Device.Version+1, after.Device.Version)
}

func TestSimulatedSignals(t *testing.T) {
	s := NewSimulated(2880, 1600, 0)

	worn, err := s.Signal(1)
	require.NoError(t, err)
	assert.True(t, worn)

	s.SetWorn(false)
	worn, _ = s.Signal(1)
	assert.False(t, worn)

	pose, err := s.Pose(0)
	require.NoError(t, err)
	assert.True(t, pose.TrackingOK)
	assert.NotZero(t, pose.Pose.TimestampNS)

	s.SetTracking(false)
	pose, _ = s.Pose(0)
	assert.False(t, pose.TrackingOK)
}
