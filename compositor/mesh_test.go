package compositor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prisma/compositor/daemon"
)

func simulatedConfig(t *testing.T) *daemon.Configuration {
	t.Helper()
	d := daemon.NewSimulated(2560, 1440, 4_000_000)
	cfg, err := d.Configuration()
	require.NoError(t, err)
	return cfg
}

func TestRegenerateMeshIdempotent(t *testing.T) {
	cfg := simulatedConfig(t)

	v1, i1 := RegenerateMesh(&cfg.Device, 2560, 1440)
	v2, i2 := RegenerateMesh(&cfg.Device, 2560, 1440)

	// Same configuration at the same version must produce byte-identical
	// upload buffers.
	assert.True(t, bytes.Equal(VertexBytes(v1), VertexBytes(v2)))
	assert.True(t, bytes.Equal(IndexBytes(i1), IndexBytes(i2)))
}

func TestRegenerateMeshLayout(t *testing.T) {
	cfg := simulatedConfig(t)

	vertices, indices := RegenerateMesh(&cfg.Device, 2560, 1440)

	const perEye = 33 * 33
	require.Len(t, vertices, 2*perEye)

	// Sample coordinates stay eye-local; the shader owns the half mapping.
	for _, v := range vertices {
		assert.GreaterOrEqual(t, v.GreenU, float32(0.0))
		assert.LessOrEqual(t, v.GreenU, float32(1.0))
		assert.GreaterOrEqual(t, v.GreenV, float32(0.0))
		assert.LessOrEqual(t, v.GreenV, float32(1.0))
	}

	// Positions cover NDC.
	for _, v := range vertices {
		assert.GreaterOrEqual(t, v.PosX, float32(-1.0))
		assert.LessOrEqual(t, v.PosX, float32(1.0))
		assert.GreaterOrEqual(t, v.PosY, float32(-1.0))
		assert.LessOrEqual(t, v.PosY, float32(1.0))
	}

	// The index buffer splits exactly in half, one draw range per eye, each
	// half referencing only its own eye's vertices.
	require.Len(t, indices, 2*int(eyeIndexCount))
	for _, idx := range indices[:eyeIndexCount] {
		if idx != PrimitiveRestartIndex {
			assert.Less(t, int(idx), perEye)
		}
	}
	for _, idx := range indices[eyeIndexCount:] {
		if idx != PrimitiveRestartIndex {
			assert.GreaterOrEqual(t, int(idx), perEye)
			assert.Less(t, int(idx), 2*perEye)
		}
	}

	// One restart marker per strip row per eye.
	restarts := 0
	for _, idx := range indices {
		if idx == PrimitiveRestartIndex {
			restarts++
		}
	}
	assert.Equal(t, 2*(33-1), restarts)
}

func TestRegenerateMeshVersionChangesBuffer(t *testing.T) {
	d := daemon.NewSimulated(2560, 1440, 4_000_000)
	cfg1, err := d.Configuration()
	require.NoError(t, err)
	v1, _ := RegenerateMesh(&cfg1.Device, 2560, 1440)

	// Geometry bump regenerates the daemon mesh; same display, same grid, but
	// the version changed so the compositor re-uploads.
	d.BumpGeometry()
	cfg2, err := d.Configuration()
	require.NoError(t, err)
	require.NotEqual(t, cfg1.Device.Version, cfg2.Device.Version)

	v2, _ := RegenerateMesh(&cfg2.Device, 2560, 1440)
	assert.Len(t, v2, len(v1))
}
