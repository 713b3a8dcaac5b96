package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prisma/compositor/core"
)

const sampleConfig = `
display = 1
display_name = "HMD Panel"
rate_hz = 120.0
control_socket = "/tmp/prisma-test.sock"
simulate = true

[tuning]
exposure_offset_us = 250
reprojection = false
`

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prisma.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Display)
	assert.Equal(t, "HMD Panel", cfg.DisplayName)
	assert.Equal(t, 120.0, cfg.RateHz)
	assert.Equal(t, "/tmp/prisma-test.sock", cfg.ControlSocket)
	assert.True(t, cfg.Simulate)
	assert.Equal(t, int64(250), cfg.Tuning.ExposureOffsetUS)
	assert.False(t, cfg.Tuning.Reprojection)

	// Untouched keys keep their defaults.
	assert.Equal(t, "/run/prisma/daemon.sock", cfg.DaemonSocket)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Tuning.Reprojection)
	assert.Equal(t, 0, cfg.Display)
}

func TestLoadMissingFileIsConfigurationError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestWatchDeliversTuningOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prisma.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	tunings := make(chan Tuning, 4)
	w, err := Watch(path, func(tn Tuning) {
		tunings <- tn
	})
	require.NoError(t, err)
	defer w.Close()

	updated := `
[tuning]
exposure_offset_us = 500
reprojection = true
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case tn := <-tunings:
		assert.Equal(t, int64(500), tn.ExposureOffsetUS)
		assert.True(t, tn.Reprojection)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for tuning reload")
	}
}
