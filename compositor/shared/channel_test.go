package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/spaghettifunk/prisma/compositor/core"
)

func TestChannelCreateOpenRoundtrip(t *testing.T) {
	server, err := CreateChannel()
	require.NoError(t, err)
	defer server.Close()

	cfg := DeviceConfiguration{
		Version:          3,
		FrameWidth:       2880,
		FrameHeight:      1600,
		DisplayLatencyNS: 4_000_000,
	}
	cfg.Eyes[EyeLeft].Viewport = Viewport{X: 0, Y: 0, Width: 1440, Height: 1600}
	cfg.Eyes[EyeRight].Viewport = Viewport{X: 1440, Y: 0, Width: 1440, Height: 1600}
	server.DeviceConfig.Publish(&cfg)

	client, err := OpenChannel(server.FD())
	require.NoError(t, err)

	var got DeviceConfiguration
	require.True(t, client.DeviceConfig.Lock(&got))
	assert.Equal(t, cfg, got)

	// App -> compositor direction through the same region.
	rr := RenderResult{ImageIndex: 2, RenderTimestampNS: 12345}
	client.RenderResults.Publish(&rr)

	var gotRR RenderResult
	require.True(t, server.RenderResults.Lock(&gotRR))
	assert.Equal(t, rr, gotRR)
}

func TestChannelRejectsBadRegion(t *testing.T) {
	server, err := CreateChannel()
	require.NoError(t, err)
	defer server.Close()

	// Corrupt the magic through a second mapping. The rejection must be a
	// plain protocol error, not a crash.
	other, err := OpenChannel(server.FD())
	require.NoError(t, err)
	other.region[0] = 0

	_, err = OpenChannel(server.FD())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrProtocol)
}

func TestChannelRejectsVersionMismatch(t *testing.T) {
	server, err := CreateChannel()
	require.NoError(t, err)
	defer server.Close()

	other, err := OpenChannel(server.FD())
	require.NoError(t, err)
	other.region[4] = 0xFF // version field, little endian

	_, err = OpenChannel(server.FD())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrProtocol)
}

func TestImageRegionLayout(t *testing.T) {
	r, err := CreateImageRegion(256, 128)
	require.NoError(t, err)
	defer r.Close()

	assert.EqualValues(t, 256*128*BytesPerPixel, r.Sizes[0])
	for i := uint32(1); i < ImageCount; i++ {
		assert.Greater(t, r.Offsets[i], r.Offsets[i-1])
		assert.Zero(t, r.Offsets[i]%uint64(unix.Getpagesize()), "images are page aligned")
	}
	assert.Len(t, r.Image(ImageCount-1), int(r.Sizes[ImageCount-1]))

	// Writes through one image index never alias another.
	r.Image(0)[0] = 0xAB
	assert.Zero(t, r.Image(1)[0])
}
