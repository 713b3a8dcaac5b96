package broker

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prisma/compositor/core"
	"github.com/spaghettifunk/prisma/compositor/shared"
)

func newServerMemory(t *testing.T) (*shared.Channel, *shared.ImageRegion) {
	t.Helper()
	channel, err := shared.CreateChannel()
	require.NoError(t, err)
	images, err := shared.CreateImageRegion(256, 128)
	require.NoError(t, err)
	t.Cleanup(func() {
		channel.Close()
		images.Close()
	})

	// The compositor publishes the device configuration before any client
	// can connect.
	cfg := shared.DeviceConfiguration{
		Version:     1,
		FrameWidth:  256,
		FrameHeight: 128,
	}
	channel.DeviceConfig.Publish(&cfg)
	return channel, images
}

func startBroker(t *testing.T, channel *shared.Channel, images *shared.ImageRegion) (*Broker, chan bool) {
	t.Helper()
	events := make(chan bool, 8)
	socketPath := filepath.Join(t.TempDir(), "prisma.sock")
	b := New(socketPath, channel, images, func(active bool) {
		events <- active
	})
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	return b, events
}

func waitEvent(t *testing.T, events chan bool, want bool) {
	t.Helper()
	select {
	case got := <-events:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client change %v", want)
	}
}

func TestHandshakeDeliversSharedMemory(t *testing.T) {
	channel, images := newServerMemory(t)
	b, events := startBroker(t, channel, images)

	client, err := Dial(b.socketPath)
	require.NoError(t, err)
	defer client.Close()
	waitEvent(t, events, true)

	// The client's mapping must describe the same memory the server created.
	assert.Equal(t, images.TotalSize, client.Images.TotalSize)
	assert.Equal(t, images.Sizes, client.Images.Sizes)
	assert.Equal(t, images.Offsets, client.Images.Offsets)

	// The handshake already consumed the freshness edge of the configuration
	// slot; a later lock still copies the value.
	require.True(t, client.Channel.DeviceConfig.HasPublished())
	var cfg shared.DeviceConfiguration
	client.Channel.DeviceConfig.Lock(&cfg)
	assert.Equal(t, uint32(256), cfg.FrameWidth)
	assert.Equal(t, uint32(128), cfg.FrameHeight)

	// Pixels written on one side are visible on the other.
	images.Image(1)[0] = 0xAB
	assert.Equal(t, byte(0xAB), client.Images.Image(1)[0])
}

func TestVsyncRelayAtSyntheticRate(t *testing.T) {
	channel, images := newServerMemory(t)
	b, events := startBroker(t, channel, images)

	client, err := Dial(b.socketPath)
	require.NoError(t, err)
	defer client.Close()
	waitEvent(t, events, true)

	const frames = 10
	const period = time.Second / 90

	// Server side: one timer record plus one vsync byte per synthetic
	// retrace; the client paces on the byte and reads the record.
	go func() {
		for i := 1; i <= frames; i++ {
			rec := shared.VblankTimerRecord{
				FrameIndex:        uint64(i),
				PredictedVblankNS: core.NowNS() + period.Nanoseconds(),
				PeriodNS:          period.Nanoseconds(),
			}
			channel.VblankTimer.Publish(&rec)
			b.NotifyVsync()
			time.Sleep(period)
		}
	}()

	seen := make(map[uint64]bool)
	var last uint64
	for i := 0; i < frames; i++ {
		require.NoError(t, client.ReadVsync())

		// Fresh locks must observe strictly increasing, never-repeated frame
		// indexes.
		var rec shared.VblankTimerRecord
		if client.Channel.VblankTimer.Lock(&rec) {
			assert.Greater(t, rec.FrameIndex, last)
			assert.False(t, seen[rec.FrameIndex], "frame index %d delivered twice", rec.FrameIndex)
			seen[rec.FrameIndex] = true
			last = rec.FrameIndex
		}

		// The client answers with a render result, like a real app would.
		result := shared.RenderResult{
			ImageIndex:        uint32(i % shared.ImageCount),
			RenderTimestampNS: core.NowNS(),
		}
		client.Channel.RenderResults.Publish(&result)
	}
	assert.GreaterOrEqual(t, len(seen), frames-1)

	// The server observes the newest client result.
	var result shared.RenderResult
	require.True(t, channel.RenderResults.Lock(&result))
	assert.Equal(t, uint32((frames-1)%shared.ImageCount), result.ImageIndex)
}

func TestSecondConnectionRejected(t *testing.T) {
	channel, images := newServerMemory(t)
	b, events := startBroker(t, channel, images)

	client, err := Dial(b.socketPath)
	require.NoError(t, err)
	defer client.Close()
	waitEvent(t, events, true)

	// The slot is single occupancy; the intruder's handshake never happens.
	_, err = Dial(b.socketPath)
	assert.Error(t, err)
	assert.Equal(t, StateActive, b.State())
}

func TestDisconnectReturnsSlotToIdle(t *testing.T) {
	channel, images := newServerMemory(t)
	b, events := startBroker(t, channel, images)

	client, err := Dial(b.socketPath)
	require.NoError(t, err)
	waitEvent(t, events, true)

	require.NoError(t, client.Close())
	waitEvent(t, events, false)
	assert.Equal(t, StateIdle, b.State())

	// A new client can take the slot again.
	client2, err := Dial(b.socketPath)
	require.NoError(t, err)
	defer client2.Close()
	waitEvent(t, events, true)
}
