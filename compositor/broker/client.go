package broker

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/spaghettifunk/prisma/compositor/core"
	"github.com/spaghettifunk/prisma/compositor/shared"
)

// Client is the application side of the broker protocol. The connected host
// application uses it to receive the shared memory, then blocks on ReadVsync
// to pace its frames.
type Client struct {
	conn *net.UnixConn

	Channel *shared.Channel
	Images  *shared.ImageRegion
}

// Dial connects, completes the handshake and maps both shared regions.
func Dial(socketPath string) (*Client, error) {
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("bad socket path %q: %w", socketPath, core.ErrConfiguration)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to compositor failed: %s: %w", err, core.ErrConfiguration)
	}

	c := &Client{conn: conn}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	// Two descriptors ride on a one-byte payload.
	payload := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(2*4))
	_, oobn, _, _, err := c.conn.ReadMsgUnix(payload, oob)
	if err != nil {
		return fmt.Errorf("descriptor receive failed: %s: %w", err, core.ErrProtocol)
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(cmsgs) != 1 {
		return fmt.Errorf("bad control message in handshake: %w", core.ErrProtocol)
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) != 2 {
		return fmt.Errorf("expected 2 descriptors in handshake: %w", core.ErrProtocol)
	}
	channelFD, imageFD := fds[0], fds[1]

	var fields handshakeFields
	if err := binary.Read(c.conn, binary.LittleEndian, &fields); err != nil {
		return fmt.Errorf("handshake field read failed: %s: %w", err, core.ErrProtocol)
	}
	if fields.Version != shared.ProtocolVersion {
		return fmt.Errorf("protocol version %d, want %d: %w", fields.Version, shared.ProtocolVersion, core.ErrProtocol)
	}

	channel, err := shared.OpenChannel(channelFD)
	if err != nil {
		return err
	}

	// The device configuration carries the frame dimensions; wait for it to
	// appear, the compositor publishes it before accepting clients.
	var cfg shared.DeviceConfiguration
	if !channel.DeviceConfig.Lock(&cfg) {
		channel.Close()
		return fmt.Errorf("no device configuration published: %w", core.ErrProtocol)
	}

	images, err := shared.OpenImageRegion(imageFD, cfg.FrameWidth, cfg.FrameHeight, fields.Sizes, fields.Offsets, fields.TotalSize)
	if err != nil {
		channel.Close()
		return err
	}

	c.Channel = channel
	c.Images = images
	return nil
}

// ReadVsync blocks until the next vsync byte arrives. Returns ErrClientGone
// when the compositor side is gone.
func (c *Client) ReadVsync() error {
	buf := make([]byte, 1)
	if _, err := c.conn.Read(buf); err != nil {
		return fmt.Errorf("vsync read failed: %s: %w", err, core.ErrClientGone)
	}
	return nil
}

func (c *Client) Close() error {
	if c.Images != nil {
		c.Images.Close()
	}
	if c.Channel != nil {
		c.Channel.Close()
	}
	return c.conn.Close()
}
