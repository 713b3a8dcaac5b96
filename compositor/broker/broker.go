/*
Package broker owns the compositor's client socket: a single-slot connection
state machine over a unix domain socket. At most one application is connected
at a time; a second connection attempt while the slot is Active is rejected
outright. The handshake hands the client the shared-memory descriptors and the
image-region layout, after which the only server-to-client traffic is one
vsync byte per retrace.
*/
package broker

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/spaghettifunk/prisma/compositor/core"
	"github.com/spaghettifunk/prisma/compositor/shared"
)

// Connection slot states.
const (
	StateIdle int32 = iota
	StateActive
)

// handshakeFields is the fixed little-endian block written after the
// descriptors: protocol version, total image-region size, then per-image
// sizes and offsets.
type handshakeFields struct {
	Version   uint32
	TotalSize uint64
	Sizes     [shared.ImageCount]uint64
	Offsets   [shared.ImageCount]uint64
}

// Broker accepts and serves the single client connection.
type Broker struct {
	socketPath string
	channel    *shared.Channel
	images     *shared.ImageRegion

	// onClientChange is invoked with true on a completed handshake and false
	// when the slot returns to Idle.
	onClientChange func(active bool)

	listener *net.UnixListener
	state    atomic.Int32

	mu   sync.Mutex
	conn *net.UnixConn

	vsync  chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

func New(socketPath string, channel *shared.Channel, images *shared.ImageRegion, onClientChange func(active bool)) *Broker {
	return &Broker{
		socketPath:     socketPath,
		channel:        channel,
		images:         images,
		onClientChange: onClientChange,
		vsync:          make(chan struct{}, 1),
	}
}

// Start binds the socket and runs the accept loop on its own goroutine.
func (b *Broker) Start() error {
	// A previous run's socket file would make Listen fail.
	os.Remove(b.socketPath)

	addr, err := net.ResolveUnixAddr("unix", b.socketPath)
	if err != nil {
		return fmt.Errorf("bad broker socket path %q: %w", b.socketPath, core.ErrConfiguration)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		err := fmt.Errorf("failed to listen on %q: %s: %w", b.socketPath, err, core.ErrConfiguration)
		core.LogError(err.Error())
		return err
	}
	b.listener = listener

	b.wg.Add(1)
	go b.acceptLoop()
	core.LogInfo("Broker listening on %s.", b.socketPath)
	return nil
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.AcceptUnix()
		if err != nil {
			if b.closed.Load() {
				return
			}
			core.LogWarn("Accept failed: %s", err)
			continue
		}

		if !b.state.CompareAndSwap(StateIdle, StateActive) {
			// Slot taken. One client, no queue.
			core.LogWarn("Rejecting connection: client slot is active.")
			conn.Close()
			continue
		}

		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		b.wg.Add(1)
		go b.serve(conn)
	}
}

// serve runs the handshake and then relays vsync bytes until the client goes
// away. Client-side failures never propagate beyond the slot: log, drop,
// return to Idle.
func (b *Broker) serve(conn *net.UnixConn) {
	defer b.wg.Done()

	id := uuid.New()
	core.LogInfo("Client %s connected.", id)

	if err := b.handshake(conn); err != nil {
		core.LogError("Client %s handshake failed: %s", id, err)
		b.release(conn, id)
		return
	}
	if b.onClientChange != nil {
		b.onClientChange(true)
	}

	// Drain and discard everything the client sends; EOF is the disconnect
	// signal.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	vsyncByte := []byte{0}
	for {
		select {
		case <-gone:
			core.LogInfo("Client %s disconnected.", id)
			b.release(conn, id)
			return
		case <-b.vsync:
			if b.closed.Load() {
				b.release(conn, id)
				return
			}
			if _, err := conn.Write(vsyncByte); err != nil {
				core.LogWarn("Client %s vsync write failed: %s", id, err)
				b.release(conn, id)
				return
			}
		}
	}
}

// handshake sends, in order: both memory descriptors as SCM_RIGHTS, then the
// fixed field block.
func (b *Broker) handshake(conn *net.UnixConn) error {
	rights := unix.UnixRights(b.channel.FD(), b.images.FD())
	if _, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil); err != nil {
		return fmt.Errorf("descriptor passing failed: %s: %w", err, core.ErrProtocol)
	}

	fields := handshakeFields{
		Version:   shared.ProtocolVersion,
		TotalSize: b.images.TotalSize,
		Sizes:     b.images.Sizes,
		Offsets:   b.images.Offsets,
	}
	if err := binary.Write(conn, binary.LittleEndian, &fields); err != nil {
		return fmt.Errorf("handshake field write failed: %s: %w", err, core.ErrProtocol)
	}
	return nil
}

// release returns the slot to Idle and tells the compositor to fall back to
// the boundary overlay.
func (b *Broker) release(conn *net.UnixConn, id uuid.UUID) {
	conn.Close()
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
	b.state.Store(StateIdle)
	if b.onClientChange != nil {
		b.onClientChange(false)
	}
	core.LogInfo("Client slot %s returned to idle.", id)
}

// NotifyVsync queues one vsync byte for the active client. Called from the
// render loop once per retrace; never blocks it. With no client, or a client
// that is not keeping up, the notification is dropped — the timer record in
// the shared channel still carries the authoritative timing.
func (b *Broker) NotifyVsync() {
	if b.state.Load() != StateActive {
		return
	}
	select {
	case b.vsync <- struct{}{}:
	default:
	}
}

// State reports the connection slot state.
func (b *Broker) State() int32 {
	return b.state.Load()
}

// Stop closes the listener and any active connection and waits for the serve
// goroutines to finish.
func (b *Broker) Stop() {
	b.closed.Store(true)
	if b.listener != nil {
		b.listener.Close()
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	// Wake a serve goroutine blocked on the vsync channel.
	select {
	case b.vsync <- struct{}{}:
	default:
	}
	b.wg.Wait()
	os.Remove(b.socketPath)
}
