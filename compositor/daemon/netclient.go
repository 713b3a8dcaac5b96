package daemon

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/spaghettifunk/prisma/compositor/core"
)

// Wire opcodes of the daemon's query socket. One request, one fixed-layout
// little-endian response; the subscribe connection instead receives one byte
// per configuration change.
const (
	opConfiguration byte = 1
	opPose          byte = 2
	opSignal        byte = 3
	opSubscribe     byte = 4
)

// NetClient speaks the daemon's local query socket. Queries are serialized on
// one connection; change notifications arrive on a second, subscribed one.
type NetClient struct {
	mu    sync.Mutex
	query net.Conn
	sub   net.Conn

	callbacks  []func()
	callbackMu sync.Mutex
	closed     chan struct{}
}

// Dial connects to the daemon socket in the given namespace. socketName is
// the abstract or filesystem unix socket path the CLI was given.
func Dial(socketName string) (*NetClient, error) {
	query, err := net.Dial("unix", socketName)
	if err != nil {
		err := fmt.Errorf("cannot reach device daemon at %s: %w", socketName, err)
		core.LogError(err.Error())
		return nil, err
	}
	sub, err := net.Dial("unix", socketName)
	if err != nil {
		query.Close()
		err := fmt.Errorf("cannot open daemon subscription at %s: %w", socketName, err)
		core.LogError(err.Error())
		return nil, err
	}
	if _, err := sub.Write([]byte{opSubscribe}); err != nil {
		query.Close()
		sub.Close()
		return nil, err
	}

	c := &NetClient{
		query:  query,
		sub:    sub,
		closed: make(chan struct{}),
	}
	go c.notifyLoop()

	core.LogInfo("Connected to device daemon at %s.", socketName)
	return c, nil
}

func (c *NetClient) notifyLoop() {
	buf := make([]byte, 1)
	for {
		if _, err := c.sub.Read(buf); err != nil {
			select {
			case <-c.closed:
			default:
				core.LogWarn("daemon notification stream ended: %s", err)
			}
			return
		}
		c.callbackMu.Lock()
		callbacks := append([]func(){}, c.callbacks...)
		c.callbackMu.Unlock()
		for _, fn := range callbacks {
			fn()
		}
	}
}

func (c *NetClient) roundTrip(request []byte, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.query.Write(request); err != nil {
		return fmt.Errorf("daemon query write failed: %w", err)
	}
	if err := binary.Read(c.query, binary.LittleEndian, out); err != nil {
		return fmt.Errorf("daemon query read failed: %w", err)
	}
	return nil
}

func (c *NetClient) Configuration() (*Configuration, error) {
	var cfg Configuration
	if err := c.roundTrip([]byte{opConfiguration}, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *NetClient) Pose(trackerIndex uint32) (PoseState, error) {
	request := make([]byte, 5)
	request[0] = opPose
	binary.LittleEndian.PutUint32(request[1:], trackerIndex)

	var state PoseState
	if err := c.roundTrip(request, &state); err != nil {
		return PoseState{}, err
	}
	return state, nil
}

func (c *NetClient) Signal(index uint32) (bool, error) {
	request := make([]byte, 5)
	request[0] = opSignal
	binary.LittleEndian.PutUint32(request[1:], index)

	var value bool
	if err := c.roundTrip(request, &value); err != nil {
		return false, err
	}
	return value, nil
}

func (c *NetClient) OnChange(fn func()) {
	c.callbackMu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.callbackMu.Unlock()
}

func (c *NetClient) Close() error {
	close(c.closed)
	c.sub.Close()
	return c.query.Close()
}
