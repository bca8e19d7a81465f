package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// UDPOptions configure a UDP transport.
type UDPOptions struct {
	// ListenAddr is the local address to bind, e.g. ":17117".
	ListenAddr string

	// BroadcastAddr is the address presence broadcasts are sent to, e.g.
	// "255.255.255.255:17117" or a subnet broadcast address.
	BroadcastAddr string

	// Logger receives transport logs. If nil, logs are discarded.
	Logger *zap.Logger
}

// A UDP carries frames as individual datagrams on an IPv4 broadcast domain.
// Peer addresses are "host:port" strings. UDP gives no delivery reports, so
// reliability rests entirely on the engine's acknowledgement layer.
type UDP struct {
	conn  *net.UDPConn
	bcast *net.UDPAddr
	log   *zap.Logger

	mu    sync.Mutex
	tasks *taskgroup.Group
}

// NewUDP opens a UDP transport per opts. The caller must Start it with a
// receiver before frames flow.
func NewUDP(opts UDPOptions) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp4", opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen address: %w", err)
	}
	baddr, err := net.ResolveUDPAddr("udp4", opts.BroadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("broadcast address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UDP{conn: conn, bcast: baddr, log: logger.Named("udp")}, nil
}

// LocalAddr returns the bound local address.
func (u *UDP) LocalAddr() string { return u.conn.LocalAddr().String() }

// Start begins delivering inbound datagrams to r. It panics if the
// transport is already started.
func (u *UDP) Start(r Receiver) *UDP {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.tasks != nil {
		panic("transport is already started")
	}
	g := taskgroup.New(nil)
	u.tasks = g
	g.Go(func() error {
		buf := make([]byte, 2048)
		for {
			n, src, err := u.conn.ReadFromUDP(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				u.log.Warn("read failed", zap.Error(err))
				return err
			}
			r.HandleFrame(src.String(), append([]byte(nil), buf[:n]...))
		}
	})
	return u
}

// SendTo implements the unicast half of the node's Transport interface.
func (u *UDP) SendTo(addr string, payload []byte) error {
	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("peer address: %w", err)
	}
	_, err = u.conn.WriteToUDP(payload, dst)
	return err
}

// Broadcast implements the broadcast half of the node's Transport interface.
func (u *UDP) Broadcast(payload []byte) error {
	_, err := u.conn.WriteToUDP(payload, u.bcast)
	return err
}

// Stop closes the socket and waits for the read loop to exit.
func (u *UDP) Stop() error {
	u.conn.Close()
	u.mu.Lock()
	g := u.tasks
	u.tasks = nil
	u.mu.Unlock()
	if g != nil {
		return g.Wait()
	}
	return nil
}
