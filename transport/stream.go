package transport

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/pinmesh/pinmesh/frame"
)

// A Stream carries frames over a point-to-point byte stream such as a
// serial line, using the frame package's byte-stuffed encoding for record
// boundaries. The link has exactly one peer, labelled with the address given
// at construction; unicast and broadcast are the same operation.
type Stream struct {
	rwc  io.ReadWriteCloser
	peer string
	max  int

	wmu sync.Mutex // serializes writes

	mu    sync.Mutex
	tasks *taskgroup.Group
}

// NewStream constructs a stream transport over rwc. peerAddr labels the
// remote end in frames delivered to the receiver; maxFrame bounds accepted
// payload sizes.
func NewStream(rwc io.ReadWriteCloser, peerAddr string, maxFrame int) *Stream {
	return &Stream{rwc: rwc, peer: peerAddr, max: maxFrame}
}

// Peer returns the address label of the remote end.
func (s *Stream) Peer() string { return s.peer }

// Start begins delivering decoded inbound frames to r. It panics if the
// transport is already started.
func (s *Stream) Start(r Receiver) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks != nil {
		panic("transport is already started")
	}
	g := taskgroup.New(nil)
	s.tasks = g
	g.Go(func() error {
		dec := frame.NewDecoder(s.max)
		buf := make([]byte, 256)
		for {
			n, err := s.rwc.Read(buf)
			if n > 0 {
				// Oversized frames are dropped by the decoder; the stream
				// itself stays usable.
				payloads, _ := dec.Write(buf[:n])
				for _, p := range payloads {
					r.HandleFrame(s.peer, p)
				}
			}
			if err != nil {
				if err == io.EOF || err == io.ErrClosedPipe || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
		}
	})
	return s
}

// SendTo implements the unicast half of the node's Transport interface. On
// a point-to-point link every address reaches the one peer.
func (s *Stream) SendTo(addr string, payload []byte) error { return s.write(payload) }

// Broadcast implements the broadcast half of the node's Transport
// interface.
func (s *Stream) Broadcast(payload []byte) error { return s.write(payload) }

func (s *Stream) write(payload []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.rwc.Write(frame.Encode(nil, payload))
	return err
}

// Stop closes the link and waits for the read loop to exit.
func (s *Stream) Stop() error {
	s.rwc.Close()
	s.mu.Lock()
	g := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	if g != nil {
		return g.Wait()
	}
	return nil
}
