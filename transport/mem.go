package transport

import (
	"fmt"
	"sync"
)

// A Mesh is an in-memory broadcast domain connecting any number of ports.
// Delivery is synchronous: a send is handed to the destination's receiver
// before the call returns. Tests use a Mesh to exercise full nodes without
// real I/O.
type Mesh struct {
	mu    sync.Mutex
	ports map[string]*Port
}

// NewMesh constructs an empty mesh.
func NewMesh() *Mesh { return &Mesh{ports: make(map[string]*Port)} }

// Port returns the port with the given address, creating it if necessary.
func (m *Mesh) Port(addr string) *Port {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ports[addr]
	if !ok {
		p = &Port{mesh: m, addr: addr}
		m.ports[addr] = p
	}
	return p
}

// A Port is one attachment point of a Mesh. It implements the node's
// Transport interface; Attach wires the inbound side.
type Port struct {
	mesh *Mesh
	addr string

	mu   sync.Mutex
	rcv  Receiver
	fail bool // report every unicast send as failed
	drop bool // lose every frame after reporting success
}

// Addr returns the port's mesh address.
func (p *Port) Addr() string { return p.addr }

// Attach wires r as the port's receiver and returns the port.
func (p *Port) Attach(r Receiver) *Port {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rcv = r
	return p
}

// SetFail makes every subsequent unicast send report delivery failure
// without delivering, imitating a medium whose link layer detects the loss.
func (p *Port) SetFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

// SetDrop makes every subsequent send report success but deliver nothing,
// imitating silent loss in the medium.
func (p *Port) SetDrop(drop bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drop = drop
}

func (p *Port) state() (rcv Receiver, fail, drop bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rcv, p.fail, p.drop
}

// SendTo implements the unicast half of the node's Transport interface.
// The frame is delivered synchronously, then the send report follows.
func (p *Port) SendTo(addr string, payload []byte) error {
	rcv, fail, drop := p.state()

	p.mesh.mu.Lock()
	dst := p.mesh.ports[addr]
	p.mesh.mu.Unlock()
	if dst == nil {
		return fmt.Errorf("no port %q", addr)
	}

	switch {
	case fail:
		if rcv != nil {
			rcv.HandleSendResult(addr, false)
		}
	case drop:
		if rcv != nil {
			rcv.HandleSendResult(addr, true)
		}
	default:
		if dr, _, _ := dst.state(); dr != nil {
			dr.HandleFrame(p.addr, append([]byte(nil), payload...))
		}
		if rcv != nil {
			rcv.HandleSendResult(addr, true)
		}
	}
	return nil
}

// Broadcast implements the broadcast half of the node's Transport interface.
// Every other attached port receives the frame; there is no send report.
func (p *Port) Broadcast(payload []byte) error {
	_, _, drop := p.state()
	if drop {
		return nil
	}

	p.mesh.mu.Lock()
	dsts := make([]*Port, 0, len(p.mesh.ports))
	for addr, dst := range p.mesh.ports {
		if addr != p.addr {
			dsts = append(dsts, dst)
		}
	}
	p.mesh.mu.Unlock()

	for _, dst := range dsts {
		if dr, _, _ := dst.state(); dr != nil {
			dr.HandleFrame(p.addr, append([]byte(nil), payload...))
		}
	}
	return nil
}
