// Package peers provides support code for assembling and testing meshes of
// nodes.
package peers

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pinmesh/pinmesh"
	"github.com/pinmesh/pinmesh/transport"
)

// Local is a mesh of in-memory connected nodes on a shared mock clock,
// suitable for testing. Node ids double as mesh addresses.
type Local struct {
	Mesh  *transport.Mesh
	Clock *clock.Mock

	nodes []*pinmesh.Node
	ports map[string]*transport.Port
}

// NewLocal creates an empty local mesh. The mock clock starts at a fixed
// nonzero instant.
func NewLocal() *Local {
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return &Local{
		Mesh:  transport.NewMesh(),
		Clock: clk,
		ports: make(map[string]*transport.Port),
	}
}

// AddNode creates and starts a node with the given id, attached to the mesh
// at an address equal to its id.
func (l *Local) AddNode(id string, opts *pinmesh.Options) *pinmesh.Node {
	if opts == nil {
		opts = &pinmesh.Options{}
	}
	if opts.Clock == nil {
		opts.Clock = l.Clock
	}
	n := pinmesh.New(id, opts)
	p := l.Mesh.Port(id).Attach(n)
	n.Start(p)
	l.nodes = append(l.nodes, n)
	l.ports[id] = p
	return n
}

// Port returns the mesh port of the node with the given id, for loss
// injection.
func (l *Local) Port(id string) *transport.Port { return l.ports[id] }

// TickAll ticks every node once, in the order they were added.
func (l *Local) TickAll() {
	for _, n := range l.nodes {
		n.Tick()
	}
}

// Advance moves the mock clock forward by d and ticks every node.
func (l *Local) Advance(d time.Duration) {
	l.Clock.Add(d)
	l.TickAll()
}

// Settle runs n rounds of ticks without advancing the clock, letting queued
// responses and their effects drain through the mesh.
func (l *Local) Settle(n int) {
	for i := 0; i < n; i++ {
		l.TickAll()
	}
}

// Stop stops every node in the mesh.
func (l *Local) Stop() {
	for _, n := range l.nodes {
		n.Stop()
	}
}
