package peers_test

import (
	"testing"
	"time"

	"github.com/pinmesh/pinmesh"
	"github.com/pinmesh/pinmesh/peers"
)

func TestLocalMesh(t *testing.T) {
	l := peers.NewLocal()
	a := l.AddNode("A", nil)
	b := l.AddNode("B", nil)
	c := l.AddNode("C", nil)
	defer l.Stop()

	l.Settle(3)

	for _, n := range []*pinmesh.Node{a, b, c} {
		if got := n.PeerCount(); got != 2 {
			t.Errorf("%s.PeerCount: got %d, want 2", n.ID(), got)
		}
	}

	// The shared mock clock drives all nodes together.
	before := l.Clock.Now()
	l.Advance(time.Minute)
	if got := l.Clock.Now().Sub(before); got != time.Minute {
		t.Errorf("clock advanced %v, want 1m", got)
	}

	if p := l.Port("A"); p == nil || p.Addr() != "A" {
		t.Errorf("Port(A): got %+v, want port at address A", p)
	}
}
