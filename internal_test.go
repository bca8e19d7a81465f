package pinmesh

import (
	"testing"
	"time"
)

func TestDiscoveryCadence(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var d discoveryState
	d.start(start)

	if !d.due(start) {
		t.Error("first check: got not due, want an immediate announcement")
	}

	// Count announcements over the first minute at a 1s tick: one per 5s
	// window, the first already spent.
	count := 0
	now := start
	for i := 0; i < 59; i++ {
		now = now.Add(time.Second)
		if d.due(now) {
			count++
		}
	}
	if count != 11 {
		t.Errorf("warm-up announcements: got %d, want 11", count)
	}

	// Past the first minute the interval stretches to 20s.
	count = 0
	for i := 0; i < 240; i++ {
		now = now.Add(time.Second)
		if d.due(now) {
			count++
		}
	}
	if count != 12 {
		t.Errorf("active announcements: got %d, want 12", count)
	}
	if d.phase != phaseActive {
		t.Errorf("phase: got %v, want %v", d.phase, phaseActive)
	}

	// Past five minutes, 60s, and the phase never moves backward.
	count = 0
	for i := 0; i < 600; i++ {
		now = now.Add(time.Second)
		if d.due(now) {
			count++
		}
	}
	if count != 10 {
		t.Errorf("stable announcements: got %d, want 10", count)
	}
	if d.phase != phaseStable {
		t.Errorf("phase: got %v, want %v", d.phase, phaseStable)
	}
}

func TestTrackerAlloc(t *testing.T) {
	var tr tracker
	for i := 0; i < MaxTrackedMessages; i++ {
		if !tr.alloc(trackEntry{id: string(rune('a' + i)), target: "x"}) {
			t.Fatalf("alloc %d: got false, want a free slot", i)
		}
	}
	if tr.alloc(trackEntry{id: "overflow"}) {
		t.Error("alloc on full table: got true, want false")
	}
	if got := tr.inFlight(); got != MaxTrackedMessages {
		t.Errorf("inFlight: got %d, want %d", got, MaxTrackedMessages)
	}

	e := tr.find("c")
	if e == nil || e.target != "x" {
		t.Fatalf("find(c): got %+v, want target x", e)
	}
	if tr.find("nonesuch") != nil {
		t.Error("find(nonesuch): got entry, want nil")
	}

	tr.release(2)
	if tr.find("c") != nil {
		t.Error("find after release: got entry, want nil")
	}
	if !tr.alloc(trackEntry{id: "again"}) {
		t.Error("alloc after release: got false, want reclaimed slot")
	}
}

func TestTrackerClearCallbacks(t *testing.T) {
	var tr tracker
	fired := false
	tr.alloc(trackEntry{id: "p", kind: KindPinControl, done: func(string, uint8, uint8, bool) { fired = true }})
	tr.alloc(trackEntry{id: "r", kind: KindPinReadRequest, done: func(string, uint8, uint8, bool) {}})

	tr.clearCallbacks(KindPinControl)
	if e := tr.find("p"); e.done != nil {
		t.Error("pin-control callback survived clearCallbacks")
	}
	if e := tr.find("r"); e.done == nil {
		t.Error("read callback cleared, want only pin-control affected")
	}
	_ = fired
}

func TestSubscriptionTableBound(t *testing.T) {
	var s subscriptions
	fn := func(string, uint8, uint8) {}
	for i := 0; i < MaxSubscriptions; i++ {
		if !s.add(subscription{kind: KindPinPublish, peer: "p", pin: uint8(i), onPin: fn}) {
			t.Fatalf("add %d: got false, want a free slot", i)
		}
	}
	if s.add(subscription{kind: KindPinPublish, peer: "p", pin: 99, onPin: fn}) {
		t.Error("add on full table: got true, want false")
	}

	if !s.removePin(KindPinPublish, "p", 3) {
		t.Error("removePin: got false, want true")
	}
	if !s.add(subscription{kind: KindPinPublish, peer: "p", pin: 99, onPin: fn}) {
		t.Error("add after remove: got false, want reclaimed slot")
	}
}
