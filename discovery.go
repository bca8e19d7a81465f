package pinmesh

import "time"

// Discovery broadcast cadence. A fresh node announces itself often, then
// backs off as the session ages. Phase transitions are one-way for the life
// of the session.
const (
	warmupInterval = 5 * time.Second  // warm-up phase
	activeInterval = 20 * time.Second // after the first minute
	stableInterval = 60 * time.Second // after five minutes

	activeAfter = 1 * time.Minute
	stableAfter = 5 * time.Minute
)

type discoveryPhase int

const (
	phaseWarmup discoveryPhase = iota
	phaseActive
	phaseStable
)

func (p discoveryPhase) String() string {
	switch p {
	case phaseWarmup:
		return "warm-up"
	case phaseActive:
		return "active"
	case phaseStable:
		return "stable"
	default:
		return "invalid"
	}
}

// discoveryState drives the periodic presence broadcast. All methods are
// called with the node lock held, from Tick only.
type discoveryState struct {
	startAt       time.Time
	lastBroadcast time.Time
	phase         discoveryPhase
}

func (d *discoveryState) start(now time.Time) {
	d.startAt = now
	d.phase = phaseWarmup

	// Zero lastBroadcast so the first Tick announces immediately.
	d.lastBroadcast = time.Time{}
}

// interval returns the broadcast interval for the current session age,
// advancing the phase when a threshold has been crossed. Phases never move
// backward.
func (d *discoveryState) interval(now time.Time) time.Duration {
	age := now.Sub(d.startAt)
	if d.phase < phaseStable && age > stableAfter {
		d.phase = phaseStable
	} else if d.phase < phaseActive && age > activeAfter {
		d.phase = phaseActive
	}
	switch d.phase {
	case phaseStable:
		return stableInterval
	case phaseActive:
		return activeInterval
	default:
		return warmupInterval
	}
}

// due reports whether a presence broadcast should be sent now, and records
// the broadcast time when it is.
func (d *discoveryState) due(now time.Time) bool {
	if !d.lastBroadcast.IsZero() && now.Sub(d.lastBroadcast) < d.interval(now) {
		return false
	}
	d.lastBroadcast = now
	return true
}
