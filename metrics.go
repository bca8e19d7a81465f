package pinmesh

import "expvar"

// nodeMetrics record engine activity counters.
type nodeMetrics struct {
	framesRecv    expvar.Int // frames received from the transport
	framesSent    expvar.Int // frames handed to the transport
	framesDropped expvar.Int // malformed or self-addressed frames discarded
	acksIn        expvar.Int // acknowledgements received
	acksOut       expvar.Int // acknowledgements queued for sending
	retries       expvar.Int // retry transmissions performed
	timeouts      expvar.Int // tracked messages expired without acknowledgement
	discoveries   expvar.Int // previously-unknown peers discovered

	emap *expvar.Map
}

var rootMetrics = newNodeMetrics()

func newNodeMetrics() *nodeMetrics {
	m := &nodeMetrics{emap: new(expvar.Map)}
	m.emap.Set("frames_received", &m.framesRecv)
	m.emap.Set("frames_sent", &m.framesSent)
	m.emap.Set("frames_dropped", &m.framesDropped)
	m.emap.Set("acks_received", &m.acksIn)
	m.emap.Set("acks_sent", &m.acksOut)
	m.emap.Set("retries", &m.retries)
	m.emap.Set("timeouts", &m.timeouts)
	m.emap.Set("peers_discovered", &m.discoveries)
	return m
}
