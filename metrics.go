// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package solo

import "expvar"

// guardMetrics record guard activity counters, shared process-wide.
var guardMetrics = newGuardMetrics()

type metrics struct {
	connAccepted expvar.Int // connections admitted by the accept loop
	connActive   expvar.Int // connections currently being served
	frameRecv    expvar.Int // argument frames decoded and delivered
	frameInvalid expvar.Int // connections dropped for malformed frames
	frameSent    expvar.Int // argument frames forwarded to a leader

	emap *expvar.Map
}

func newGuardMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("conns_accepted", &m.connAccepted)
	m.emap.Set("conns_active", &m.connActive)
	m.emap.Set("frames_received", &m.frameRecv)
	m.emap.Set("frames_invalid", &m.frameInvalid)
	m.emap.Set("frames_sent", &m.frameSent)
	return m
}
