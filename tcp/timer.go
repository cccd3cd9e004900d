package tcp

// retransmitTimer models the {Stopped, Running(elapsed, rto)} state machine
// from spec.md 4.E: it starts when the first segment goes outstanding, is
// restarted from zero whenever a fresh ack arrives, and doubles its RTO
// (unless the peer is advertising a zero window) each time it expires.
type retransmitTimer struct {
	running bool
	elapsed uint64
	rto     uint64
}

func newRetransmitTimer(initialRTO uint64) retransmitTimer {
	return retransmitTimer{rto: initialRTO}
}

func (t *retransmitTimer) start() {
	t.running = true
	t.elapsed = 0
}

func (t *retransmitTimer) stop() {
	t.running = false
}

// restart resets the timer to Running(0, initialRTO), used whenever a new
// ack advances acked_seqno.
func (t *retransmitTimer) restart(initialRTO uint64) {
	t.running = true
	t.elapsed = 0
	t.rto = initialRTO
}

func (t *retransmitTimer) tick(ms uint64) {
	if t.running {
		t.elapsed += ms
	}
}

func (t *retransmitTimer) expired() bool {
	return t.running && t.elapsed >= t.rto
}

// onExpiry resets elapsed to zero and, unless the peer's window is zero,
// doubles the RTO.
func (t *retransmitTimer) onExpiry(zeroWindow bool) {
	t.elapsed = 0
	if !zeroWindow {
		t.rto *= 2
	}
}
