package lapic

// apicTimer runs the countdown state machine behind the timer LVT entry.
// The owner supplies elapsed bus ticks through advance and TSC samples
// through advanceTsc; the divide configuration scales bus ticks before
// they reach the count. All methods assume the owning APIC's lock is held.
type apicTimer struct {
	mode    uint32
	initial uint32
	current uint32
	running bool

	// divideShift converts bus ticks to count ticks; residue carries the
	// sub-divide remainder between advance calls so no ticks are lost.
	divideShift uint
	residue     uint64

	deadline uint64
}

// setDivide decodes the divide configuration register. The three encoding
// bits live at positions 0, 1 and 3; all eight encodings are defined, so
// there is no error path. Scaling changes apply to subsequent ticks only.
func (t *apicTimer) setDivide(dcr uint32) {
	n := (dcr & 0x3) | ((dcr >> 1) & 0x4)
	t.divideShift = uint(n+1) & 7
}

// writeInitial arms or disarms the countdown. Writes are ignored in
// TSC-deadline mode; a write while running re-arms immediately.
func (t *apicTimer) writeInitial(v uint32) {
	if t.mode == timerTscDeadline {
		return
	}
	t.initial = v
	t.current = v
	t.residue = 0
	t.running = v != 0
}

// setMode follows the timer LVT mode bits. Moving between the counting
// modes and TSC-deadline disarms the timer entirely; switching between
// one-shot and periodic keeps an in-flight count running.
func (t *apicTimer) setMode(mode uint32) {
	if mode == t.mode {
		return
	}
	wasDeadline := t.mode == timerTscDeadline
	t.mode = mode
	if wasDeadline != (mode == timerTscDeadline) {
		t.initial = 0
		t.current = 0
		t.residue = 0
		t.running = false
		t.deadline = 0
	}
}

// writeDeadline arms the TSC comparator. Outside TSC-deadline mode the
// write is dropped and the deadline stays zero.
func (t *apicTimer) writeDeadline(v uint64) {
	if t.mode != timerTscDeadline {
		return
	}
	t.deadline = v
}

// advance consumes elapsed bus ticks and reports whether the count crossed
// zero. Multiple periodic expiries inside one call coalesce into a single
// report with the phase remainder preserved.
func (t *apicTimer) advance(elapsed uint64) bool {
	if !t.running || t.mode == timerTscDeadline {
		return false
	}

	total := t.residue + elapsed
	scaled := total >> t.divideShift
	t.residue = total - scaled<<t.divideShift
	if scaled == 0 {
		return false
	}

	if uint64(t.current) > scaled {
		t.current -= uint32(scaled)
		return false
	}

	over := scaled - uint64(t.current)
	if t.mode == timerPeriodic && t.initial != 0 {
		phase := uint32(over % uint64(t.initial))
		if phase == 0 {
			t.current = t.initial
		} else {
			t.current = t.initial - phase
		}
		return true
	}

	t.current = 0
	t.running = false
	return true
}

// advanceTsc compares a TSC sample against the programmed deadline. An
// expiry reports once and disarms until the deadline is rewritten.
func (t *apicTimer) advanceTsc(now uint64) bool {
	if t.mode != timerTscDeadline || t.deadline == 0 {
		return false
	}
	if now < t.deadline {
		return false
	}
	t.deadline = 0
	return true
}

// ccr derives the current count register value.
func (t *apicTimer) ccr() uint32 {
	if t.mode == timerTscDeadline {
		return 0
	}
	return t.current
}

func (t *apicTimer) reset() {
	*t = apicTimer{}
	t.setDivide(0)
}
