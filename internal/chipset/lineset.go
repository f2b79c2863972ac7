package chipset

import "sync"

// LineSet manages named interrupt lines and EOI fan-out. Producers allocate
// line handles; the chipset connects each line to a consumer, typically a
// local interrupt pin. EOI broadcasts from a local APIC fan out to vector
// callbacks and to an attached EOITarget such as an I/O APIC model.
type LineSet struct {
	mu sync.Mutex

	targets map[uint8]LineInterrupt
	levels  map[uint8]bool

	eoiTarget EOITarget
	eoi       map[uint8][]func()
}

// NewLineSet builds an empty LineSet. Lines with no connected target drop
// their signals.
func NewLineSet() *LineSet {
	return &LineSet{
		targets: make(map[uint8]LineInterrupt),
		levels:  make(map[uint8]bool),
		eoi:     make(map[uint8][]func()),
	}
}

// ConnectLine routes assertions of the given line to target.
func (l *LineSet) ConnectLine(line uint8, target LineInterrupt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if target == nil {
		delete(l.targets, line)
		return
	}
	l.targets[line] = target
}

// AllocateLine returns a LineInterrupt handle for the given line.
func (l *LineSet) AllocateLine(line uint8) LineInterrupt {
	return &lineHandle{owner: l, line: line}
}

// AttachEOITarget wires EOI broadcasts to any target exposing HandleEOI(uint32).
func (l *LineSet) AttachEOITarget(target EOITarget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoiTarget = target
}

// RegisterEOICallback registers a callback for the given vector.
// The callback is invoked when BroadcastEOI is called with the same vector.
func (l *LineSet) RegisterEOICallback(vector uint8, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[vector] = append(l.eoi[vector], fn)
}

// BroadcastEOI notifies listeners that an EOI was signalled for the vector.
func (l *LineSet) BroadcastEOI(vector uint8) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[vector]...)
	target := l.eoiTarget
	l.mu.Unlock()
	if target != nil {
		target.HandleEOI(uint32(vector))
	}
	for _, fn := range callbacks {
		fn()
	}
}

// EOITarget is the minimal interface for receivers of EOI broadcasts (e.g. an IOAPIC).
type EOITarget interface {
	HandleEOI(uint32)
}

type lineHandle struct {
	owner *LineSet
	line  uint8
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.line, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.setLevel(h.line, true)
	h.owner.setLevel(h.line, false)
}

func (l *LineSet) setLevel(line uint8, high bool) {
	l.mu.Lock()
	changed := l.levels[line] != high
	l.levels[line] = high
	target := l.targets[line]
	l.mu.Unlock()

	if changed && target != nil {
		target.SetLevel(high)
	}
}
