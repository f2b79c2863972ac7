package lapic

import (
	"fmt"
	"sort"
	"sync"
)

// VcpuEvents receives the interrupt classes that change virtual CPU
// run-state instead of entering the pending set. The dispatcher decodes
// and forwards; acting on INIT or Startup is the embedder's business.
type VcpuEvents interface {
	SignalINIT()
	SignalStartup(vector uint8)
	SignalNMI()
	SignalSMI()
	SignalExtINT()
}

type noopVcpuEvents struct{}

func (noopVcpuEvents) SignalINIT()         {}
func (noopVcpuEvents) SignalStartup(uint8) {}
func (noopVcpuEvents) SignalNMI()          {}
func (noopVcpuEvents) SignalSMI()          {}
func (noopVcpuEvents) SignalExtINT()       {}

var _ VcpuEvents = noopVcpuEvents{}

// VcpuEventsDetached returns a sink that discards every event. It is the
// default for APICs constructed without WithVcpuEvents.
func VcpuEventsDetached() VcpuEvents {
	return noopVcpuEvents{}
}

// Bus is the interrupt domain of a machine: the set of local APICs that
// can address each other by physical or logical ID. Every APIC built with
// WithBus joins it.
type Bus struct {
	mu    sync.RWMutex
	apics map[int]*LAPIC
}

func NewBus() *Bus {
	return &Bus{apics: make(map[int]*LAPIC)}
}

func (b *Bus) attach(l *LAPIC) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.apics[l.index] = l
}

// Apic returns the APIC attached for the given virtual CPU index, or nil.
func (b *Bus) Apic(index int) *LAPIC {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.apics[index]
}

// Count returns the number of attached APICs.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.apics)
}

// targets returns the attached APICs ordered by virtual CPU index.
func (b *Bus) targets() []*LAPIC {
	b.mu.RLock()
	defer b.mu.RUnlock()

	indexes := make([]int, 0, len(b.apics))
	for idx := range b.apics {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]*LAPIC, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, b.apics[idx])
	}
	return out
}

// DeliverIPI issues an interprocessor interrupt exactly as if the guest
// had programmed this APIC's ICR. Delivery is synchronous: by the time it
// returns every resolved target has either queued the vector or been
// signaled.
func (l *LAPIC) DeliverIPI(msg IPI) error {
	return l.send(msg)
}

// SelfIPI queues a fixed edge-triggered vector on this APIC, the shortcut
// the dedicated self-IPI register takes.
func (l *LAPIC) SelfIPI(vector uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.postLocked(vector, false)
}

func (l *LAPIC) latchError(bit uint32) {
	l.mu.Lock()
	l.esrLatchLocked(bit)
	l.mu.Unlock()
}

func (l *LAPIC) send(msg IPI) error {
	if msg.Shorthand != ShorthandNone && msg.Destination != 0 {
		l.latchError(esrSendAccept)
		return fmt.Errorf("lapic: shorthand %v with explicit destination %#02x: %w",
			msg.Shorthand, msg.Destination, ErrInvalidDestination)
	}

	switch msg.Mode {
	case DeliveryFixed, DeliveryLowestPriority:
		if msg.Vector < minFixedVector {
			l.latchError(esrSendIllegalVector)
			return fmt.Errorf("lapic: vector %d: %w", msg.Vector, ErrIllegalVector)
		}
	case DeliveryINIT, DeliveryStartup:
		if msg.Shorthand == ShorthandSelf || msg.Shorthand == ShorthandAllIncludingSelf {
			l.latchError(esrSendAccept)
			return fmt.Errorf("lapic: %v aimed at self: %w", msg.Mode, ErrInvalidDestination)
		}
	case DeliverySMI, DeliveryNMI, DeliveryExtINT:
	default:
		l.latchError(esrSendAccept)
		return fmt.Errorf("lapic: reserved delivery mode %d: %w", uint32(msg.Mode), ErrInvalidDestination)
	}

	// INIT deassert is the legacy arbitration-sync handshake. Nothing in
	// this model arbitrates over a shared bus, so it is accepted and
	// ignored.
	if msg.Mode == DeliveryINIT && msg.Deassert {
		return nil
	}

	targets, err := l.resolveTargets(msg)
	if err != nil {
		l.latchError(esrSendAccept)
		return fmt.Errorf("lapic: destination %#02x: %w", msg.Destination, err)
	}

	switch msg.Mode {
	case DeliveryFixed:
		for _, t := range targets {
			t.Post(msg.Vector, msg.TriggerLevel)
		}
	case DeliveryLowestPriority:
		var target *LAPIC
		var best uint8
		for _, t := range targets {
			if p := t.ProcessorPriority(); target == nil || p < best {
				best, target = p, t
			}
		}
		if target != nil {
			target.Post(msg.Vector, msg.TriggerLevel)
		}
	case DeliverySMI:
		for _, t := range targets {
			t.events.SignalSMI()
		}
	case DeliveryNMI:
		for _, t := range targets {
			t.events.SignalNMI()
		}
	case DeliveryINIT:
		for _, t := range targets {
			t.events.SignalINIT()
		}
	case DeliveryStartup:
		for _, t := range targets {
			t.events.SignalStartup(msg.Vector)
		}
	case DeliveryExtINT:
		for _, t := range targets {
			t.events.SignalExtINT()
		}
	}

	l.mu.Lock()
	l.stats.IPIsSent++
	l.mu.Unlock()
	return nil
}

// resolveTargets maps a decoded ICR onto the APICs it addresses. Without
// a bus the APIC is alone in its domain and can only reach itself.
func (l *LAPIC) resolveTargets(msg IPI) ([]*LAPIC, error) {
	all := []*LAPIC{l}
	if l.bus != nil {
		all = l.bus.targets()
	}

	switch msg.Shorthand {
	case ShorthandSelf:
		return []*LAPIC{l}, nil
	case ShorthandAllIncludingSelf:
		return all, nil
	case ShorthandAllExcludingSelf:
		out := make([]*LAPIC, 0, len(all))
		for _, t := range all {
			if t != l {
				out = append(out, t)
			}
		}
		return out, nil
	}

	var out []*LAPIC
	for _, t := range all {
		if msg.Logical {
			if t.matchesLogical(msg.Destination) {
				out = append(out, t)
			}
		} else if msg.Destination == broadcastID || t.ApicID() == msg.Destination {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, ErrUnresolvedTarget
	}
	return out, nil
}

// matchesLogical checks the message destination against this APIC's
// logical destination register under the destination format's model:
// flat compares bitwise, cluster compares the cluster nibble and then
// the member bits.
func (l *LAPIC) matchesLogical(mda uint8) bool {
	l.mu.Lock()
	ldr := uint8(l.bank[regLDR>>4] >> 24)
	flat := l.bank[regDFR>>4]>>28 == 0xF
	l.mu.Unlock()

	if mda == broadcastID {
		return true
	}
	if flat {
		return ldr&mda != 0
	}
	cluster, member := mda>>4, mda&0xF
	if cluster != 0xF && cluster != ldr>>4 {
		return false
	}
	return member&ldr&0xF != 0
}
