package lapic

import "log/slog"

// ESR error bits. The accumulator latches these until the guest writes the
// register, which copies the accumulated bits into the visible value and
// restarts accumulation.
const (
	esrSendChecksum           uint32 = 1 << 0
	esrReceiveChecksum        uint32 = 1 << 1
	esrSendAccept             uint32 = 1 << 2
	esrReceiveAccept          uint32 = 1 << 3
	esrRedirectableIPI        uint32 = 1 << 4
	esrSendIllegalVector      uint32 = 1 << 5
	esrReceiveIllegalVector   uint32 = 1 << 6
	esrIllegalRegisterAddress uint32 = 1 << 7
)

func (l *LAPIC) softwareEnabledLocked() bool {
	return l.bank[regSVR>>4]&svrSoftwareEnable != 0
}

// postLocked queues a vector into the pending set and records its trigger
// mode. Illegal vectors and deliveries while software-disabled are dropped
// and counted; a vector already pending is a no-op, matching the IRR's
// natural coalescing.
func (l *LAPIC) postLocked(vector uint8, levelTriggered bool) bool {
	if vector < minFixedVector {
		l.stats.DroppedIllegal++
		l.esrLatchLocked(esrReceiveIllegalVector)
		slog.Debug("lapic: dropped illegal vector", "apic", l.index, "vector", vector)
		return false
	}
	if !l.softwareEnabledLocked() {
		l.stats.DroppedDisabled++
		slog.Debug("lapic: dropped while software-disabled", "apic", l.index, "vector", vector)
		return false
	}
	l.irr.set(vector)
	if levelTriggered {
		l.tmr.set(vector)
	} else {
		l.tmr.clear(vector)
	}
	l.stats.Posted++
	return true
}

// pprLocked derives the processor priority from the task priority and the
// highest in-service vector. It is recomputed on every use, never cached.
func (l *LAPIC) pprLocked() uint8 {
	tpr := uint8(l.bank[regTPR>>4])
	isrVec, ok := l.isr.highest()
	if !ok || tpr>>4 >= isrVec>>4 {
		return tpr
	}
	return isrVec & 0xF0
}

// pendingLocked arbitrates: the numerically highest pending vector wins,
// but only if its priority class beats the processor priority class.
func (l *LAPIC) pendingLocked() (uint8, bool) {
	vec, ok := l.irr.highest()
	if !ok {
		return 0, false
	}
	if vec>>4 <= l.pprLocked()>>4 {
		return 0, false
	}
	return vec, true
}

func (l *LAPIC) acceptLocked(vector uint8) {
	l.irr.clear(vector)
	l.isr.set(vector)
}

// esrLatchLocked accumulates an error bit. The first error of a fresh
// accumulation window fires the error LVT entry; later bits pile up
// silently until the guest reads them out through an ESR write.
func (l *LAPIC) esrLatchLocked(bit uint32) {
	fresh := l.esrPending == 0
	l.esrPending |= bit
	l.stats.ErrorsLatched++
	if !fresh {
		return
	}
	entry := lvtEntry(l.bank[regLvtError>>4])
	if entry.masked() {
		return
	}
	if vec := entry.vector(); vec >= minFixedVector {
		l.postLocked(vec, false)
	}
}

// releaseRemoteIRRLocked retires the remote IRR state of level-triggered
// LINT entries delivering the given vector. A pin still asserted re-raises
// immediately, the same dance the IOAPIC does on EOI.
func (l *LAPIC) releaseRemoteIRRLocked(vec uint8) {
	for pin, off := range [2]uint32{regLvtLINT0, regLvtLINT1} {
		slot := off >> 4
		entry := lvtEntry(l.bank[slot])
		if !entry.remoteIRR() || entry.vector() != vec || !entry.triggerModeLevel() {
			continue
		}
		l.bank[slot] = uint32(entry) &^ lvtRemoteIRR
		asserted := l.lintLevel[pin] != entry.polarityLow()
		if asserted && !entry.masked() && entry.deliveryMode() == DeliveryFixed {
			l.bank[slot] |= lvtRemoteIRR
			l.postLocked(vec, true)
		}
	}
}

// Post queues a fixed interrupt from an external source such as the
// chipset or a peer APIC's dispatcher. It reports whether the vector
// entered the pending set.
func (l *LAPIC) Post(vector uint8, levelTriggered bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.postLocked(vector, levelTriggered)
}

// PendingVector returns the vector arbitration would deliver right now,
// without accepting it.
func (l *LAPIC) PendingVector() (uint8, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingLocked()
}

// AcceptPendingVector arbitrates and moves the winning vector from pending
// to in-service in one step. This is the injection collaborator's point of
// no return.
func (l *LAPIC) AcceptPendingVector() (uint8, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	vec, ok := l.pendingLocked()
	if !ok {
		return 0, false
	}
	l.acceptLocked(vec)
	return vec, true
}

// eoiLocked retires the highest in-service vector. It reports the vector
// and whether its retirement needs a level EOI broadcast, which the
// caller fires after releasing the lock.
func (l *LAPIC) eoiLocked() (uint8, bool) {
	vec, ok := l.isr.highest()
	if !ok {
		return 0, false
	}
	l.isr.clear(vec)
	l.stats.EOIs++
	if !l.tmr.test(vec) {
		return 0, false
	}
	l.releaseRemoteIRRLocked(vec)
	if l.bank[regSVR>>4]&svrEOISuppression != 0 {
		return 0, false
	}
	return vec, true
}

// EOI retires the highest in-service vector. Level-triggered retirements
// fan out to the EOI broadcast unless the guest suppressed it through the
// SVR.
func (l *LAPIC) EOI() {
	l.mu.Lock()
	vec, broadcast := l.eoiLocked()
	l.mu.Unlock()

	if broadcast && l.eoiBroadcast != nil {
		l.eoiBroadcast(vec)
	}
}

// SpuriousVector returns the vector the guest receives when it probes for
// an interrupt and arbitration comes up empty. The in-service set is never
// touched for a spurious delivery.
func (l *LAPIC) SpuriousVector() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint8(l.bank[regSVR>>4] & svrVectorMask)
}

// ProcessorPriority exposes the derived PPR.
func (l *LAPIC) ProcessorPriority() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pprLocked()
}

// InterruptsEnabled reports the SVR software-enable bit.
func (l *LAPIC) InterruptsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.softwareEnabledLocked()
}
