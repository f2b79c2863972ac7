package lapic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vlapic/internal/chipset"
	"github.com/tinyrange/vlapic/internal/hv"
)

var (
	ErrMalformedAccess    = errors.New("malformed register access")
	ErrIllegalVector      = errors.New("illegal vector")
	ErrInvalidDestination = errors.New("invalid interrupt destination")
	ErrUnresolvedTarget   = errors.New("unresolved interrupt target")
)

// defaultRegisterPageBase places the first private register page directly
// after the shared access page.
const defaultRegisterPageBase = AccessPageAddress + AccessPageSize

// Stats is a point-in-time copy of an APIC's delivery counters.
type Stats struct {
	Reads           uint64
	Writes          uint64
	Malformed       uint64
	Posted          uint64
	DroppedIllegal  uint64
	DroppedDisabled uint64
	DroppedMasked   uint64
	EOIs            uint64
	TimerFires      uint64
	IPIsSent        uint64
	ErrorsLatched   uint64
}

// LAPIC emulates one virtual CPU's local APIC: the 4KB register page, the
// pending/in-service vector machinery, the local vector table, the APIC
// timer and the interprocessor interrupt dispatcher.
//
// All register state is guarded by mu. Collaborators (bus, events, EOI
// broadcast) are fixed at construction and are only ever invoked with mu
// released, so they may call back into any APIC freely.
type LAPIC struct {
	mu sync.Mutex

	index     int
	initialID uint8

	bank  [bankSlots]uint32
	irr   vectorSet
	isr   vectorSet
	tmr   vectorSet
	timer apicTimer

	esrPending uint32
	lintLevel  [2]bool

	bus          *Bus
	events       VcpuEvents
	eoiBroadcast func(vector uint8)
	pageBase     uint64

	stats Stats
}

// LapicOption customises a LAPIC at construction time.
type LapicOption func(*LAPIC)

// WithApicID overrides the power-on APIC ID, which otherwise equals the
// virtual CPU index. Reset restores this value.
func WithApicID(id uint8) LapicOption {
	return func(l *LAPIC) {
		l.initialID = id
	}
}

// WithBus attaches the APIC to an interrupt domain so it can address its
// peers.
func WithBus(bus *Bus) LapicOption {
	return func(l *LAPIC) {
		if bus != nil {
			l.bus = bus
		}
	}
}

// WithVcpuEvents installs the sink for INIT, Startup, NMI, SMI and ExtINT
// signals.
func WithVcpuEvents(events VcpuEvents) LapicOption {
	return func(l *LAPIC) {
		if events != nil {
			l.events = events
		}
	}
}

// WithEOIBroadcast installs the callback fired when a level-triggered
// vector retires, usually the chipset line set's broadcast.
func WithEOIBroadcast(fn func(vector uint8)) LapicOption {
	return func(l *LAPIC) {
		l.eoiBroadcast = fn
	}
}

// WithRegisterPageAddress overrides the base of the private register page
// range. APIC n's page sits at base + n*0x1000.
func WithRegisterPageAddress(base uint64) LapicOption {
	return func(l *LAPIC) {
		if base != 0 {
			l.pageBase = base
		}
	}
}

// NewLAPIC builds the local APIC for the given virtual CPU index in
// power-on state.
func NewLAPIC(index int, opts ...LapicOption) *LAPIC {
	l := &LAPIC{
		index:     index,
		initialID: uint8(index),
		events:    noopVcpuEvents{},
		pageBase:  defaultRegisterPageBase,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.resetLocked()
	if l.bus != nil {
		l.bus.attach(l)
	}
	return l
}

// VcpuIndex returns the virtual CPU this APIC belongs to.
func (l *LAPIC) VcpuIndex() int {
	return l.index
}

// ApicID returns the current value of the ID register's ID field.
func (l *LAPIC) ApicID() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint8(l.bank[regID>>4] >> 24)
}

// RegisterPageAddress returns the guest-physical address of this APIC's
// private register page.
func (l *LAPIC) RegisterPageAddress() uint64 {
	return l.pageBase + uint64(l.index)*AccessPageSize
}

// Stats returns a copy of the delivery counters.
func (l *LAPIC) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Init implements hv.Device.
func (l *LAPIC) Init(vm hv.VirtualMachine) error {
	_ = vm
	return nil
}

func (l *LAPIC) Start() error { return nil }
func (l *LAPIC) Stop() error  { return nil }

// Reset returns every register to its power-on value and clears all
// pending interrupt state. The APIC ID reverts to its initial value.
func (l *LAPIC) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked()
	return nil
}

func (l *LAPIC) resetLocked() {
	l.bank = [bankSlots]uint32{}
	l.bank[regID>>4] = uint32(l.initialID) << 24
	l.bank[regVersion>>4] = resetVersion
	l.bank[regDFR>>4] = resetDFR
	l.bank[regSVR>>4] = resetSVR
	for off := range lvtSources {
		l.bank[off>>4] = resetLvt
	}
	l.irr = vectorSet{}
	l.isr = vectorSet{}
	l.tmr = vectorSet{}
	l.esrPending = 0
	l.lintLevel = [2]bool{}
	l.timer.reset()
}

// SupportsMmio implements chipset.ChipsetDevice with the APIC's private
// register page.
func (l *LAPIC) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{{
			Address: l.RegisterPageAddress(),
			Size:    AccessPageSize,
		}},
		Handler: l,
	}
}

// ReadMMIO implements chipset.MmioHandler. Only aligned 32-bit reads are
// architectural; anything else fails without touching register state.
func (l *LAPIC) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	_ = ctx
	if len(data) != 4 || addr&3 != 0 {
		l.mu.Lock()
		l.stats.Malformed++
		l.mu.Unlock()
		return fmt.Errorf("lapic: %d byte read at %#x: %w", len(data), addr, ErrMalformedAccess)
	}

	off := uint32(addr & (AccessPageSize - 1))
	l.mu.Lock()
	l.stats.Reads++
	value := l.readRegisterLocked(off)
	l.mu.Unlock()

	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// WriteMMIO implements chipset.MmioHandler. Side effects that leave the
// APIC (IPI sends, EOI broadcasts) run after the register state settles
// and the lock drops.
func (l *LAPIC) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	_ = ctx
	if len(data) != 4 || addr&3 != 0 {
		l.mu.Lock()
		l.stats.Malformed++
		l.mu.Unlock()
		return fmt.Errorf("lapic: %d byte write at %#x: %w", len(data), addr, ErrMalformedAccess)
	}

	value := binary.LittleEndian.Uint32(data)
	off := uint32(addr & (AccessPageSize - 1))

	l.mu.Lock()
	l.stats.Writes++
	fire := l.writeRegisterLocked(off, value)
	l.mu.Unlock()

	if fire != nil {
		return fire()
	}
	return nil
}

// readRegisterLocked resolves a register page offset to its current
// value. Reserved offsets read as zero and never latch an error.
func (l *LAPIC) readRegisterLocked(off uint32) uint32 {
	if off&0xF != 0 || off >= registerSpan {
		return 0
	}

	switch off {
	case regPPR:
		return uint32(l.pprLocked())
	case regTimerCCR:
		return l.timer.ccr()
	case regEOI, regSelfIPI:
		return 0
	}

	switch {
	case off >= regISR0 && off <= regISR0+0x70:
		return l.isr.chunk(int(off-regISR0) >> 4)
	case off >= regTMR0 && off <= regTMR0+0x70:
		return l.tmr.chunk(int(off-regTMR0) >> 4)
	case off >= regIRR0 && off <= regIRR0+0x70:
		return l.irr.chunk(int(off-regIRR0) >> 4)
	}

	return l.bank[off>>4]
}

// writeRegisterLocked applies a register write and returns the side
// effect, if any, to run once the lock is released.
func (l *LAPIC) writeRegisterLocked(off, value uint32) func() error {
	if off&0xF != 0 || off >= registerSpan {
		l.esrLatchLocked(esrIllegalRegisterAddress)
		slog.Debug("lapic: write to reserved offset", "apic", l.index, "offset", off)
		return nil
	}

	switch off {
	case regEOI:
		if vec, ok := l.eoiLocked(); ok {
			if fn := l.eoiBroadcast; fn != nil {
				return func() error {
					fn(vec)
					return nil
				}
			}
		}
		return nil

	case regESR:
		// A write moves the accumulated errors into the visible value
		// and opens a fresh accumulation window. The data written is
		// ignored.
		l.bank[regESR>>4] = l.esrPending
		l.esrPending = 0
		return nil

	case regSelfIPI:
		l.postLocked(uint8(value), false)
		return nil

	case regICRLow:
		l.bank[regICRLow>>4] = value & icrLowWriteMask
		msg := icrFromHalves(l.bank[regICRLow>>4], l.bank[regICRHigh>>4]).Decode()
		return func() error {
			return l.send(msg)
		}

	case regTimerICR:
		if l.timer.mode == timerTscDeadline {
			return nil
		}
		l.bank[regTimerICR>>4] = value
		l.timer.writeInitial(value)
		return nil

	case regTimerDCR:
		l.bank[regTimerDCR>>4] = value & writableMask(regTimerDCR)
		l.timer.setDivide(value)
		return nil
	}

	if src, ok := lvtSources[off]; ok {
		slot := off >> 4
		entry := src.sanitize(lvtEntry(l.bank[slot]), value)
		l.bank[slot] = uint32(entry)
		if off == regLvtTimer {
			l.timer.setMode(entry.timerMode())
			l.bank[regTimerICR>>4] = l.timer.initial
		}
		return nil
	}

	if readOnlyRegister(off) {
		return nil
	}

	if mask := writableMask(off); mask != 0 {
		val := value & mask
		if off == regDFR {
			val |= dfrFixedBits
		}
		l.bank[off>>4] = val
		return nil
	}

	l.esrLatchLocked(esrIllegalRegisterAddress)
	slog.Debug("lapic: write to reserved offset", "apic", l.index, "offset", off)
	return nil
}

// Tick advances the countdown timer by elapsed bus clocks and fires the
// timer LVT entry on expiry. Periodic expiry across a long tick posts a
// single coalesced interrupt.
func (l *LAPIC) Tick(elapsed uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer.advance(elapsed) {
		l.fireTimerLocked()
	}
}

// TickTSC supplies the current timestamp counter. In TSC-deadline mode a
// timestamp at or past the armed deadline fires the timer LVT entry once
// and disarms.
func (l *LAPIC) TickTSC(now uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer.advanceTsc(now) {
		l.fireTimerLocked()
	}
}

// WriteTscDeadline arms the TSC-deadline comparator. Outside deadline
// mode the write is dropped, matching writes to the deadline MSR while
// the LVT selects a counting mode.
func (l *LAPIC) WriteTscDeadline(v uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timer.writeDeadline(v)
}

// TscDeadline returns the armed deadline, zero when disarmed.
func (l *LAPIC) TscDeadline() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timer.deadline
}

func (l *LAPIC) fireTimerLocked() {
	entry := lvtEntry(l.bank[regLvtTimer>>4])
	if entry.masked() {
		l.stats.DroppedMasked++
		slog.Debug("lapic: timer expiry masked", "apic", l.index)
		return
	}
	if l.postLocked(entry.vector(), false) {
		l.stats.TimerFires++
	}
}

// SetLINT drives a local interrupt pin (0 or 1). The pin's LVT entry
// decides polarity, trigger mode and how the resulting signal is
// delivered.
func (l *LAPIC) SetLINT(pin int, level bool) {
	if pin < 0 || pin > 1 {
		return
	}

	var fire func()
	l.mu.Lock()
	off := regLvtLINT0 + uint32(pin)<<4
	slot := off >> 4
	entry := lvtEntry(l.bank[slot])
	was := l.lintLevel[pin] != entry.polarityLow()
	l.lintLevel[pin] = level
	now := level != entry.polarityLow()
	rising := now && !was

	switch {
	case !now:
		// Deassert carries no delivery.
	case entry.masked():
		if rising {
			l.stats.DroppedMasked++
			slog.Debug("lapic: LINT edge masked", "apic", l.index, "pin", pin)
		}
	case entry.deliveryMode() == DeliveryFixed:
		if entry.triggerModeLevel() {
			if !entry.remoteIRR() && l.postLocked(entry.vector(), true) {
				l.bank[slot] |= lvtRemoteIRR
			}
		} else if rising {
			l.postLocked(entry.vector(), false)
		}
	case rising:
		switch entry.deliveryMode() {
		case DeliverySMI:
			fire = l.events.SignalSMI
		case DeliveryNMI:
			fire = l.events.SignalNMI
		case DeliveryINIT:
			fire = l.events.SignalINIT
		case DeliveryExtINT:
			fire = l.events.SignalExtINT
		}
	}
	l.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// LINTLine exposes a local interrupt pin as a chipset line so wired
// devices can drive it without knowing about the APIC.
func (l *LAPIC) LINTLine(pin int) chipset.LineInterrupt {
	return lintPin{l: l, pin: pin}
}

type lintPin struct {
	l   *LAPIC
	pin int
}

func (p lintPin) SetLevel(high bool) {
	p.l.SetLINT(p.pin, high)
}

func (p lintPin) PulseInterrupt() {
	p.l.SetLINT(p.pin, true)
	p.l.SetLINT(p.pin, false)
}

var (
	_ chipset.ChipsetDevice = (*LAPIC)(nil)
	_ chipset.MmioHandler   = (*LAPIC)(nil)
	_ chipset.LineInterrupt = lintPin{}
)
