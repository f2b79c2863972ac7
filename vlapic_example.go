//go:build ignore

// This file demonstrates every public API in the vlapic package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	vlapic "github.com/tinyrange/vlapic"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// =========================================================================
	// NewMachine - one LAPIC per virtual CPU behind the shared window
	// =========================================================================
	m, err := vlapic.NewMachine(4)
	if err != nil {
		return fmt.Errorf("new machine: %w", err)
	}

	_ = m.Chipset  // MMIO dispatch and lifecycle over all devices
	_ = m.Bus      // IPI destination resolution
	_ = m.APICs    // per-vCPU controllers, indexed by vCPU
	_ = m.APIC(0)  // bounds-checked accessor, nil when out of range
	_ = m.APIC(99) // nil

	if err := m.Chipset.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer m.Chipset.Stop()

	// =========================================================================
	// MMIO - guest accesses through the architectural xAPIC window
	// =========================================================================

	// Address constants
	_ = vlapic.AccessPageAddress // 0xFEE00000, shared by every CPU
	_ = vlapic.AccessPageSize    // 0x1000

	// A write by vCPU 2 through the shared window lands on vCPU 2's APIC.
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0x20)
	if err := m.HandleMMIO(2, vlapic.AccessPageAddress+0x80, buf, true); err != nil {
		return fmt.Errorf("tpr write: %w", err)
	}

	// The same access via the chipset, with an explicit exit context.
	ctx := vlapic.SimpleExitContext{VcpuIndex: 2}
	if err := m.Chipset.HandleMMIO(ctx, vlapic.AccessPageAddress+0x80, buf, false); err != nil {
		return fmt.Errorf("tpr read: %w", err)
	}

	// Each APIC also serves a private page, addressed absolutely.
	apic := m.APIC(0)
	private := apic.RegisterPageAddress()
	if err := apic.ReadMMIO(nil, private+0x20, buf); err != nil {
		return fmt.Errorf("id read: %w", err)
	}

	// Accesses must be aligned 32-bit words.
	if err := apic.ReadMMIO(nil, private+0x21, buf); !errors.Is(err, vlapic.ErrMalformedAccess) {
		return fmt.Errorf("misaligned read: %v", err)
	}

	// =========================================================================
	// Timer - one-shot, periodic and TSC-deadline
	// =========================================================================
	write := func(off uint64, value uint32) error {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, value)
		return apic.WriteMMIO(nil, private+off, b)
	}

	_ = write(0x3E0, 0b1011)       // divide configuration: by 1
	_ = write(0x320, 0x60|1<<17)   // timer LVT: periodic, vector 0x60
	_ = write(0x380, 1000)         // initial count arms the countdown
	apic.Tick(1000)                // elapsed timer ticks
	apic.TickTSC(123456)           // TSC-deadline check at the given TSC
	apic.WriteTscDeadline(9999999) // MSR-shaped deadline register
	_ = apic.TscDeadline()

	// =========================================================================
	// Delivery - pending, accept, in-service, EOI
	// =========================================================================
	_ = apic.Post(0x71, true)         // post a level-triggered vector
	_, _ = apic.PendingVector()       // peek without accepting
	_, _ = apic.AcceptPendingVector() // arbitrate and move to in-service
	apic.EOI()                        // retire the highest in-service vector
	_ = apic.ProcessorPriority()      // PPR, derived from TPR and ISR
	_ = apic.InterruptsEnabled()      // SVR software-enable bit
	_ = apic.SpuriousVector()         // SVR vector field
	_ = apic.ApicID()                 // current ID register value
	_ = apic.VcpuIndex()              // construction-time index

	// =========================================================================
	// IPIs - every delivery mode and shorthand
	// =========================================================================
	_ = apic.DeliverIPI(vlapic.IPI{Vector: 0x40, Mode: vlapic.DeliveryFixed, Destination: 1})
	_ = apic.DeliverIPI(vlapic.IPI{Vector: 0x41, Mode: vlapic.DeliveryLowestPriority, Logical: true, Destination: 0xFF})
	_ = apic.DeliverIPI(vlapic.IPI{Mode: vlapic.DeliveryNMI, Shorthand: vlapic.ShorthandAllExcludingSelf})
	_ = apic.DeliverIPI(vlapic.IPI{Mode: vlapic.DeliverySMI, Destination: 2})
	_ = apic.DeliverIPI(vlapic.IPI{Mode: vlapic.DeliveryINIT, Destination: 3})
	_ = apic.DeliverIPI(vlapic.IPI{Vector: 0x9A, Mode: vlapic.DeliveryStartup, Destination: 3})
	_ = apic.DeliverIPI(vlapic.IPI{Mode: vlapic.DeliveryExtINT, Destination: 1})
	apic.SelfIPI(0x4F)

	// ICR encode/decode round trip
	msg := vlapic.IPI{Vector: 0x40, Mode: vlapic.DeliveryFixed, Destination: 1}
	icr := msg.Encode()
	_ = icr.Low()
	_ = icr.High()
	_ = icr.Decode()

	// Delivery mode and shorthand constants
	_ = vlapic.DeliveryFixed
	_ = vlapic.DeliveryLowestPriority
	_ = vlapic.DeliverySMI
	_ = vlapic.DeliveryNMI
	_ = vlapic.DeliveryINIT
	_ = vlapic.DeliveryStartup
	_ = vlapic.DeliveryExtINT
	_ = vlapic.ShorthandNone
	_ = vlapic.ShorthandSelf
	_ = vlapic.ShorthandAllIncludingSelf
	_ = vlapic.ShorthandAllExcludingSelf

	// Sentinel errors for send failures
	err = apic.DeliverIPI(vlapic.IPI{Vector: 5, Mode: vlapic.DeliveryFixed})
	_ = errors.Is(err, vlapic.ErrIllegalVector)
	_ = vlapic.ErrInvalidDestination
	_ = vlapic.ErrUnresolvedTarget
	_ = vlapic.ErrMalformedAccess

	// =========================================================================
	// Local lines - LINT0/LINT1 pins and the chipset line set
	// =========================================================================
	apic.SetLINT(0, true) // raise LINT0
	apic.SetLINT(0, false)

	lines := m.Chipset.Lines()
	lines.ConnectLine(4, apic.LINTLine(0))   // route line 4 to the pin
	handle := lines.AllocateLine(4)          // producer handle
	handle.SetLevel(true)                    // level semantics
	handle.PulseInterrupt()                  // edge semantics
	lines.RegisterEOICallback(0x71, func() { // completion notification
	})
	lines.BroadcastEOI(0x71)

	// Detached sinks drop everything.
	_ = vlapic.LineInterruptDetached()
	_ = vlapic.LineInterruptFromFunc(func(level bool) {})
	_ = vlapic.VcpuEventsDetached()

	// =========================================================================
	// Stats - per-APIC activity counters
	// =========================================================================
	stats := apic.Stats()
	_ = stats.Reads
	_ = stats.Writes
	_ = stats.Malformed
	_ = stats.Posted
	_ = stats.DroppedIllegal
	_ = stats.DroppedDisabled
	_ = stats.DroppedMasked
	_ = stats.EOIs
	_ = stats.TimerFires
	_ = stats.IPIsSent
	_ = stats.ErrorsLatched

	// =========================================================================
	// Snapshot - whole-machine capture and restore
	// =========================================================================
	var snap bytes.Buffer
	if err := m.Chipset.WriteSnapshot(&snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := m.Chipset.ReadSnapshot(&snap); err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	_ = apic.DeviceId()           // snapshot identity, "lapic0"
	_, _ = apic.CaptureSnapshot() // device-level capture
	_ = apic.RestoreSnapshot(nil) // fails: wrong snapshot type

	// =========================================================================
	// Manual wiring - building a domain without NewMachine
	// =========================================================================
	bus := vlapic.NewBus()
	events := vlapic.VcpuEventsDetached()
	custom := vlapic.NewLAPIC(0,
		vlapic.WithApicID(7),
		vlapic.WithBus(bus),
		vlapic.WithVcpuEvents(events),
		vlapic.WithEOIBroadcast(func(vector uint8) {}),
		vlapic.WithRegisterPageAddress(0xFEF00000),
	)
	_ = custom.Reset()

	builder := vlapic.NewChipsetBuilder()
	if err := builder.RegisterDevice("lapic0", custom); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := builder.RegisterDevice("xapic-window", vlapic.NewAccessPage(bus)); err != nil {
		return fmt.Errorf("register window: %w", err)
	}
	chip, err := builder.Build(vlapic.SimpleVM{NumCPUs: 1})
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	_ = chip.Device("lapic0")

	// =========================================================================
	// Type aliases (for reference)
	// =========================================================================
	var (
		_ *vlapic.LAPIC            // one CPU's local APIC
		_ vlapic.LapicOption       // construction option
		_ vlapic.Stats             // activity counters
		_ *vlapic.Bus              // IPI target resolution
		_ *vlapic.AccessPage       // shared xAPIC window
		_ vlapic.VcpuEvents        // INIT/Startup/NMI/SMI/ExtINT sink
		_ vlapic.IPI               // decoded interrupt command
		_ vlapic.ICR               // raw interrupt command register
		_ vlapic.DeliveryMode      // delivery mode field
		_ vlapic.Shorthand         // destination shorthand field
		_ *vlapic.Chipset          // MMIO dispatch
		_ *vlapic.ChipsetBuilder   // device registration
		_ vlapic.ChipsetDevice     // device contract
		_ vlapic.MmioHandler       // MMIO region handler
		_ vlapic.MmioIntercept     // served regions
		_ vlapic.LineInterrupt     // interrupt line
		_ *vlapic.LineSet          // named lines and EOI fan-out
		_ vlapic.EOITarget         // EOI broadcast receiver
		_ vlapic.VirtualMachine    // machine surface at attach time
		_ vlapic.ExitContext       // exiting vCPU identity
		_ vlapic.SimpleVM          // fixed topology for tools
		_ vlapic.SimpleExitContext // plain exit context
		_ vlapic.MMIORegion        // register window
		_ vlapic.DeviceSnapshot    // opaque snapshot blob
		_ vlapic.DeviceSnapshotter // snapshot contract
	)

	return nil
}

// Compile-time interface checks
var (
	_ vlapic.ChipsetDevice     = (*vlapic.LAPIC)(nil)
	_ vlapic.ChipsetDevice     = (*vlapic.AccessPage)(nil)
	_ vlapic.MmioHandler       = (*vlapic.LAPIC)(nil)
	_ vlapic.DeviceSnapshotter = (*vlapic.LAPIC)(nil)
	_ vlapic.ExitContext       = vlapic.SimpleExitContext{}
	_ vlapic.VirtualMachine    = vlapic.SimpleVM{}
)
