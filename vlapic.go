// Package vlapic provides a software model of the x86 local APIC for
// hypervisors. A LAPIC models one CPU's interrupt controller: the 4KB
// register page, the local vector table, the APIC timer and the
// priority-arbitrated delivery of fixed interrupts and IPIs. A Machine
// composes one LAPIC per virtual CPU behind the architectural xAPIC
// window so guest MMIO exits can be fed straight into HandleMMIO.
package vlapic

import (
	"github.com/tinyrange/vlapic/internal/chipset"
	"github.com/tinyrange/vlapic/internal/devices/amd64/lapic"
	"github.com/tinyrange/vlapic/internal/hv"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal packages
// -----------------------------------------------------------------------------

// LAPIC is one virtual CPU's local APIC.
type LAPIC = lapic.LAPIC

// LapicOption configures a LAPIC at construction time.
type LapicOption = lapic.LapicOption

// Stats is the counter block a LAPIC keeps about its own activity.
type Stats = lapic.Stats

// Bus connects the local APICs of one machine for IPI target resolution.
type Bus = lapic.Bus

// AccessPage is the shared xAPIC MMIO window; each access lands on the
// APIC of the CPU that performed it.
type AccessPage = lapic.AccessPage

// VcpuEvents receives the lifecycle interrupts that are not delivered
// through the vector queue: INIT, Startup, NMI, SMI and ExtINT.
type VcpuEvents = lapic.VcpuEvents

// IPI is a decoded interrupt command, ready for DeliverIPI.
type IPI = lapic.IPI

// ICR is the raw 64-bit interrupt command register value.
type ICR = lapic.ICR

// DeliveryMode selects how an interrupt reaches its target.
type DeliveryMode = lapic.DeliveryMode

// Shorthand addresses a fixed destination group without a destination field.
type Shorthand = lapic.Shorthand

// Chipset dispatches guest MMIO exits to registered devices.
type Chipset = chipset.Chipset

// ChipsetBuilder registers devices and their intercepts before Build.
type ChipsetBuilder = chipset.ChipsetBuilder

// ChipsetDevice is the contract every chipset device implements.
type ChipsetDevice = chipset.ChipsetDevice

// MmioHandler handles reads and writes to memory-mapped regions.
type MmioHandler = chipset.MmioHandler

// MmioIntercept describes the MMIO regions a device serves.
type MmioIntercept = chipset.MmioIntercept

// LineInterrupt models an interrupt line with level and edge semantics.
type LineInterrupt = chipset.LineInterrupt

// LineSet manages named interrupt lines and EOI fan-out.
type LineSet = chipset.LineSet

// EOITarget receives EOI broadcasts, typically an I/O APIC model.
type EOITarget = chipset.EOITarget

// VirtualMachine is the machine surface a device sees at attach time.
type VirtualMachine = hv.VirtualMachine

// ExitContext identifies the guest exit currently being serviced.
type ExitContext = hv.ExitContext

// SimpleVM is a VirtualMachine with a fixed topology for tools and tests.
type SimpleVM = hv.SimpleVM

// SimpleExitContext is a plain ExitContext carrying only a vCPU index.
type SimpleExitContext = hv.SimpleExitContext

// MMIORegion describes a memory-mapped register window.
type MMIORegion = hv.MMIORegion

// DeviceSnapshot is an opaque, gob-encodable blob of device state.
type DeviceSnapshot = hv.DeviceSnapshot

// DeviceSnapshotter is implemented by devices that capture and restore state.
type DeviceSnapshotter = hv.DeviceSnapshotter

// Delivery mode constants, as encoded in LVT entries and the ICR.
const (
	DeliveryFixed          = lapic.DeliveryFixed
	DeliveryLowestPriority = lapic.DeliveryLowestPriority
	DeliverySMI            = lapic.DeliverySMI
	DeliveryNMI            = lapic.DeliveryNMI
	DeliveryINIT           = lapic.DeliveryINIT
	DeliveryStartup        = lapic.DeliveryStartup
	DeliveryExtINT         = lapic.DeliveryExtINT
)

// Destination shorthand constants, ICR bits 19:18.
const (
	ShorthandNone             = lapic.ShorthandNone
	ShorthandSelf             = lapic.ShorthandSelf
	ShorthandAllIncludingSelf = lapic.ShorthandAllIncludingSelf
	ShorthandAllExcludingSelf = lapic.ShorthandAllExcludingSelf
)

// Architectural xAPIC window: every CPU sees the shared page at
// AccessPageAddress and reaches its own register state through it.
const (
	AccessPageAddress = lapic.AccessPageAddress
	AccessPageSize    = lapic.AccessPageSize
)

// Common sentinel errors.
var (
	// ErrMalformedAccess reports a register access that is not a single
	// aligned 32-bit word.
	ErrMalformedAccess = lapic.ErrMalformedAccess

	// ErrIllegalVector reports a fixed or lowest-priority send with a
	// vector below 16.
	ErrIllegalVector = lapic.ErrIllegalVector

	// ErrInvalidDestination reports an interrupt command whose shorthand,
	// destination or delivery mode combination is not sendable.
	ErrInvalidDestination = lapic.ErrInvalidDestination

	// ErrUnresolvedTarget reports a destination that matches no APIC.
	ErrUnresolvedTarget = lapic.ErrUnresolvedTarget
)

// -----------------------------------------------------------------------------
// LAPIC Options
// -----------------------------------------------------------------------------

// WithApicID overrides the APIC ID programmed at reset. The default is the
// vCPU index.
func WithApicID(id uint8) LapicOption {
	return lapic.WithApicID(id)
}

// WithBus attaches the APIC to a Bus for IPI target resolution.
func WithBus(bus *Bus) LapicOption {
	return lapic.WithBus(bus)
}

// WithVcpuEvents sets the sink for INIT, Startup, NMI, SMI and ExtINT
// signals. Unset, those signals are dropped.
func WithVcpuEvents(events VcpuEvents) LapicOption {
	return lapic.WithVcpuEvents(events)
}

// WithEOIBroadcast sets the callback invoked when a level-triggered
// interrupt completes and broadcast suppression is off.
func WithEOIBroadcast(fn func(vector uint8)) LapicOption {
	return lapic.WithEOIBroadcast(fn)
}

// WithRegisterPageAddress moves the base of the per-CPU private register
// pages. APIC i serves base + i*AccessPageSize.
func WithRegisterPageAddress(base uint64) LapicOption {
	return lapic.WithRegisterPageAddress(base)
}

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// NewLAPIC builds the local APIC for the given vCPU index in its reset state.
func NewLAPIC(index int, opts ...LapicOption) *LAPIC {
	return lapic.NewLAPIC(index, opts...)
}

// NewBus builds an empty Bus. APICs constructed WithBus attach themselves.
func NewBus() *Bus {
	return lapic.NewBus()
}

// NewAccessPage builds the shared xAPIC window over the given Bus.
func NewAccessPage(bus *Bus) *AccessPage {
	return lapic.NewAccessPage(bus)
}

// NewChipsetBuilder returns an empty ChipsetBuilder.
func NewChipsetBuilder() *ChipsetBuilder {
	return chipset.NewBuilder()
}

// VcpuEventsDetached returns a VcpuEvents sink that drops all signals.
func VcpuEventsDetached() VcpuEvents {
	return lapic.VcpuEventsDetached()
}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return chipset.LineInterruptDetached()
}

// LineInterruptFromFunc adapts a simple level function to LineInterrupt.
func LineInterruptFromFunc(fn func(bool)) LineInterrupt {
	return chipset.LineInterruptFromFunc(fn)
}

// -----------------------------------------------------------------------------
// Machine
// -----------------------------------------------------------------------------

// Machine is a built interrupt domain: one LAPIC per virtual CPU, their
// private register pages and the shared xAPIC window routed by a single
// Chipset.
type Machine struct {
	// Chipset routes MMIO and owns the interrupt line set.
	Chipset *Chipset

	// Bus resolves IPI destinations across the machine's APICs.
	Bus *Bus

	// APICs holds the per-vCPU controllers, indexed by vCPU.
	APICs []*LAPIC
}

// NewMachine wires cpus local APICs into one interrupt domain. Each APIC is
// attached to a shared Bus, broadcasts level-triggered EOIs into the
// chipset line set, and is registered under its device id together with the
// shared access window. The opts apply to every APIC.
func NewMachine(cpus int, opts ...LapicOption) (*Machine, error) {
	bus := lapic.NewBus()
	builder := chipset.NewBuilder()

	apics := make([]*LAPIC, cpus)
	for i := range apics {
		all := append([]LapicOption{
			lapic.WithBus(bus),
			lapic.WithEOIBroadcast(builder.Lines().BroadcastEOI),
		}, opts...)
		apics[i] = lapic.NewLAPIC(i, all...)
		if err := builder.RegisterDevice(apics[i].DeviceId(), apics[i]); err != nil {
			return nil, err
		}
	}
	if err := builder.RegisterDevice("xapic-window", lapic.NewAccessPage(bus)); err != nil {
		return nil, err
	}

	c, err := builder.Build(hv.SimpleVM{NumCPUs: cpus})
	if err != nil {
		return nil, err
	}

	return &Machine{Chipset: c, Bus: bus, APICs: apics}, nil
}

// APIC returns the controller for the given vCPU, or nil if out of range.
func (m *Machine) APIC(vcpu int) *LAPIC {
	if vcpu < 0 || vcpu >= len(m.APICs) {
		return nil
	}
	return m.APICs[vcpu]
}

// HandleMMIO services one guest MMIO exit against the machine's devices.
func (m *Machine) HandleMMIO(vcpu int, addr uint64, data []byte, isWrite bool) error {
	return m.Chipset.HandleMMIO(hv.SimpleExitContext{VcpuIndex: vcpu}, addr, data, isWrite)
}
