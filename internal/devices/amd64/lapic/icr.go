package lapic

// DeliveryMode selects how an interrupt reaches its target, as encoded in
// LVT entries and the interrupt command register. The encodings 3 (ICR)
// and 7 (LVT) differ in meaning between the two users; the reserved ICR
// encoding 3 is rejected at send time.
type DeliveryMode uint32

const (
	DeliveryFixed          DeliveryMode = 0
	DeliveryLowestPriority DeliveryMode = 1
	DeliverySMI            DeliveryMode = 2
	DeliveryNMI            DeliveryMode = 4
	DeliveryINIT           DeliveryMode = 5
	DeliveryStartup        DeliveryMode = 6
	DeliveryExtINT         DeliveryMode = 7
)

func (m DeliveryMode) String() string {
	switch m {
	case DeliveryFixed:
		return "fixed"
	case DeliveryLowestPriority:
		return "lowest-priority"
	case DeliverySMI:
		return "smi"
	case DeliveryNMI:
		return "nmi"
	case DeliveryINIT:
		return "init"
	case DeliveryStartup:
		return "startup"
	case DeliveryExtINT:
		return "extint"
	default:
		return "reserved"
	}
}

// Shorthand addresses a fixed destination group without using the
// destination field, ICR bits 19:18.
type Shorthand uint32

const (
	ShorthandNone Shorthand = iota
	ShorthandSelf
	ShorthandAllIncludingSelf
	ShorthandAllExcludingSelf
)

func (s Shorthand) String() string {
	switch s {
	case ShorthandNone:
		return "none"
	case ShorthandSelf:
		return "self"
	case ShorthandAllIncludingSelf:
		return "all-including-self"
	case ShorthandAllExcludingSelf:
		return "all-excluding-self"
	default:
		return "invalid"
	}
}

// ICR is the raw 64-bit interrupt command register. The low half carries
// the vector and control bits, the high half the destination field in bits
// 63:56 (xAPIC).
type ICR uint64

const (
	icrDeliveryStatus uint32 = 1 << 12
	icrLevelAssert    uint32 = 1 << 14
	icrTriggerLevel   uint32 = 1 << 15

	// Writable ICR low bits: vector, delivery mode, destination mode,
	// level, trigger mode, shorthand. Delivery status (12) and bit 13 are
	// read-only or reserved.
	icrLowWriteMask uint32 = 0x000CCFFF
)

func icrFromHalves(low, high uint32) ICR {
	return ICR(high)<<32 | ICR(low)
}

// Low returns the control half as stored in the register bank.
func (v ICR) Low() uint32 {
	return uint32(v)
}

// High returns the destination half as stored in the register bank.
func (v ICR) High() uint32 {
	return uint32(v >> 32)
}

func (v ICR) vector() uint8 {
	return uint8(v)
}

func (v ICR) deliveryMode() DeliveryMode {
	return DeliveryMode(uint32(v>>8) & 0x7)
}

func (v ICR) destModeLogical() bool {
	return v&(1<<11) != 0
}

func (v ICR) levelAssert() bool {
	return uint32(v)&icrLevelAssert != 0
}

func (v ICR) triggerModeLevel() bool {
	return uint32(v)&icrTriggerLevel != 0
}

func (v ICR) shorthand() Shorthand {
	return Shorthand(uint32(v>>18) & 0x3)
}

func (v ICR) destination() uint8 {
	return uint8(v >> 56)
}

// broadcastID is the physical-mode destination that addresses every APIC.
const broadcastID uint8 = 0xFF

// IPI is the decoded form of an interrupt command, convenient for
// constructing sends and for inspecting them in tests and tools. Deassert
// models the obsolete INIT-level-deassert handshake; every other mode
// asserts.
type IPI struct {
	Vector       uint8
	Mode         DeliveryMode
	Logical      bool
	Deassert     bool
	TriggerLevel bool
	Shorthand    Shorthand
	Destination  uint8
}

// Encode packs the request into ICR form. The level bit is asserted unless
// Deassert is set.
func (p IPI) Encode() ICR {
	low := uint32(p.Vector)
	low |= uint32(p.Mode&0x7) << 8
	if p.Logical {
		low |= 1 << 11
	}
	if !p.Deassert {
		low |= icrLevelAssert
	}
	if p.TriggerLevel {
		low |= icrTriggerLevel
	}
	low |= uint32(p.Shorthand&0x3) << 18
	return icrFromHalves(low, uint32(p.Destination)<<24)
}

// Decode unpacks an ICR value into its request form.
func (v ICR) Decode() IPI {
	return IPI{
		Vector:       v.vector(),
		Mode:         v.deliveryMode(),
		Logical:      v.destModeLogical(),
		Deassert:     !v.levelAssert(),
		TriggerLevel: v.triggerModeLevel(),
		Shorthand:    v.shorthand(),
		Destination:  v.destination(),
	}
}
