package lapic

// lvtEntry is the raw 32-bit view of one Local Vector Table slot.
type lvtEntry uint32

const (
	lvtVectorMask     uint32 = 0x000000FF
	lvtDeliveryShift         = 8
	lvtDeliveryMask   uint32 = 0x00000700
	lvtDeliveryStatus uint32 = 1 << 12
	lvtPolarityLow    uint32 = 1 << 13
	lvtRemoteIRR      uint32 = 1 << 14
	lvtTriggerLevel   uint32 = 1 << 15
	lvtMasked         uint32 = 1 << 16
	lvtTimerModeShift        = 17
	lvtTimerModeMask  uint32 = 0x00060000
)

// Timer operating modes, LVT timer entry bits 18:17. The fourth encoding
// is reserved and reads back as one-shot.
const (
	timerOneShot     = 0
	timerPeriodic    = 1
	timerTscDeadline = 2
)

func (e lvtEntry) vector() uint8 {
	return uint8(uint32(e) & lvtVectorMask)
}

func (e lvtEntry) deliveryMode() DeliveryMode {
	return DeliveryMode((uint32(e) & lvtDeliveryMask) >> lvtDeliveryShift)
}

func (e lvtEntry) masked() bool {
	return uint32(e)&lvtMasked != 0
}

func (e lvtEntry) polarityLow() bool {
	return uint32(e)&lvtPolarityLow != 0
}

func (e lvtEntry) triggerModeLevel() bool {
	return uint32(e)&lvtTriggerLevel != 0
}

func (e lvtEntry) remoteIRR() bool {
	return uint32(e)&lvtRemoteIRR != 0
}

func (e lvtEntry) timerMode() uint32 {
	return (uint32(e) & lvtTimerModeMask) >> lvtTimerModeShift
}

// lvtSource describes one Local Vector Table slot: which bits the guest
// may write and which delivery modes the source accepts. The seven sources
// differ only in this data.
type lvtSource struct {
	name       string
	writeMask  uint32
	legalModes uint16 // bit n set when delivery mode n is accepted
}

func modeBit(m DeliveryMode) uint16 {
	return 1 << uint16(m)
}

var lvtSources = map[uint32]lvtSource{
	regLvtTimer: {
		name:       "timer",
		writeMask:  lvtVectorMask | lvtMasked | lvtTimerModeMask,
		legalModes: modeBit(DeliveryFixed),
	},
	regLvtThermal: {
		name:       "thermal",
		writeMask:  lvtVectorMask | lvtDeliveryMask | lvtMasked,
		legalModes: modeBit(DeliveryFixed) | modeBit(DeliverySMI) | modeBit(DeliveryNMI),
	},
	regLvtPerf: {
		name:       "perfmon",
		writeMask:  lvtVectorMask | lvtDeliveryMask | lvtMasked,
		legalModes: modeBit(DeliveryFixed) | modeBit(DeliverySMI) | modeBit(DeliveryNMI),
	},
	regLvtLINT0: {
		name:       "lint0",
		writeMask:  lvtVectorMask | lvtDeliveryMask | lvtPolarityLow | lvtTriggerLevel | lvtMasked,
		legalModes: modeBit(DeliveryFixed) | modeBit(DeliverySMI) | modeBit(DeliveryNMI) | modeBit(DeliveryINIT) | modeBit(DeliveryExtINT),
	},
	regLvtLINT1: {
		name:       "lint1",
		writeMask:  lvtVectorMask | lvtDeliveryMask | lvtPolarityLow | lvtTriggerLevel | lvtMasked,
		legalModes: modeBit(DeliveryFixed) | modeBit(DeliverySMI) | modeBit(DeliveryNMI) | modeBit(DeliveryINIT) | modeBit(DeliveryExtINT),
	},
	regLvtError: {
		name:       "error",
		writeMask:  lvtVectorMask | lvtMasked,
		legalModes: modeBit(DeliveryFixed),
	},
	regLvtCMCI: {
		name:       "cmci",
		writeMask:  lvtVectorMask | lvtDeliveryMask | lvtMasked,
		legalModes: modeBit(DeliveryFixed) | modeBit(DeliverySMI) | modeBit(DeliveryNMI),
	},
}

// sanitize reduces a guest write to the slot's writable bits, carries the
// hardware-owned remote IRR flag over from the previous value, and coerces
// delivery modes the source does not accept back to fixed.
func (src lvtSource) sanitize(old lvtEntry, raw uint32) lvtEntry {
	entry := lvtEntry(raw&src.writeMask) | old&lvtEntry(lvtRemoteIRR)
	if src.legalModes&modeBit(entry.deliveryMode()) == 0 {
		entry &^= lvtEntry(lvtDeliveryMask)
	}
	if entry.timerMode() == 3 {
		entry &^= lvtEntry(lvtTimerModeMask)
	}
	return entry
}
