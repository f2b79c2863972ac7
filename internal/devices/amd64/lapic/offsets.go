package lapic

// AccessPageAddress is the architectural xAPIC MMIO base. Every virtual CPU
// addresses the same guest-physical page; the chipset routes each access to
// the accessing CPU's own register state. AccessPageSize is the window size.
const (
	AccessPageAddress uint64 = 0xFEE00000
	AccessPageSize    uint64 = 0x1000
)

// Register offsets within the 4KB xAPIC page. One architectural 32-bit
// register occupies each 16-byte slot; the tail words of a slot are
// reserved.
const (
	regID         = 0x020
	regVersion    = 0x030
	regTPR        = 0x080
	regAPR        = 0x090
	regPPR        = 0x0A0
	regEOI        = 0x0B0
	regRRD        = 0x0C0
	regLDR        = 0x0D0
	regDFR        = 0x0E0
	regSVR        = 0x0F0
	regISR0       = 0x100 // eight slots, 32 vectors each, through 0x170
	regTMR0       = 0x180 // through 0x1F0
	regIRR0       = 0x200 // through 0x270
	regESR        = 0x280
	regLvtCMCI    = 0x2F0
	regICRLow     = 0x300
	regICRHigh    = 0x310
	regLvtTimer   = 0x320
	regLvtThermal = 0x330
	regLvtPerf    = 0x340
	regLvtLINT0   = 0x350
	regLvtLINT1   = 0x360
	regLvtError   = 0x370
	regTimerICR   = 0x380
	regTimerCCR   = 0x390
	regTimerDCR   = 0x3E0
	regSelfIPI    = 0x3F0
)

// registerSpan is the populated prefix of the page; offsets past it are
// reserved holes. bankSlots sizes the backing store at one 32-bit value per
// 16-byte slot.
const (
	registerSpan = 0x400
	bankSlots    = registerSpan >> 4
)

// Reset values. The version register reports an integrated APIC (0x14)
// with seven LVT entries (max index 6) and EOI-broadcast suppression
// support.
const (
	resetLvt     uint32 = 0x00010000
	resetSVR     uint32 = 0x000001FF
	resetDFR     uint32 = 0xFFFFFFFF
	resetVersion uint32 = 0x01060014
)

// SVR fields.
const (
	svrVectorMask     uint32 = 0x000000FF
	svrSoftwareEnable uint32 = 1 << 8
	svrFocusChecking  uint32 = 1 << 9
	svrEOISuppression uint32 = 1 << 12
	svrWriteMask             = svrVectorMask | svrSoftwareEnable | svrFocusChecking | svrEOISuppression
)

// DFR keeps its low 28 bits hardwired to ones; only the model selector in
// bits 31:28 is writable.
const dfrFixedBits uint32 = 0x0FFFFFFF

// Vectors 0-15 overlap the exception range and are never deliverable with
// fixed or lowest-priority mode.
const minFixedVector uint8 = 16

// writableMask returns the guest-writable bits for a stored register.
// Registers handled purely by side effect (EOI, ESR, self IPI) and derived
// or read-only registers are not listed; their writes never reach the
// masked store path.
func writableMask(offset uint32) uint32 {
	switch offset {
	case regID:
		return 0xFF000000
	case regTPR:
		return 0x000000FF
	case regLDR:
		return 0xFF000000
	case regDFR:
		return 0xF0000000
	case regSVR:
		return svrWriteMask
	case regICRLow:
		return icrLowWriteMask
	case regICRHigh:
		return 0xFF000000
	case regTimerICR:
		return 0xFFFFFFFF
	case regTimerDCR:
		return 0x0000000B
	default:
		if src, ok := lvtSources[offset]; ok {
			return src.writeMask
		}
		return 0
	}
}

// readOnlyRegister reports whether the offset names a register the guest
// can read but never write. Writes to these are dropped without latching
// an error, matching hardware tolerance.
func readOnlyRegister(offset uint32) bool {
	switch offset {
	case regVersion, regAPR, regPPR, regRRD, regTimerCCR:
		return true
	}
	if offset >= regISR0 && offset <= regIRR0+0x70 && offset&0xF == 0 {
		return true
	}
	return false
}
