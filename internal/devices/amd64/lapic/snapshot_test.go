package lapic

import "testing"

func TestSnapshotRoundTrip(t *testing.T) {
	src := NewLAPIC(1, WithApicID(4))

	writeReg(t, src, regTPR, 0x30)
	writeReg(t, src, regLDR, 0x02000000)
	writeReg(t, src, regLvtTimer, timerVector|timerPeriodic<<lvtTimerModeShift)
	writeReg(t, src, regTimerDCR, 0b1011)
	writeReg(t, src, regTimerICR, 10)
	src.Tick(4)

	src.Post(0x81, true)
	src.Post(0x42, false)
	src.AcceptPendingVector()
	writeReg(t, src, 0x040, 1) // leave a latched error pending
	src.SetLINT(0, true)

	snap, err := src.CaptureSnapshot()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	dst := NewLAPIC(1)
	if err := dst.RestoreSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	for _, off := range []uint32{regID, regTPR, regLDR, regSVR, regLvtTimer, regLvtLINT0,
		regTimerICR, regTimerCCR, regPPR, regISR0 + 4*0x10, regIRR0 + 2*0x10, regTMR0 + 4*0x10} {
		if got, want := readReg(t, dst, off), readReg(t, src, off); got != want {
			t.Fatalf("register 0x%03x = 0x%08x after restore, want 0x%08x", off, got, want)
		}
	}

	// The pending error accumulator traveled too.
	if got, want := latchedESR(t, dst), latchedESR(t, src); got != want || got == 0 {
		t.Fatalf("restored ESR = 0x%08x, want 0x%08x (nonzero)", got, want)
	}

	// Retire the restored in-service vector, then the still-pending one.
	dst.EOI()
	if vec, ok := dst.AcceptPendingVector(); !ok || vec != 0x42 {
		t.Fatalf("accepted (0x%02x, %v) after restore, want (0x42, true)", vec, ok)
	}
	dst.EOI()

	// The countdown resumes exactly where it left off.
	dst.Tick(5)
	if _, ok := dst.PendingVector(); ok {
		t.Fatalf("timer fired one tick early after restore")
	}
	dst.Tick(1)
	vec, ok := dst.PendingVector()
	if !ok || vec != timerVector {
		t.Fatalf("pending = (0x%02x, %v) after restored countdown, want (0x%02x, true)", vec, ok, timerVector)
	}
}

func TestRestoreRejectsForeignSnapshot(t *testing.T) {
	l := NewLAPIC(0)
	if err := l.RestoreSnapshot(struct{}{}); err == nil {
		t.Fatalf("restore accepted a foreign snapshot type")
	}
}

func TestDeviceIdCarriesVcpuIndex(t *testing.T) {
	if got := NewLAPIC(2).DeviceId(); got != "lapic2" {
		t.Fatalf("device id = %q, want %q", got, "lapic2")
	}
}
