package lapic

import (
	"fmt"

	"github.com/tinyrange/vlapic/internal/hv"
)

type timerSnapshot struct {
	Mode        uint32
	Initial     uint32
	Current     uint32
	Running     bool
	DivideShift uint
	Residue     uint64
	Deadline    uint64
}

type lapicSnapshot struct {
	Bank       [bankSlots]uint32
	IRR        [8]uint32
	ISR        [8]uint32
	TMR        [8]uint32
	ESRPending uint32
	LintLevel  [2]bool
	Timer      timerSnapshot
}

func (l *LAPIC) DeviceId() string { return fmt.Sprintf("lapic%d", l.index) }

func (l *LAPIC) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return &lapicSnapshot{
		Bank:       l.bank,
		IRR:        [8]uint32(l.irr),
		ISR:        [8]uint32(l.isr),
		TMR:        [8]uint32(l.tmr),
		ESRPending: l.esrPending,
		LintLevel:  l.lintLevel,
		Timer: timerSnapshot{
			Mode:        l.timer.mode,
			Initial:     l.timer.initial,
			Current:     l.timer.current,
			Running:     l.timer.running,
			DivideShift: l.timer.divideShift,
			Residue:     l.timer.residue,
			Deadline:    l.timer.deadline,
		},
	}, nil
}

func (l *LAPIC) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*lapicSnapshot)
	if !ok {
		return fmt.Errorf("lapic: invalid snapshot type")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.bank = data.Bank
	l.irr = vectorSet(data.IRR)
	l.isr = vectorSet(data.ISR)
	l.tmr = vectorSet(data.TMR)
	l.esrPending = data.ESRPending
	l.lintLevel = data.LintLevel
	l.timer.mode = data.Timer.Mode
	l.timer.initial = data.Timer.Initial
	l.timer.current = data.Timer.Current
	l.timer.running = data.Timer.Running
	l.timer.divideShift = data.Timer.DivideShift
	l.timer.residue = data.Timer.Residue
	l.timer.deadline = data.Timer.Deadline

	return nil
}

var _ hv.DeviceSnapshotter = (*LAPIC)(nil)
