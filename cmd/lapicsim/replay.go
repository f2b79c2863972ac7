package main

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	vlapic "github.com/tinyrange/vlapic"
)

// replayer drives one scenario against a freshly built machine.
type replayer struct {
	machine *vlapic.Machine
	hz      uint64

	tscBase uint64
}

func newReplayer(sc Scenario) (*replayer, error) {
	m, err := vlapic.NewMachine(sc.CPUs)
	if err != nil {
		return nil, fmt.Errorf("build machine: %w", err)
	}
	if err := m.Chipset.Start(); err != nil {
		return nil, fmt.Errorf("start machine: %w", err)
	}
	return &replayer{machine: m, hz: sc.TimerHz}, nil
}

func (r *replayer) run(sc Scenario) error {
	for i, st := range sc.Steps {
		if err := r.step(st); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
	}
	return nil
}

func (r *replayer) step(st Step) error {
	apic := r.machine.APIC(st.CPU)
	if apic == nil {
		return fmt.Errorf("no cpu %d in machine", st.CPU)
	}

	switch st.Op {
	case "write":
		off, err := resolveRegister(st.Reg)
		if err != nil {
			return err
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(st.Value))
		if err := r.machine.HandleMMIO(st.CPU, vlapic.AccessPageAddress+uint64(off), buf, true); err != nil {
			return err
		}
		slog.Debug("write", "cpu", st.CPU, "reg", st.Reg, "value", fmt.Sprintf("%#x", uint32(st.Value)))

	case "read":
		off, err := resolveRegister(st.Reg)
		if err != nil {
			return err
		}
		buf := make([]byte, 4)
		if err := r.machine.HandleMMIO(st.CPU, vlapic.AccessPageAddress+uint64(off), buf, false); err != nil {
			return err
		}
		slog.Info("read", "cpu", st.CPU, "reg", st.Reg, "value", fmt.Sprintf("%#x", binary.LittleEndian.Uint32(buf)))

	case "tick":
		apic.Tick(st.Count)
		slog.Debug("tick", "cpu", st.CPU, "count", st.Count)

	case "tick-tsc":
		now := st.Value
		if now == 0 {
			var err error
			now, err = r.hostTSC()
			if err != nil {
				return err
			}
		}
		apic.TickTSC(now)
		slog.Debug("tick-tsc", "cpu", st.CPU, "now", now)

	case "deadline":
		apic.WriteTscDeadline(st.Value)
		slog.Debug("deadline", "cpu", st.CPU, "value", st.Value)

	case "ipi":
		msg, err := st.decodeIPI()
		if err != nil {
			return err
		}
		if err := apic.DeliverIPI(msg); err != nil {
			return err
		}
		slog.Debug("ipi", "cpu", st.CPU, "vector", fmt.Sprintf("%#02x", msg.Vector), "mode", msg.Mode.String(), "dest", msg.Destination)

	case "lint":
		if st.Pin != 0 && st.Pin != 1 {
			return fmt.Errorf("lint pin %d out of range", st.Pin)
		}
		apic.SetLINT(st.Pin, st.High)
		slog.Debug("lint", "cpu", st.CPU, "pin", st.Pin, "high", st.High)

	case "eoi":
		apic.EOI()
		slog.Debug("eoi", "cpu", st.CPU)

	case "expect":
		vec, ok := apic.AcceptPendingVector()
		if st.Vector == 0 {
			if ok {
				return fmt.Errorf("cpu %d: expected nothing deliverable, accepted %#02x", st.CPU, vec)
			}
			return nil
		}
		if !ok {
			return fmt.Errorf("cpu %d: expected vector %#02x, nothing deliverable", st.CPU, st.Vector)
		}
		if vec != st.Vector {
			return fmt.Errorf("cpu %d: expected vector %#02x, accepted %#02x", st.CPU, st.Vector, vec)
		}
		slog.Info("delivered", "cpu", st.CPU, "vector", fmt.Sprintf("%#02x", vec))

	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
	return nil
}

// hostTSC derives a deadline clock from host monotonic time scaled to the
// scenario's timer frequency. The first call anchors the epoch.
func (r *replayer) hostTSC() (uint64, error) {
	ns, err := hostTicks()
	if err != nil {
		return 0, err
	}
	if r.tscBase == 0 {
		r.tscBase = ns
	}
	delta := ns - r.tscBase
	return delta/1e9*r.hz + delta%1e9*r.hz/1e9, nil
}
