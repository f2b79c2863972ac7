package main

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/schollz/progressbar/v3"
	vlapic "github.com/tinyrange/vlapic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const stressPeriod = 1000

// runStress arms a periodic timer on every CPU and drives the given number
// of periods while per-CPU goroutines accept and retire the fired vectors.
func (s *simulator) runStress(cpus, periods int) error {
	m, err := vlapic.NewMachine(cpus)
	if err != nil {
		return fmt.Errorf("build machine: %w", err)
	}
	if err := m.Chipset.Start(); err != nil {
		return fmt.Errorf("start machine: %w", err)
	}
	defer m.Chipset.Stop()

	for i, apic := range m.APICs {
		vector := uint32(0x40 + i%0x80)
		if err := writeRegister(apic, 0x3E0, 0b1011); err != nil {
			return err
		}
		if err := writeRegister(apic, 0x320, vector|1<<17); err != nil {
			return err
		}
		if err := writeRegister(apic, 0x380, stressPeriod); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	delivered := make([]uint64, cpus)

	g := new(errgroup.Group)
	for cpu := 0; cpu < cpus; cpu++ {
		i := cpu

		g.Go(func() error {
			apic := m.APIC(i)
			for {
				if _, ok := apic.AcceptPendingVector(); ok {
					delivered[i]++
					apic.EOI()
					continue
				}
				select {
				case <-done:
					for {
						if _, ok := apic.AcceptPendingVector(); !ok {
							return nil
						}
						delivered[i]++
						apic.EOI()
					}
				default:
					runtime.Gosched()
				}
			}
		})
	}

	var pb *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) {
		pb = progressbar.Default(int64(periods))
		defer pb.Close()
	}

	for range periods {
		for _, apic := range m.APICs {
			apic.Tick(stressPeriod)
		}
		if pb != nil {
			pb.Add(1)
		}
	}
	close(done)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("poller failed: %w", err)
	}

	var fired, accepted uint64
	for i, apic := range m.APICs {
		fired += apic.Stats().TimerFires
		accepted += delivered[i]
	}
	slog.Info("stress complete",
		"cpus", cpus,
		"periods", periods,
		"fired", fired,
		"accepted", accepted,
	)
	return nil
}

func writeRegister(apic *vlapic.LAPIC, off uint32, value uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := apic.WriteMMIO(nil, apic.RegisterPageAddress()+uint64(off), buf); err != nil {
		return fmt.Errorf("cpu %d register %#x: %w", apic.VcpuIndex(), off, err)
	}
	return nil
}
