package vlapic_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"testing"

	vlapic "github.com/tinyrange/vlapic"
)

func TestEndToEnd(t *testing.T) {
	m, err := vlapic.NewMachine(2)
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}
	if err := m.Chipset.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Chipset.Stop()

	// Guest on CPU 1 raises its task priority through the shared window.
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0x20)
	if err := m.HandleMMIO(1, vlapic.AccessPageAddress+0x80, buf, true); err != nil {
		t.Fatalf("TPR write error = %v", err)
	}

	// CPU 0 sends a vector in the same priority class; it stays pending.
	err = m.APIC(0).DeliverIPI(vlapic.IPI{Vector: 0x22, Mode: vlapic.DeliveryFixed, Destination: 1})
	if err != nil {
		t.Fatalf("DeliverIPI() error = %v", err)
	}
	if vec, ok := m.APIC(1).PendingVector(); ok {
		t.Fatalf("vector 0x%02x deliverable below TPR", vec)
	}

	// Dropping the priority releases it.
	binary.LittleEndian.PutUint32(buf, 0)
	if err := m.HandleMMIO(1, vlapic.AccessPageAddress+0x80, buf, true); err != nil {
		t.Fatalf("TPR write error = %v", err)
	}
	vec, ok := m.APIC(1).AcceptPendingVector()
	if !ok || vec != 0x22 {
		t.Fatalf("AcceptPendingVector() = (0x%02x, %v), want (0x22, true)", vec, ok)
	}
	m.APIC(1).EOI()

	// The whole machine snapshots and restores through the chipset.
	var snap bytes.Buffer
	if err := m.Chipset.WriteSnapshot(&snap); err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}
	restored, err := vlapic.NewMachine(2)
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}
	if err := restored.Chipset.ReadSnapshot(&snap); err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if vec, ok := restored.APIC(1).PendingVector(); ok {
		t.Fatalf("restored machine has stale pending vector 0x%02x", vec)
	}
}

func TestSendErrors(t *testing.T) {
	m, err := vlapic.NewMachine(1)
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}

	err = m.APIC(0).DeliverIPI(vlapic.IPI{Vector: 5, Mode: vlapic.DeliveryFixed})
	if !errors.Is(err, vlapic.ErrIllegalVector) {
		t.Fatalf("low vector error = %v, want ErrIllegalVector", err)
	}

	err = m.APIC(0).DeliverIPI(vlapic.IPI{Vector: 0x30, Mode: vlapic.DeliveryFixed, Destination: 9})
	if !errors.Is(err, vlapic.ErrUnresolvedTarget) {
		t.Fatalf("missing target error = %v, want ErrUnresolvedTarget", err)
	}

	err = m.APIC(0).DeliverIPI(vlapic.IPI{
		Vector:      0x30,
		Mode:        vlapic.DeliveryFixed,
		Shorthand:   vlapic.ShorthandSelf,
		Destination: 2,
	})
	if !errors.Is(err, vlapic.ErrInvalidDestination) {
		t.Fatalf("shorthand conflict error = %v, want ErrInvalidDestination", err)
	}
}

func TestOptions(t *testing.T) {
	// Verify options satisfy the LapicOption contract
	var _ vlapic.LapicOption = vlapic.WithApicID(4)
	var _ vlapic.LapicOption = vlapic.WithBus(vlapic.NewBus())
	var _ vlapic.LapicOption = vlapic.WithVcpuEvents(vlapic.VcpuEventsDetached())
	var _ vlapic.LapicOption = vlapic.WithEOIBroadcast(func(uint8) {})
	var _ vlapic.LapicOption = vlapic.WithRegisterPageAddress(0xFEF00000)

	apic := vlapic.NewLAPIC(2, vlapic.WithApicID(9))
	if got := apic.ApicID(); got != 9 {
		t.Fatalf("ApicID() = %d, want 9", got)
	}
}

func TestDeliveryModeEncodings(t *testing.T) {
	if vlapic.DeliveryFixed != 0 {
		t.Error("DeliveryFixed should be 0")
	}
	if vlapic.DeliveryLowestPriority != 1 {
		t.Error("DeliveryLowestPriority should be 1")
	}
	if vlapic.DeliverySMI != 2 {
		t.Error("DeliverySMI should be 2")
	}
	if vlapic.DeliveryNMI != 4 {
		t.Error("DeliveryNMI should be 4")
	}
	if vlapic.DeliveryINIT != 5 {
		t.Error("DeliveryINIT should be 5")
	}
	if vlapic.DeliveryStartup != 6 {
		t.Error("DeliveryStartup should be 6")
	}
	if vlapic.DeliveryExtINT != 7 {
		t.Error("DeliveryExtINT should be 7")
	}
}

func TestMachineAPICBounds(t *testing.T) {
	m, err := vlapic.NewMachine(2)
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}

	if m.APIC(-1) != nil || m.APIC(2) != nil {
		t.Fatal("out-of-range APIC() should return nil")
	}
	if got := m.APIC(1).VcpuIndex(); got != 1 {
		t.Fatalf("VcpuIndex() = %d, want 1", got)
	}
}

func ExampleNewMachine() {
	m, err := vlapic.NewMachine(2)
	if err != nil {
		log.Fatal(err)
	}

	// CPU 0 sends vector 0x45 to CPU 1.
	err = m.APIC(0).DeliverIPI(vlapic.IPI{
		Vector:      0x45,
		Mode:        vlapic.DeliveryFixed,
		Destination: 1,
	})
	if err != nil {
		log.Fatal(err)
	}

	if vec, ok := m.APIC(1).AcceptPendingVector(); ok {
		fmt.Printf("cpu 1 accepted vector 0x%02x\n", vec)
	}
	// Output: cpu 1 accepted vector 0x45
}

func ExampleLAPIC_Tick() {
	apic := vlapic.NewLAPIC(0)
	base := apic.RegisterPageAddress()

	write := func(off uint64, value uint32) {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, value)
		if err := apic.WriteMMIO(nil, base+off, buf); err != nil {
			log.Fatal(err)
		}
	}

	write(0x3E0, 0b1011) // timer divide: by 1
	write(0x320, 0x60)   // timer LVT: one-shot, vector 0x60, unmasked
	write(0x380, 100)    // initial count arms the countdown

	apic.Tick(100)
	if vec, ok := apic.AcceptPendingVector(); ok {
		fmt.Printf("timer fired vector 0x%02x\n", vec)
	}
	// Output: timer fired vector 0x60
}
