package lapic

import "testing"

func TestIPIEncodeDecode(t *testing.T) {
	cases := []IPI{
		{Vector: 0x40, Mode: DeliveryFixed, Destination: 3},
		{Vector: 0x9A, Mode: DeliveryStartup, Destination: 1},
		{Mode: DeliveryINIT, Deassert: true, TriggerLevel: true, Destination: 2},
		{Vector: 0x80, Mode: DeliveryLowestPriority, Logical: true, Destination: 0x0F},
		{Vector: 0x55, Mode: DeliveryNMI, Shorthand: ShorthandAllExcludingSelf},
	}

	for _, msg := range cases {
		got := msg.Encode().Decode()
		if got != msg {
			t.Fatalf("round trip changed message: got %+v, want %+v", got, msg)
		}
	}
}

func TestICRHalves(t *testing.T) {
	msg := IPI{Vector: 0x47, Mode: DeliveryFixed, Destination: 5}
	icr := msg.Encode()

	if got, want := icr.High(), uint32(5)<<24; got != want {
		t.Fatalf("ICR high = 0x%08x, want 0x%08x", got, want)
	}
	if got, want := icr.Low(), uint32(0x47)|icrLevelAssert; got != want {
		t.Fatalf("ICR low = 0x%08x, want 0x%08x", got, want)
	}

	if rebuilt := icrFromHalves(icr.Low(), icr.High()); rebuilt != icr {
		t.Fatalf("icrFromHalves = 0x%016x, want 0x%016x", uint64(rebuilt), uint64(icr))
	}
}

func TestDeliveryModeStrings(t *testing.T) {
	if got := DeliveryFixed.String(); got != "fixed" {
		t.Fatalf("DeliveryFixed = %q", got)
	}
	if got := ShorthandAllIncludingSelf.String(); got != "all-including-self" {
		t.Fatalf("ShorthandAllIncludingSelf = %q", got)
	}
}
