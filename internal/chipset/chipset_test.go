package chipset

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"testing"

	"github.com/tinyrange/vlapic/internal/hv"
)

type stubDevice struct {
	region hv.MMIORegion
	value  uint32

	inits  int
	starts int
	stops  int
	resets int
}

func (d *stubDevice) Init(vm hv.VirtualMachine) error {
	_ = vm
	d.inits++
	return nil
}

func (d *stubDevice) Start() error { d.starts++; return nil }
func (d *stubDevice) Stop() error  { d.stops++; return nil }
func (d *stubDevice) Reset() error { d.resets++; return nil }

func (d *stubDevice) SupportsMmio() *MmioIntercept {
	if d.region.Size == 0 {
		return nil
	}
	return &MmioIntercept{
		Regions: []hv.MMIORegion{d.region},
		Handler: d,
	}
}

func (d *stubDevice) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	_ = ctx
	_ = addr
	binary.LittleEndian.PutUint32(data, d.value)
	return nil
}

func (d *stubDevice) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	_ = ctx
	_ = addr
	d.value = binary.LittleEndian.Uint32(data)
	return nil
}

type stubSnapshot struct {
	Value uint32
}

type snapshotStub struct {
	stubDevice
}

func (d *snapshotStub) DeviceId() string { return "stub" }

func (d *snapshotStub) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	return &stubSnapshot{Value: d.value}, nil
}

func (d *snapshotStub) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	d.value = snap.(*stubSnapshot).Value
	return nil
}

func init() {
	gob.Register(&stubSnapshot{})
}

func buildChipset(t *testing.T, devices map[string]ChipsetDevice) *Chipset {
	b := NewBuilder()
	for name, dev := range devices {
		if err := b.RegisterDevice(name, dev); err != nil {
			t.Fatalf("register %q: %v", name, err)
		}
	}
	c, err := b.Build(hv.SimpleVM{NumCPUs: 1})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return c
}

func TestBuilderRejectsDuplicateNames(t *testing.T) {
	b := NewBuilder()
	if err := b.RegisterDevice("dev", &stubDevice{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := b.RegisterDevice("dev", &stubDevice{}); err == nil {
		t.Fatalf("duplicate name accepted")
	}
}

func TestBuilderRejectsOverlappingRegions(t *testing.T) {
	b := NewBuilder()
	first := &stubDevice{region: hv.MMIORegion{Address: 0x1000, Size: 0x100}}
	second := &stubDevice{region: hv.MMIORegion{Address: 0x10F0, Size: 0x100}}

	if err := b.RegisterDevice("first", first); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := b.RegisterDevice("second", second); err == nil {
		t.Fatalf("overlapping region accepted")
	}

	// Adjacent regions are fine.
	third := &stubDevice{region: hv.MMIORegion{Address: 0x1100, Size: 0x100}}
	if err := b.RegisterDevice("third", third); err != nil {
		t.Fatalf("adjacent register: %v", err)
	}
}

func TestChipsetRoutesMMIO(t *testing.T) {
	devA := &stubDevice{region: hv.MMIORegion{Address: 0x1000, Size: 0x100}}
	devB := &stubDevice{region: hv.MMIORegion{Address: 0x2000, Size: 0x100}}
	c := buildChipset(t, map[string]ChipsetDevice{"a": devA, "b": devB})

	ctx := hv.SimpleExitContext{}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0xCAFEF00D)
	if err := c.HandleMMIO(ctx, 0x2010, buf, true); err != nil {
		t.Fatalf("write: %v", err)
	}
	if devB.value != 0xCAFEF00D {
		t.Fatalf("device b value = 0x%08x, want 0xCAFEF00D", devB.value)
	}
	if devA.value != 0 {
		t.Fatalf("write leaked to device a")
	}

	out := make([]byte, 4)
	if err := c.HandleMMIO(ctx, 0x2000, out, false); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := binary.LittleEndian.Uint32(out); got != 0xCAFEF00D {
		t.Fatalf("read value = 0x%08x, want 0xCAFEF00D", got)
	}

	if err := c.HandleMMIO(ctx, 0x3000, out, false); err == nil {
		t.Fatalf("unmapped address served")
	}
}

func TestChipsetLifecycle(t *testing.T) {
	dev := &stubDevice{}
	c := buildChipset(t, map[string]ChipsetDevice{"dev": dev})

	if dev.inits != 1 {
		t.Fatalf("init count = %d, want 1", dev.inits)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if dev.starts != 1 || dev.resets != 1 || dev.stops != 1 {
		t.Fatalf("lifecycle counts = %d/%d/%d, want 1/1/1", dev.starts, dev.resets, dev.stops)
	}
}

type recordingLine struct {
	levels []bool
}

func (r *recordingLine) SetLevel(high bool) {
	r.levels = append(r.levels, high)
}

func (r *recordingLine) PulseInterrupt() {
	r.SetLevel(true)
	r.SetLevel(false)
}

func TestLineSetDeliversLevelChanges(t *testing.T) {
	lines := NewLineSet()
	sink := &recordingLine{}
	lines.ConnectLine(4, sink)

	handle := lines.AllocateLine(4)
	handle.SetLevel(true)
	handle.SetLevel(true) // no change, no delivery
	handle.SetLevel(false)

	want := []bool{true, false}
	if len(sink.levels) != len(want) {
		t.Fatalf("deliveries = %v, want %v", sink.levels, want)
	}
	for i := range want {
		if sink.levels[i] != want[i] {
			t.Fatalf("deliveries = %v, want %v", sink.levels, want)
		}
	}

	// A line with no consumer drops its signals.
	lines.AllocateLine(9).PulseInterrupt()
}

type recordingEOITarget struct {
	vectors []uint32
}

func (r *recordingEOITarget) HandleEOI(vector uint32) {
	r.vectors = append(r.vectors, vector)
}

func TestLineSetEOIFanout(t *testing.T) {
	lines := NewLineSet()

	var fired int
	lines.RegisterEOICallback(0x55, func() { fired++ })
	lines.RegisterEOICallback(0x55, func() { fired++ })
	lines.RegisterEOICallback(0x60, func() { fired += 100 })

	target := &recordingEOITarget{}
	lines.AttachEOITarget(target)

	lines.BroadcastEOI(0x55)
	if fired != 2 {
		t.Fatalf("callback count = %d, want 2", fired)
	}
	if len(target.vectors) != 1 || target.vectors[0] != 0x55 {
		t.Fatalf("EOI target vectors = %v, want [0x55]", target.vectors)
	}
}

func TestChipsetSnapshotRoundTrip(t *testing.T) {
	region := hv.MMIORegion{Address: 0x1000, Size: 0x100}
	src := &snapshotStub{stubDevice: stubDevice{region: region}}
	c := buildChipset(t, map[string]ChipsetDevice{"stub": src})
	src.value = 0x1234

	var buf bytes.Buffer
	if err := c.WriteSnapshot(&buf); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	dst := &snapshotStub{stubDevice: stubDevice{region: region}}
	c2 := buildChipset(t, map[string]ChipsetDevice{"stub": dst})
	if err := c2.ReadSnapshot(&buf); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if dst.value != 0x1234 {
		t.Fatalf("restored value = 0x%08x, want 0x1234", dst.value)
	}
}

func TestSnapshotLayoutMismatch(t *testing.T) {
	src := &snapshotStub{}
	c := buildChipset(t, map[string]ChipsetDevice{"other": src})

	var buf bytes.Buffer
	if err := c.WriteSnapshot(&buf); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	// Same device kind under a different name is a different machine.
	dst := &snapshotStub{}
	c2 := buildChipset(t, map[string]ChipsetDevice{"stub": dst})
	if err := c2.ReadSnapshot(&buf); err == nil {
		t.Fatalf("restore succeeded into a differently shaped machine")
	}
}

func TestSnapshotCPUCountMismatch(t *testing.T) {
	build := func(cpus int) *Chipset {
		b := NewBuilder()
		if err := b.RegisterDevice("stub", &snapshotStub{}); err != nil {
			t.Fatalf("register: %v", err)
		}
		c, err := b.Build(hv.SimpleVM{NumCPUs: cpus})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		return c
	}

	var buf bytes.Buffer
	if err := build(1).WriteSnapshot(&buf); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if err := build(2).ReadSnapshot(&buf); err == nil {
		t.Fatalf("restore succeeded with a different CPU count")
	}
}

func TestSnapshotMissingDevice(t *testing.T) {
	dst := &snapshotStub{}
	c := buildChipset(t, map[string]ChipsetDevice{"stub": dst})

	// A stream with a matching layout but no state for the device is
	// corrupt rather than merely foreign.
	snap := chipsetSnapshot{
		Magic:   hv.SnapshotMagic,
		Version: hv.SnapshotVersion,
		Config:  c.configHash(),
		Devices: map[string]hv.DeviceSnapshot{},
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := c.ReadSnapshot(&buf); err == nil {
		t.Fatalf("restore succeeded with device missing from stream")
	}
}
