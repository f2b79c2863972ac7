package lapic

import (
	"fmt"

	"github.com/tinyrange/vlapic/internal/chipset"
	"github.com/tinyrange/vlapic/internal/hv"
)

// AccessPage is the shared xAPIC window at 0xFEE00000. Every virtual CPU
// sees the same guest-physical page; each access lands on the APIC of the
// CPU that performed it. The page itself holds no state, so it has no
// snapshot.
type AccessPage struct {
	bus *Bus
}

func NewAccessPage(bus *Bus) *AccessPage {
	return &AccessPage{bus: bus}
}

// Init implements hv.Device.
func (p *AccessPage) Init(vm hv.VirtualMachine) error {
	_ = vm
	return nil
}

func (p *AccessPage) Start() error { return nil }
func (p *AccessPage) Stop() error  { return nil }
func (p *AccessPage) Reset() error { return nil }

// SupportsMmio implements chipset.ChipsetDevice with the shared page.
func (p *AccessPage) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{{
			Address: AccessPageAddress,
			Size:    AccessPageSize,
		}},
		Handler: p,
	}
}

func (p *AccessPage) apicFor(ctx hv.ExitContext) (*LAPIC, error) {
	vcpu := 0
	if ctx != nil {
		vcpu = ctx.Vcpu()
	}
	apic := p.bus.Apic(vcpu)
	if apic == nil {
		return nil, fmt.Errorf("lapic: no apic attached for vcpu %d", vcpu)
	}
	return apic, nil
}

// ReadMMIO implements chipset.MmioHandler.
func (p *AccessPage) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	apic, err := p.apicFor(ctx)
	if err != nil {
		return err
	}
	return apic.ReadMMIO(ctx, addr, data)
}

// WriteMMIO implements chipset.MmioHandler.
func (p *AccessPage) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	apic, err := p.apicFor(ctx)
	if err != nil {
		return err
	}
	return apic.WriteMMIO(ctx, addr, data)
}

var _ chipset.ChipsetDevice = (*AccessPage)(nil)
