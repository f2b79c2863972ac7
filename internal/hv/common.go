package hv

// ExitContext identifies the guest exit currently being serviced. Device
// handlers use it to attribute an access to the virtual CPU that took the
// exit, which matters for per-CPU register windows like the xAPIC page.
type ExitContext interface {
	Vcpu() int
}

// SimpleExitContext is a plain ExitContext for tools and tests.
type SimpleExitContext struct {
	VcpuIndex int
}

func (c SimpleExitContext) Vcpu() int { return c.VcpuIndex }

var _ ExitContext = SimpleExitContext{}

// VirtualMachine is the machine surface a device sees at attach time.
type VirtualMachine interface {
	CPUCount() int
}

// SimpleVM is a VirtualMachine with a fixed topology for tools and tests.
type SimpleVM struct {
	NumCPUs int
}

func (vm SimpleVM) CPUCount() int { return vm.NumCPUs }

var _ VirtualMachine = SimpleVM{}

// Device is anything attachable to a virtual machine.
type Device interface {
	Init(vm VirtualMachine) error
}

// MMIORegion describes a memory-mapped register window.
type MMIORegion struct {
	Address uint64
	Size    uint64
}
