package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	vlapic "github.com/tinyrange/vlapic"
	"gopkg.in/yaml.v3"
)

// Scenario is a replayable script of guest-visible APIC activity.
type Scenario struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`
	CPUs    int    `yaml:"cpus,omitempty"`
	TimerHz uint64 `yaml:"timerHz,omitempty"`

	Steps []Step `yaml:"steps"`
}

// Step is one scripted operation against the machine. The op selects which
// fields apply: write/read use reg and value, tick uses count, tick-tsc
// uses value (0 derives the clock from the host), deadline arms the
// TSC-deadline register with value, ipi uses the interrupt command fields,
// lint uses pin and high, expect asserts the next accepted vector (no
// vector asserts nothing is deliverable).
type Step struct {
	Op  string `yaml:"op"`
	CPU int    `yaml:"cpu,omitempty"`

	Reg   string `yaml:"reg,omitempty"`
	Value uint64 `yaml:"value,omitempty"`
	Count uint64 `yaml:"count,omitempty"`

	Vector    uint8  `yaml:"vector,omitempty"`
	Mode      string `yaml:"mode,omitempty"`
	Dest      uint8  `yaml:"dest,omitempty"`
	Logical   bool   `yaml:"logical,omitempty"`
	Shorthand string `yaml:"shorthand,omitempty"`
	Level     bool   `yaml:"level,omitempty"`
	Deassert  bool   `yaml:"deassert,omitempty"`

	Pin  int  `yaml:"pin,omitempty"`
	High bool `yaml:"high,omitempty"`
}

func (s *Scenario) normalize() {
	if s.Version == 0 {
		s.Version = 1
	}
	if s.CPUs == 0 {
		s.CPUs = 1
	}
	if s.TimerHz == 0 {
		s.TimerHz = 1_000_000
	}
	for i := range s.Steps {
		st := &s.Steps[i]
		if st.Op == "tick" && st.Count == 0 {
			st.Count = 1
		}
		if st.Mode == "" {
			st.Mode = "fixed"
		}
		if st.Shorthand == "" {
			st.Shorthand = "none"
		}
	}
}

// LoadScenario reads and normalizes a scenario file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes scenario YAML and applies defaults.
func ParseScenario(data []byte) (Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario: %w", err)
	}
	sc.normalize()
	return sc, nil
}

// registerNames maps scenario register names to access-page offsets.
var registerNames = map[string]uint32{
	"id":          0x20,
	"version":     0x30,
	"tpr":         0x80,
	"apr":         0x90,
	"ppr":         0xA0,
	"eoi":         0xB0,
	"rrd":         0xC0,
	"ldr":         0xD0,
	"dfr":         0xE0,
	"svr":         0xF0,
	"esr":         0x280,
	"lvt-cmci":    0x2F0,
	"icr-low":     0x300,
	"icr-high":    0x310,
	"lvt-timer":   0x320,
	"lvt-thermal": 0x330,
	"lvt-perf":    0x340,
	"lvt-lint0":   0x350,
	"lvt-lint1":   0x360,
	"lvt-error":   0x370,
	"timer-icr":   0x380,
	"timer-ccr":   0x390,
	"timer-dcr":   0x3E0,
	"self-ipi":    0x3F0,
}

// resolveRegister accepts a register name or a numeric offset.
func resolveRegister(name string) (uint32, error) {
	if off, ok := registerNames[strings.ToLower(name)]; ok {
		return off, nil
	}
	off, err := strconv.ParseUint(name, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown register %q", name)
	}
	return uint32(off), nil
}

func parseDeliveryMode(s string) (vlapic.DeliveryMode, error) {
	switch strings.ToLower(s) {
	case "fixed":
		return vlapic.DeliveryFixed, nil
	case "lowest-priority":
		return vlapic.DeliveryLowestPriority, nil
	case "smi":
		return vlapic.DeliverySMI, nil
	case "nmi":
		return vlapic.DeliveryNMI, nil
	case "init":
		return vlapic.DeliveryINIT, nil
	case "startup":
		return vlapic.DeliveryStartup, nil
	case "extint":
		return vlapic.DeliveryExtINT, nil
	default:
		return 0, fmt.Errorf("unknown delivery mode %q", s)
	}
}

func parseShorthand(s string) (vlapic.Shorthand, error) {
	switch strings.ToLower(s) {
	case "none":
		return vlapic.ShorthandNone, nil
	case "self":
		return vlapic.ShorthandSelf, nil
	case "all-including-self":
		return vlapic.ShorthandAllIncludingSelf, nil
	case "all-excluding-self":
		return vlapic.ShorthandAllExcludingSelf, nil
	default:
		return 0, fmt.Errorf("unknown shorthand %q", s)
	}
}

// decodeIPI builds the interrupt command an ipi step describes.
func (st Step) decodeIPI() (vlapic.IPI, error) {
	mode, err := parseDeliveryMode(st.Mode)
	if err != nil {
		return vlapic.IPI{}, err
	}
	shorthand, err := parseShorthand(st.Shorthand)
	if err != nil {
		return vlapic.IPI{}, err
	}
	return vlapic.IPI{
		Vector:       st.Vector,
		Mode:         mode,
		Logical:      st.Logical,
		Deassert:     st.Deassert,
		TriggerLevel: st.Level,
		Shorthand:    shorthand,
		Destination:  st.Dest,
	}, nil
}
