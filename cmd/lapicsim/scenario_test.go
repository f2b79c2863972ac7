package main

import (
	"strings"
	"testing"

	vlapic "github.com/tinyrange/vlapic"
)

func TestParseScenarioDefaults(t *testing.T) {
	sc, err := ParseScenario([]byte("name: t\nsteps:\n  - {op: tick}\n"))
	if err != nil {
		t.Fatalf("ParseScenario failed: %v", err)
	}

	if sc.Version != 1 {
		t.Errorf("Version = %d, want 1", sc.Version)
	}
	if sc.CPUs != 1 {
		t.Errorf("CPUs = %d, want 1", sc.CPUs)
	}
	if sc.TimerHz != 1_000_000 {
		t.Errorf("TimerHz = %d, want 1000000", sc.TimerHz)
	}
	if got := sc.Steps[0].Count; got != 1 {
		t.Errorf("tick Count = %d, want 1", got)
	}
	if got := sc.Steps[0].Mode; got != "fixed" {
		t.Errorf("Mode = %q, want fixed", got)
	}
	if got := sc.Steps[0].Shorthand; got != "none" {
		t.Errorf("Shorthand = %q, want none", got)
	}
}

func TestParseScenarioExplicit(t *testing.T) {
	yamlContent := `version: 1
name: "IPI storm"
cpus: 4
timerHz: 25000000
steps:
  - {cpu: 0, op: write, reg: svr, value: 0x1FF}
  - {cpu: 0, op: ipi, vector: 0x80, mode: lowest-priority, logical: true, dest: 0xFF}
  - {cpu: 2, op: lint, pin: 1, high: true}
`
	sc, err := ParseScenario([]byte(yamlContent))
	if err != nil {
		t.Fatalf("ParseScenario failed: %v", err)
	}

	if sc.Name != "IPI storm" {
		t.Errorf("Name = %q", sc.Name)
	}
	if sc.CPUs != 4 {
		t.Errorf("CPUs = %d, want 4", sc.CPUs)
	}
	if sc.TimerHz != 25000000 {
		t.Errorf("TimerHz = %d, want 25000000", sc.TimerHz)
	}
	if len(sc.Steps) != 3 {
		t.Fatalf("Steps = %d, want 3", len(sc.Steps))
	}

	ipi := sc.Steps[1]
	if ipi.Mode != "lowest-priority" || !ipi.Logical || ipi.Dest != 0xFF {
		t.Errorf("ipi step decoded as %+v", ipi)
	}
	lint := sc.Steps[2]
	if lint.CPU != 2 || lint.Pin != 1 || !lint.High {
		t.Errorf("lint step decoded as %+v", lint)
	}
}

func TestResolveRegister(t *testing.T) {
	cases := []struct {
		name string
		want uint32
	}{
		{"tpr", 0x80},
		{"TPR", 0x80},
		{"svr", 0xF0},
		{"icr-low", 0x300},
		{"lvt-timer", 0x320},
		{"timer-dcr", 0x3E0},
		{"self-ipi", 0x3F0},
		{"0x80", 0x80},
		{"896", 0x380},
	}
	for _, tc := range cases {
		got, err := resolveRegister(tc.name)
		if err != nil {
			t.Fatalf("resolveRegister(%q) failed: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("resolveRegister(%q) = %#x, want %#x", tc.name, got, tc.want)
		}
	}

	if _, err := resolveRegister("bogus"); err == nil {
		t.Error("unknown register should fail")
	}
}

func TestParseDeliveryMode(t *testing.T) {
	mode, err := parseDeliveryMode("lowest-priority")
	if err != nil || mode != vlapic.DeliveryLowestPriority {
		t.Fatalf("parseDeliveryMode = (%v, %v)", mode, err)
	}
	if _, err := parseDeliveryMode("sideband"); err == nil {
		t.Error("unknown mode should fail")
	}
	if _, err := parseShorthand("everyone"); err == nil {
		t.Error("unknown shorthand should fail")
	}
}

func TestDecodeIPIStep(t *testing.T) {
	st := Step{Vector: 0x9A, Mode: "startup", Shorthand: "none", Dest: 3}
	msg, err := st.decodeIPI()
	if err != nil {
		t.Fatalf("decodeIPI failed: %v", err)
	}
	want := vlapic.IPI{Vector: 0x9A, Mode: vlapic.DeliveryStartup, Destination: 3}
	if msg != want {
		t.Fatalf("decodeIPI = %+v, want %+v", msg, want)
	}
}

func replayYAML(t *testing.T, yamlContent string) error {
	sc, err := ParseScenario([]byte(yamlContent))
	if err != nil {
		t.Fatalf("ParseScenario failed: %v", err)
	}
	r, err := newReplayer(sc)
	if err != nil {
		t.Fatalf("newReplayer failed: %v", err)
	}
	defer r.machine.Chipset.Stop()
	return r.run(sc)
}

func TestReplayDefaultScenario(t *testing.T) {
	if err := replayYAML(t, defaultScenario); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
}

func TestReplayLintScenario(t *testing.T) {
	yamlContent := `cpus: 1
steps:
  - {cpu: 0, op: write, reg: lvt-lint0, value: 0x55}
  - {cpu: 0, op: lint, pin: 0, high: true}
  - {cpu: 0, op: expect, vector: 0x55}
`
	if err := replayYAML(t, yamlContent); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
}

func TestReplayTscDeadlineScenario(t *testing.T) {
	yamlContent := `cpus: 1
steps:
  - {cpu: 0, op: write, reg: lvt-timer, value: 0x40060}
  - {cpu: 0, op: deadline, value: 5000}
  - {cpu: 0, op: tick-tsc, value: 4000}
  - {cpu: 0, op: expect}
  - {cpu: 0, op: tick-tsc, value: 5000}
  - {cpu: 0, op: expect, vector: 0x60}
`
	if err := replayYAML(t, yamlContent); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
}

func TestReplayExpectFailure(t *testing.T) {
	err := replayYAML(t, "steps:\n  - {cpu: 0, op: expect, vector: 0x40}\n")
	if err == nil {
		t.Fatal("expected replay failure")
	}
	if !strings.Contains(err.Error(), "nothing deliverable") {
		t.Fatalf("error = %v", err)
	}
}

func TestReplayUnknownOp(t *testing.T) {
	err := replayYAML(t, "steps:\n  - {cpu: 0, op: flip}\n")
	if err == nil || !strings.Contains(err.Error(), "unknown op") {
		t.Fatalf("error = %v", err)
	}
}

func TestReplayBadCPU(t *testing.T) {
	err := replayYAML(t, "cpus: 1\nsteps:\n  - {cpu: 3, op: eoi}\n")
	if err == nil || !strings.Contains(err.Error(), "no cpu 3") {
		t.Fatalf("error = %v", err)
	}
}

func TestStressRun(t *testing.T) {
	s := simulator{}
	if err := s.runStress(2, 3); err != nil {
		t.Fatalf("runStress failed: %v", err)
	}
}
