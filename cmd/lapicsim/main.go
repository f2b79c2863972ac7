package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
)

// defaultScenario exercises the timer and a cross-CPU IPI when no scenario
// file is given.
const defaultScenario = `version: 1
name: demo
cpus: 2
steps:
  - {cpu: 0, op: write, reg: timer-dcr, value: 0x0B}
  - {cpu: 0, op: write, reg: lvt-timer, value: 0x30}
  - {cpu: 0, op: write, reg: timer-icr, value: 100}
  - {cpu: 0, op: tick, count: 100}
  - {cpu: 0, op: expect, vector: 0x30}
  - {cpu: 0, op: eoi}
  - {cpu: 0, op: ipi, vector: 0x41, dest: 1}
  - {cpu: 1, op: expect, vector: 0x41}
  - {cpu: 1, op: eoi}
  - {cpu: 1, op: expect}
`

type simulator struct{}

func (s *simulator) run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	scenarioPath := fs.String("scenario", "", "the scenario file to replay")
	cpus := fs.Int("cpus", 2, "the number of virtual CPUs for stress runs")
	stress := fs.Int("stress", 0, "drive this many timer periods instead of a scenario")
	dbg := fs.Bool("debug", false, "enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		os.Stderr,
		&slog.HandlerOptions{Level: level},
	)))

	if *stress > 0 {
		return s.runStress(*cpus, *stress)
	}

	var (
		sc  Scenario
		err error
	)
	if *scenarioPath != "" {
		sc, err = LoadScenario(*scenarioPath)
	} else {
		sc, err = ParseScenario([]byte(defaultScenario))
	}
	if err != nil {
		return err
	}

	slog.Info("replaying scenario", "name", sc.Name, "cpus", sc.CPUs, "steps", len(sc.Steps))

	r, err := newReplayer(sc)
	if err != nil {
		return err
	}
	defer r.machine.Chipset.Stop()

	if err := r.run(sc); err != nil {
		return err
	}

	slog.Info("scenario complete", "name", sc.Name)
	return nil
}

func main() {
	s := simulator{}

	if err := s.run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run simulator: %v\n", err)
		os.Exit(1)
	}
}
