package chipset

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/tinyrange/vlapic/internal/hv"
)

type chipsetSnapshot struct {
	Magic   uint32
	Version uint32
	Config  hv.ConfigHash
	Devices map[string]hv.DeviceSnapshot
}

// WriteSnapshot captures every snapshot-capable device into a gob stream.
// Devices are keyed by registration name so multiple instances of one
// device kind stay distinct.
func (c *Chipset) WriteSnapshot(w io.Writer) error {
	snap := chipsetSnapshot{
		Magic:   hv.SnapshotMagic,
		Version: hv.SnapshotVersion,
		Config:  c.configHash(),
		Devices: make(map[string]hv.DeviceSnapshot),
	}

	for _, name := range c.deviceNames() {
		dev, ok := c.devices[name].(hv.DeviceSnapshotter)
		if !ok {
			continue
		}
		data, err := dev.CaptureSnapshot()
		if err != nil {
			return fmt.Errorf("chipset: capture device %q: %w", name, err)
		}
		snap.Devices[name] = data
	}

	return gob.NewEncoder(w).Encode(&snap)
}

// ReadSnapshot restores device state from a stream written by WriteSnapshot.
func (c *Chipset) ReadSnapshot(r io.Reader) error {
	var snap chipsetSnapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("chipset: decode snapshot: %w", err)
	}
	if snap.Magic != hv.SnapshotMagic {
		return fmt.Errorf("chipset: bad snapshot magic 0x%08x", snap.Magic)
	}
	if snap.Version != hv.SnapshotVersion {
		return fmt.Errorf("chipset: unsupported snapshot version %d", snap.Version)
	}
	if want := c.configHash(); snap.Config != want {
		return fmt.Errorf("chipset: snapshot layout %s does not match machine layout %s",
			snap.Config, want)
	}

	for _, name := range c.deviceNames() {
		dev, ok := c.devices[name].(hv.DeviceSnapshotter)
		if !ok {
			continue
		}
		data, ok := snap.Devices[name]
		if !ok {
			return fmt.Errorf("chipset: snapshot missing device %q", name)
		}
		if err := dev.RestoreSnapshot(data); err != nil {
			return fmt.Errorf("chipset: restore device %q: %w", name, err)
		}
	}

	return nil
}

// configHash fingerprints the machine layout so snapshots refuse to load
// into a chipset with a different CPU count or device arrangement.
func (c *Chipset) configHash() hv.ConfigHash {
	configs := make([]hv.DeviceConfig, 0, len(c.devices))
	for _, name := range c.deviceNames() {
		dc := hv.DeviceConfig{Name: name}
		if intercept := c.devices[name].SupportsMmio(); intercept != nil {
			dc.Regions = intercept.Regions
		}
		configs = append(configs, dc)
	}
	return hv.ComputeConfigHash(c.cpus, configs)
}
