package lapic

import "encoding/gob"

func init() {
	// Register snapshot types for gob encoding/decoding so chipset-level
	// snapshots can carry APIC state.
	gob.Register(&lapicSnapshot{})
}
