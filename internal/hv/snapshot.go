package hv

// Snapshot stream format constants
const (
	SnapshotMagic   uint32 = 0x564c4150 // "VLAP"
	SnapshotVersion uint32 = 1
)

// DeviceSnapshot is an opaque, gob-encodable blob of device state.
type DeviceSnapshot any

// DeviceSnapshotter is implemented by devices that can capture and restore
// their state. DeviceId gives the device a stable name, unique enough to
// double as its registration name; snapshot streams key state by the name
// the device was registered under.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}
