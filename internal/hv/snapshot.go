package hv

// DeviceSnapshot is an opaque, gob-encodable capture of one device's state.
type DeviceSnapshot any

// DeviceSnapshotter is implemented by devices that can capture and restore
// their state for VM snapshots.
type DeviceSnapshotter interface {
	DeviceId() string

	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}
