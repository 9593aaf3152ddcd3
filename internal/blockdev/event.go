package blockdev

// Event is a block-device announcement, either decoded from a live
// uevent or synthesized by the sysfs walker for devices that existed
// before the listener started.
type Event struct {
	Action  string
	Devpath string
	Name    string // kernel device name, e.g. vda2
}
