package authclient

// Event is a device notification delivered during a verification cycle.
type Event interface {
	isEvent()
}

// StatusEvent carries a VerifyStatus signal.
type StatusEvent struct {
	Result string
	Done   bool
}

// FingerSelectedEvent announces which finger the service resolved "any" to.
type FingerSelectedEvent struct {
	Finger string
}

func (StatusEvent) isEvent()         {}
func (FingerSelectedEvent) isEvent() {}

// DeviceHandle is the client-side view of one remote device object.
type DeviceHandle interface {
	Name() string
	ScanType() string

	// EnrolledCount reports how many fingers username has enrolled on
	// this device. A device with none enrolled reports zero, not an
	// error.
	EnrolledCount(username string) (int, error)

	// Claim takes the exclusive lease and starts event delivery.
	Claim(username string) error

	// Release drops the lease and stops event delivery.
	Release() error

	VerifyStart(finger string) error
	VerifyStop() error

	// Events delivers signals for the claimed session. The channel is
	// only live between Claim and Release.
	Events() <-chan Event
}

// Registry is the client-side view of the device registry.
type Registry interface {
	Devices() ([]DeviceHandle, error)
}
