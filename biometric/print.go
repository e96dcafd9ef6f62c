package biometric

import (
	"bytes"
	"time"
)

// Print is one stored fingerprint template. The Data payload is opaque to
// everything but the capture device that produced it.
type Print struct {
	Driver     string
	DeviceID   string
	Finger     Finger
	Username   string
	EnrollDate time.Time
	Data       []byte
}

// NewTemplate builds the empty template handed to a device at the start of
// an enrollment. The device fills in Data when the enrollment completes.
func NewTemplate(dev Device, finger Finger, username string) *Print {
	return &Print{
		Driver:     dev.Driver(),
		DeviceID:   dev.DeviceID(),
		Finger:     finger,
		Username:   username,
		EnrollDate: time.Now(),
	}
}

// Equal reports whether two prints carry the same template. Identity is the
// payload, not the owner: a print left behind by an old installation matches
// even though no current user references it.
func (p *Print) Equal(other *Print) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.Driver == other.Driver &&
		p.DeviceID == other.DeviceID &&
		bytes.Equal(p.Data, other.Data)
}

// CompatibleWith reports whether the print can be used with dev.
func (p *Print) CompatibleWith(dev Device) bool {
	return p.Driver == dev.Driver() && p.DeviceID == dev.DeviceID()
}
