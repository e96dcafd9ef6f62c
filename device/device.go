// Package device implements the per-device session and verification state
// machine: exclusive claim arbitration, the asynchronous verify/identify and
// enroll operations with transparent retry, cooperative cancellation, and
// client-disconnect cleanup.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/fingerd/fingerd/biometric"
	"github.com/fingerd/fingerd/fperr"
	"github.com/fingerd/fingerd/logging"
	"github.com/fingerd/fingerd/polkit"
	"github.com/fingerd/fingerd/storage"
)

// Bus names shared by the service and its clients.
const (
	ServiceName = "net.reactivated.Fprint"
	Interface   = "net.reactivated.Fprint.Device"

	pathPrefix = "/net/reactivated/Fprint/Device/"
)

// Signal members emitted by a device object.
const (
	SignalVerifyStatus         = "VerifyStatus"
	SignalVerifyFingerSelected = "VerifyFingerSelected"
	SignalEnrollStatus         = "EnrollStatus"
)

// Action is the operation currently owning the device handle. Exactly one
// may be active at a time.
type Action int

const (
	ActionNone Action = iota
	ActionOpening
	ActionClosing
	ActionVerifying
	ActionIdentifying
	ActionEnrolling
)

func (a Action) String() string {
	switch a {
	case ActionOpening:
		return "opening"
	case ActionClosing:
		return "closing"
	case ActionVerifying:
		return "verifying"
	case ActionIdentifying:
		return "identifying"
	case ActionEnrolling:
		return "enrolling"
	default:
		return "none"
	}
}

// Device exposes one fingerprint reader on the bus and owns all access to
// its handle. All hardware access is funneled through the single active
// action; the claim session is swapped atomically, never mutated in place.
type Device struct {
	id        uint32
	dev       biometric.Device
	store     *storage.Store
	authority polkit.Authority
	bus       Bus
	path      dbus.ObjectPath

	slot sessionSlot

	mu           sync.Mutex
	action       Action
	cancel       context.CancelFunc
	settled      chan struct{} // closed when the in-flight op's completion ran
	clients      map[string]func()
	disconnected bool

	propMu  sync.Mutex
	props   propSetter
	onInUse func()
}

// propSetter is the slice of prop.Properties the device needs.
type propSetter interface {
	SetMust(iface, property string, v interface{})
}

// New wraps a reader in a bus-facing device object.
func New(id uint32, dev biometric.Device, store *storage.Store, authority polkit.Authority, bus Bus) *Device {
	return &Device{
		id:        id,
		dev:       dev,
		store:     store,
		authority: authority,
		bus:       bus,
		path:      dbus.ObjectPath(fmt.Sprintf("%s%d", pathPrefix, id)),
		clients:   make(map[string]func()),
	}
}

// ID returns the registry-assigned device number.
func (d *Device) ID() uint32 { return d.id }

// Path returns the object path the device is exposed at.
func (d *Device) Path() dbus.ObjectPath { return d.path }

// Reader returns the underlying capture device.
func (d *Device) Reader() biometric.Device { return d.dev }

// InUse reports whether any client currently holds the device (claims and
// enumeration-style calls both count, until the client disconnects).
func (d *Device) InUse() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients) > 0
}

// Session returns the current claim with a reference taken, or nil. The
// caller must Unref a non-nil result.
func (d *Device) Session() *Session { return d.slot.Get() }

// SetOnInUseChanged registers the registry's idle-tracking callback.
func (d *Device) SetOnInUseChanged(fn func()) {
	d.propMu.Lock()
	defer d.propMu.Unlock()
	d.onInUse = fn
}

// Claim gives the calling client exclusive use of the device on behalf of
// username (empty for the caller's own account). The session exists from the
// moment the claim is accepted, before the device open completes, so a
// concurrent claim is answered with AlreadyInUse rather than racing the
// open.
func (d *Device) Claim(sender, username string) *dbus.Error {
	if d.slot.Peek() != nil {
		return fperr.AlreadyInUse("Device was already claimed")
	}

	user, derr := d.resolveUsername(sender, username)
	if derr != nil {
		return derr
	}
	if derr := d.checkActions(sender, policyClaim.actions); derr != nil {
		return derr
	}

	sess := newSession(sender, user)
	d.mu.Lock()
	if !d.slot.Replace(nil, sess) {
		d.mu.Unlock()
		return fperr.AlreadyInUse("Device was already claimed")
	}
	d.action = ActionOpening
	d.settled = make(chan struct{})
	d.mu.Unlock()

	d.addClient(sender)
	logging.Debugf("user %q claiming device %d", user, d.id)

	err := d.dev.Open(context.Background())

	d.mu.Lock()
	d.action = ActionNone
	close(d.settled)
	if err != nil {
		d.slot.Replace(sess, nil)
		d.mu.Unlock()
		return fperr.Internal("Open failed with error: %s", err)
	}
	d.mu.Unlock()

	logging.Debugf("claimed device %d", d.id)
	return nil
}

// Release gives the device back. An in-flight action is cancelled first and
// the release is not answered until that action has fully settled; the close
// happens strictly after.
func (d *Device) Release(sender string) *dbus.Error {
	if derr := d.authorize(sender, policyRelease); derr != nil {
		return derr
	}

	sess := d.slot.Get()
	if sess == nil {
		return fperr.ClaimDevice("Device was not claimed before use")
	}
	defer sess.Unref()

	d.mu.Lock()
	d.settleActionLocked()
	d.action = ActionClosing
	d.settled = make(chan struct{})
	skipClose := d.disconnected
	d.mu.Unlock()

	var err error
	if !skipClose {
		err = d.dev.Close(context.Background())
	}

	d.mu.Lock()
	d.action = ActionNone
	close(d.settled)
	d.slot.Replace(sess, nil)
	d.mu.Unlock()

	if err != nil {
		return fperr.Internal("Release failed with error: %s", err)
	}
	logging.Debugf("released device %d", d.id)
	return nil
}

// VerifyStart begins a verification cycle. "any" uses the whole enrolled
// gallery on identification-capable readers and the first enrolled finger
// otherwise; a concrete name uses that one template. The resolved finger is
// announced through VerifyFingerSelected before the call returns; the match
// itself runs asynchronously.
func (d *Device) VerifyStart(sender, fingerName string) *dbus.Error {
	if derr := d.authorize(sender, policyVerifyStart); derr != nil {
		return derr
	}

	sess := d.slot.Get()
	if sess == nil {
		return fperr.ClaimDevice("Device was not claimed before use")
	}
	defer sess.Unref()

	finger := biometric.FingerFromName(fingerName)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.action != ActionNone {
		if d.action == ActionEnrolling {
			return fperr.AlreadyInUse("Enrollment in progress")
		}
		return fperr.AlreadyInUse("Verification already in progress")
	}

	driver, devID := d.dev.Driver(), d.dev.DeviceID()

	var print *biometric.Print
	var gallery []*biometric.Print
	if finger == biometric.FingerAny {
		fingers, err := d.store.DiscoverPrints(driver, devID, sess.Username)
		if err != nil {
			return fperr.Internal("Failed to discover prints: %s", err)
		}
		if len(fingers) == 0 {
			return fperr.NoEnrolledPrints("No fingerprints enrolled")
		}
		if d.dev.SupportsIdentify() {
			for _, f := range fingers {
				p, err := d.store.Load(driver, devID, f, sess.Username)
				if err != nil {
					logging.Warnf("skipping unreadable print %s for %s: %s", f, sess.Username, err)
					continue
				}
				gallery = append(gallery, p)
			}
			if len(gallery) == 0 {
				return fperr.NoEnrolledPrints("No fingerprints on that device")
			}
		} else {
			finger = fingers[0]
		}
	}
	if gallery == nil {
		p, err := d.store.Load(driver, devID, finger, sess.Username)
		if errors.Is(err, storage.ErrNotFound) {
			return fperr.NoEnrolledPrints("No such print %s", finger)
		}
		if err != nil {
			return fperr.Internal("Failed to load print %s: %s", finger, err)
		}
		print = p
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.settled = make(chan struct{})
	sess.statusReported = false

	selected := "any"
	if gallery != nil {
		d.action = ActionIdentifying
		logging.Debugf("start identification on device %d (%d prints)", d.id, len(gallery))
	} else {
		d.action = ActionVerifying
		selected = finger.String()
		logging.Debugf("start verification on device %d finger %s", d.id, selected)
	}

	d.emitFingerSelected(selected)

	sess.Ref()
	go d.runVerify(ctx, sess, print, gallery)
	return nil
}

func (d *Device) runVerify(ctx context.Context, sess *Session, print *biometric.Print, gallery []*biometric.Print) {
	defer sess.Unref()
	for {
		var match bool
		var err error
		if gallery != nil {
			var hit *biometric.Print
			hit, err = d.dev.Identify(ctx, gallery)
			match = hit != nil
		} else {
			match, err = d.dev.Verify(ctx, print)
		}

		var retry *biometric.RetryError
		if errors.As(err, &retry) {
			// Correctable capture problem: report it and restart
			// the same operation under the same cancellation
			// token. The client does not re-issue anything.
			d.mu.Lock()
			d.emitVerifyStatus(verifyResultName(false, err), false)
			d.mu.Unlock()
			continue
		}

		name := verifyResultName(match, err)
		logging.Debugf("verify result on device %d: %s", d.id, name)

		d.mu.Lock()
		d.noteDisconnected(name)
		if !sess.statusReported {
			sess.statusReported = true
			d.emitVerifyStatus(name, true)
		}
		if err != nil && !isCanceled(err) {
			logging.Warnf("device %d reported an error during verify: %s", d.id, err)
		}
		d.cancel = nil
		if ctx.Err() != nil {
			d.action = ActionNone
		}
		close(d.settled)
		d.mu.Unlock()
		return
	}
}

// VerifyStop cancels the in-flight verification, waiting until its
// completion has run. When the result already landed it completes
// immediately and silently.
func (d *Device) VerifyStop(sender string) *dbus.Error {
	if derr := d.authorize(sender, policyVerifyStop); derr != nil {
		return derr
	}

	d.mu.Lock()
	switch d.action {
	case ActionVerifying, ActionIdentifying:
	case ActionNone:
		d.mu.Unlock()
		return fperr.NoActionInProgress("No verification in progress")
	default:
		d.mu.Unlock()
		return fperr.AlreadyInUse("Enrollment in progress")
	}

	d.settleActionLocked()
	d.mu.Unlock()
	return nil
}

// EnrollStart begins enrolling the named finger for the claimed user. The
// finger must be concrete; enrollment of "any" is meaningless.
func (d *Device) EnrollStart(sender, fingerName string) *dbus.Error {
	finger := biometric.FingerFromName(fingerName)
	if finger == biometric.FingerAny {
		return fperr.InvalidFingername("Invalid finger name")
	}

	if derr := d.authorize(sender, policyEnrollStart); derr != nil {
		return derr
	}

	sess := d.slot.Get()
	if sess == nil {
		return fperr.ClaimDevice("Device was not claimed before use")
	}
	defer sess.Unref()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.action != ActionNone {
		if d.action == ActionEnrolling {
			return fperr.AlreadyInUse("Enrollment already in progress")
		}
		return fperr.AlreadyInUse("Verification in progress")
	}

	logging.Debugf("start enrollment on device %d finger %s", d.id, finger)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.settled = make(chan struct{})
	d.action = ActionEnrolling

	sess.Ref()
	go d.runEnroll(ctx, sess, finger)
	return nil
}

func (d *Device) runEnroll(ctx context.Context, sess *Session, finger biometric.Finger) {
	defer sess.Unref()

	stages := d.dev.NumEnrollStages()
	progress := func(completed int, perr error) {
		if completed < stages {
			d.mu.Lock()
			d.emitEnrollStatus(enrollProgressName(perr), false)
			d.mu.Unlock()
		}
	}

	template := biometric.NewTemplate(d.dev, finger, sess.Username)
	gcTried := false
	for {
		print, err := d.dev.Enroll(ctx, template, progress)

		// On-device storage full: free one template that no known
		// user references, assuming it is from an old installation,
		// and restart the same enrollment once.
		if errors.Is(err, biometric.ErrDataFull) && !gcTried {
			gcTried = true
			logging.Debugf("device %d storage is full, trying to garbage collect old prints", d.id)
			if d.collectGarbagePrint(ctx) {
				continue
			}
		}

		name := enrollResultName(print != nil, err)
		if print != nil {
			if serr := d.store.Save(print); serr != nil {
				logging.Errorf("failed to persist enrolled print: %s", serr)
				name = enrollFailed
			}
		}

		logging.Debugf("enroll result on device %d: %s", d.id, name)

		d.mu.Lock()
		d.noteDisconnected(name)
		d.emitEnrollStatus(name, true)
		if err != nil && !isCanceled(err) {
			logging.Warnf("device %d reported an error during enroll: %s", d.id, err)
		}
		d.cancel = nil
		if ctx.Err() != nil {
			d.action = ActionNone
		}
		close(d.settled)
		d.mu.Unlock()
		return
	}
}

// collectGarbagePrint deletes one on-device print that no stored
// user/finger pairing references. It reports whether anything was freed.
func (d *Device) collectGarbagePrint(ctx context.Context) bool {
	devicePrints, err := d.dev.ListPrints(ctx)
	if err != nil {
		logging.Warnf("failed to query device prints: %s", err)
		return false
	}
	logging.Debugf("device %d has %d prints stored", d.id, len(devicePrints))

	driver, devID := d.dev.Driver(), d.dev.DeviceID()
	users, err := d.store.DiscoverUsers()
	if err != nil {
		logging.Warnf("failed to list print store users: %s", err)
		return false
	}

	known := func(p *biometric.Print) bool {
		for _, username := range users {
			fingers, err := d.store.DiscoverPrints(driver, devID, username)
			if err != nil {
				continue
			}
			for _, f := range fingers {
				stored, err := d.store.Load(driver, devID, f, username)
				if err != nil {
					continue
				}
				if stored.Equal(p) {
					return true
				}
			}
		}
		return false
	}

	var foreign []*biometric.Print
	for _, p := range devicePrints {
		if !known(p) {
			foreign = append(foreign, p)
		}
	}

	logging.Debugf("device %d has %d prints stored that we do not need", d.id, len(foreign))
	if len(foreign) == 0 {
		return false
	}

	if err := d.dev.DeletePrint(ctx, foreign[0]); err != nil {
		logging.Warnf("failed to garbage collect a print: %s", err)
		return false
	}
	return true
}

// EnrollStop mirrors VerifyStop for enrollments.
func (d *Device) EnrollStop(sender string) *dbus.Error {
	if derr := d.authorize(sender, policyEnrollStop); derr != nil {
		return derr
	}

	d.mu.Lock()
	if d.action != ActionEnrolling {
		d.mu.Unlock()
		return fperr.NoActionInProgress("No enrollment in progress")
	}
	d.settleActionLocked()
	d.mu.Unlock()
	return nil
}

// ListEnrolledFingers lists the fingers username has enrolled on this
// device. No claim is required.
func (d *Device) ListEnrolledFingers(sender, username string) ([]string, *dbus.Error) {
	user, derr := d.resolveUsername(sender, username)
	if derr != nil {
		return nil, derr
	}
	if derr := d.checkActions(sender, policyListEnrolledFingers.actions); derr != nil {
		return nil, derr
	}
	d.addClient(sender)

	fingers, err := d.store.DiscoverPrints(d.dev.Driver(), d.dev.DeviceID(), user)
	if err != nil {
		return nil, fperr.Internal("Failed to discover prints: %s", err)
	}
	if len(fingers) == 0 {
		return nil, fperr.NoEnrolledPrints("Failed to discover prints")
	}

	names := make([]string, 0, len(fingers))
	for _, f := range fingers {
		names = append(names, f.String())
	}
	return names, nil
}

// DeleteEnrolledFingers removes every template username has on this device.
// Deprecated in favor of DeleteEnrolledFingers2; kept for old clients, whose
// identity is logged.
func (d *Device) DeleteEnrolledFingers(sender, username string) *dbus.Error {
	logging.Warnf("the API user should be updated to use the DeleteEnrolledFingers2 method")
	if comm := d.bus.CommandForSender(sender); comm != "" {
		logging.Warnf("offending API user is %s", comm)
	}

	user, derr := d.resolveUsername(sender, username)
	if derr != nil {
		return derr
	}
	if derr := d.checkActions(sender, policyDeleteEnrolledFingers.actions); derr != nil {
		return derr
	}

	opened := true
	if cerr := d.checkClaimed(sender); cerr != nil {
		if cerr.Name != fperr.NameClaimDevice {
			return cerr
		}
		opened = false
	}
	d.addClient(sender)

	ctx := context.Background()
	if !opened && d.dev.HasStorage() {
		if err := d.dev.Open(ctx); err != nil {
			logging.Warnf("failed to open device %d for deletion: %s", d.id, err)
		}
	}
	d.deleteEnrolled(ctx, user)
	if !opened && d.dev.HasStorage() {
		if err := d.dev.Close(ctx); err != nil {
			logging.Warnf("failed to close device %d after deletion: %s", d.id, err)
		}
	}
	return nil
}

// DeleteEnrolledFingers2 removes every template of the claimed user.
func (d *Device) DeleteEnrolledFingers2(sender string) *dbus.Error {
	if derr := d.authorize(sender, policyDeleteEnrolledFingers2); derr != nil {
		return derr
	}

	sess := d.slot.Get()
	if sess == nil {
		return fperr.ClaimDevice("Device was not claimed before use")
	}
	defer sess.Unref()

	d.deleteEnrolled(context.Background(), sess.Username)
	return nil
}

func (d *Device) deleteEnrolled(ctx context.Context, username string) {
	driver, devID := d.dev.Driver(), d.dev.DeviceID()

	// Best-effort removal from on-device storage first; a failure here is
	// not fatal but usually indicates a driver problem.
	if d.dev.HasStorage() {
		fingers, err := d.store.DiscoverPrints(driver, devID, username)
		if err == nil {
			for _, f := range fingers {
				p, err := d.store.Load(driver, devID, f, username)
				if err != nil {
					continue
				}
				if err := d.dev.DeletePrint(ctx, p); err != nil {
					logging.Warnf("error deleting print from device: %s", err)
				}
			}
		}
	}

	for _, f := range biometric.Fingers() {
		if err := d.store.Delete(driver, devID, f, username); err != nil {
			logging.Debugf("deleting stored print %s for %s: %s", f, username, err)
		}
	}
}

// settleActionLocked cancels the in-flight operation and waits for it to
// fully settle before touching the handle again. Verify and enroll settle
// through their cancellation token; an open or close in flight has no token
// and is simply waited out. Called with mu held; drops and retakes it while
// waiting.
func (d *Device) settleActionLocked() {
	for d.cancel != nil || d.action == ActionOpening || d.action == ActionClosing {
		cancel, settled := d.cancel, d.settled
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		<-settled
		d.mu.Lock()
	}
	d.action = ActionNone
}

// clientVanished handles a transport-level liveness notice: the claiming
// client dropped off the bus, so the claim is released implicitly, with no
// reply owed to anyone.
func (d *Device) clientVanished(sender string) {
	d.mu.Lock()
	sess := d.slot.Peek()
	if sess != nil && sess.Sender == sender {
		d.settleActionLocked()
		// A failed open may have torn the claim down while we waited;
		// there is no handle to close then.
		stillHeld := d.slot.Peek() == sess
		skipClose := d.disconnected
		d.mu.Unlock()
		if stillHeld && !skipClose {
			if err := d.dev.Close(context.Background()); err != nil {
				logging.Warnf("error closing device after disconnect: %s", err)
			}
		}
		d.mu.Lock()
		if stillHeld {
			d.slot.Replace(sess, nil)
		}
	}
	if cancelWatch, ok := d.clients[sender]; ok {
		cancelWatch()
		delete(d.clients, sender)
	}
	inUse := len(d.clients) > 0
	d.mu.Unlock()

	d.notifyInUse(inUse)
}

func (d *Device) addClient(sender string) {
	d.mu.Lock()
	if _, ok := d.clients[sender]; ok {
		d.mu.Unlock()
		return
	}
	cancelWatch, err := d.bus.WatchSender(sender, func() { d.clientVanished(sender) })
	if err != nil {
		logging.Warnf("failed to watch client %s: %s", sender, err)
		cancelWatch = func() {}
	}
	d.clients[sender] = cancelWatch
	d.mu.Unlock()

	d.notifyInUse(true)
}

func (d *Device) notifyInUse(inUse bool) {
	d.propMu.Lock()
	props, onInUse := d.props, d.onInUse
	d.propMu.Unlock()

	if props != nil {
		props.SetMust(Interface, "in-use", inUse)
	}
	if onInUse != nil {
		onInUse()
	}
}

func (d *Device) resolveUsername(sender, username string) (string, *dbus.Error) {
	caller, err := d.bus.UsernameForSender(sender)
	if err != nil {
		return "", fperr.Internal("Failed to get information about the caller: %s", err)
	}

	// Users may always operate on their own templates; the per-action
	// permission checks still follow.
	if username == "" || username == caller {
		return caller, nil
	}

	if derr := d.checkActions(sender, []string{polkit.ActionSetUsername}); derr != nil {
		return "", derr
	}
	return username, nil
}

func (d *Device) noteDisconnected(result string) {
	if result == verifyDisconnected || result == enrollDisconnected {
		d.disconnected = true
	}
}

func (d *Device) emitVerifyStatus(result string, done bool) {
	d.emit(SignalVerifyStatus, result, done)
}

func (d *Device) emitEnrollStatus(result string, done bool) {
	d.emit(SignalEnrollStatus, result, done)
}

func (d *Device) emitFingerSelected(name string) {
	d.emit(SignalVerifyFingerSelected, name)
}

func (d *Device) emit(member string, values ...interface{}) {
	if err := d.bus.Emit(d.path, Interface+"."+member, values...); err != nil {
		logging.Warnf("failed to emit %s on %s: %s", member, d.path, err)
	}
}
