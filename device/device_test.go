package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerd/fingerd/biometric"
	"github.com/fingerd/fingerd/fperr"
	"github.com/fingerd/fingerd/polkit"
	"github.com/fingerd/fingerd/storage"
)

const (
	senderAlice = ":1.11"
	senderBob   = ":1.22"
)

type emitted struct {
	member string
	values []interface{}
}

// fakeBus records signals and lets the test trigger client vanishes.
type fakeBus struct {
	mu       sync.Mutex
	emitted  []emitted
	users    map[string]string
	vanishes map[string]func()
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		users: map[string]string{
			senderAlice: "alice",
			senderBob:   "bob",
		},
		vanishes: map[string]func(){},
	}
}

func (b *fakeBus) Emit(path dbus.ObjectPath, member string, values ...interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitted = append(b.emitted, emitted{member, values})
	return nil
}

func (b *fakeBus) UsernameForSender(sender string) (string, error) {
	if u, ok := b.users[sender]; ok {
		return u, nil
	}
	return "", fmt.Errorf("unknown sender %s", sender)
}

func (b *fakeBus) CommandForSender(string) string { return "device_test" }

func (b *fakeBus) WatchSender(sender string, vanished func()) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vanishes[sender] = vanished
	return func() {}, nil
}

func (b *fakeBus) vanish(sender string) {
	b.mu.Lock()
	cb := b.vanishes[sender]
	b.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (b *fakeBus) signals(member string) []emitted {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []emitted
	for _, e := range b.emitted {
		if e.member == Interface+"."+member {
			out = append(out, e)
		}
	}
	return out
}

func (b *fakeBus) terminalStatuses(member string) []string {
	var out []string
	for _, e := range b.signals(member) {
		if done, _ := e.values[1].(bool); done {
			result, _ := e.values[0].(string)
			out = append(out, result)
		}
	}
	return out
}

// fakeAuthority grants everything not explicitly denied.
type fakeAuthority struct {
	mu     sync.Mutex
	denied map[string]bool
}

func (a *fakeAuthority) CheckAuthorization(ctx context.Context, sender, action string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.denied[action], nil
}

func (a *fakeAuthority) deny(action string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.denied == nil {
		a.denied = map[string]bool{}
	}
	a.denied[action] = true
}

type fixture struct {
	d     *Device
	virt  *biometric.Virtual
	bus   *fakeBus
	store *storage.Store
	auth  *fakeAuthority
}

func newFixture(t *testing.T, cfg biometric.VirtualConfig) *fixture {
	t.Helper()
	f := &fixture{
		virt:  biometric.NewVirtual(cfg),
		bus:   newFakeBus(),
		store: storage.New(t.TempDir()),
		auth:  &fakeAuthority{},
	}
	f.d = New(7, f.virt, f.store, f.auth, f.bus)
	return f
}

func (f *fixture) savePrint(t *testing.T, finger biometric.Finger, username string) *biometric.Print {
	t.Helper()
	p := &biometric.Print{
		Driver:     f.virt.Driver(),
		DeviceID:   f.virt.DeviceID(),
		Finger:     finger,
		Username:   username,
		EnrollDate: time.Now(),
		Data:       []byte("template-" + finger.String()),
	}
	require.NoError(t, f.store.Save(p))
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond)
}

func errName(t *testing.T, derr *dbus.Error) string {
	t.Helper()
	require.NotNil(t, derr)
	return derr.Name
}

func TestClaimIsExclusive(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})

	require.Nil(t, f.d.Claim(senderAlice, ""))
	assert.Equal(t, fperr.NameAlreadyInUse, errName(t, f.d.Claim(senderBob, "")))

	require.Nil(t, f.d.Release(senderAlice))
	require.Nil(t, f.d.Claim(senderBob, ""))
}

func TestConcurrentClaimsAdmitOne(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})

	var wg sync.WaitGroup
	results := make([]*dbus.Error, 2)
	for i, sender := range []string{senderAlice, senderBob} {
		wg.Add(1)
		go func(i int, sender string) {
			defer wg.Done()
			results[i] = f.d.Claim(sender, "")
		}(i, sender)
	}
	wg.Wait()

	won := 0
	for _, derr := range results {
		if derr == nil {
			won++
		} else {
			assert.Equal(t, fperr.NameAlreadyInUse, derr.Name)
		}
	}
	assert.Equal(t, 1, won)
}

func TestClaimOpenFailureTearsDown(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	f.virt.SetOpenError(errors.New("probe failed"))

	assert.Equal(t, fperr.NameInternal, errName(t, f.d.Claim(senderAlice, "")))

	// The failed claim left no session behind.
	require.Nil(t, f.d.Claim(senderAlice, ""))
}

func TestClaimForOtherUserNeedsPrivilege(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	f.auth.deny(polkit.ActionSetUsername)

	assert.Equal(t, fperr.NamePermissionDenied, errName(t, f.d.Claim(senderAlice, "bob")))

	// Claiming for yourself needs no extra privilege.
	require.Nil(t, f.d.Claim(senderAlice, "alice"))
}

func TestVerifyRequiresClaim(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	assert.Equal(t, fperr.NameClaimDevice, errName(t, f.d.VerifyStart(senderAlice, "any")))
}

func TestVerifyNoEnrolledPrints(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	require.Nil(t, f.d.Claim(senderAlice, ""))
	assert.Equal(t, fperr.NameNoEnrolledPrints, errName(t, f.d.VerifyStart(senderAlice, "any")))
}

func TestVerifyMatchReportedOnce(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	f.savePrint(t, biometric.RightIndex, "alice")

	require.Nil(t, f.d.Claim(senderAlice, ""))
	require.Nil(t, f.d.VerifyStart(senderAlice, "any"))

	// "any" on a 1:1 device resolves to the single enrolled finger, and
	// the announcement precedes any status.
	selected := f.bus.signals(SignalVerifyFingerSelected)
	require.Len(t, selected, 1)
	assert.Equal(t, "right-index-finger", selected[0].values[0])

	f.virt.FeedMatch()
	waitFor(t, func() bool { return len(f.bus.terminalStatuses(SignalVerifyStatus)) == 1 })
	assert.Equal(t, []string{"verify-match"}, f.bus.terminalStatuses(SignalVerifyStatus))

	// The action stays owned until VerifyStop.
	assert.Equal(t, fperr.NameAlreadyInUse, errName(t, f.d.VerifyStart(senderAlice, "any")))
	require.Nil(t, f.d.VerifyStop(senderAlice))

	// Still exactly one terminal status; stopping after the result adds
	// nothing.
	assert.Equal(t, []string{"verify-match"}, f.bus.terminalStatuses(SignalVerifyStatus))

	require.Nil(t, f.d.Release(senderAlice))
}

func TestVerifyRetryRestartsSilently(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	f.savePrint(t, biometric.RightIndex, "alice")

	require.Nil(t, f.d.Claim(senderAlice, ""))
	require.Nil(t, f.d.VerifyStart(senderAlice, "any"))

	f.virt.FeedRetry(biometric.RetryTooShort)
	waitFor(t, func() bool { return len(f.bus.signals(SignalVerifyStatus)) == 1 })

	statuses := f.bus.signals(SignalVerifyStatus)
	assert.Equal(t, "verify-swipe-too-short", statuses[0].values[0])
	assert.Equal(t, false, statuses[0].values[1])

	// The same cycle is still running and can conclude.
	f.virt.FeedMatch()
	waitFor(t, func() bool { return len(f.bus.terminalStatuses(SignalVerifyStatus)) == 1 })
	assert.Equal(t, []string{"verify-match"}, f.bus.terminalStatuses(SignalVerifyStatus))

	require.Nil(t, f.d.VerifyStop(senderAlice))
	require.Nil(t, f.d.Release(senderAlice))
}

func TestVerifyStopCancelsInFlight(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	f.savePrint(t, biometric.RightIndex, "alice")

	require.Nil(t, f.d.Claim(senderAlice, ""))
	require.Nil(t, f.d.VerifyStart(senderAlice, "any"))

	// Nothing fed: the scan is in flight. Stop must cancel it and wait
	// for the cancellation to land.
	require.Nil(t, f.d.VerifyStop(senderAlice))
	assert.Equal(t, []string{"verify-unknown-error"}, f.bus.terminalStatuses(SignalVerifyStatus))

	// And the device is free for the next cycle.
	require.Nil(t, f.d.VerifyStart(senderAlice, "any"))
	f.virt.FeedMatch()
	waitFor(t, func() bool { return len(f.bus.terminalStatuses(SignalVerifyStatus)) == 2 })
	require.Nil(t, f.d.VerifyStop(senderAlice))
	require.Nil(t, f.d.Release(senderAlice))
}

func TestVerifyStopWithoutAction(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	require.Nil(t, f.d.Claim(senderAlice, ""))
	assert.Equal(t, fperr.NameNoActionInProgress, errName(t, f.d.VerifyStop(senderAlice)))
}

func TestVerifyStopDuringEnroll(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{Stages: 2})
	require.Nil(t, f.d.Claim(senderAlice, ""))
	require.Nil(t, f.d.EnrollStart(senderAlice, "left-thumb"))

	assert.Equal(t, fperr.NameAlreadyInUse, errName(t, f.d.VerifyStop(senderAlice)))

	require.Nil(t, f.d.EnrollStop(senderAlice))
}

func TestIdentifyUsesGallery(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{Identify: true})
	f.savePrint(t, biometric.RightIndex, "alice")
	f.savePrint(t, biometric.LeftThumb, "alice")

	require.Nil(t, f.d.Claim(senderAlice, ""))
	require.Nil(t, f.d.VerifyStart(senderAlice, "any"))

	// Identification keeps the announcement generic.
	selected := f.bus.signals(SignalVerifyFingerSelected)
	require.Len(t, selected, 1)
	assert.Equal(t, "any", selected[0].values[0])

	f.virt.FeedIdentify(nil)
	waitFor(t, func() bool { return len(f.bus.terminalStatuses(SignalVerifyStatus)) == 1 })
	assert.Equal(t, []string{"verify-no-match"}, f.bus.terminalStatuses(SignalVerifyStatus))

	require.Nil(t, f.d.VerifyStop(senderAlice))
	require.Nil(t, f.d.Release(senderAlice))
}

func TestReleaseSettlesInFlightVerify(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	f.savePrint(t, biometric.RightIndex, "alice")

	require.Nil(t, f.d.Claim(senderAlice, ""))
	require.Nil(t, f.d.VerifyStart(senderAlice, "any"))

	// Release while the scan is in flight: it must cancel, wait for the
	// settle, and only then close.
	require.Nil(t, f.d.Release(senderAlice))
	assert.False(t, f.virt.Opened())

	// The claim is fully gone.
	require.Nil(t, f.d.Claim(senderBob, ""))
}

func TestClientVanishReleasesImplicitly(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	f.savePrint(t, biometric.RightIndex, "alice")

	require.Nil(t, f.d.Claim(senderAlice, ""))
	require.Nil(t, f.d.VerifyStart(senderAlice, "any"))
	assert.True(t, f.d.InUse())

	f.bus.vanish(senderAlice)

	assert.False(t, f.virt.Opened())
	assert.False(t, f.d.InUse())
	require.Nil(t, f.d.Claim(senderBob, ""))
}

// gatedReader holds Open until released so bus liveness events can be raced
// against an in-flight claim. It records whether Close ever ran while Open
// was still inside the driver.
type gatedReader struct {
	biometric.Device
	release chan struct{}

	mu         sync.Mutex
	opening    bool
	closes     int
	overlapped bool
}

func newGatedReader(dev biometric.Device) *gatedReader {
	return &gatedReader{Device: dev, release: make(chan struct{})}
}

func (g *gatedReader) Open(ctx context.Context) error {
	g.mu.Lock()
	g.opening = true
	g.mu.Unlock()
	<-g.release
	err := g.Device.Open(ctx)
	g.mu.Lock()
	g.opening = false
	g.mu.Unlock()
	return err
}

func (g *gatedReader) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closes++
	if g.opening {
		g.overlapped = true
	}
	g.mu.Unlock()
	return g.Device.Close(ctx)
}

func (g *gatedReader) inOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opening
}

func (g *gatedReader) overlappedClose() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.overlapped
}

func (g *gatedReader) closeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closes
}

func TestClientVanishWaitsForInFlightOpen(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	gate := newGatedReader(f.virt)
	f.d = New(7, gate, f.store, f.auth, f.bus)

	claimed := make(chan *dbus.Error, 1)
	go func() { claimed <- f.d.Claim(senderAlice, "") }()
	waitFor(t, gate.inOpen)

	vanished := make(chan struct{})
	go func() {
		f.bus.vanish(senderAlice)
		close(vanished)
	}()

	// Give the vanish handler every chance to touch the handle early,
	// then let the open finish.
	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	require.Nil(t, <-claimed)
	<-vanished

	assert.False(t, gate.overlappedClose())
	assert.False(t, f.virt.Opened())
	require.Nil(t, f.d.Claim(senderBob, ""))
}

func TestClientVanishDuringFailedOpenSkipsClose(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	f.virt.SetOpenError(errors.New("reader powered off"))
	gate := newGatedReader(f.virt)
	f.d = New(7, gate, f.store, f.auth, f.bus)

	claimed := make(chan *dbus.Error, 1)
	go func() { claimed <- f.d.Claim(senderAlice, "") }()
	waitFor(t, gate.inOpen)

	vanished := make(chan struct{})
	go func() {
		f.bus.vanish(senderAlice)
		close(vanished)
	}()

	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	assert.Equal(t, fperr.NameInternal, errName(t, <-claimed))
	<-vanished

	// The claim tore itself down; there was no open handle to close.
	assert.Equal(t, 0, gate.closeCount())
	require.Nil(t, f.d.Claim(senderBob, ""))
}

func TestEnrollRejectsAny(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	require.Nil(t, f.d.Claim(senderAlice, ""))
	assert.Equal(t, fperr.NameInvalidFingername, errName(t, f.d.EnrollStart(senderAlice, "any")))
	assert.Equal(t, fperr.NameInvalidFingername, errName(t, f.d.EnrollStart(senderAlice, "no-such-finger")))
}

func TestEnrollCompletesAndPersists(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{Stages: 3})
	require.Nil(t, f.d.Claim(senderAlice, ""))
	require.Nil(t, f.d.EnrollStart(senderAlice, "right-index-finger"))

	for i := 0; i < 3; i++ {
		f.virt.FeedStage()
	}
	waitFor(t, func() bool { return len(f.bus.terminalStatuses(SignalEnrollStatus)) == 1 })
	assert.Equal(t, []string{"enroll-completed"}, f.bus.terminalStatuses(SignalEnrollStatus))

	// Two intermediate stages were reported before the terminal one.
	var passed int
	for _, e := range f.bus.signals(SignalEnrollStatus) {
		if e.values[0] == "enroll-stage-passed" {
			passed++
		}
	}
	assert.Equal(t, 2, passed)

	require.Nil(t, f.d.EnrollStop(senderAlice))

	p, err := f.store.Load(f.virt.Driver(), f.virt.DeviceID(), biometric.RightIndex, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, p.Data)
}

func TestEnrollRetryReportsProgress(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{Stages: 2})
	require.Nil(t, f.d.Claim(senderAlice, ""))
	require.Nil(t, f.d.EnrollStart(senderAlice, "left-thumb"))

	f.virt.FeedRetry(biometric.RetryRemoveFinger)
	waitFor(t, func() bool { return len(f.bus.signals(SignalEnrollStatus)) == 1 })
	assert.Equal(t, "enroll-remove-and-retry", f.bus.signals(SignalEnrollStatus)[0].values[0])

	f.virt.FeedStage()
	f.virt.FeedStage()
	waitFor(t, func() bool { return len(f.bus.terminalStatuses(SignalEnrollStatus)) == 1 })
	assert.Equal(t, []string{"enroll-completed"}, f.bus.terminalStatuses(SignalEnrollStatus))

	require.Nil(t, f.d.EnrollStop(senderAlice))
}

func TestEnrollDataFullCollectsGarbage(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{Stages: 2, Storage: true})
	f.virt.SetStorageCap(1)

	// One print on the device that no stored user references.
	f.virt.StorePrint(&biometric.Print{
		Driver:   f.virt.Driver(),
		DeviceID: f.virt.DeviceID(),
		Finger:   biometric.LeftThumb,
		Username: "ghost",
		Data:     []byte("stale-template"),
	})

	require.Nil(t, f.d.Claim(senderAlice, ""))
	require.Nil(t, f.d.EnrollStart(senderAlice, "right-index-finger"))

	// First attempt hits data-full after its stages; the retry consumes
	// another full set.
	for i := 0; i < 4; i++ {
		f.virt.FeedStage()
	}
	waitFor(t, func() bool { return len(f.bus.terminalStatuses(SignalEnrollStatus)) == 1 })
	assert.Equal(t, []string{"enroll-completed"}, f.bus.terminalStatuses(SignalEnrollStatus))

	require.Nil(t, f.d.EnrollStop(senderAlice))

	_, err := f.store.Load(f.virt.Driver(), f.virt.DeviceID(), biometric.RightIndex, "alice")
	require.NoError(t, err)
}

func TestEnrollDataFullWithoutGarbageFails(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{Stages: 2, Storage: true})
	f.virt.SetStorageCap(1)

	// The only on-device print belongs to a known user/finger pairing,
	// so nothing may be collected.
	owned := f.savePrint(t, biometric.LeftThumb, "alice")
	f.virt.StorePrint(owned)

	require.Nil(t, f.d.Claim(senderAlice, ""))
	require.Nil(t, f.d.EnrollStart(senderAlice, "right-index-finger"))

	f.virt.FeedStage()
	f.virt.FeedStage()
	waitFor(t, func() bool { return len(f.bus.terminalStatuses(SignalEnrollStatus)) == 1 })
	assert.Equal(t, []string{"enroll-data-full"}, f.bus.terminalStatuses(SignalEnrollStatus))

	require.Nil(t, f.d.EnrollStop(senderAlice))
}

func TestVerifyDeniedByPolicy(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	f.savePrint(t, biometric.RightIndex, "alice")
	require.Nil(t, f.d.Claim(senderAlice, ""))

	f.auth.deny(polkit.ActionVerify)
	assert.Equal(t, fperr.NamePermissionDenied, errName(t, f.d.VerifyStart(senderAlice, "any")))
}

func TestListEnrolledFingers(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})

	_, derr := f.d.ListEnrolledFingers(senderAlice, "")
	assert.Equal(t, fperr.NameNoEnrolledPrints, errName(t, derr))

	f.savePrint(t, biometric.RightIndex, "alice")
	f.savePrint(t, biometric.LeftThumb, "alice")

	names, derr := f.d.ListEnrolledFingers(senderAlice, "")
	require.Nil(t, derr)
	assert.Equal(t, []string{"left-thumb", "right-index-finger"}, names)

	// Listing someone else's fingers needs the set-username privilege.
	f.auth.deny(polkit.ActionSetUsername)
	_, derr = f.d.ListEnrolledFingers(senderBob, "alice")
	assert.Equal(t, fperr.NamePermissionDenied, errName(t, derr))
}

func TestDeleteEnrolledFingers2(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	f.savePrint(t, biometric.RightIndex, "alice")
	f.savePrint(t, biometric.LeftThumb, "alice")

	require.Nil(t, f.d.Claim(senderAlice, ""))
	require.Nil(t, f.d.DeleteEnrolledFingers2(senderAlice))

	fingers, err := f.store.DiscoverPrints(f.virt.Driver(), f.virt.DeviceID(), "alice")
	require.NoError(t, err)
	assert.Empty(t, fingers)
}

func TestDeleteEnrolledFingersLegacyUnclaimed(t *testing.T) {
	f := newFixture(t, biometric.VirtualConfig{})
	f.savePrint(t, biometric.RightIndex, "alice")

	// No claim at all: the legacy call still works on the store.
	require.Nil(t, f.d.DeleteEnrolledFingers(senderAlice, ""))

	fingers, err := f.store.DiscoverPrints(f.virt.Driver(), f.virt.DeviceID(), "alice")
	require.NoError(t, err)
	assert.Empty(t, fingers)
}
