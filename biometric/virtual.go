package biometric

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// VirtualConfig describes a software reader.
type VirtualConfig struct {
	Driver   string
	Name     string
	Scan     ScanType
	Stages   int
	Identify bool
	Storage  bool
}

// Virtual is an in-memory Device. Capture outcomes are scripted through the
// Feed methods; an operation blocks until an outcome arrives or its context
// is cancelled. It stands in for real hardware in tests and demo setups.
type Virtual struct {
	cfg VirtualConfig
	id  string

	mu           sync.Mutex
	opened       bool
	stored       []*Print
	storageLimit int

	openErr  error
	closeErr error

	captures chan capture
}

type capture struct {
	ok    bool // scan accepted (stage passed / match attempt completed)
	match bool
	ident *Print
	err   error
}

// NewVirtual builds a virtual reader with a fresh random device ID.
func NewVirtual(cfg VirtualConfig) *Virtual {
	if cfg.Driver == "" {
		cfg.Driver = "virtual"
	}
	if cfg.Name == "" {
		cfg.Name = "Virtual Reader"
	}
	if cfg.Scan == "" {
		cfg.Scan = ScanTypePress
	}
	if cfg.Stages <= 0 {
		cfg.Stages = 5
	}
	return &Virtual{
		cfg:      cfg,
		id:       uuid.NewString(),
		captures: make(chan capture, 16),
	}
}

func (v *Virtual) Driver() string         { return v.cfg.Driver }
func (v *Virtual) DeviceID() string       { return v.id }
func (v *Virtual) Name() string           { return v.cfg.Name }
func (v *Virtual) ScanType() ScanType     { return v.cfg.Scan }
func (v *Virtual) NumEnrollStages() int   { return v.cfg.Stages }
func (v *Virtual) SupportsIdentify() bool { return v.cfg.Identify }
func (v *Virtual) HasStorage() bool       { return v.cfg.Storage }

// SetOpenError makes the next Open fail with err.
func (v *Virtual) SetOpenError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.openErr = err
}

func (v *Virtual) Open(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.openErr != nil {
		err := v.openErr
		v.openErr = nil
		return err
	}
	if v.opened {
		return fmt.Errorf("device %s already open", v.id)
	}
	v.opened = true
	return nil
}

func (v *Virtual) Close(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closeErr != nil {
		err := v.closeErr
		v.closeErr = nil
		return err
	}
	v.opened = false
	return nil
}

// Opened reports whether the device is currently open.
func (v *Virtual) Opened() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.opened
}

// FeedMatch scripts a successful scan.
func (v *Virtual) FeedMatch() { v.captures <- capture{ok: true, match: true} }

// FeedNoMatch scripts a completed scan that did not match.
func (v *Virtual) FeedNoMatch() { v.captures <- capture{ok: true} }

// FeedIdentify scripts an identification hit on p (nil for no match).
func (v *Virtual) FeedIdentify(p *Print) { v.captures <- capture{ok: true, match: p != nil, ident: p} }

// FeedRetry scripts a correctable capture problem.
func (v *Virtual) FeedRetry(reason RetryReason) {
	v.captures <- capture{err: &RetryError{Reason: reason}}
}

// FeedStage scripts one passed enrollment stage.
func (v *Virtual) FeedStage() { v.captures <- capture{ok: true} }

// FeedError scripts a terminal device error.
func (v *Virtual) FeedError(err error) { v.captures <- capture{err: err} }

func (v *Virtual) next(ctx context.Context) (capture, error) {
	select {
	case c := <-v.captures:
		return c, nil
	case <-ctx.Done():
		return capture{}, ctx.Err()
	}
}

func (v *Virtual) Verify(ctx context.Context, print *Print) (bool, error) {
	c, err := v.next(ctx)
	if err != nil {
		return false, err
	}
	if c.err != nil {
		return false, c.err
	}
	return c.match, nil
}

func (v *Virtual) Identify(ctx context.Context, gallery []*Print) (*Print, error) {
	c, err := v.next(ctx)
	if err != nil {
		return nil, err
	}
	if c.err != nil {
		return nil, c.err
	}
	if !c.match {
		return nil, nil
	}
	if c.ident != nil {
		return c.ident, nil
	}
	if len(gallery) > 0 {
		return gallery[0], nil
	}
	return nil, nil
}

func (v *Virtual) Enroll(ctx context.Context, template *Print, progress EnrollProgress) (*Print, error) {
	completed := 0
	for completed < v.cfg.Stages {
		c, err := v.next(ctx)
		if err != nil {
			return nil, err
		}
		if c.err != nil {
			var retry *RetryError
			if errors.As(c.err, &retry) {
				if progress != nil {
					progress(completed, c.err)
				}
				continue
			}
			return nil, c.err
		}
		completed++
		if completed < v.cfg.Stages && progress != nil {
			progress(completed, nil)
		}
	}

	done := *template
	done.Driver = v.cfg.Driver
	done.DeviceID = v.id
	done.Data = []byte(uuid.NewString())

	if v.cfg.Storage {
		v.mu.Lock()
		if len(v.stored) >= v.storageCap() {
			v.mu.Unlock()
			return nil, ErrDataFull
		}
		stored := done
		v.stored = append(v.stored, &stored)
		v.mu.Unlock()
	}
	return &done, nil
}

func (v *Virtual) ListPrints(ctx context.Context) ([]*Print, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*Print, len(v.stored))
	copy(out, v.stored)
	return out, nil
}

func (v *Virtual) DeletePrint(ctx context.Context, print *Print) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, p := range v.stored {
		if p.Equal(print) {
			v.stored = append(v.stored[:i], v.stored[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no such print on device %s", v.id)
}

// StorePrint seeds the on-device storage directly.
func (v *Virtual) StorePrint(p *Print) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stored = append(v.stored, p)
}

// SetStorageCap bounds the number of prints the device can hold.
func (v *Virtual) SetStorageCap(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.storageLimit = n
}

func (v *Virtual) storageCap() int {
	if v.storageLimit > 0 {
		return v.storageLimit
	}
	return 1 << 16
}

var _ Device = (*Virtual)(nil)

// Simulator is a Source whose population is controlled by Plug and Unplug.
type Simulator struct {
	mu      sync.Mutex
	devs    []Device
	added   chan Device
	removed chan Device
}

// NewSimulator returns a Source pre-populated with devs.
func NewSimulator(devs ...Device) *Simulator {
	s := &Simulator{
		added:   make(chan Device, 8),
		removed: make(chan Device, 8),
	}
	s.devs = append(s.devs, devs...)
	return s
}

func (s *Simulator) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, len(s.devs))
	copy(out, s.devs)
	return out
}

func (s *Simulator) Added() <-chan Device   { return s.added }
func (s *Simulator) Removed() <-chan Device { return s.removed }

// Plug adds a device and announces it.
func (s *Simulator) Plug(d Device) {
	s.mu.Lock()
	s.devs = append(s.devs, d)
	s.mu.Unlock()
	s.added <- d
}

// Unplug removes a device and announces it.
func (s *Simulator) Unplug(d Device) {
	s.mu.Lock()
	for i, have := range s.devs {
		if have == d {
			s.devs = append(s.devs[:i], s.devs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.removed <- d
}
