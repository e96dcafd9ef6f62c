// Package authclient drives a fingerprint verification from the calling
// side: it discovers a reader, claims it, runs the verify loop against a
// deadline, and races the whole thing against a manually typed password.
package authclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fingerd/fingerd/fperr"
	"github.com/fingerd/fingerd/logging"
)

// Outcome is the terminal state of one authentication attempt.
type Outcome int

const (
	// OutcomeSuccess means the fingerprint matched.
	OutcomeSuccess Outcome = iota
	// OutcomePassword means a password was entered before the
	// fingerprint concluded; the caller validates it.
	OutcomePassword
	// OutcomeMaxTries means every allowed match attempt failed. The
	// caller may switch permanently to password authentication.
	OutcomeMaxTries
	// OutcomeTimeout means no scan arrived within the configured window.
	OutcomeTimeout
	// OutcomeUnavailable means the method could not run at all: no
	// reader, no enrolled finger, or a device-level failure. This must
	// never be presented as a wrong credential.
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePassword:
		return "password"
	case OutcomeMaxTries:
		return "max-tries"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unavailable"
	}
}

// Result is what an authentication attempt produced.
type Result struct {
	Outcome  Outcome
	Password string
}

// Conv is the conversation surface to the surrounding login stack. The
// secret prompt must honor ctx cancellation: the no-confirmation mode
// cancels a pending prompt once the fingerprint has matched.
type Conv interface {
	PromptSecret(ctx context.Context, msg string) (string, error)
	Info(msg string)
	Error(msg string)
}

// InputSource reports keystroke availability for the polling strategy.
type InputSource interface {
	// InputReady fires once when input is waiting to be read.
	InputReady() <-chan struct{}
}

// Client runs authentication attempts for one user.
type Client struct {
	opts     Options
	registry Registry
	conv     Conv
	username string

	// input is consulted only by the polling strategy; nil disables the
	// keypress escape.
	input InputSource
}

// New builds a Client.
func New(opts Options, registry Registry, conv Conv, username string) *Client {
	return &Client{
		opts:     opts,
		registry: registry,
		conv:     conv,
		username: username,
	}
}

// SetInputSource wires the keystroke probe used by the polling strategy.
func (c *Client) SetInputSource(in InputSource) { c.input = in }

// Authenticate runs one complete attempt and reports how it concluded. An
// error is returned only for failures outside the authentication protocol
// itself; protocol-level trouble is folded into OutcomeUnavailable.
func (c *Client) Authenticate(ctx context.Context) (Result, error) {
	dev, multi, err := c.pickDevice()
	if err != nil {
		logging.Debugf("no usable fingerprint device: %s", err)
		return Result{Outcome: OutcomeUnavailable}, nil
	}

	if err := dev.Claim(c.username); err != nil {
		logging.Debugf("failed to claim device: %s", err)
		return Result{Outcome: OutcomeUnavailable}, nil
	}
	defer func() {
		if err := dev.Release(); err != nil {
			logging.Debugf("failed to release device: %s", err)
		}
	}()

	if c.opts.SingleThread {
		return c.authenticatePolling(ctx, dev, multi)
	}
	return c.authenticateThreaded(ctx, dev, multi)
}

// pickDevice chooses the reader to use. With several candidates it selects
// the one carrying the most enrolled templates for the user, so a machine
// with an empty built-in reader and an enrolled external one does the right
// thing. Ties keep enumeration order.
func (c *Client) pickDevice() (DeviceHandle, bool, error) {
	devices, err := c.registry.Devices()
	if err != nil {
		return nil, false, err
	}
	if len(devices) == 0 {
		return nil, false, errors.New("no fingerprint devices present")
	}
	if len(devices) == 1 {
		return devices[0], false, nil
	}

	var best DeviceHandle
	bestCount := -1
	for _, dev := range devices {
		n, err := dev.EnrolledCount(c.username)
		if err != nil {
			logging.Debugf("skipping device %s: %s", dev.Name(), err)
			continue
		}
		if n > bestCount {
			best, bestCount = dev, n
		}
	}
	if best == nil {
		return nil, false, errors.New("no responsive fingerprint device")
	}
	return best, true, nil
}

// raceState is the shared triplet coordinating the fingerprint and password
// sides. The mutex scope is strictly read/set of these fields.
type raceState struct {
	mu          sync.Mutex
	fpSuccess   bool
	password    string
	passwordSet bool
}

func (c *Client) authenticateThreaded(ctx context.Context, dev DeviceHandle, multi bool) (Result, error) {
	st := &raceState{}
	wake := make(chan struct{}, 1)

	promptCtx, cancelPrompt := context.WithCancel(ctx)
	defer cancelPrompt()

	var outcome loopOutcome
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pw, err := c.conv.PromptSecret(promptCtx, PasswordPrompt)

		st.mu.Lock()
		defer st.mu.Unlock()
		if st.fpSuccess || err != nil {
			// The fingerprint side already won, or the prompt was
			// cancelled; whatever was typed is discarded.
			return nil
		}
		st.password = pw
		st.passwordSet = true

		// Kick the verify loop out of its wait; it must not stay
		// blocked on device events past this point.
		select {
		case wake <- struct{}{}:
		default:
		}
		return nil
	})

	g.Go(func() error {
		out := c.verifyLoop(gctx, dev, multi, wake)

		st.mu.Lock()
		if out == loopMatch && !st.passwordSet {
			st.fpSuccess = true
		} else if out == loopMatch {
			// The password landed first; the match is moot.
			out = loopAborted
		}
		success := st.fpSuccess
		st.mu.Unlock()
		outcome = out

		if success {
			if c.opts.NoNeedEnter {
				cancelPrompt()
			} else {
				c.conv.Info("Verification succeeded, press Enter to continue")
			}
			return nil
		}

		switch out {
		case loopMaxTries:
			if !c.opts.SwitchToPassword {
				cancelPrompt()
			}
			// Otherwise leave the prompt up; exhausting the
			// reader hands over to the password path.
		case loopTimeout, loopUnavailable:
			cancelPrompt()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return Result{Outcome: OutcomeUnavailable}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case st.fpSuccess:
		return Result{Outcome: OutcomeSuccess}, nil
	case st.passwordSet:
		return Result{Outcome: OutcomePassword, Password: st.password}, nil
	case outcome == loopMaxTries:
		return Result{Outcome: OutcomeMaxTries}, nil
	case outcome == loopTimeout:
		return Result{Outcome: OutcomeTimeout}, nil
	default:
		return Result{Outcome: OutcomeUnavailable}, nil
	}
}

func (c *Client) authenticatePolling(ctx context.Context, dev DeviceHandle, multi bool) (Result, error) {
	if c.opts.PasswordFirst {
		pw, err := c.conv.PromptSecret(ctx, PasswordPrompt)
		if err == nil && pw != "" {
			return Result{Outcome: OutcomePassword, Password: pw}, nil
		}
		// An empty password falls through to the reader.
	}

	var abort <-chan struct{}
	if c.input != nil {
		abort = c.input.InputReady()
	}

	out := c.verifyLoop(ctx, dev, multi, abort)
	switch out {
	case loopMatch:
		return Result{Outcome: OutcomeSuccess}, nil
	case loopAborted:
		// A keypress while scanning hands over to password entry.
		pw, err := c.conv.PromptSecret(ctx, PasswordPrompt)
		if err != nil {
			return Result{Outcome: OutcomeUnavailable}, nil
		}
		return Result{Outcome: OutcomePassword, Password: pw}, nil
	case loopMaxTries:
		if c.opts.SwitchToPassword {
			pw, err := c.conv.PromptSecret(ctx, PasswordPrompt)
			if err == nil {
				return Result{Outcome: OutcomePassword, Password: pw}, nil
			}
		}
		return Result{Outcome: OutcomeMaxTries}, nil
	case loopTimeout:
		return Result{Outcome: OutcomeTimeout}, nil
	default:
		return Result{Outcome: OutcomeUnavailable}, nil
	}
}

type loopOutcome int

const (
	loopMatch loopOutcome = iota
	loopMaxTries
	loopTimeout
	loopUnavailable
	loopAborted
)

// verifyLoop runs verification cycles until one concludes the attempt.
// Retryable scan results are handled by the service and arrive here only as
// informational progress; they never consume a try. The abort channel is the
// out-of-band stop request from the password side or the keystroke probe.
func (c *Client) verifyLoop(ctx context.Context, dev DeviceHandle, multi bool, abort <-chan struct{}) loopOutcome {
	tries := c.opts.MaxTries
	for c.opts.MaxTries < 0 || tries > 0 {
		if err := dev.VerifyStart("any"); err != nil {
			if fperr.Is(err, fperr.NameNoEnrolledPrints) {
				logging.Debugf("no enrolled fingers for %s", c.username)
			} else {
				logging.Warnf("failed to start verification: %s", err)
			}
			return loopUnavailable
		}

		out, terminal := c.waitCycle(ctx, dev, multi, abort)

		// Best effort; the cycle may already be settled service-side.
		if err := dev.VerifyStop(); err != nil {
			logging.Debugf("verify stop: %s", err)
		}

		if terminal {
			return out
		}

		// A failed match consumes a try; nothing else does.
		c.conv.Error(retryMessage("verify-no-match"))
		tries--
	}
	return loopMaxTries
}

// waitCycle services one verification cycle. terminal=false means the cycle
// ended in no-match and the loop should decide whether to go again.
func (c *Client) waitCycle(ctx context.Context, dev DeviceHandle, multi bool, abort <-chan struct{}) (out loopOutcome, terminal bool) {
	var deadline <-chan time.Time
	if c.opts.Timeout > 0 {
		timer := time.NewTimer(c.opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return loopAborted, true
		case <-abort:
			return loopAborted, true
		case <-deadline:
			c.conv.Error("Verification timed out")
			return loopTimeout, true
		case ev, ok := <-dev.Events():
			if !ok {
				return loopUnavailable, true
			}
			switch ev := ev.(type) {
			case FingerSelectedEvent:
				c.conv.Info(scanPrompt(dev.ScanType(), ev.Finger, dev.Name(), multi))
			case StatusEvent:
				if c.opts.Debug {
					logging.Debugf("verify status %q done=%v", ev.Result, ev.Done)
				}
				if !ev.Done {
					if msg := retryMessage(ev.Result); msg != "" {
						c.conv.Error(msg)
					}
					continue
				}
				switch ev.Result {
				case "verify-match":
					return loopMatch, true
				case "verify-no-match":
					return loopMaxTries, false
				default:
					// Disconnects and driver errors make the
					// whole method unavailable, not wrong.
					return loopUnavailable, true
				}
			}
		}
	}
}
