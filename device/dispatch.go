package device

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/fingerd/fingerd/fperr"
	"github.com/fingerd/fingerd/polkit"
)

// callPolicy declares what a device method demands of its caller before the
// handler body runs: whether the device must be claimed by the caller and
// which permission set satisfies the call (any one of them).
type callPolicy struct {
	needsClaim bool
	actions    []string
}

var (
	policyClaim = callPolicy{
		actions: []string{polkit.ActionVerify, polkit.ActionEnroll},
	}
	policyRelease = callPolicy{
		needsClaim: true,
		actions:    []string{polkit.ActionVerify, polkit.ActionEnroll},
	}
	policyVerifyStart = callPolicy{
		needsClaim: true,
		actions:    []string{polkit.ActionVerify},
	}
	policyVerifyStop = callPolicy{
		needsClaim: true,
		actions:    []string{polkit.ActionVerify},
	}
	policyEnrollStart = callPolicy{
		needsClaim: true,
		actions:    []string{polkit.ActionEnroll},
	}
	policyEnrollStop = callPolicy{
		needsClaim: true,
		actions:    []string{polkit.ActionEnroll},
	}
	policyListEnrolledFingers = callPolicy{
		actions: []string{polkit.ActionVerify},
	}
	policyDeleteEnrolledFingers = callPolicy{
		actions: []string{polkit.ActionEnroll},
	}
	policyDeleteEnrolledFingers2 = callPolicy{
		needsClaim: true,
		actions:    []string{polkit.ActionEnroll},
	}
)

// authorize runs the per-call checks for a call: claim state first for methods
// that require an existing claim, then the permission check against the
// calling identity.
func (d *Device) authorize(sender string, pol callPolicy) *dbus.Error {
	if pol.needsClaim {
		if derr := d.checkClaimed(sender); derr != nil {
			return derr
		}
	}
	return d.checkActions(sender, pol.actions)
}

// checkActions passes when the caller is authorized for any of actions.
func (d *Device) checkActions(sender string, actions []string) *dbus.Error {
	ctx := context.Background()
	for _, action := range actions {
		ok, err := d.authority.CheckAuthorization(ctx, sender, action)
		if err != nil {
			return fperr.PermissionDenied("Not Authorized: %s", err)
		}
		if ok {
			return nil
		}
	}
	return fperr.PermissionDenied("Not Authorized: %s", actions[len(actions)-1])
}

// checkClaimed verifies the device is claimed by sender and no claim or
// release is still settling.
func (d *Device) checkClaimed(sender string) *dbus.Error {
	sess := d.slot.Get()
	if sess == nil {
		return fperr.ClaimDevice("Device was not claimed before use")
	}
	defer sess.Unref()

	d.mu.Lock()
	pending := d.action == ActionOpening || d.action == ActionClosing
	d.mu.Unlock()

	if sess.Sender != sender || pending {
		return fperr.AlreadyInUse("Device already in use by another user")
	}
	return nil
}
