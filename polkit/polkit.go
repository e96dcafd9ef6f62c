// Package polkit asks the system permission service whether a bus client may
// perform an action.
package polkit

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Actions checked by the device service.
const (
	ActionVerify      = "net.reactivated.fprint.device.verify"
	ActionEnroll      = "net.reactivated.fprint.device.enroll"
	ActionSetUsername = "net.reactivated.fprint.device.setusername"
)

// Authority answers yes/no authorization questions about a caller.
type Authority interface {
	// CheckAuthorization reports whether the bus client identified by
	// sender is allowed to perform action, possibly after interactive
	// authentication.
	CheckAuthorization(ctx context.Context, sender, action string) (bool, error)
}

const (
	polkitService   = "org.freedesktop.PolicyKit1"
	polkitPath      = "/org/freedesktop/PolicyKit1/Authority"
	polkitInterface = "org.freedesktop.PolicyKit1.Authority"

	flagAllowUserInteraction = uint32(1)
)

type subject struct {
	Kind    string
	Details map[string]dbus.Variant
}

type authorizationResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

type dbusAuthority struct {
	conn *dbus.Conn
}

// NewAuthority returns an Authority backed by the PolicyKit service on conn.
func NewAuthority(conn *dbus.Conn) Authority {
	return &dbusAuthority{conn: conn}
}

func (a *dbusAuthority) CheckAuthorization(ctx context.Context, sender, action string) (bool, error) {
	subj := subject{
		Kind: "system-bus-name",
		Details: map[string]dbus.Variant{
			"name": dbus.MakeVariant(sender),
		},
	}

	var result authorizationResult
	obj := a.conn.Object(polkitService, polkitPath)
	err := obj.CallWithContext(ctx, polkitInterface+".CheckAuthorization", 0,
		subj, action, map[string]string{}, flagAllowUserInteraction, "").Store(&result)
	if err != nil {
		return false, fmt.Errorf("checking authorization for %s: %w", action, err)
	}
	return result.IsAuthorized, nil
}
