// Package fperr defines the D-Bus error domain shared by the daemon and its
// clients.
package fperr

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// ErrorInterface is the prefix of every error name the service reports.
const ErrorInterface = "net.reactivated.Fprint.Error"

// Error names within ErrorInterface.
const (
	NameClaimDevice        = ErrorInterface + ".ClaimDevice"
	NameAlreadyInUse       = ErrorInterface + ".AlreadyInUse"
	NameInternal           = ErrorInterface + ".Internal"
	NamePermissionDenied   = ErrorInterface + ".PermissionDenied"
	NameNoEnrolledPrints   = ErrorInterface + ".NoEnrolledPrints"
	NameNoActionInProgress = ErrorInterface + ".NoActionInProgress"
	NameInvalidFingername  = ErrorInterface + ".InvalidFingername"
	NameNoSuchDevice       = ErrorInterface + ".NoSuchDevice"
)

// ClaimDevice reports use of a device that was not claimed first.
func ClaimDevice(format string, v ...interface{}) *dbus.Error {
	return newError(NameClaimDevice, format, v...)
}

// AlreadyInUse reports a claim or action conflict.
func AlreadyInUse(format string, v ...interface{}) *dbus.Error {
	return newError(NameAlreadyInUse, format, v...)
}

// Internal reports a protocol or hardware failure.
func Internal(format string, v ...interface{}) *dbus.Error {
	return newError(NameInternal, format, v...)
}

// PermissionDenied reports a failed authorization check.
func PermissionDenied(format string, v ...interface{}) *dbus.Error {
	return newError(NamePermissionDenied, format, v...)
}

// NoEnrolledPrints reports that no template exists for the request.
func NoEnrolledPrints(format string, v ...interface{}) *dbus.Error {
	return newError(NameNoEnrolledPrints, format, v...)
}

// NoActionInProgress reports a stop call with nothing to stop.
func NoActionInProgress(format string, v ...interface{}) *dbus.Error {
	return newError(NameNoActionInProgress, format, v...)
}

// InvalidFingername reports an unusable finger argument.
func InvalidFingername(format string, v ...interface{}) *dbus.Error {
	return newError(NameInvalidFingername, format, v...)
}

// NoSuchDevice reports that no device is available.
func NoSuchDevice(format string, v ...interface{}) *dbus.Error {
	return newError(NameNoSuchDevice, format, v...)
}

func newError(name, format string, v ...interface{}) *dbus.Error {
	return dbus.NewError(name, []interface{}{fmt.Sprintf(format, v...)})
}

// Is reports whether err is, or wraps, a D-Bus error with the given name.
func Is(err error, name string) bool {
	var val dbus.Error
	if errors.As(err, &val) {
		return val.Name == name
	}
	var ptr *dbus.Error
	return errors.As(err, &ptr) && ptr.Name == name
}
