package device

import (
	"context"
	"errors"

	"github.com/fingerd/fingerd/biometric"
)

// Result codes delivered through VerifyStatus.
const (
	verifyMatch        = "verify-match"
	verifyNoMatch      = "verify-no-match"
	verifyRetryScan    = "verify-retry-scan"
	verifyTooShort     = "verify-swipe-too-short"
	verifyNotCentered  = "verify-finger-not-centered"
	verifyRemoveRetry  = "verify-remove-and-retry"
	verifyDisconnected = "verify-disconnected"
	verifyUnknownError = "verify-unknown-error"
)

// Result codes delivered through EnrollStatus.
const (
	enrollStagePassed  = "enroll-stage-passed"
	enrollCompleted    = "enroll-completed"
	enrollFailed       = "enroll-failed"
	enrollRetryScan    = "enroll-retry-scan"
	enrollTooShort     = "enroll-swipe-too-short"
	enrollNotCentered  = "enroll-finger-not-centered"
	enrollRemoveRetry  = "enroll-remove-and-retry"
	enrollDisconnected = "enroll-disconnected"
	enrollDataFull     = "enroll-data-full"
	enrollUnknownError = "enroll-unknown-error"
)

func verifyResultName(match bool, err error) string {
	if err == nil {
		if match {
			return verifyMatch
		}
		return verifyNoMatch
	}

	var retry *biometric.RetryError
	if errors.As(err, &retry) {
		switch retry.Reason {
		case biometric.RetryTooShort:
			return verifyTooShort
		case biometric.RetryCenterFinger:
			return verifyNotCentered
		case biometric.RetryRemoveFinger:
			return verifyRemoveRetry
		default:
			return verifyRetryScan
		}
	}

	// Disconnect detection is a best-effort heuristic; drivers do not
	// agree on how a vanished reader surfaces.
	if errors.Is(err, biometric.ErrDisconnected) {
		return verifyDisconnected
	}
	return verifyUnknownError
}

// enrollProgressName names an intermediate enrollment outcome (done=false).
func enrollProgressName(err error) string {
	if err == nil {
		return enrollStagePassed
	}
	var retry *biometric.RetryError
	if errors.As(err, &retry) {
		switch retry.Reason {
		case biometric.RetryTooShort:
			return enrollTooShort
		case biometric.RetryCenterFinger:
			return enrollNotCentered
		case biometric.RetryRemoveFinger:
			return enrollRemoveRetry
		default:
			return enrollRetryScan
		}
	}
	return enrollUnknownError
}

// enrollResultName names the terminal enrollment outcome (done=true).
func enrollResultName(enrolled bool, err error) string {
	if err == nil {
		if enrolled {
			return enrollCompleted
		}
		return enrollFailed
	}
	if errors.Is(err, biometric.ErrDisconnected) {
		return enrollDisconnected
	}
	if errors.Is(err, biometric.ErrDataFull) {
		return enrollDataFull
	}
	return enrollUnknownError
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
