package authclient

import (
	"fmt"
	"strings"
)

// PasswordPrompt is shown by the concurrent password path.
const PasswordPrompt = "Password: "

// scanPrompt builds the instruction shown when a verification cycle starts.
// The device name is included only when the machine has several readers and
// it matters which one to touch.
func scanPrompt(scanType, finger, deviceName string, multiDevice bool) string {
	target := "the fingerprint reader"
	if multiDevice && deviceName != "" {
		target = deviceName
	}

	verb := "Place"
	if scanType == "swipe" {
		verb = "Swipe"
	}

	subject := "your finger"
	if finger != "" && finger != "any" {
		subject = "your " + humanFinger(finger)
	}

	if scanType == "swipe" {
		return fmt.Sprintf("%s %s across %s", verb, subject, target)
	}
	return fmt.Sprintf("%s %s on %s", verb, subject, target)
}

// humanFinger turns a wire finger name into prose.
func humanFinger(name string) string {
	return strings.ReplaceAll(name, "-", " ")
}

// retryMessage translates an intermediate (done=false) verify result into a
// user-facing hint. Empty when the code carries nothing worth showing.
func retryMessage(result string) string {
	switch result {
	case "verify-retry-scan":
		return "Failed to read fingerprint, try again"
	case "verify-swipe-too-short":
		return "Swipe was too short, try again"
	case "verify-finger-not-centered":
		return "Finger was not centered, try swiping your finger again"
	case "verify-remove-and-retry":
		return "Remove your finger, and try swiping your finger again"
	case "verify-no-match":
		return "Failed to match fingerprint"
	default:
		return ""
	}
}
