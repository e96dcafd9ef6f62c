package authclient

import (
	"strconv"
	"strings"
	"time"

	"github.com/fingerd/fingerd/logging"
)

const (
	defaultMaxTries = 3
	defaultTimeout  = 30 * time.Second
	minTimeout      = 10 * time.Second
)

// Options configures one authentication attempt. The zero value is not
// useful; start from ParseOptions.
type Options struct {
	Debug bool

	// MaxTries is how many failed matches are allowed before giving up.
	// Negative means unlimited.
	MaxTries int

	// Timeout bounds each verification cycle. Zero means unlimited.
	Timeout time.Duration

	// NoNeedEnter skips the confirmation keystroke once the fingerprint
	// matched, by cancelling the pending password prompt.
	NoNeedEnter bool

	// SingleThread selects the polling strategy over the concurrent one.
	SingleThread bool

	// PasswordFirst asks for the password before touching the reader.
	// Only meaningful with SingleThread.
	PasswordFirst bool

	// SwitchToPassword falls back to the password prompt when the match
	// attempts are exhausted, instead of failing outright.
	SwitchToPassword bool
}

// ParseOptions interprets free-form key/value tokens the way login stacks
// pass module arguments. Unknown tokens are logged and skipped; malformed
// values fall back to their defaults.
func ParseOptions(args []string) Options {
	o := Options{
		MaxTries: defaultMaxTries,
		Timeout:  defaultTimeout,
	}
	for _, arg := range args {
		switch {
		case arg == "debug":
			o.Debug = true
		case arg == "no-need-enter":
			o.NoNeedEnter = true
		case arg == "no-pthread":
			o.SingleThread = true
		case arg == "no-pthread=pw-first":
			o.SingleThread = true
			o.PasswordFirst = true
		case arg == "fp-max-tries-switch-to-pw":
			o.SwitchToPassword = true
		case strings.HasPrefix(arg, "max-tries="):
			n, err := strconv.Atoi(strings.TrimPrefix(arg, "max-tries="))
			switch {
			case err != nil:
				logging.Warnf("ignoring malformed option %q", arg)
			case n < 0:
				o.MaxTries = -1
			case n >= 1:
				o.MaxTries = n
			}
		case strings.HasPrefix(arg, "timeout="):
			n, err := strconv.Atoi(strings.TrimPrefix(arg, "timeout="))
			switch {
			case err != nil:
				logging.Warnf("ignoring malformed option %q", arg)
			case n < 0:
				o.Timeout = 0
			case time.Duration(n)*time.Second < minTimeout:
				o.Timeout = minTimeout
			default:
				o.Timeout = time.Duration(n) * time.Second
			}
		default:
			logging.Warnf("ignoring unknown option %q", arg)
		}
	}
	return o
}
