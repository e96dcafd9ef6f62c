package authclient

import (
	"context"
	"errors"
	"os/exec"

	assuan "github.com/foxcpp/go-assuan/client"
	"github.com/foxcpp/go-assuan/pinentry"

	"github.com/fingerd/fingerd/logging"
)

// PinentryConv implements Conv through a graphical pinentry program, for
// sessions without a usable terminal. Informational messages go to the log;
// only the secret prompt involves the user.
type PinentryConv struct{}

// NewPinentryConv builds a PinentryConv.
func NewPinentryConv() *PinentryConv {
	return &PinentryConv{}
}

var pinentryCandidates = []string{
	"pinentry-gnome3",
	"pinentry-qt5",
	"pinentry-qt",
	"pinentry-gtk-2",
	"pinentry-x11",
	"pinentry-fltk",
	"pinentry",
}

func findPinentry() string {
	for _, candidate := range pinentryCandidates {
		if p, err := exec.LookPath(candidate); err == nil {
			return p
		}
	}
	return ""
}

func (p *PinentryConv) PromptSecret(ctx context.Context, msg string) (string, error) {
	bin := findPinentry()
	if bin == "" {
		return "", errors.New("no pinentry program found")
	}

	// CommandContext kills the program on cancellation, which fails the
	// pending GetPIN and unblocks us.
	cmd := exec.CommandContext(ctx, bin)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", err
	}
	defer func() {
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			logging.Debugf("pinentry exited: %s", err)
		}
	}()

	var client pinentry.Client
	client.Session, err = assuan.Init(assuan.ReadWriteCloser{
		ReadCloser:  stdout,
		WriteCloser: stdin,
	})
	if err != nil {
		return "", err
	}
	defer client.Shutdown()

	client.SetTitle("Fingerprint authentication")
	client.SetDesc("Scan your fingerprint, or enter your password to skip it.")
	client.SetPrompt(msg)

	pin, err := client.GetPIN()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return pin, nil
}

func (p *PinentryConv) Info(msg string) {
	logging.Infof("%s", msg)
}

func (p *PinentryConv) Error(msg string) {
	logging.Warnf("%s", msg)
}

var _ Conv = (*PinentryConv)(nil)
