// Package termstate puts the client's controlling terminal into raw
// mode for the duration of a CONNECT session and restores cooked mode
// on exit, using golang.org/x/term.
package termstate

import (
	"os"

	"golang.org/x/term"
)

// Raw holds the terminal state needed to restore cooked mode.
type Raw struct {
	fd    int
	saved *term.State
}

// Enter switches f (normally os.Stdin) into raw mode, if it is a
// terminal. If f is not a terminal (piped input, a test harness), Enter
// returns a no-op Raw and no error.
func Enter(f *os.File) (*Raw, error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return &Raw{fd: -1}, nil
	}
	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &Raw{fd: fd, saved: saved}, nil
}

// Restore returns the terminal to the mode it was in before Enter.
// Safe to call on a no-op Raw or nil.
func (r *Raw) Restore() error {
	if r == nil || r.fd < 0 || r.saved == nil {
		return nil
	}
	return term.Restore(r.fd, r.saved)
}
