package job

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Terminal is the controlling terminal of the shell.
type Terminal interface {
	// Foreground returns the process group that owns the terminal.
	Foreground() (int, error)
	// SetForeground gives the terminal to a process group.
	SetForeground(pgid int) error
}

type ttyTerminal struct {
	fd int
}

// NewTerminal returns the terminal attached to f, or nil if f is not a
// terminal.
func NewTerminal(f *os.File) Terminal {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return &ttyTerminal{fd: fd}
}

// Foreground implements Terminal.Foreground.
func (t *ttyTerminal) Foreground() (int, error) {
	return unix.IoctlGetInt(t.fd, unix.TIOCGPGRP)
}

// SetForeground implements Terminal.SetForeground.
//
// tcsetpgrp from outside the foreground group raises SIGTTOU, so it is
// ignored only for the duration of the call. Ignored dispositions survive
// exec, which must not leak into jobs spawned afterwards.
func (t *ttyTerminal) SetForeground(pgid int) error {
	signal.Ignore(syscall.SIGTTOU)
	defer signal.Reset(syscall.SIGTTOU)
	return unix.IoctlSetPointerInt(t.fd, unix.TIOCSPGRP, pgid)
}

// IgnoreTerminalSignals keeps terminal generated signals from affecting the
// shell so they only reach the foreground job. The returned function restores
// the default behavior.
//
// The signals are caught and dropped rather than ignored: caught signals
// revert to their defaults in children on exec while ignored ones would stay
// ignored, and a background job reading the terminal has to stop on SIGTTIN.
func IgnoreTerminalSignals() (restore func()) {
	terminalSignals := []os.Signal{syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTSTP, syscall.SIGTTIN}

	// Never read; signal.Notify drops deliveries once the buffer is full.
	sink := make(chan os.Signal, 1)
	signal.Notify(sink, terminalSignals...)

	return func() {
		signal.Stop(sink)
		signal.Reset(terminalSignals...)
	}
}
