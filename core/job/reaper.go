package job

import (
	"errors"
	"fmt"

	"github.com/josephlewis42/tsh/core/logger"
	"golang.org/x/sys/unix"
)

// Waiter reports status changes of any child of the shell.
type Waiter interface {
	// Wait returns the next child status change. A pid of 0 with a nil error
	// means there was nothing to report: no children exist or, when block is
	// false, none has changed state.
	Wait(block bool) (pid int, status Status, err error)
}

type unixWaiter struct{}

func (unixWaiter) Wait(block bool) (int, Status, error) {
	options := unix.WUNTRACED
	if !block {
		options |= unix.WNOHANG
	}

	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, options, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return 0, Status{}, nil
		case err != nil:
			return 0, Status{}, err
		case pid == 0:
			return 0, Status{}, nil
		}

		status, ok := classify(ws)
		if !ok {
			// Not a change this shell tracks, wait for the next one.
			if !block {
				return 0, Status{}, nil
			}
			continue
		}
		return pid, status, nil
	}
}

// classify maps an OS wait status onto exactly one Status.
func classify(ws unix.WaitStatus) (Status, bool) {
	switch {
	case ws.Exited():
		return ExitedWith(ws.ExitStatus()), true
	case ws.Signaled():
		return ExitedWith(ExitSignaled), true
	case ws.Stopped():
		return StoppedStatus, true
	default:
		return Status{}, false
	}
}

// WaitForProcess consumes one child status change and attributes it to the
// job that owns the process. It returns false if there was no event.
//
// Wait failures other than "no children" mean the job bookkeeping can no
// longer be trusted, so they panic.
func (t *Table) WaitForProcess(block bool) (int, bool) {
	pid, status, err := t.waiter.Wait(block)
	if err != nil {
		panic(fmt.Sprintf("job: unexpected wait error: %v", err))
	}
	if pid == 0 {
		return 0, false
	}

	t.deliver(pid, status)
	return pid, true
}

// deliver applies a status change to the owning job. Pids that belong to no
// job are ignored. Jobs that finish while nobody is waiting on them are
// deleted right away.
func (t *Table) deliver(pid int, status Status) {
	t.mu.Lock()
	var owner *Job
	for _, j := range t.jobs {
		if j.UpdateProcessState(pid, status) {
			owner = j
			break
		}
	}
	waitingOn := t.waitingOn
	t.mu.Unlock()

	if owner != nil && owner != waitingOn && owner.Completed() {
		t.DeleteJob(owner)
	}
}

// WaitForJob blocks until the job stops or exits. Other jobs advance as a
// side effect since the reaper waits for any child. Exited jobs are deleted;
// stopped jobs are announced.
func (t *Table) WaitForJob(j *Job) Status {
	t.mu.Lock()
	previous := t.waitingOn
	t.waitingOn = j
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.waitingOn = previous
		t.mu.Unlock()
	}()

	for !j.Completed() && !j.Stopped() {
		if _, ok := t.WaitForProcess(true); !ok {
			j.abandon()
		}
	}

	state := j.State()
	switch state.State {
	case Exited:
		t.DeleteJob(j)
	case Stopped:
		fmt.Fprintf(t.notices, "Job [%d] (%d) stopped %s\n", j.id, j.Pgid(), j.cmdline)
		t.record(logger.Event{Type: logger.JobStopped, JobID: j.id, PGID: j.Pgid(), Command: j.cmdline})
	}
	return state
}

// Poll reaps every pending status change without blocking, so background
// jobs that finished are reported before the next prompt.
func (t *Table) Poll() {
	for {
		if _, ok := t.WaitForProcess(false); !ok {
			break
		}
	}

	// Jobs where no stage started never produce a wait event.
	for _, j := range t.Jobs() {
		t.mu.Lock()
		waited := j == t.waitingOn
		t.mu.Unlock()
		if !waited && j.Completed() {
			t.DeleteJob(j)
		}
	}
}
