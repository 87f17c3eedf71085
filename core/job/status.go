package job

import "fmt"

// State is the lifecycle state of a process or job.
type State int

const (
	// Undef is the state before spawning.
	Undef State = iota
	// Running processes have been spawned and have not stopped or exited.
	Running
	// Stopped processes were suspended, usually by a terminal stop signal.
	Stopped
	// Exited processes terminated, normally or by a signal.
	Exited
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Undef:
		return "Undef"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	case Exited:
		return "Exited"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	// ExitSpawnFailed is the code recorded for a stage that could not be
	// started.
	ExitSpawnFailed = 127
	// ExitSignaled is the code recorded for a stage terminated by a signal.
	ExitSignaled = -1
)

// Status is a State plus the exit code for Exited.
type Status struct {
	State State
	// Code is only meaningful when State is Exited.
	Code int
}

// RunningStatus is the status of a live, unsuspended process.
var RunningStatus = Status{State: Running}

// StoppedStatus is the status of a suspended process.
var StoppedStatus = Status{State: Stopped}

// ExitedWith creates an Exited status with the given code.
func ExitedWith(code int) Status {
	return Status{State: Exited, Code: code}
}

func (s Status) String() string {
	if s.State == Exited {
		return fmt.Sprintf("Exited(%d)", s.Code)
	}
	return s.State.String()
}
