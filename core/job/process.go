package job

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Command describes one pipeline stage as produced by the command line
// parser.
type Command struct {
	// Name is the program to run, looked up in PATH if it has no slash.
	Name string
	// Args holds the arguments, not including the program name.
	Args []string
	// Env holds "key=value" assignments added to the shell's environment for
	// this command only.
	Env []string

	Stdin  Redirection
	Stdout Redirection
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Process is a single spawned program within a pipeline stage. It is owned
// by exactly one Job, which guards its state.
type Process struct {
	Command

	status Status
	pid    int
	handle *os.Process
}

// NewProcess creates an unspawned process for the command.
func NewProcess(cmd Command) *Process {
	return &Process{Command: cmd}
}

// Pid returns the OS process id. It panics if the process was never spawned.
func (p *Process) Pid() int {
	if !p.Spawned() {
		panic(fmt.Sprintf("job: pid requested for unspawned process %q", p.Name))
	}
	return p.pid
}

// Spawned reports whether the OS accepted the process.
func (p *Process) Spawned() bool {
	return p.pid != 0
}

// Status returns the last known status of the process.
func (p *Process) Status() Status {
	return p.status
}

// spawn starts cmd on behalf of the process. On failure the process is
// marked as exited with ExitSpawnFailed and never gets a pid.
func (p *Process) spawn(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		p.status = ExitedWith(ExitSpawnFailed)
		return err
	}

	p.handle = cmd.Process
	p.pid = cmd.Process.Pid
	p.status = RunningStatus
	return nil
}

func (p *Process) setStatus(status Status) {
	p.status = status
	if status.State == Exited && p.handle != nil {
		// The child was reaped by wait4, the handle only holds OS resources now.
		p.handle.Release()
		p.handle = nil
	}
}
