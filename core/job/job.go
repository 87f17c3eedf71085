package job

import (
	"fmt"
	"strings"
	"sync"
)

// Job is one command line's pipeline of processes, tracked as a unit. All
// stages share one process group and one aggregate state.
//
// Jobs are shared by pointer between the table, the background set and any
// in-flight wait, so every accessor takes the job's lock.
type Job struct {
	mu sync.Mutex

	id        int
	cmdline   string
	pgid      int
	processes []*Process
	state     Status
	// launched is set once spawning starts, after that the stage list is
	// immutable.
	launched bool
}

// New creates an empty job. Jobs are normally created by Table.CreateJob.
func New(id int, cmdline string) *Job {
	return &Job{
		id:      id,
		cmdline: cmdline,
	}
}

// ID returns the job id.
func (j *Job) ID() int {
	return j.id
}

// Cmdline returns the command line the job was created from.
func (j *Job) Cmdline() string {
	return j.cmdline
}

// Pgid returns the process group of the job, 0 if none was assigned.
func (j *Job) Pgid() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pgid
}

// State returns the aggregate state of the job.
func (j *Job) State() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Completed reports whether every stage has exited.
func (j *Job) Completed() bool {
	return j.State().State == Exited
}

// Stopped reports whether every stage is stopped.
func (j *Job) Stopped() bool {
	return j.State().State == Stopped
}

// Processes returns a snapshot of the stages in pipeline order.
func (j *Job) Processes() []Process {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Process, 0, len(j.processes))
	for _, p := range j.processes {
		out = append(out, Process{Command: p.Command, status: p.status, pid: p.pid})
	}
	return out
}

// AddProcess appends a stage. It panics once the job has been launched.
func (j *Job) AddProcess(p *Process) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.launched {
		panic(fmt.Sprintf("job: stage added to launched job %d", j.id))
	}
	j.processes = append(j.processes, p)
}

// UpdateProcessState records a status change for the stage with the given
// pid and recomputes the aggregate state. It reports whether the pid belongs
// to this job. Replaying a notification leaves the job unchanged.
func (j *Job) UpdateProcessState(pid int, status Status) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	var found bool
	for _, p := range j.processes {
		// Reaped pids can be reused by the kernel, so only live stages match.
		if p.Spawned() && p.pid == pid && p.status.State != Exited {
			p.setStatus(status)
			found = true
			break
		}
	}
	if !found {
		return false
	}

	switch status.State {
	case Stopped:
		if j.all(Stopped) {
			j.state = StoppedStatus
		}
	case Exited:
		j.settleExited()
	case Running, Undef:
		// Mixed states never move the aggregate.
	}
	return true
}

// settleExited moves the aggregate to Exited once every stage agrees. The
// exit code follows the last stage, like a POSIX pipeline.
func (j *Job) settleExited() {
	if len(j.processes) == 0 || !j.all(Exited) {
		return
	}
	j.state = ExitedWith(j.processes[len(j.processes)-1].status.Code)
}

func (j *Job) all(state State) bool {
	for _, p := range j.processes {
		if p.status.State != state {
			return false
		}
	}
	return true
}

// markContinued flips stopped stages and the aggregate back to Running.
func (j *Job) markContinued() {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, p := range j.processes {
		if p.status.State == Stopped {
			p.status = RunningStatus
		}
	}
	j.state = RunningStatus
}

// abandon marks every unfinished stage as killed. Used when the OS reports
// there are no children left to wait for, so the job can never progress.
func (j *Job) abandon() {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, p := range j.processes {
		if p.status.State != Exited {
			p.setStatus(ExitedWith(ExitSignaled))
		}
	}
	if len(j.processes) == 0 {
		j.state = ExitedWith(ExitSignaled)
		return
	}
	j.settleExited()
}

func (j *Job) String() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	var stages []string
	for _, p := range j.processes {
		stages = append(stages, fmt.Sprintf("{%s pid=%d %s in=%s out=%s}", p.Name, p.pid, p.status, p.Stdin, p.Stdout))
	}
	return fmt.Sprintf("Job{id=%d pgid=%d state=%s cmdline=%q stages=[%s]}", j.id, j.pgid, j.state, j.cmdline, strings.Join(stages, " "))
}
