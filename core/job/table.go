package job

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/josephlewis42/tsh/core/logger"
	"golang.org/x/sys/unix"
)

// Options configures a Table.
type Options struct {
	// Interactive puts every job in its own process group.
	Interactive bool

	// Stdin, Stdout and Stderr are the streams inherited by stages with
	// Normal redirections. They default to the shell's own streams.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	// Notices receives job notifications ("Done", "stopped"), defaults to
	// Stdout.
	Notices io.Writer
	// Errors receives spawn and redirection failures, defaults to Stderr.
	Errors io.Writer

	// Terminal, if set, is handed to foreground jobs.
	Terminal Terminal
	// Events records job lifecycle events, defaults to logger.Nop.
	Events logger.EventRecorder
	// Waiter reports child status changes, defaults to wait4 on any child.
	Waiter Waiter
	// Kill delivers signals, defaults to unix.Kill.
	Kill func(pid int, sig unix.Signal) error
}

// Table owns every live job and implements the foreground/background
// protocol. A Table is the single source of truth for job ids.
type Table struct {
	mu         sync.Mutex
	jobs       map[int]*Job
	background map[int]bool
	nextID     int
	// waitingOn is the job a foreground wait is blocked on, it is deleted by
	// that wait rather than by the reaper.
	waitingOn *Job

	interactive bool
	stdin       *os.File
	stdout      *os.File
	stderr      *os.File
	notices     io.Writer
	errs        io.Writer
	terminal    Terminal
	shellPgid   int
	events      logger.EventRecorder
	waiter      Waiter
	kill        func(pid int, sig unix.Signal) error
}

// NewTable creates an empty job table.
func NewTable(opts Options) *Table {
	t := &Table{
		jobs:        make(map[int]*Job),
		background:  make(map[int]bool),
		nextID:      1,
		interactive: opts.Interactive,
		stdin:       opts.Stdin,
		stdout:      opts.Stdout,
		stderr:      opts.Stderr,
		notices:     opts.Notices,
		errs:        opts.Errors,
		terminal:    opts.Terminal,
		shellPgid:   unix.Getpgrp(),
		events:      opts.Events,
		waiter:      opts.Waiter,
		kill:        opts.Kill,
	}

	if t.stdin == nil {
		t.stdin = os.Stdin
	}
	if t.stdout == nil {
		t.stdout = os.Stdout
	}
	if t.stderr == nil {
		t.stderr = os.Stderr
	}
	if t.notices == nil {
		t.notices = t.stdout
	}
	if t.errs == nil {
		t.errs = t.stderr
	}
	if t.events == nil {
		t.events = logger.Nop{}
	}
	if t.waiter == nil {
		t.waiter = unixWaiter{}
	}
	if t.kill == nil {
		t.kill = unix.Kill
	}
	return t
}

// Interactive reports whether jobs get their own process groups.
func (t *Table) Interactive() bool {
	return t.interactive
}

// CreateJob registers a new job for the pipeline with the next job id.
func (t *Table) CreateJob(cmdline string, cmds []Command) *Job {
	t.mu.Lock()
	j := New(t.nextID, cmdline)
	t.jobs[j.id] = j
	t.nextID++
	t.mu.Unlock()

	for _, cmd := range cmds {
		j.AddProcess(NewProcess(cmd))
	}

	t.record(logger.Event{Type: logger.JobCreated, JobID: j.id, Command: cmdline})
	return j
}

// Lookup finds a live job by id.
func (t *Table) Lookup(id int) (*Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	return j, ok
}

// Jobs returns the live jobs ordered by id.
func (t *Table) Jobs() []*Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out
}

// Current returns the most recently created live job, the default target of
// fg and bg.
func (t *Table) Current() (*Job, bool) {
	jobs := t.Jobs()
	if len(jobs) == 0 {
		return nil, false
	}
	return jobs[len(jobs)-1], true
}

// Len returns the number of live jobs.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// InBackground reports whether the job id is in the background set.
func (t *Table) InBackground(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.background[id]
}

// RunInForeground hands the job the terminal, optionally continues it, and
// blocks until it stops or exits.
func (t *Table) RunInForeground(j *Job, sigcont bool) Status {
	t.mu.Lock()
	delete(t.background, j.id)
	t.mu.Unlock()

	if t.giveTerminal(j) {
		defer t.reclaimTerminal()
	}

	if sigcont {
		if err := t.signalGroup(j, unix.SIGCONT); err != nil {
			t.reportf("tsh: %d: %v\n", j.id, err)
		}
	}

	return t.WaitForJob(j)
}

// RunInBackground adds the job to the background set and optionally
// continues it. It never blocks; the job progresses whenever the reaper runs.
func (t *Table) RunInBackground(j *Job, sigcont bool) {
	t.mu.Lock()
	t.background[j.id] = true
	t.mu.Unlock()

	if sigcont {
		if err := t.signalGroup(j, unix.SIGCONT); err != nil {
			t.reportf("tsh: %d: %v\n", j.id, err)
		}
	}
}

// ContinueJob resumes a stopped job in the foreground or background and
// returns the job's state afterwards.
func (t *Table) ContinueJob(j *Job, background bool) Status {
	j.markContinued()
	t.record(logger.Event{Type: logger.JobContinued, JobID: j.id, PGID: j.Pgid(), Command: j.cmdline})

	if background {
		t.RunInBackground(j, true)
		return j.State()
	}
	return t.RunInForeground(j, true)
}

// DeleteJob removes an exited job from the table, announcing it if it ran in
// the background. It panics if the job is not in the table.
func (t *Table) DeleteJob(j *Job) {
	t.mu.Lock()
	if _, ok := t.jobs[j.id]; !ok {
		t.mu.Unlock()
		panic(fmt.Sprintf("job: delete of job %d which is not in the table", j.id))
	}
	wasBackground := t.background[j.id]
	delete(t.background, j.id)
	delete(t.jobs, j.id)
	t.mu.Unlock()

	if wasBackground {
		fmt.Fprintf(t.notices, "[%d] (%d) Done: %s\n", j.id, j.Pgid(), j.cmdline)
	}
	t.record(logger.Event{Type: logger.JobDone, JobID: j.id, PGID: j.Pgid(), Command: j.cmdline, ExitCode: j.State().Code})
}

// signalGroup sends sig to every stage of the job at once.
func (t *Table) signalGroup(j *Job, sig unix.Signal) error {
	pgid := j.Pgid()
	if pgid <= 0 {
		return fmt.Errorf("job has no process group")
	}
	return t.kill(-pgid, sig)
}

// giveTerminal makes the job the terminal's foreground process group. It
// reports whether the terminal changed hands.
func (t *Table) giveTerminal(j *Job) bool {
	return t.handTerminal(j.Pgid())
}

// handTerminal does the work of giveTerminal without taking the job lock.
func (t *Table) handTerminal(pgid int) bool {
	if t.terminal == nil || !t.interactive || pgid <= 0 {
		return false
	}
	if current, err := t.terminal.Foreground(); err == nil && current == pgid {
		return true
	}
	if err := t.terminal.SetForeground(pgid); err != nil {
		t.reportf("tsh: terminal: %v\n", err)
		return false
	}
	return true
}

func (t *Table) reclaimTerminal() {
	if err := t.terminal.SetForeground(t.shellPgid); err != nil {
		t.reportf("tsh: terminal: %v\n", err)
	}
}

func (t *Table) reportf(format string, args ...interface{}) {
	fmt.Fprintf(t.errs, format, args...)
}

func (t *Table) record(event logger.Event) {
	// Event logging is best effort, it must never stop a job.
	_ = t.events.Record(event)
}

// String dumps the table for diagnostics.
func (t *Table) String() string {
	var sb strings.Builder
	jobs := t.Jobs()
	fmt.Fprintf(&sb, "Table{interactive=%t next=%d jobs=%d}\n", t.interactive, t.peekNextID(), len(jobs))
	for _, j := range jobs {
		fmt.Fprintf(&sb, "  background=%t %s\n", t.InBackground(j.id), j)
	}
	return sb.String()
}

func (t *Table) peekNextID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextID
}
