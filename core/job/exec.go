package job

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"syscall"

	"github.com/josephlewis42/tsh/core/logger"
	"golang.org/x/sys/unix"
)

// Launch spawns every stage of the job in pipeline order, wiring
// redirections and inter-stage pipes and assigning the process group.
//
// Failures are reported per stage and never abort the pipeline: a stage that
// cannot start is marked Exited and its downstream neighbour reads EOF. A job
// where nothing started is Exited as soon as Launch returns.
//
// A foreground job gets the terminal as soon as its group leader exists, so
// no later stage starts in a background group.
func (t *Table) Launch(j *Job, foreground bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.launched {
		panic(fmt.Sprintf("job: job %d launched twice", j.id))
	}
	j.launched = true

	// upstream is the read end of the previous stage's output pipe.
	var upstream *os.File
	var handedOver bool
	for i, p := range j.processes {
		cmd := exec.Command(p.Name, p.Args...)
		cmd.Stderr = t.stderr
		if len(p.Env) > 0 {
			cmd.Env = append(os.Environ(), p.Env...)
		}
		if t.interactive {
			// Pgid 0 creates a group led by the child.
			cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: j.pgid}
		}

		// Everything the parent opens for this stage is closed once the child
		// holds its own copy so EOF can propagate.
		var parentEnds []*os.File

		in := upstream
		upstream = nil

		switch p.Stdout.Kind {
		case RedirNormal:
			cmd.Stdout = t.stdout
		case RedirPipe:
			r, w, err := os.Pipe()
			if err != nil {
				t.reportf("tsh: pipe: %v\n", err)
				break
			}
			cmd.Stdout = w
			parentEnds = append(parentEnds, w)
			upstream = r
		case RedirFile:
			f, err := openOutput(p.Stdout)
			if err != nil {
				t.redirectFailed(j, p, err)
				break
			}
			cmd.Stdout = f
			parentEnds = append(parentEnds, f)
		case RedirDup:
			t.redirectFailed(j, p, fmt.Errorf("%s: unsupported redirection", p.Stdout.Target))
			cmd.Stdout = t.stdout
		}

		switch p.Stdin.Kind {
		case RedirNormal:
			cmd.Stdin = t.stdin
		case RedirPipe:
			if i == 0 || j.processes[i-1].Stdout.Kind != RedirPipe {
				panic(fmt.Sprintf("job: stage %d of job %d reads a pipe with no upstream", i, j.id))
			}
			// A nil upstream means the pipe could not be made; the null device
			// stands in.
			if in != nil {
				cmd.Stdin = in
				parentEnds = append(parentEnds, in)
				in = nil
			}
		case RedirFile:
			f, err := os.Open(p.Stdin.Path)
			if err != nil {
				t.redirectFailed(j, p, err)
				break
			}
			cmd.Stdin = f
			parentEnds = append(parentEnds, f)
		case RedirDup:
			t.redirectFailed(j, p, fmt.Errorf("%s: unsupported redirection", p.Stdin.Target))
			cmd.Stdin = t.stdin
		}

		// The previous stage piped into a stage that reads elsewhere.
		if in != nil {
			in.Close()
		}

		err := p.spawn(cmd)
		for _, f := range parentEnds {
			f.Close()
		}

		if err != nil {
			t.spawnFailed(j, p, err)
			continue
		}

		if t.interactive && j.pgid == 0 {
			j.pgid = p.pid
		}
		t.record(logger.Event{Type: logger.ProcessSpawned, JobID: j.id, PGID: j.pgid, PID: p.pid, Command: p.Command.String()})

		if foreground && !handedOver && t.handTerminal(j.pgid) {
			handedOver = true
			// The leader may have touched the terminal before the handoff and
			// been stopped for it.
			t.kill(-j.pgid, unix.SIGCONT)
		}
	}

	// A trailing pipe has no reader.
	if upstream != nil {
		upstream.Close()
	}

	j.state = RunningStatus
	j.settleExited()
	if len(j.processes) == 0 {
		j.state = ExitedWith(0)
	}
}

func openOutput(r Redirection) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if r.Append {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	return os.OpenFile(r.Path, flags, 0644)
}

func (t *Table) spawnFailed(j *Job, p *Process, err error) {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		t.reportf("%s: Command not found\n", p.Name)
	} else {
		t.reportf("%s: %v\n", p.Name, err)
	}
	t.record(logger.Event{Type: logger.SpawnFailed, JobID: j.id, Command: p.Name, ExitCode: ExitSpawnFailed, Error: err.Error()})
}

func (t *Table) redirectFailed(j *Job, p *Process, err error) {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		t.reportf("%s: %v\n", pathErr.Path, pathErr.Err)
	} else {
		t.reportf("tsh: %v\n", err)
	}
	t.record(logger.Event{Type: logger.RedirectFailed, JobID: j.id, Command: p.Name, Error: err.Error()})
}
