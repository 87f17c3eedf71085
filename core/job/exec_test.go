package job

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/josephlewis42/tsh/core/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// These tests start real processes and reap them with wait4 on any child,
// so none of them may run in parallel.

type osTable struct {
	*Table
	dir     string
	stdin   *os.File
	stdout  *os.File
	notices *bytes.Buffer
	errs    *bytes.Buffer
}

func newOSTable(t *testing.T) *osTable {
	t.Helper()
	dir := t.TempDir()

	stdin, err := os.Open(os.DevNull)
	require.NoError(t, err)
	t.Cleanup(func() { stdin.Close() })

	stdout, err := os.Create(filepath.Join(dir, "stdout"))
	require.NoError(t, err)
	t.Cleanup(func() { stdout.Close() })

	ot := &osTable{
		dir:     dir,
		stdin:   stdin,
		stdout:  stdout,
		notices: &bytes.Buffer{},
		errs:    &bytes.Buffer{},
	}
	ot.Table = NewTable(Options{
		Interactive: true,
		Stdin:       stdin,
		Stdout:      stdout,
		Notices:     ot.notices,
		Errors:      ot.errs,
	})
	return ot
}

func (ot *osTable) path(name string) string {
	return filepath.Join(ot.dir, name)
}

func (ot *osTable) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(ot.path(name))
	require.NoError(t, err)
	return string(data)
}

// run creates, launches and waits on a job in the foreground.
func (ot *osTable) run(cmdline string, cmds ...Command) (*Job, Status) {
	j := ot.CreateJob(cmdline, cmds)
	ot.Launch(j, true)
	return j, ot.RunInForeground(j, false)
}

// kill terminates a job left running by a test and reaps it.
func (ot *osTable) kill(t *testing.T, j *Job) {
	t.Helper()
	if _, ok := ot.Lookup(j.ID()); !ok || j.Pgid() <= 0 {
		return
	}
	unix.Kill(-j.Pgid(), unix.SIGKILL)
	unix.Kill(-j.Pgid(), unix.SIGCONT)
	j.markContinued()
	ot.WaitForJob(j)
}

func TestLaunch_echoToFile(t *testing.T) {
	ot := newOSTable(t)

	_, status := ot.run("echo hi > out.txt", Command{
		Name:   "echo",
		Args:   []string{"hi"},
		Stdout: FileRedirect(ot.path("out.txt"), false),
	})

	assert.Equal(t, ExitedWith(0), status)
	assert.Equal(t, "hi\n", ot.read(t, "out.txt"))
	assert.Equal(t, 0, ot.Len())
	assert.Empty(t, ot.errs.String())
}

func TestLaunch_appendAndTruncate(t *testing.T) {
	ot := newOSTable(t)
	out := ot.path("out.txt")
	require.NoError(t, os.WriteFile(out, []byte("old\n"), 0644))

	ot.run("echo a >> out.txt", Command{Name: "echo", Args: []string{"a"}, Stdout: FileRedirect(out, true)})
	assert.Equal(t, "old\na\n", ot.read(t, "out.txt"))

	ot.run("echo b > out.txt", Command{Name: "echo", Args: []string{"b"}, Stdout: FileRedirect(out, false)})
	assert.Equal(t, "b\n", ot.read(t, "out.txt"))
}

func TestLaunch_pipelineDeliversBytes(t *testing.T) {
	ot := newOSTable(t)
	payload := "first line\nsecond line\n\x01binary\x7f tail"

	j, status := ot.run("printf ... | cat > out.txt",
		Command{Name: "printf", Args: []string{"%s", payload}, Stdout: PipeRedirect()},
		Command{Name: "cat", Stdin: PipeRedirect(), Stdout: FileRedirect(ot.path("out.txt"), false)},
	)

	// cat only exits once it sees EOF, so reaching Exited proves the parent
	// released its copy of the write end.
	assert.Equal(t, ExitedWith(0), status)
	assert.Equal(t, payload, ot.read(t, "out.txt"))
	assert.NotZero(t, j.Pgid())
}

func TestLaunch_threeStages(t *testing.T) {
	ot := newOSTable(t)

	_, status := ot.run("printf | tr | cat",
		Command{Name: "printf", Args: []string{"abc"}, Stdout: PipeRedirect()},
		Command{Name: "tr", Args: []string{"a-z", "A-Z"}, Stdin: PipeRedirect(), Stdout: PipeRedirect()},
		Command{Name: "cat", Stdin: PipeRedirect(), Stdout: FileRedirect(ot.path("out.txt"), false)},
	)

	assert.Equal(t, ExitedWith(0), status)
	assert.Equal(t, "ABC", ot.read(t, "out.txt"))
}

func TestLaunch_exitCodeFollowsLastStage(t *testing.T) {
	ot := newOSTable(t)

	_, status := ot.run("false | true",
		Command{Name: "false", Stdout: PipeRedirect()},
		Command{Name: "true", Stdin: PipeRedirect()},
	)
	assert.Equal(t, ExitedWith(0), status)

	_, status = ot.run("true | false",
		Command{Name: "true", Stdout: PipeRedirect()},
		Command{Name: "false", Stdin: PipeRedirect()},
	)
	assert.Equal(t, ExitedWith(1), status)
}

func TestLaunch_commandNotFound(t *testing.T) {
	ot := newOSTable(t)

	j := ot.CreateJob("no-such-program-tsh", []Command{{Name: "no-such-program-tsh"}})
	ot.Launch(j, true)
	assert.True(t, j.Completed(), "nothing to wait for")
	assert.Equal(t, ExitedWith(ExitSpawnFailed), j.State())

	assert.Equal(t, ExitedWith(ExitSpawnFailed), ot.RunInForeground(j, false))
	assert.Equal(t, "no-such-program-tsh: Command not found\n", ot.errs.String())
	assert.Equal(t, 0, ot.Len())
}

func TestLaunch_failedUpstreamStage(t *testing.T) {
	ot := newOSTable(t)

	_, status := ot.run("missing | cat",
		Command{Name: "no-such-program-tsh", Stdout: PipeRedirect()},
		Command{Name: "cat", Stdin: PipeRedirect(), Stdout: FileRedirect(ot.path("out.txt"), false)},
	)

	assert.Equal(t, ExitedWith(0), status, "cat sees EOF and exits normally")
	assert.Equal(t, "", ot.read(t, "out.txt"))
	assert.Equal(t, 1, strings.Count(ot.errs.String(), "Command not found"))
}

func TestLaunch_missingInputFile(t *testing.T) {
	ot := newOSTable(t)

	_, status := ot.run("cat < missing",
		Command{Name: "cat", Stdin: FileRedirect(ot.path("missing"), false), Stdout: FileRedirect(ot.path("out.txt"), false)},
	)

	assert.Equal(t, ExitedWith(0), status)
	assert.Equal(t, "", ot.read(t, "out.txt"))
	assert.Contains(t, ot.errs.String(), "missing")
}

func TestLaunch_inputFile(t *testing.T) {
	ot := newOSTable(t)
	require.NoError(t, os.WriteFile(ot.path("in.txt"), []byte("from file\n"), 0644))

	ot.run("cat < in.txt",
		Command{Name: "cat", Stdin: FileRedirect(ot.path("in.txt"), false), Stdout: FileRedirect(ot.path("out.txt"), false)},
	)

	assert.Equal(t, "from file\n", ot.read(t, "out.txt"))
}

func TestLaunch_pipeWithoutUpstreamPanics(t *testing.T) {
	ot := newOSTable(t)
	j := ot.CreateJob("cat", []Command{{Name: "cat", Stdin: PipeRedirect()}})

	assert.Panics(t, func() { ot.Launch(j, true) })
}

func TestLaunch_environment(t *testing.T) {
	ot := newOSTable(t)

	ot.run("TSH_TEST=yes printenv TSH_TEST",
		Command{Name: "printenv", Args: []string{"TSH_TEST"}, Env: []string{"TSH_TEST=yes"}, Stdout: FileRedirect(ot.path("out.txt"), false)},
	)

	assert.Equal(t, "yes\n", ot.read(t, "out.txt"))
}

func TestLaunch_sharedProcessGroup(t *testing.T) {
	ot := newOSTable(t)

	j := ot.CreateJob("sleep 5 | sleep 5", []Command{
		{Name: "sleep", Args: []string{"5"}, Stdout: PipeRedirect()},
		{Name: "sleep", Args: []string{"5"}, Stdin: PipeRedirect()},
	})
	ot.Launch(j, true)
	defer ot.kill(t, j)

	procs := j.Processes()
	require.Len(t, procs, 2)
	assert.Equal(t, procs[0].Pid(), j.Pgid())
	for _, p := range procs {
		pgid, err := unix.Getpgid(p.Pid())
		require.NoError(t, err)
		assert.Equal(t, j.Pgid(), pgid)
	}
}

func TestBackground_doesNotBlock(t *testing.T) {
	ot := newOSTable(t)

	bg := ot.CreateJob("sleep 5 &", []Command{{Name: "sleep", Args: []string{"5"}}})
	ot.Launch(bg, false)
	defer ot.kill(t, bg)

	start := time.Now()
	ot.RunInBackground(bg, false)
	assert.True(t, ot.InBackground(bg.ID()))

	_, status := ot.run("true", Command{Name: "true"})
	assert.Equal(t, ExitedWith(0), status)
	assert.Less(t, int64(time.Since(start)), int64(3*time.Second), "foreground wait must not wait on the background job")

	_, ok := ot.Lookup(bg.ID())
	assert.True(t, ok)
}

func TestBackground_thenForegroundKeepsIdentity(t *testing.T) {
	ot := newOSTable(t)

	j := ot.CreateJob("sleep 0.2", []Command{{Name: "sleep", Args: []string{"0.2"}}})
	ot.Launch(j, false)
	id, pgid := j.ID(), j.Pgid()

	ot.RunInBackground(j, false)
	assert.True(t, ot.InBackground(id))

	status := ot.RunInForeground(j, false)
	assert.Equal(t, ExitedWith(0), status)
	assert.Equal(t, id, j.ID())
	assert.Equal(t, pgid, j.Pgid())
	assert.False(t, ot.InBackground(id))
	assert.Empty(t, ot.notices.String())
}

func TestStopAndContinue(t *testing.T) {
	ot := newOSTable(t)

	j := ot.CreateJob("sleep 1", []Command{{Name: "sleep", Args: []string{"1"}}})
	ot.Launch(j, false)
	defer ot.kill(t, j)
	ot.RunInBackground(j, false)

	require.NoError(t, unix.Kill(-j.Pgid(), unix.SIGSTOP))
	for !j.Stopped() {
		_, ok := ot.WaitForProcess(true)
		require.True(t, ok)
	}

	assert.Equal(t, ExitedWith(0), ot.ContinueJob(j, false))
	assert.Equal(t, 0, ot.Len())
}

func TestForeground_stopReturnsControl(t *testing.T) {
	ot := newOSTable(t)

	j := ot.CreateJob("sleep 5", []Command{{Name: "sleep", Args: []string{"5"}}})
	ot.Launch(j, true)
	defer ot.kill(t, j)

	go func() {
		time.Sleep(100 * time.Millisecond)
		unix.Kill(-j.Pgid(), unix.SIGSTOP)
	}()

	assert.Equal(t, StoppedStatus, ot.RunInForeground(j, false))
	assert.Contains(t, ot.notices.String(), "stopped sleep 5")

	unix.Kill(-j.Pgid(), unix.SIGKILL)
	j.markContinued()
	assert.Equal(t, ExitedWith(ExitSignaled), ot.WaitForJob(j))
}

// traceTerminal records terminal handoffs next to process spawns.
type traceTerminal struct {
	fg    int
	trace *[]string
}

func (tt *traceTerminal) Foreground() (int, error) {
	return tt.fg, nil
}

func (tt *traceTerminal) SetForeground(pgid int) error {
	tt.fg = pgid
	*tt.trace = append(*tt.trace, fmt.Sprintf("terminal %d", pgid))
	return nil
}

type traceEvents struct {
	trace *[]string
}

func (te traceEvents) Record(event logger.Event) error {
	if event.Type == logger.ProcessSpawned {
		*te.trace = append(*te.trace, fmt.Sprintf("spawned %d", event.PID))
	}
	return nil
}

func newTracedTable(t *testing.T) (*osTable, *[]string) {
	t.Helper()
	ot := newOSTable(t)
	trace := &[]string{}
	ot.Table = NewTable(Options{
		Interactive: true,
		Stdin:       ot.stdin,
		Stdout:      ot.stdout,
		Notices:     ot.notices,
		Errors:      ot.errs,
		Terminal:    &traceTerminal{fg: unix.Getpgrp(), trace: trace},
		Events:      traceEvents{trace: trace},
	})
	return ot, trace
}

func TestLaunch_foregroundTakesTerminalFirst(t *testing.T) {
	ot, trace := newTracedTable(t)

	j, status := ot.run("echo hi | cat > out.txt",
		Command{Name: "echo", Args: []string{"hi"}, Stdout: PipeRedirect()},
		Command{Name: "cat", Stdin: PipeRedirect(), Stdout: FileRedirect(ot.path("out.txt"), false)},
	)
	require.Equal(t, ExitedWith(0), status)

	procs := j.Processes()
	assert.Equal(t, []string{
		fmt.Sprintf("spawned %d", procs[0].Pid()),
		fmt.Sprintf("terminal %d", j.Pgid()),
		fmt.Sprintf("spawned %d", procs[1].Pid()),
		fmt.Sprintf("terminal %d", unix.Getpgrp()),
	}, *trace)
	assert.Equal(t, "hi\n", ot.read(t, "out.txt"))
}

func TestLaunch_backgroundKeepsTerminal(t *testing.T) {
	ot, trace := newTracedTable(t)

	j := ot.CreateJob("sleep 5 &", []Command{{Name: "sleep", Args: []string{"5"}}})
	ot.Launch(j, false)
	defer ot.kill(t, j)
	ot.RunInBackground(j, false)

	assert.Equal(t, []string{fmt.Sprintf("spawned %d", j.Processes()[0].Pid())}, *trace)
}

// ignoredSignals returns the SigIgn mask a spawned child reports.
func (ot *osTable) ignoredSignals(t *testing.T) uint64 {
	t.Helper()
	_, status := ot.run("grep SigIgn /proc/self/status", Command{
		Name:   "grep",
		Args:   []string{"SigIgn", "/proc/self/status"},
		Stdout: FileRedirect(ot.path("sigign.txt"), false),
	})
	require.Equal(t, ExitedWith(0), status)

	fields := strings.Fields(ot.read(t, "sigign.txt"))
	require.Len(t, fields, 2)
	mask, err := strconv.ParseUint(fields[1], 16, 64)
	require.NoError(t, err)
	return mask
}

func TestIgnoreTerminalSignals_notInherited(t *testing.T) {
	if _, err := os.Stat("/proc/self/status"); err != nil {
		t.Skip("needs /proc")
	}
	signals := []unix.Signal{unix.SIGINT, unix.SIGQUIT, unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU}
	bit := func(sig unix.Signal) uint64 { return 1 << (uint(sig) - 1) }

	ot := newOSTable(t)
	before := ot.ignoredSignals(t)
	for _, sig := range signals {
		if before&bit(sig) != 0 {
			t.Skipf("test process started with %v ignored", sig)
		}
	}

	restore := IgnoreTerminalSignals()
	defer restore()

	after := ot.ignoredSignals(t)
	for _, sig := range signals {
		assert.Zero(t, after&bit(sig), "%v ignored in child", sig)
	}
}
