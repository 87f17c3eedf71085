package shell

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/abiosoft/readline"
	"github.com/fatih/color"
	"github.com/josephlewis42/tsh/core/job"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

const (
	// Name is used as $0 and as the prefix of error messages.
	Name          = "tsh"
	DefaultPrompt = Name + "> "

	EnvHome   = "HOME"
	EnvPWD    = "PWD"
	EnvOldPWD = "OLDPWD"

	// exitStopped is $? after the foreground job was stopped, 128+SIGTSTP.
	exitStopped = 148
	exitUsage   = 2
)

// ErrUnsupported is returned for valid shell syntax this shell can't run.
var ErrUnsupported = errors.New("unsupported syntax")

var promptColor = color.New(color.FgGreen, color.Bold)

// Options configures a Shell.
type Options struct {
	// Jobs runs the pipelines, required.
	Jobs *job.Table

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Prompt       string
	Color        bool
	HistoryFile  string
	HistoryLimit int

	// Logger receives diagnostics about the shell itself.
	Logger *log.Logger
}

type Shell struct {
	Jobs     *job.Table
	Vars     *Variables
	Aliases  *Aliases
	Readline *readline.Instance

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *log.Logger

	prompt       string
	color        bool
	historyFile  string
	historyLimit int

	parser  *syntax.Parser
	lastRet int
	history []string

	// Set to true to quit the shell
	Quit     bool
	exitCode int
}

// New creates a shell that runs jobs in opts.Jobs.
func New(opts Options) *Shell {
	s := &Shell{
		Jobs:         opts.Jobs,
		Vars:         NewVariables(),
		Aliases:      NewAliases(),
		stdin:        opts.Stdin,
		stdout:       opts.Stdout,
		stderr:       opts.Stderr,
		logger:       opts.Logger,
		prompt:       opts.Prompt,
		color:        opts.Color,
		historyFile:  opts.HistoryFile,
		historyLimit: opts.HistoryLimit,
		parser:       syntax.NewParser(syntax.Variant(syntax.LangPOSIX)),
	}

	if s.stdin == nil {
		s.stdin = os.Stdin
	}
	if s.stdout == nil {
		s.stdout = os.Stdout
	}
	if s.stderr == nil {
		s.stderr = os.Stderr
	}
	if s.logger == nil {
		s.logger = log.New(ioutil.Discard, "", 0)
	}
	if s.prompt == "" {
		s.prompt = DefaultPrompt
	}
	return s
}

// ExitCode is the status the shell process should exit with.
func (s *Shell) ExitCode() int {
	if s.Quit {
		return s.exitCode
	}
	return s.lastRet
}

func (s *Shell) promptString() string {
	if s.color {
		return promptColor.Sprint(s.prompt)
	}
	return s.prompt
}

// RunInteractive reads and runs lines until the input closes or a builtin
// quits the shell.
func (s *Shell) RunInteractive() int {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       s.promptString(),
		HistoryFile:  s.historyFile,
		HistoryLimit: s.historyLimit,
		Stdin:        readline.NewCancelableStdin(s.stdin),
		Stdout:       s.stdout,
		Stderr:       s.stderr,
	})
	if err != nil {
		fmt.Fprintf(s.stderr, "%s: %v\n", Name, err)
		return 1
	}
	defer rl.Close()
	s.Readline = rl

	for !s.Quit {
		// Report background jobs that finished since the last prompt.
		s.Jobs.Poll()

		s.Readline.SetPrompt(s.promptString())
		line, err := s.Readline.Readline()

		switch {
		case err == io.EOF:
			return s.ExitCode() // Input closed, quit.

		case err == readline.ErrInterrupt:
			// Interrupt clears line.
			continue
		case err != nil:
			s.logger.Printf("Error readline: %v", err)
			continue

		case strings.TrimSpace(line) == "":
			continue // empty line

		default:
			s.history = append(s.history, line)
			s.RunCommand(line)
		}
	}
	return s.ExitCode()
}

// RunScript runs everything readable from r as one program.
func (s *Shell) RunScript(r io.Reader) int {
	src, err := ioutil.ReadAll(r)
	if err != nil {
		fmt.Fprintf(s.stderr, "%s: %v\n", Name, err)
		return 1
	}
	s.RunCommand(string(src))
	return s.ExitCode()
}

// RunCommand parses and runs the statements in line, returning $?.
func (s *Shell) RunCommand(line string) int {
	prog, err := s.parser.Parse(strings.NewReader(line), "")
	if err != nil {
		fmt.Fprintf(s.stderr, "%s: %v\n", Name, err)
		s.lastRet = exitUsage
		return s.lastRet
	}

	for _, stmt := range prog.Stmts {
		if s.Quit {
			break
		}
		if err := s.executeStatement(line, stmt); err != nil {
			fmt.Fprintf(s.stderr, "%s: %v\n", Name, err)
			if errors.Is(err, ErrUnsupported) {
				s.lastRet = exitUsage
			} else {
				s.lastRet = 1
			}
		}
	}
	return s.lastRet
}

func (s *Shell) executeStatement(src string, stmt *syntax.Stmt) error {
	if err := s.executeNegatable(src, stmt); err != nil {
		return err
	}
	if stmt.Negated {
		if s.lastRet == 0 {
			s.lastRet = 1
		} else {
			s.lastRet = 0
		}
	}
	return nil
}

func (s *Shell) executeNegatable(src string, stmt *syntax.Stmt) error {
	if cmd, ok := stmt.Cmd.(*syntax.BinaryCmd); ok && (cmd.Op == syntax.AndStmt || cmd.Op == syntax.OrStmt) {
		if stmt.Background || len(stmt.Redirs) > 0 {
			return unsupported(stmt)
		}

		if err := s.executeStatement(src, cmd.X); err != nil {
			return err
		}
		if s.Quit {
			return nil
		}
		if (cmd.Op == syntax.AndStmt) == (s.lastRet == 0) {
			return s.executeStatement(src, cmd.Y)
		}
		return nil
	}

	stages, err := flattenPipeline(stmt)
	if err != nil {
		return err
	}
	return s.runPipeline(src, stages, stmt.Background)
}

// runPipeline runs assignments and builtins in the shell and everything else
// as a job.
func (s *Shell) runPipeline(src string, stages []*syntax.Stmt, background bool) error {
	cmds := make([]job.Command, 0, len(stages))
	for _, stage := range stages {
		cmd, err := s.translate(stage)
		if err != nil {
			return err
		}
		cmds = append(cmds, cmd)
	}
	connectPipes(cmds)

	if len(cmds) == 1 {
		cmd := cmds[0]
		if cmd.Name == "" {
			// If the full command was environment variables, set them. Otherwise
			// they should only be populated for the upcoming command.
			for _, kv := range cmd.Env {
				key, value, _ := splitAssignment(kv)
				if err := s.Vars.Set(key, value); err != nil {
					return err
				}
			}
			s.lastRet = 0
			return nil
		}

		if builtin, ok := AllBuiltins[cmd.Name]; ok {
			s.runBuiltin(builtin, cmd)
			return nil
		}
	}

	for _, cmd := range cmds {
		if cmd.Name == "" {
			return errors.New("empty command in pipeline")
		}
		if _, ok := AllBuiltins[cmd.Name]; ok {
			return fmt.Errorf("%s: builtins can't be part of a pipeline", cmd.Name)
		}
	}

	j := s.Jobs.CreateJob(pipelineText(src, stages), cmds)
	s.Jobs.Launch(j, !background)

	if background {
		s.Jobs.RunInBackground(j, false)
		fmt.Fprintf(s.stdout, "[%d] (%d) %s\n", j.ID(), j.Pgid(), j.Cmdline())
		s.lastRet = 0
		return nil
	}

	s.setStatus(s.Jobs.RunInForeground(j, false))
	return nil
}

func (s *Shell) runBuiltin(builtin ShellBuiltin, cmd job.Command) {
	if cmd.Stdout.Kind == job.RedirFile {
		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if cmd.Stdout.Append {
			flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		}
		fd, err := os.OpenFile(cmd.Stdout.Path, flags, 0644)
		if err != nil {
			fmt.Fprintf(s.stderr, "%s: %v\n", Name, err)
			s.lastRet = 1
			return
		}
		defer fd.Close()

		stdout := s.stdout
		s.stdout = fd
		defer func() { s.stdout = stdout }()
	}

	s.lastRet = builtin.Main(s, append([]string{cmd.Name}, cmd.Args...))
}

func (s *Shell) setStatus(status job.Status) {
	switch status.State {
	case job.Exited:
		s.lastRet = status.Code
	case job.Stopped:
		s.lastRet = exitStopped
	}
}

// translate expands one pipeline stage into a command for the job table.
func (s *Shell) translate(stmt *syntax.Stmt) (job.Command, error) {
	var cmd job.Command
	overlay := make(map[string]string)

	switch node := stmt.Cmd.(type) {
	case *syntax.CallExpr:
		env, assigned, err := s.expandAssigns(node.Assigns)
		if err != nil {
			return job.Command{}, err
		}
		cmd.Env, overlay = env, assigned

		// Arguments don't see the command's own assignments.
		fields, err := expand.Fields(s.expandConfig(nil), node.Args...)
		if err != nil {
			return job.Command{}, err
		}
		if len(node.Args) > 0 && node.Args[0].Lit() != "" {
			fields = s.Aliases.Expand(fields)
		}
		setFields(&cmd, fields)

	case *syntax.DeclClause:
		fields, err := s.expandDecl(node)
		if err != nil {
			return job.Command{}, err
		}
		setFields(&cmd, fields)

	default:
		return job.Command{}, unsupported(stmt)
	}

	cfg := s.expandConfig(overlay)
	for _, redir := range stmt.Redirs {
		if err := redirect(cfg, redir, &cmd); err != nil {
			return job.Command{}, err
		}
	}
	return cmd, nil
}

func setFields(cmd *job.Command, fields []string) {
	if len(fields) > 0 {
		cmd.Name = fields[0]
	}
	if len(fields) > 1 {
		cmd.Args = fields[1:]
	}
}

// expandDecl turns a declaration like "export A=1 B" back into plain
// arguments for the builtin of the same name.
func (s *Shell) expandDecl(decl *syntax.DeclClause) ([]string, error) {
	cfg := s.expandConfig(nil)
	fields := []string{decl.Variant.Value}

	for _, assign := range decl.Args {
		switch {
		case assign.Append || assign.Array != nil || assign.Index != nil:
			return nil, unsupported(assign)

		case assign.Naked && assign.Name != nil:
			fields = append(fields, assign.Name.Value)

		case assign.Naked:
			words, err := expand.Fields(cfg, assign.Value)
			if err != nil {
				return nil, err
			}
			fields = append(fields, words...)

		default:
			var value string
			if assign.Value != nil {
				var err error
				if value, err = expand.Literal(cfg, assign.Value); err != nil {
					return nil, err
				}
			}
			fields = append(fields, assign.Name.Value+"="+value)
		}
	}
	return fields, nil
}

func (s *Shell) expandAssigns(assigns []*syntax.Assign) ([]string, map[string]string, error) {
	var env []string
	overlay := make(map[string]string)

	for _, assign := range assigns {
		if assign.Name == nil || assign.Append || assign.Array != nil || assign.Index != nil {
			return nil, nil, unsupported(assign)
		}

		var value string
		if assign.Value != nil {
			var err error
			value, err = expand.Literal(s.expandConfig(overlay), assign.Value)
			if err != nil {
				return nil, nil, err
			}
		}

		overlay[assign.Name.Value] = value
		env = append(env, assign.Name.Value+"="+value)
	}
	return env, overlay, nil
}

func (s *Shell) expandConfig(overlay map[string]string) *expand.Config {
	return &expand.Config{
		Env: &environ{
			vars: s.Vars,
			special: map[string]string{
				"?": strconv.Itoa(int(uint8(s.lastRet))),
				"$": strconv.Itoa(os.Getpid()),
			},
			overlay: overlay,
		},
		ReadDir: ioutil.ReadDir,
	}
}

// redirect applies one redirection to cmd. Only stdin and stdout can be
// redirected.
func redirect(cfg *expand.Config, redir *syntax.Redirect, cmd *job.Command) error {
	fd := ""
	if redir.N != nil {
		fd = redir.N.Value
	}
	if redir.Word == nil || redir.Hdoc != nil {
		return unsupported(redir)
	}
	target, err := expand.Literal(cfg, redir.Word)
	if err != nil {
		return err
	}

	isOut := fd == "" || fd == "1"
	isIn := fd == "" || fd == "0"

	switch {
	case isOut && (redir.Op == syntax.RdrOut || redir.Op == syntax.ClbOut):
		cmd.Stdout = job.FileRedirect(target, false)
	case isOut && redir.Op == syntax.AppOut:
		cmd.Stdout = job.FileRedirect(target, true)
	case isOut && redir.Op == syntax.DplOut:
		cmd.Stdout = job.DupRedirect(fd + ">&" + target)
	case isIn && redir.Op == syntax.RdrIn:
		cmd.Stdin = job.FileRedirect(target, false)
	case isIn && redir.Op == syntax.DplIn:
		cmd.Stdin = job.DupRedirect(fd + "<&" + target)
	default:
		return unsupported(redir)
	}
	return nil
}

// connectPipes joins neighbouring stages. A stage whose output was
// redirected elsewhere leaves the next stage reading the null device.
func connectPipes(cmds []job.Command) {
	for i := 0; i+1 < len(cmds); i++ {
		next := &cmds[i+1]
		switch {
		case cmds[i].Stdout.Kind == job.RedirNormal:
			cmds[i].Stdout = job.PipeRedirect()
			if next.Stdin.Kind == job.RedirNormal {
				next.Stdin = job.PipeRedirect()
			}
		case next.Stdin.Kind == job.RedirNormal:
			next.Stdin = job.FileRedirect(os.DevNull, false)
		}
	}
}

// flattenPipeline returns the stages of a pipeline in order.
func flattenPipeline(stmt *syntax.Stmt) ([]*syntax.Stmt, error) {
	switch cmd := stmt.Cmd.(type) {
	case *syntax.CallExpr, *syntax.DeclClause:
		return []*syntax.Stmt{stmt}, nil

	case *syntax.BinaryCmd:
		if cmd.Op != syntax.Pipe || len(stmt.Redirs) > 0 {
			return nil, unsupported(stmt)
		}
		left, err := flattenPipeline(cmd.X)
		if err != nil {
			return nil, err
		}
		right, err := flattenPipeline(cmd.Y)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil

	default:
		return nil, unsupported(stmt)
	}
}

// pipelineText returns the source of the stages without any trailing
// separator or '&'.
func pipelineText(src string, stages []*syntax.Stmt) string {
	first, last := stages[0], stages[len(stages)-1]

	start := int(first.Pos().Offset())
	end := int(last.Cmd.End().Offset())
	for _, redir := range last.Redirs {
		if off := int(redir.End().Offset()); off > end {
			end = off
		}
	}

	if start < 0 || end > len(src) || start > end {
		return ""
	}
	return strings.TrimSpace(src[start:end])
}

func unsupported(node syntax.Node) error {
	return fmt.Errorf("%w near %s", ErrUnsupported, node.Pos())
}
