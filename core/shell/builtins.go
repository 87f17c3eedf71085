package shell

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/josephlewis42/tsh/core/job"
	"github.com/pborman/getopt/v2"
	"mvdan.cc/sh/v3/syntax"
)

// AllBuiltins holds a list of all registered shell builtins
var AllBuiltins = make(map[string]ShellBuiltin)

type ShellBuiltin interface {
	Main(s *Shell, args []string) int
}

type ShellBuiltinFunc func(s *Shell, args []string) int

func (f ShellBuiltinFunc) Main(s *Shell, args []string) int {
	return f(s, args)
}

var _ ShellBuiltin = (ShellBuiltinFunc)(nil)

// Cd is the cd shell builtin
func Cd(s *Shell, args []string) int {
	switch len(args) {
	case 1:
		home, ok := s.Vars.LookupEnv(EnvHome)
		if !ok || home == "" {
			fmt.Fprintf(s.stderr, "%s: HOME not set\n", args[0])
			return 1
		}
		args = append(args, home)
		fallthrough
	case 2:
		old, _ := os.Getwd()
		if err := os.Chdir(args[1]); err != nil {
			fmt.Fprintf(s.stderr, "%s: %v\n", args[0], err)
			return 1
		}
		if wd, err := os.Getwd(); err == nil {
			for _, kv := range [][2]string{{EnvOldPWD, old}, {EnvPWD, wd}} {
				if err := s.Vars.Set(kv[0], kv[1]); err != nil {
					fmt.Fprintf(s.stderr, "%s: %v\n", args[0], err)
					return 1
				}
			}
		}
	default:
		fmt.Fprintf(s.stderr, "%s: too many arguments\n", args[0])
		return 1
	}
	return 0
}

// Exit quits the shell, abandoning any live jobs.
func Exit(s *Shell, args []string) int {
	code := s.lastRet
	switch len(args) {
	case 1:
	case 2:
		n, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(s.stderr, "%s: %s: numeric argument required\n", args[0], args[1])
			code = exitUsage
			break
		}
		code = n
	default:
		fmt.Fprintf(s.stderr, "%s: too many arguments\n", args[0])
		return 1
	}

	s.Quit = true
	s.exitCode = code
	return code
}

// Quit exits the shell successfully.
func Quit(s *Shell, args []string) int {
	s.Quit = true
	s.exitCode = 0
	return 0
}

// Jobs lists the live jobs.
func Jobs(s *Shell, args []string) int {
	opts := getopt.New()
	long := opts.Bool('l', "show process group ids")
	helpOpt := opts.BoolLong("help", 'h', "show help and exit")

	if err := opts.Getopt(args, nil); err != nil || *helpOpt {
		w := s.stderr
		if err != nil {
			fmt.Fprintln(w, err)
		}
		fmt.Fprintln(w, "usage: jobs [-l]")
		fmt.Fprintln(w, "Display status of jobs.")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Options:")
		opts.PrintOptions(w)
		return exitUsage
	}

	tw := tabwriter.NewWriter(s.stdout, 0, 8, 2, ' ', 0)
	for _, j := range s.Jobs.Jobs() {
		if *long {
			fmt.Fprintf(tw, "[%d]\t%d\t%s\t%s\n", j.ID(), j.Pgid(), j.State().State, j.Cmdline())
		} else {
			fmt.Fprintf(tw, "[%d]\t%s\t%s\n", j.ID(), j.State().State, j.Cmdline())
		}
	}
	tw.Flush()
	return 0
}

// Fg continues a job in the foreground and waits for it.
func Fg(s *Shell, args []string) int {
	j, ok := findJob(s, args)
	if !ok {
		return 1
	}

	fmt.Fprintln(s.stdout, j.Cmdline())
	s.setStatus(s.Jobs.ContinueJob(j, false))
	return s.lastRet
}

// Bg continues a job in the background.
func Bg(s *Shell, args []string) int {
	j, ok := findJob(s, args)
	if !ok {
		return 1
	}

	s.Jobs.ContinueJob(j, true)
	fmt.Fprintf(s.stdout, "[%d] (%d) %s\n", j.ID(), j.Pgid(), j.Cmdline())
	return 0
}

// findJob resolves an optional job spec (%N or N), defaulting to the current
// job.
func findJob(s *Shell, args []string) (*job.Job, bool) {
	switch len(args) {
	case 1:
		j, ok := s.Jobs.Current()
		if !ok {
			fmt.Fprintf(s.stderr, "%s: no current job\n", args[0])
		}
		return j, ok
	case 2:
		spec := args[1]
		if spec == "%%" || spec == "%+" {
			return findJob(s, args[:1])
		}
		id, err := strconv.Atoi(strings.TrimPrefix(spec, "%"))
		if err != nil {
			fmt.Fprintf(s.stderr, "%s: %s: no such job\n", args[0], spec)
			return nil, false
		}
		j, ok := s.Jobs.Lookup(id)
		if !ok {
			fmt.Fprintf(s.stderr, "%s: %s: no such job\n", args[0], spec)
		}
		return j, ok
	default:
		fmt.Fprintf(s.stderr, "usage: %s [%%job]\n", args[0])
		return nil, false
	}
}

// Alias defines or prints aliases.
func Alias(s *Shell, args []string) int {
	if len(args) == 1 {
		for _, name := range s.Aliases.Names() {
			value, _ := s.Aliases.Get(name)
			fmt.Fprintf(s.stdout, "alias %s='%s'\n", name, value)
		}
		return 0
	}

	ret := 0
	for _, arg := range args[1:] {
		name, value, isSet := splitAssignment(arg)
		if !isSet {
			value, ok := s.Aliases.Get(name)
			if !ok {
				fmt.Fprintf(s.stderr, "%s: %s: not found\n", args[0], name)
				ret = 1
				continue
			}
			fmt.Fprintf(s.stdout, "alias %s='%s'\n", name, value)
			continue
		}

		if err := s.Aliases.Set(name, value); err != nil {
			fmt.Fprintf(s.stderr, "%s: %v\n", args[0], err)
			ret = 1
		}
	}
	return ret
}

// Unalias removes aliases.
func Unalias(s *Shell, args []string) int {
	if len(args) == 1 {
		fmt.Fprintf(s.stderr, "usage: %s name [name ...]\n", args[0])
		return exitUsage
	}

	ret := 0
	for _, name := range args[1:] {
		if !s.Aliases.Remove(name) {
			fmt.Fprintf(s.stderr, "%s: %s: not found\n", args[0], name)
			ret = 1
		}
	}
	return ret
}

// Export moves variables into the environment of spawned programs.
func Export(s *Shell, args []string) int {
	if len(args) == 1 {
		for _, kv := range s.Vars.Exported() {
			key, value, _ := splitAssignment(kv)
			fmt.Fprintf(s.stdout, "export %s=%q\n", key, value)
		}
		return 0
	}

	ret := 0
	for _, arg := range args[1:] {
		key, value, isSet := splitAssignment(arg)
		if !syntax.ValidName(key) {
			fmt.Fprintf(s.stderr, "%s: %q: not a valid identifier\n", args[0], key)
			ret = 1
			continue
		}
		if !isSet {
			value = s.Vars.Getenv(key)
		}
		if err := s.Vars.Export(key, value); err != nil {
			fmt.Fprintf(s.stderr, "%s: %v\n", args[0], err)
			ret = 1
		}
	}
	return ret
}

// Unset removes variables.
func Unset(s *Shell, args []string) int {
	opts := getopt.New()
	opts.Bool('f', "treat NAME as a function")
	opts.Bool('v', "treat NAME as a variable")
	helpOpt := opts.BoolLong("help", 'h', "show help and exit")

	optErr := opts.Getopt(args, nil)
	if optErr != nil || *helpOpt {
		w := s.stderr
		fmt.Fprintln(w, "usage: unset [-fv] [NAME...]")
		fmt.Fprintln(w, "Unset shell values and functions.")
		return exitUsage
	}

	ret := 0
	for _, name := range opts.Args() {
		if err := s.Vars.Unset(name); err != nil {
			fmt.Fprintf(s.stderr, "%s: %v\n", args[0], err)
			ret = 1
		}
	}
	return ret
}

func History(s *Shell, args []string) int {
	// parse -c to clear

	opts := getopt.New()
	clear := opts.Bool('c', "clear the history by deleting all entries")
	helpOpt := opts.BoolLong("help", 'h', "show help and exit")

	if err := opts.Getopt(args, nil); err != nil || *helpOpt {
		w := s.stderr
		if err != nil {
			fmt.Fprintln(w, err)
		}
		fmt.Fprintln(w, "Display or manipulate the history list")
		fmt.Fprintln(w, "Display the history list with line numbers.")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Options:")
		opts.PrintOptions(w)
		return exitUsage
	}

	if *clear {
		if s.Readline != nil {
			s.Readline.Operation.ResetHistory()
		}
		s.history = nil
		return 0
	}

	for i, line := range s.history {
		fmt.Fprintf(s.stdout, "% 5d  %s\n", i+1, line)
	}
	return 0
}

func Help(s *Shell, args []string) int {
	w := s.stdout
	fmt.Fprintf(w, "%s, a job control shell\n", Name)
	fmt.Fprintln(w, "These shell commands are defined internally.  Type `help' to see this list.")
	fmt.Fprintln(w, "Anything else runs as a job, use `jobs', `fg' and `bg' to manage jobs.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Builtins:")
	fmt.Fprintln(w)

	fmt.Fprintln(w, strings.Join(BuiltinNames(), "\n"))

	return 0
}

// BuiltinNames returns the sorted names of all builtins.
func BuiltinNames() []string {
	var builtins []string
	for k := range AllBuiltins {
		builtins = append(builtins, k)
	}
	sort.Strings(builtins)
	return builtins
}

func init() {
	AllBuiltins["alias"] = ShellBuiltinFunc(Alias)
	AllBuiltins["bg"] = ShellBuiltinFunc(Bg)
	AllBuiltins["cd"] = ShellBuiltinFunc(Cd)
	AllBuiltins["exit"] = ShellBuiltinFunc(Exit)
	AllBuiltins["export"] = ShellBuiltinFunc(Export)
	AllBuiltins["fg"] = ShellBuiltinFunc(Fg)
	AllBuiltins["history"] = ShellBuiltinFunc(History)
	AllBuiltins["help"] = ShellBuiltinFunc(Help)
	AllBuiltins["jobs"] = ShellBuiltinFunc(Jobs)
	AllBuiltins["quit"] = ShellBuiltinFunc(Quit)
	AllBuiltins["unalias"] = ShellBuiltinFunc(Unalias)
	AllBuiltins["unset"] = ShellBuiltinFunc(Unset)
}
