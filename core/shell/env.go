package shell

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/expand"
)

// Variables holds shell variables. Exported variables live in the process
// environment so spawned programs inherit them; the rest are private to the
// shell and shadow the environment.
type Variables struct {
	rw   sync.RWMutex
	vars map[string]string
	args []string

	// setenv writes exported variables, os.Setenv outside of tests.
	setenv func(key, value string) error
}

// NewVariables creates an empty variable store.
func NewVariables() *Variables {
	return &Variables{vars: make(map[string]string), setenv: os.Setenv}
}

// Set sets a shell variable, or updates the environment if the name is
// already exported.
func (v *Variables) Set(key, value string) error {
	if _, exported := os.LookupEnv(key); exported {
		return v.setenv(key, value)
	}

	v.rw.Lock()
	defer v.rw.Unlock()
	v.vars[key] = value
	return nil
}

// Export moves a variable into the environment.
func (v *Variables) Export(key, value string) error {
	v.rw.Lock()
	delete(v.vars, key)
	v.rw.Unlock()

	return v.setenv(key, value)
}

// Unset removes the variable from the shell and the environment.
func (v *Variables) Unset(key string) error {
	v.rw.Lock()
	delete(v.vars, key)
	v.rw.Unlock()

	return os.Unsetenv(key)
}

// LookupEnv returns the variable, checking shell variables first.
func (v *Variables) LookupEnv(key string) (string, bool) {
	v.rw.RLock()
	val, ok := v.vars[key]
	v.rw.RUnlock()
	if ok {
		return val, true
	}
	return os.LookupEnv(key)
}

// Getenv returns the variable or an empty string.
func (v *Variables) Getenv(key string) string {
	val, _ := v.LookupEnv(key)
	return val
}

// SetArgs sets the positional parameters $0, $1 ... $n.
func (v *Variables) SetArgs(args []string) {
	v.rw.Lock()
	defer v.rw.Unlock()
	v.args = append([]string(nil), args...)
}

func (v *Variables) positional(key string) (expand.Variable, bool) {
	v.rw.RLock()
	defer v.rw.RUnlock()

	switch key {
	case "#":
		n := len(v.args) - 1
		if n < 0 {
			n = 0
		}
		return expand.Variable{Kind: expand.String, Str: strconv.Itoa(n)}, true
	case "@", "*":
		var rest []string
		if len(v.args) > 1 {
			rest = v.args[1:]
		}
		return expand.Variable{Kind: expand.Indexed, List: rest}, true
	}

	i, err := strconv.Atoi(key)
	if err != nil || i < 0 {
		return expand.Variable{}, false
	}
	if i < len(v.args) {
		return expand.Variable{Kind: expand.String, Str: v.args[i]}, true
	}
	if i == 0 {
		return expand.Variable{Kind: expand.String, Str: Name}, true
	}
	// Unset positional parameters expand to nothing.
	return expand.Variable{}, true
}

// Shell returns the shell variables that aren't exported, sorted by name.
func (v *Variables) Shell() []string {
	v.rw.RLock()
	defer v.rw.RUnlock()

	var out []string
	for k, val := range v.vars {
		out = append(out, fmt.Sprintf("%s=%s", k, val))
	}
	sort.Strings(out)
	return out
}

// Exported returns the environment, sorted by name.
func (v *Variables) Exported() []string {
	out := os.Environ()
	sort.Strings(out)
	return out
}

// splitAssignment splits NAME=value. ok is false if there is no '='.
func splitAssignment(s string) (key, value string, ok bool) {
	split := strings.SplitN(s, "=", 2)
	if len(split) != 2 {
		return s, "", false
	}
	return split[0], split[1], true
}

// environ adapts the shell state to the expander. Values in overlay win,
// they hold assignments that only apply to one command.
type environ struct {
	vars    *Variables
	special map[string]string
	overlay map[string]string
}

var _ expand.Environ = (*environ)(nil)

func (e *environ) Get(name string) expand.Variable {
	if val, ok := e.overlay[name]; ok {
		return expand.Variable{Kind: expand.String, Str: val}
	}
	if val, ok := e.special[name]; ok {
		return expand.Variable{Kind: expand.String, Str: val}
	}
	if vr, ok := e.vars.positional(name); ok {
		return vr
	}
	if val, ok := e.vars.LookupEnv(name); ok {
		return expand.Variable{Kind: expand.String, Str: val}
	}
	return expand.Variable{}
}

func (e *environ) Each(fn func(name string, vr expand.Variable) bool) {
	for _, kv := range append(e.vars.Exported(), e.vars.Shell()...) {
		key, _, _ := splitAssignment(kv)
		if !fn(key, e.Get(key)) {
			return
		}
	}
}
