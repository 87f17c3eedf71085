package shell

import (
	"fmt"
	"sort"
	"sync"

	"github.com/anmitsu/go-shlex"
)

// Aliases maps command names to replacement words.
type Aliases struct {
	rw      sync.RWMutex
	aliases map[string]alias
}

type alias struct {
	value string
	words []string
}

// NewAliases creates an empty alias table.
func NewAliases() *Aliases {
	return &Aliases{aliases: make(map[string]alias)}
}

// Set defines an alias, splitting the value with shell quoting rules.
func (a *Aliases) Set(name, value string) error {
	words, err := shlex.Split(value, true)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	a.rw.Lock()
	defer a.rw.Unlock()
	a.aliases[name] = alias{value: value, words: words}
	return nil
}

// Get returns the unsplit value of an alias.
func (a *Aliases) Get(name string) (string, bool) {
	a.rw.RLock()
	defer a.rw.RUnlock()
	al, ok := a.aliases[name]
	return al.value, ok
}

// Remove deletes an alias, returning false if it didn't exist.
func (a *Aliases) Remove(name string) bool {
	a.rw.Lock()
	defer a.rw.Unlock()
	_, ok := a.aliases[name]
	delete(a.aliases, name)
	return ok
}

// Names returns the defined aliases in sorted order.
func (a *Aliases) Names() []string {
	a.rw.RLock()
	defer a.rw.RUnlock()

	var out []string
	for k := range a.aliases {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Expand replaces the command name with its alias. Aliases may refer to other
// aliases but each name is only expanded once.
func (a *Aliases) Expand(args []string) []string {
	a.rw.RLock()
	defer a.rw.RUnlock()

	seen := make(map[string]bool)
	for len(args) > 0 && !seen[args[0]] {
		al, ok := a.aliases[args[0]]
		if !ok {
			break
		}
		seen[args[0]] = true

		expanded := make([]string, 0, len(al.words)+len(args)-1)
		expanded = append(expanded, al.words...)
		args = append(expanded, args[1:]...)
	}
	return args
}
