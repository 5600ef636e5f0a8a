// Package targets holds the harnesses the command line can fuzz in process.
package targets

import (
	"fmt"
	"sort"
	"strings"

	"alma.local/covfuzz/executor"
)

// Target is a named in-process harness.
type Target struct {
	Name        string
	Description string
	Harness     executor.Harness
}

var registry = map[string]Target{}

func register(t Target) {
	if _, dup := registry[t.Name]; dup {
		panic("targets: duplicate target " + t.Name)
	}
	registry[t.Name] = t
}

// Lookup returns the target called name.
func Lookup(name string) (Target, error) {
	t, ok := registry[strings.TrimSpace(name)]
	if !ok {
		return Target{}, fmt.Errorf("unknown target %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return t, nil
}

// Names lists the registered targets in order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
