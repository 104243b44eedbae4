package command

import (
	"sort"
	"strings"
	"sync"
)

var (
	mu       sync.RWMutex
	registry = map[string]Command{}
)

func Register(cmd Command) {
	mu.Lock()
	defer mu.Unlock()
	registry[cmd.Name()] = cmd
}

func Get(name string) (Command, bool) {
	mu.RLock()
	defer mu.RUnlock()
	cmd, ok := registry[name]
	return cmd, ok
}

// All returns the registered commands sorted by name.
func All() []Command {
	mu.RLock()
	defer mu.RUnlock()
	list := make([]Command, 0, len(registry))
	for _, cmd := range registry {
		list = append(list, cmd)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// ForCustomID finds the command owning a component custom ID. IDs are
// namespaced as "<command>:<action>[:<arg>]".
func ForCustomID(customID string) (Command, bool) {
	name, _, _ := strings.Cut(customID, ":")
	return Get(name)
}
