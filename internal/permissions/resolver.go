package permissions

import (
	"fmt"
	"sort"
)

// Definition is the raw permission section of the config file. Basic names
// are the leaf permissions commands check for. Nested names expand to other
// nested or basic names. Roles map Discord role snowflakes to any mix of
// the two; Defaults apply to every caller regardless of roles.
type Definition struct {
	Basic    []string
	Nested   map[string][]string
	Roles    map[int64][]string
	Defaults []string
}

// Resolver holds every role fully expanded to basic permissions. All
// expansion happens in New so a malformed graph is rejected at startup
// instead of surfacing per-command.
type Resolver struct {
	defaults map[string]struct{}
	roles    map[int64]map[string]struct{}
}

// expansion states for the nested-permission walk.
const (
	stateUnvisited = iota
	stateExpanding
	stateDone
)

// New expands the definition. A nested permission that reaches itself again
// is a cycle and is rejected, as is any name that is neither basic nor
// nested.
func New(def Definition) (*Resolver, error) {
	e := &expander{
		basic:  make(map[string]struct{}, len(def.Basic)),
		nested: def.Nested,
		memo:   make(map[string]map[string]struct{}),
		state:  make(map[string]int),
	}
	for _, name := range def.Basic {
		e.basic[name] = struct{}{}
	}

	r := &Resolver{roles: make(map[int64]map[string]struct{}, len(def.Roles))}

	var err error
	r.defaults, err = e.expandList(def.Defaults)
	if err != nil {
		return nil, fmt.Errorf("default permissions: %w", err)
	}
	for roleID, names := range def.Roles {
		set, err := e.expandList(names)
		if err != nil {
			return nil, fmt.Errorf("role %d: %w", roleID, err)
		}
		r.roles[roleID] = set
	}
	return r, nil
}

type expander struct {
	basic  map[string]struct{}
	nested map[string][]string
	memo   map[string]map[string]struct{}
	state  map[string]int
}

// expandList resolves a list of names to the union of their basic sets.
func (e *expander) expandList(names []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for _, name := range names {
		set, err := e.expand(name)
		if err != nil {
			return nil, err
		}
		for p := range set {
			out[p] = struct{}{}
		}
	}
	return out, nil
}

// expand resolves one name. The state map detects re-entry into a name that
// is still being expanded, which is exactly a cycle in the nested graph.
func (e *expander) expand(name string) (map[string]struct{}, error) {
	if _, ok := e.basic[name]; ok {
		return map[string]struct{}{name: {}}, nil
	}
	children, ok := e.nested[name]
	if !ok {
		return nil, fmt.Errorf("unknown permission %q", name)
	}
	switch e.state[name] {
	case stateExpanding:
		return nil, fmt.Errorf("permission cycle through %q", name)
	case stateDone:
		return e.memo[name], nil
	}
	e.state[name] = stateExpanding
	set, err := e.expandList(children)
	if err != nil {
		return nil, err
	}
	e.state[name] = stateDone
	e.memo[name] = set
	return set, nil
}

// Resolve returns the basic permissions granted by the role, sorted. An
// unknown role grants nothing.
func (r *Resolver) Resolve(roleID int64) []string {
	set, ok := r.roles[roleID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Defaults returns the permissions every caller holds, sorted.
func (r *Resolver) Defaults() []string {
	out := make([]string, 0, len(r.defaults))
	for p := range r.defaults {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Allowed reports whether the union of the caller's roles plus the defaults
// covers every required permission.
func (r *Resolver) Allowed(roleIDs []int64, required ...string) bool {
	for _, req := range required {
		if _, ok := r.defaults[req]; ok {
			continue
		}
		granted := false
		for _, roleID := range roleIDs {
			if _, ok := r.roles[roleID][req]; ok {
				granted = true
				break
			}
		}
		if !granted {
			return false
		}
	}
	return true
}
