// Package hsm implements a generic hierarchical state machine: the
// substrate every protocol-driven component in this module (the XML
// tokenizer, the HTTP framers, the XMPP session) is built on.
//
// A Machine has exactly one current state at all times. States are
// configured with Configure, which returns a StateConfig for declaring
// permitted transitions (Permit), substate parents (SubstateOf), and
// entry/exit actions (OnEntry/OnExit). Fire resolves a trigger against
// the current state, falling back to parent states when the current
// state has no matching transition of its own.
package hsm

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// State is an opaque state tag.
type State string

// Trigger is an opaque trigger tag.
type Trigger string

// Predicate guards a transition. A transition with no explicit predicate
// is unconditionally eligible.
type Predicate func() bool

type transition struct {
	trigger   Trigger
	dest      State
	predicate Predicate
}

// StateConfig is the mutable configuration owned by a Machine for one
// state. Its methods return the receiver so calls can be chained.
type StateConfig struct {
	state       State
	transitions []transition
	parents     []State
	onEntry     []func()
	onExit      []func()
}

// Permit declares that firing t while in this state transitions to dest,
// provided predicate (if given) evaluates true. Multiple Permit calls for
// the same trigger are allowed — Fire treats more than one simultaneously
// true predicate as AmbiguousTransitionError.
func (c *StateConfig) Permit(t Trigger, dest State, predicate ...Predicate) *StateConfig {
	p := Predicate(func() bool { return true })
	if len(predicate) > 0 {
		p = predicate[0]
	}
	c.transitions = append(c.transitions, transition{trigger: t, dest: dest, predicate: p})
	return c
}

// SubstateOf declares parent as a substate-fallback parent of this state.
// A state may have more than one parent.
func (c *StateConfig) SubstateOf(parent State) *StateConfig {
	c.parents = append(c.parents, parent)
	return c
}

// OnEntry registers an action run whenever the machine enters this state.
// Entry actions may call Machine.Fire; the machine has already recorded
// the new current state by the time OnEntry runs, so such a call resolves
// relative to this state, not the one being left. Fire puts no bound on
// this recursion: an entry action must not fire a cycle of triggers that
// comes back to its own state without consuming input. None of the
// machines in this module (the xmlstream tokenizer, the httpframe framers,
// xmppsession) forms such a cycle.
func (c *StateConfig) OnEntry(action func()) *StateConfig {
	c.onEntry = append(c.onEntry, action)
	return c
}

// OnExit registers an action run whenever the machine leaves this state.
// The machine has not yet changed its current state when OnExit runs.
func (c *StateConfig) OnExit(action func()) *StateConfig {
	c.onExit = append(c.onExit, action)
	return c
}

// AmbiguousTransitionError reports that more than one permitted transition
// for Trigger in State (or in a parent reached by substate fallback)
// simultaneously qualified.
type AmbiguousTransitionError struct {
	State   State
	Trigger Trigger
}

func (e *AmbiguousTransitionError) Error() string {
	return fmt.Sprintf("hsm: ambiguous transition for trigger %q from state %q", e.Trigger, e.State)
}

// UndefinedTriggerError reports that Trigger has no permitted transition
// in State or in any of its substate-fallback ancestors.
type UndefinedTriggerError struct {
	State   State
	Trigger Trigger
}

func (e *UndefinedTriggerError) Error() string {
	return fmt.Sprintf("hsm: trigger %q is undefined in state %q", e.Trigger, e.State)
}

// errNoMatch is an internal sentinel distinguishing "no permitted
// transition found" from a real error during resolve's recursion; it
// never escapes resolve.
type errNoMatch struct{}

func (errNoMatch) Error() string { return "hsm: no match" }

// Machine is a hierarchical state machine. The zero value is not usable;
// construct with New.
type Machine struct {
	current State
	configs map[State]*StateConfig
}

// New constructs a Machine whose current state is initial. initial need
// not be configured yet — Configure may be called in any order, including
// after New.
func New(initial State) *Machine {
	return &Machine{
		current: initial,
		configs: make(map[State]*StateConfig),
	}
}

// Configure returns the mutable configuration for s, creating it on first
// use. Calling Configure again for the same state returns the same
// StateConfig, so a state's configuration can be built up incrementally.
func (m *Machine) Configure(s State) *StateConfig {
	cfg, ok := m.configs[s]
	if !ok {
		cfg = &StateConfig{state: s}
		m.configs[s] = cfg
	}
	return cfg
}

// State returns the machine's current state.
func (m *Machine) State() State { return m.current }

// CanFire reports whether Fire(t) would currently succeed, without
// performing the transition.
func (m *Machine) CanFire(t Trigger) bool {
	_, err := m.resolve(m.current, t)
	return err == nil
}

// Fire resolves t against the current state: first among the current
// state's own permitted transitions, then — if none qualify — by
// substate fallback into each declared parent, recursively. Exactly one
// qualifying transition must be found; zero fails with
// UndefinedTriggerError, more than one (at any single level, or split
// across parents) fails with AmbiguousTransitionError.
//
// On success, the source state's exit actions run, the current state
// changes, then the destination state's entry actions run. If an exit
// action panics, the machine is still in the source state. If an entry
// action panics, the machine has already advanced to the destination
// state — there is no rollback.
func (m *Machine) Fire(t Trigger) error {
	dest, err := m.resolve(m.current, t)
	if err != nil {
		if _, ok := err.(errNoMatch); ok {
			return &UndefinedTriggerError{State: m.current, Trigger: t}
		}
		return err
	}

	src := m.current
	if cfg, ok := m.configs[src]; ok {
		for _, exit := range cfg.onExit {
			exit()
		}
	}

	m.current = dest

	if cfg, ok := m.configs[dest]; ok {
		for _, entry := range cfg.onEntry {
			entry()
		}
	}
	return nil
}

// resolve finds the single destination state reached by firing t from
// state, trying state's own transitions first and falling back to its
// parents (depth-first, in declared order) only when state itself has no
// qualifying transition. It returns errNoMatch when nothing qualifies
// anywhere in the fallback chain.
func (m *Machine) resolve(state State, t Trigger) (State, error) {
	cfg, ok := m.configs[state]
	if !ok {
		return "", errNoMatch{}
	}

	var own []State
	for _, tr := range cfg.transitions {
		if tr.trigger == t && tr.predicate() {
			own = append(own, tr.dest)
		}
	}
	if len(own) > 1 {
		return "", &AmbiguousTransitionError{State: state, Trigger: t}
	}
	if len(own) == 1 {
		return own[0], nil
	}

	var fromParents []State
	for _, parent := range cfg.parents {
		dest, err := m.resolve(parent, t)
		if err != nil {
			if _, ok := err.(errNoMatch); ok {
				continue
			}
			return "", err
		}
		fromParents = append(fromParents, dest)
	}
	if len(fromParents) > 1 {
		return "", &AmbiguousTransitionError{State: state, Trigger: t}
	}
	if len(fromParents) == 1 {
		return fromParents[0], nil
	}
	return "", errNoMatch{}
}

// Validate checks the whole configuration graph for dangling references —
// a Permit destination or SubstateOf parent that was never itself
// Configure'd, or an initial state that isn't configured — and reports
// every defect found rather than stopping at the first one. It does not
// by itself prevent Fire from raising UndefinedTriggerError at run time;
// it is a build-time convenience for catching typos in a machine's wiring
// before it ever processes a byte.
func (m *Machine) Validate() error {
	var result error

	if _, ok := m.configs[m.current]; !ok {
		result = multierror.Append(result, fmt.Errorf("hsm: initial state %q is not configured", m.current))
	}

	for s, cfg := range m.configs {
		for _, tr := range cfg.transitions {
			if _, ok := m.configs[tr.dest]; !ok {
				result = multierror.Append(result, fmt.Errorf(
					"hsm: state %q permits trigger %q to unconfigured state %q", s, tr.trigger, tr.dest))
			}
		}
		for _, p := range cfg.parents {
			if _, ok := m.configs[p]; !ok {
				result = multierror.Append(result, fmt.Errorf(
					"hsm: state %q declares unconfigured substate parent %q", s, p))
			}
		}
	}
	return result
}
