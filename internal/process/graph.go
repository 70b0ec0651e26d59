// Package process is the saga engine: declarative step graphs, a registry of
// process configurations, and the manager that drives instances by issuing
// step commands and consuming their replies. All state lives in the process
// store; the engine itself keeps nothing in memory between replies.
package process

// TransitionKind says how control leaves a step.
type TransitionKind int

const (
	// KindTerminal ends the process after the step completes.
	KindTerminal TransitionKind = iota
	// KindLinear moves to one fixed next step.
	KindLinear
	// KindConditional picks the next step with a predicate over the
	// instance data.
	KindConditional
	// KindParallel fans out branch commands and waits at a join step.
	KindParallel
)

// Predicate decides a conditional edge from the instance's rolling data.
type Predicate func(data map[string]any) bool

// Transition is the single outgoing edge of a step. Exactly the fields of
// its kind are set.
type Transition struct {
	Kind      TransitionKind
	Next      string
	Predicate Predicate
	WhenTrue  string
	WhenFalse string
	Branches  []string
	JoinStep  string
}

// Step is one node of a process graph. Name doubles as the command tag the
// step issues. Compensation, when set, names the command that undoes the
// step; it does not have to be a graph node itself.
type Step struct {
	Name         string
	Compensation string
	Transition   Transition
}

// Graph is an immutable process definition built once at startup. The
// declaration order of steps is significant: a conditional without a false
// branch falls through to the step declared after its true branch.
type Graph struct {
	initial string
	steps   map[string]Step
	order   []string
}

// InitialStep is the first step of every run.
func (g *Graph) InitialStep() string { return g.initial }

// Step looks a node up by name.
func (g *Graph) Step(name string) (Step, bool) {
	s, ok := g.steps[name]
	return s, ok
}

// Steps returns the nodes in declaration order.
func (g *Graph) Steps() []Step {
	out := make([]Step, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.steps[name])
	}
	return out
}

// CompensationOf returns the compensation command of a step, or "" when the
// step has none or is not a node.
func (g *Graph) CompensationOf(step string) string {
	s, ok := g.steps[step]
	if !ok {
		return ""
	}
	return s.Compensation
}

// follower returns the step declared right after name, or "".
func (g *Graph) follower(name string) string {
	for i, n := range g.order {
		if n == name && i+1 < len(g.order) {
			return g.order[i+1]
		}
	}
	return ""
}

// NextStep resolves where control goes after the named step completed, using
// data for conditional edges. ok is false when the step is terminal, which
// completes the process. A parallel step never resolves here; the manager
// fans it out instead and later resolves NextStep of its join step.
func (g *Graph) NextStep(current string, data map[string]any) (string, bool) {
	step, ok := g.steps[current]
	if !ok {
		return "", false
	}
	t := step.Transition
	switch t.Kind {
	case KindLinear:
		return t.Next, true
	case KindConditional:
		if t.Predicate != nil && t.Predicate(data) {
			return t.WhenTrue, true
		}
		if t.WhenFalse != "" {
			return t.WhenFalse, true
		}
		// Optional-step pattern: skip the true branch and continue with
		// whatever is declared after it.
		if next := g.follower(t.WhenTrue); next != "" {
			return next, true
		}
		return "", false
	default:
		return "", false
	}
}
