package process

import (
	"fmt"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// Builder assembles a Graph. Steps are declared in order; the first one is
// the initial step. Build validates every edge and returns an immutable
// graph, so a definition that registered is a definition that runs.
//
//	g, err := process.NewBuilder().
//		Step("BookLimits").Compensation("ReleaseLimits").Then("CreateTransaction").
//		Step("CreateTransaction").Compensation("ReverseTransaction").Then("CreatePayment").
//		Step("CreatePayment").
//		Build()
type Builder struct {
	steps []Step
}

// NewBuilder starts an empty graph definition.
func NewBuilder() *Builder {
	return &Builder{}
}

// Step declares a node and returns a StepBuilder scoped to it. A step with
// no transition call is terminal.
func (b *Builder) Step(name string) *StepBuilder {
	b.steps = append(b.steps, Step{Name: name})
	return &StepBuilder{b: b, idx: len(b.steps) - 1}
}

// Build validates the declared steps and freezes them into a Graph.
func (b *Builder) Build() (*Graph, error) {
	if len(b.steps) == 0 {
		return nil, buildErr("graph has no steps")
	}
	g := &Graph{
		initial: b.steps[0].Name,
		steps:   make(map[string]Step, len(b.steps)),
		order:   make([]string, 0, len(b.steps)),
	}
	for _, s := range b.steps {
		if s.Name == "" {
			return nil, buildErr("step with empty name")
		}
		if _, dup := g.steps[s.Name]; dup {
			return nil, buildErr("step %q declared twice", s.Name)
		}
		g.steps[s.Name] = s
		g.order = append(g.order, s.Name)
	}
	for _, s := range b.steps {
		if err := validateEdges(g, s); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// validateEdges checks that every edge of a step lands on a declared node.
// Parallel branches and compensations are command tags, not nodes, and are
// exempt; an empty parallel shape is caught at execution time instead.
func validateEdges(g *Graph, s Step) error {
	t := s.Transition
	switch t.Kind {
	case KindLinear:
		if _, ok := g.steps[t.Next]; !ok {
			return buildErr("step %q: next step %q not declared", s.Name, t.Next)
		}
	case KindConditional:
		if t.Predicate == nil {
			return buildErr("step %q: conditional without predicate", s.Name)
		}
		if _, ok := g.steps[t.WhenTrue]; !ok {
			return buildErr("step %q: whenTrue step %q not declared", s.Name, t.WhenTrue)
		}
		if t.WhenFalse != "" {
			if _, ok := g.steps[t.WhenFalse]; !ok {
				return buildErr("step %q: whenFalse step %q not declared", s.Name, t.WhenFalse)
			}
		}
	case KindParallel:
		if t.JoinStep != "" {
			if _, ok := g.steps[t.JoinStep]; !ok {
				return buildErr("step %q: join step %q not declared", s.Name, t.JoinStep)
			}
		}
	}
	return nil
}

func buildErr(format string, args ...any) error {
	return fmt.Errorf("op=process.build: "+format+": %w", append(args, domain.ErrInvalidProcessGraph)...)
}

// StepBuilder configures the step it was created for. All methods return a
// builder so declarations chain; Step starts the next node.
type StepBuilder struct {
	b   *Builder
	idx int
}

// Step ends this node's declaration and starts the next one.
func (s *StepBuilder) Step(name string) *StepBuilder {
	return s.b.Step(name)
}

// Build delegates to the graph builder.
func (s *StepBuilder) Build() (*Graph, error) {
	return s.b.Build()
}

// Compensation names the command that undoes this step.
func (s *StepBuilder) Compensation(command string) *StepBuilder {
	s.b.steps[s.idx].Compensation = command
	return s
}

// Then makes the step linear into next.
func (s *StepBuilder) Then(next string) *StepBuilder {
	s.b.steps[s.idx].Transition = Transition{Kind: KindLinear, Next: next}
	return s
}

// Terminal marks the step as the end of the process. This is also the
// default for a step declared without a transition.
func (s *StepBuilder) Terminal() *StepBuilder {
	s.b.steps[s.idx].Transition = Transition{Kind: KindTerminal}
	return s
}

// When routes on a predicate: whenTrue on true, whenFalse on false. An empty
// whenFalse means the false path skips whenTrue and continues with the step
// declared after it.
func (s *StepBuilder) When(pred Predicate, whenTrue, whenFalse string) *StepBuilder {
	s.b.steps[s.idx].Transition = Transition{
		Kind:      KindConditional,
		Predicate: pred,
		WhenTrue:  whenTrue,
		WhenFalse: whenFalse,
	}
	return s
}

// Parallel fans out the branch commands concurrently and continues at join
// once every branch completed. Branches are command tags and may, but do not
// have to, be declared nodes; declaring one is how a branch gets a
// compensation.
func (s *StepBuilder) Parallel(branches []string, join string) *StepBuilder {
	s.b.steps[s.idx].Transition = Transition{
		Kind:     KindParallel,
		Branches: append([]string(nil), branches...),
		JoinStep: join,
	}
	return s
}
