package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/creastat/infra/telemetry"

	"github.com/voxline/pipeline/core"
)

// Pipeline owns a set of named steps and the wiring between their mailboxes.
// Steps execute concurrently and independently; the pipeline only manages
// wiring and the start/stop of every step.
type Pipeline struct {
	name   string
	logger telemetry.Logger

	mu      sync.Mutex
	steps   map[string]*Step
	order   []string
	edges   []edge
	running bool
}

// edge records one wiring operation for validation and introspection
type edge struct {
	from     string
	to       string
	feedback bool
}

// New creates an empty pipeline.
func New(name string, logger telemetry.Logger) *Pipeline {
	return &Pipeline{
		name:   name,
		logger: logger.WithModule("pipeline"),
		steps:  make(map[string]*Step),
	}
}

// AddStep registers a step under its handler name.
func (p *Pipeline) AddStep(step *Step) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := step.Name()
	if _, exists := p.steps[name]; exists {
		return ValidationError{
			Message: "cannot add step",
			Details: fmt.Sprintf("step %q already exists", name),
		}
	}
	p.steps[name] = step
	p.order = append(p.order, name)
	return nil
}

// Connect sets the primary output of step from to the input mailbox of step
// to. Connecting the same source again rewires it.
func (p *Pipeline) Connect(from, to string) error {
	return p.wire(from, to, false)
}

// Redirect wires a feedback edge: a downstream step replying directly to an
// upstream one (the segmentation engine answering the front-end transport
// step). It is the explicit form of what would otherwise be hidden rewiring,
// and is exempt from the acyclicity check on primary edges.
func (p *Pipeline) Redirect(from, to string) error {
	return p.wire(from, to, true)
}

func (p *Pipeline) wire(from, to string, feedback bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fromStep, ok := p.steps[from]
	if !ok {
		return ValidationError{Message: "cannot connect", Details: fmt.Sprintf("source step %q does not exist", from)}
	}
	toStep, ok := p.steps[to]
	if !ok {
		return ValidationError{Message: "cannot connect", Details: fmt.Sprintf("destination step %q does not exist", to)}
	}
	if from == to && !feedback {
		return ValidationError{Message: "cannot connect", Details: fmt.Sprintf("step %q cannot be its own primary output", from)}
	}

	// Rewiring replaces the previous edge from the same source.
	kept := p.edges[:0]
	for _, e := range p.edges {
		if e.from != from {
			kept = append(kept, e)
		}
	}
	p.edges = append(kept, edge{from: from, to: to, feedback: feedback})

	fromStep.SetOutput(toStep.Mailbox())
	p.logger.Debug("Wired steps",
		telemetry.String("from", from),
		telemetry.String("to", to),
		telemetry.Bool("feedback", feedback))
	return nil
}

// Step retrieves a registered step by name, or nil.
func (p *Pipeline) Step(name string) *Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.steps[name]
}

// Send enqueues a message on the named step's input mailbox. Mailbox overflow
// is not an error here: the message is dropped with a warning by the mailbox
// itself.
func (p *Pipeline) Send(step string, msg core.Message) error {
	s := p.Step(step)
	if s == nil {
		return ValidationError{Message: "cannot send", Details: fmt.Sprintf("step %q does not exist", step)}
	}
	s.Enqueue(msg)
	return nil
}

// Start validates the wiring and starts every step in registration order. If
// any step fails to initialize, the steps already running are stopped and the
// error is returned.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline %q already running", p.name)
	}
	steps := make([]*Step, 0, len(p.order))
	for _, name := range p.order {
		steps = append(steps, p.steps[name])
	}
	edges := append([]edge(nil), p.edges...)
	p.mu.Unlock()

	if err := validateWiring(edges); err != nil {
		return err
	}

	started := make([]*Step, 0, len(steps))
	for _, step := range steps {
		if err := step.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				started[i].Stop()
			}
			return fmt.Errorf("start pipeline %q: %w", p.name, err)
		}
		started = append(started, step)
	}

	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	p.logger.Info("Pipeline started", telemetry.String("pipeline", p.name), telemetry.Int("steps", len(steps)))
	return nil
}

// Stop stops every step in reverse registration order. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	names := append([]string(nil), p.order...)
	p.running = false
	p.mu.Unlock()

	for i := len(names) - 1; i >= 0; i-- {
		p.steps[names[i]].Stop()
	}
	p.logger.Info("Pipeline stopped", telemetry.String("pipeline", p.name))
}
