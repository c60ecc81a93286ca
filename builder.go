package pipeline

import (
	"fmt"

	"github.com/creastat/infra/telemetry"
)

// Builder assembles a pipeline with a fluent API. Errors are collected and
// reported once from Build, so wiring reads as a single declaration.
type Builder struct {
	name     string
	logger   telemetry.Logger
	capacity int

	handlers []Handler
	wires    []builderWire
	firstErr error
}

type builderWire struct {
	from     string
	to       string
	feedback bool
}

// NewBuilder starts a pipeline declaration. capacity <= 0 selects
// DefaultMailboxCapacity for every step mailbox.
func NewBuilder(name string, logger telemetry.Logger) *Builder {
	return &Builder{
		name:   name,
		logger: logger,
	}
}

// WithMailboxCapacity overrides the mailbox capacity applied to every step.
func (b *Builder) WithMailboxCapacity(capacity int) *Builder {
	b.capacity = capacity
	return b
}

// AddStep registers a handler as a pipeline step.
func (b *Builder) AddStep(handler Handler) *Builder {
	if handler == nil {
		b.fail(fmt.Errorf("nil handler"))
		return b
	}
	b.handlers = append(b.handlers, handler)
	return b
}

// Connect wires the primary output of step from to step to.
func (b *Builder) Connect(from, to string) *Builder {
	b.wires = append(b.wires, builderWire{from: from, to: to})
	return b
}

// Redirect wires a feedback edge from a downstream step back upstream.
func (b *Builder) Redirect(from, to string) *Builder {
	b.wires = append(b.wires, builderWire{from: from, to: to, feedback: true})
	return b
}

func (b *Builder) fail(err error) {
	if b.firstErr == nil {
		b.firstErr = err
	}
}

// Build materializes the declared pipeline. The first error encountered while
// declaring or wiring is returned; the pipeline is not started.
func (b *Builder) Build() (*Pipeline, error) {
	if b.firstErr != nil {
		return nil, fmt.Errorf("build pipeline %q: %w", b.name, b.firstErr)
	}
	if len(b.handlers) == 0 {
		return nil, fmt.Errorf("build pipeline %q: no steps declared", b.name)
	}

	p := New(b.name, b.logger)
	for _, handler := range b.handlers {
		if err := p.AddStep(NewStep(handler, b.capacity, b.logger)); err != nil {
			return nil, fmt.Errorf("build pipeline %q: %w", b.name, err)
		}
	}
	for _, w := range b.wires {
		var err error
		if w.feedback {
			err = p.Redirect(w.from, w.to)
		} else {
			err = p.Connect(w.from, w.to)
		}
		if err != nil {
			return nil, fmt.Errorf("build pipeline %q: %w", b.name, err)
		}
	}
	return p, nil
}
