package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/creastat/infra/telemetry"

	"github.com/voxline/pipeline/core"
	"github.com/voxline/pipeline/metrics"
)

// StepState tracks a step through its lifecycle
type StepState int32

const (
	StepCreated StepState = iota
	StepInitialized
	StepRunning
	StepStopped
)

func (s StepState) String() string {
	switch s {
	case StepCreated:
		return "created"
	case StepInitialized:
		return "initialized"
	case StepRunning:
		return "running"
	case StepStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Handler is the unit of work hosted by a Step. Handle is invoked serially,
// one message at a time, from the step's worker goroutine. Returning a message
// forwards it to the step's output mailbox; returning an error converts it to
// an Error-kind message tagged with the step name.
type Handler interface {
	Name() string
	Init() error
	Handle(ctx context.Context, msg core.Message) (*core.Message, error)
	Cleanup() error
}

// Emitter is implemented by handlers that produce output outside the
// request/response cycle of Handle, such as a network receive loop. The step
// rebinds the emit function whenever its output wiring changes, so
// asynchronous emissions always follow the current wiring.
type Emitter interface {
	BindOutput(emit func(core.Message) bool)
}

// Step owns one mailbox, one handler and an optional output mailbox (the next
// step's input). Lifecycle: Created -> Initialized -> Running -> Stopped.
type Step struct {
	handler Handler
	mailbox *Mailbox
	logger  telemetry.Logger

	mu     sync.Mutex
	output *Mailbox
	state  StepState

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewStep wraps a handler with a bounded mailbox of the given capacity.
func NewStep(handler Handler, capacity int, logger telemetry.Logger) *Step {
	return &Step{
		handler: handler,
		mailbox: NewMailbox(handler.Name(), capacity, logger),
		logger:  logger.WithModule(handler.Name()),
		state:   StepCreated,
		done:    make(chan struct{}),
	}
}

// Name returns the handler's name.
func (s *Step) Name() string {
	return s.handler.Name()
}

// Mailbox returns the step's input mailbox.
func (s *Step) Mailbox() *Mailbox {
	return s.mailbox
}

// State returns the current lifecycle state.
func (s *Step) State() StepState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Output returns the current output mailbox, or nil when unwired.
func (s *Step) Output() *Mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

// SetOutput wires the step's output to the given mailbox and rebinds any
// asynchronous emitter the handler carries.
func (s *Step) SetOutput(out *Mailbox) {
	s.mu.Lock()
	s.output = out
	s.mu.Unlock()

	if emitter, ok := s.handler.(Emitter); ok {
		emitter.BindOutput(s.forward)
	}
}

// Enqueue offers a message to the step's input mailbox.
func (s *Step) Enqueue(msg core.Message) bool {
	return s.mailbox.Enqueue(msg)
}

// Start initializes the handler and launches the worker goroutine. A step
// whose Init fails never reaches Running.
func (s *Step) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StepCreated {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("step %q cannot start from state %s", s.Name(), state)
	}
	s.mu.Unlock()

	if err := s.handler.Init(); err != nil {
		return fmt.Errorf("init step %q: %w", s.Name(), err)
	}

	s.mu.Lock()
	s.state = StepInitialized
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = StepRunning
	s.mu.Unlock()

	if emitter, ok := s.handler.(Emitter); ok {
		emitter.BindOutput(s.forward)
	}

	go s.worker()
	s.logger.Debug("Step running")
	return nil
}

// Stop transitions Running -> Stopped, joins the worker and runs Cleanup
// exactly once. Safe to call multiple times and on a step that never started;
// queued messages not yet delivered are discarded.
func (s *Step) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.state == StepRunning
		s.state = StepStopped
		cancel := s.cancel
		s.mu.Unlock()

		if started {
			cancel()
			<-s.done
		}

		if err := s.handler.Cleanup(); err != nil {
			s.logger.Error("Step cleanup failed", telemetry.Err(err))
		}
		s.logger.Debug("Step stopped")
	})
}

func (s *Step) worker() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.mailbox.ch:
			s.dispatch(msg)
		}
	}
}

// dispatch invokes the handler for one message. Faults are contained here:
// a panic or returned error becomes an Error-kind message on the output
// mailbox and the worker keeps draining.
func (s *Step) dispatch(msg core.Message) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			s.logger.Error("Handler panicked",
				telemetry.String("panic", fmt.Sprint(r)),
				telemetry.String("stack", string(buf[:n])))
			metrics.StepErrors.WithLabelValues(s.Name()).Inc()
			s.forward(core.NewError(s.Name(), fmt.Errorf("panic: %v", r)).CarryMeta(msg))
		}
	}()

	out, err := s.handler.Handle(s.ctx, msg)
	if err != nil {
		s.logger.Error("Handler failed", telemetry.Err(err), telemetry.String("kind", string(msg.Kind())))
		metrics.StepErrors.WithLabelValues(s.Name()).Inc()
		s.forward(core.NewError(s.Name(), err).CarryMeta(msg))
		return
	}
	if out != nil {
		s.forward(out.CarryMeta(msg))
	}
}

// forward enqueues a message on the current output mailbox, if wired.
func (s *Step) forward(msg core.Message) bool {
	out := s.Output()
	if out == nil {
		return false
	}
	return out.Enqueue(msg)
}
