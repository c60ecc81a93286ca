// Package asr implements the streaming speech-segmentation engine: per-session
// state machines fed by a remote recognition engine's event stream, converting
// a continuous pause-probability signal plus recognized words into discrete
// START/TEXT/END messages.
package asr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creastat/infra/telemetry"

	"github.com/voxline/pipeline/core"
	"github.com/voxline/pipeline/metrics"
	"github.com/voxline/pipeline/moshi"
)

// Transport is the engine's view of one recognition connection. Implemented
// by moshi.Client; tests drive the engine with an in-memory fake.
type Transport interface {
	SendAudio(samples []float32) error
	Connected() bool
	StreamActive() bool
	Stats() moshi.Stats
	Close() error
}

// TransportFactory opens a recognition connection for one session. The
// factory must deliver decoded events to onEvent in arrival order from the
// connection's receive goroutine and call onDisconnect once when the
// connection dies.
type TransportFactory func(ctx context.Context, clientID string, onEvent func(moshi.Event), onDisconnect func(error)) (Transport, error)

// EngineConfig holds segmentation engine configuration
type EngineConfig struct {
	SampleRate int // default 24000
	FrameSize  int // samples per frame, default 1920 (80 ms at 24 kHz)
	Session    SessionConfig

	// FrameInterval paces flush silence injection. Zero selects the frame
	// duration (the normal cadence); a negative value disables pacing,
	// which tests use to run the flush protocol synchronously.
	FrameInterval time.Duration

	Logger telemetry.Logger
}

// Engine hosts one segmentation session per client. The outbound path (audio
// framing and transmission) runs on the hosting step's worker; the inbound
// path runs on each transport's receive goroutine. The two meet only inside
// the session's own mutex.
type Engine struct {
	cfg     EngineConfig
	factory TransportFactory
	logger  telemetry.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
	emit          func(core.Message) bool
	closed        bool
}

// conversation couples one session with its framer and transport
type conversation struct {
	clientID  string
	session   *Session
	framer    *Framer
	transport Transport

	framerMu    sync.Mutex
	flushMu     sync.Mutex
	flushCancel chan struct{}
}

// NewEngine creates an engine that opens transports through factory.
func NewEngine(cfg EngineConfig, factory TransportFactory) *Engine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 1920
	}
	cfg.Session.FrameDuration = time.Duration(
		float64(cfg.FrameSize) / float64(cfg.SampleRate) * float64(time.Second))
	cfg.Session = cfg.Session.withDefaults()
	return &Engine{
		cfg:           cfg,
		factory:       factory,
		logger:        cfg.Logger.WithModule("asr"),
		conversations: make(map[string]*conversation),
	}
}

// BindOutput wires the engine's asynchronous emissions. The hosting step
// rebinds it whenever the pipeline rewires the step's output.
func (e *Engine) BindOutput(emit func(core.Message) bool) {
	e.mu.Lock()
	e.emit = emit
	e.mu.Unlock()
}

// EnsureSession creates the session for clientID if missing, dialing its
// transport. Connecting blocks up to the transport's connect timeout; a
// failure here is an initialization failure for the caller.
func (e *Engine) EnsureSession(ctx context.Context, clientID string) error {
	_, err := e.ensure(ctx, clientID)
	return err
}

func (e *Engine) ensure(ctx context.Context, clientID string) (*conversation, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("asr: engine closed")
	}
	if conv, ok := e.conversations[clientID]; ok {
		e.mu.Unlock()
		return conv, nil
	}
	e.mu.Unlock()

	conv := &conversation{
		clientID: clientID,
		session:  NewSession(clientID, e.cfg.Session),
		framer:   NewFramer(e.cfg.FrameSize, e.cfg.SampleRate),
	}
	transport, err := e.factory(ctx, clientID,
		func(ev moshi.Event) { e.handleEvent(conv, ev) },
		func(cause error) { e.onDisconnect(conv, cause) })
	if err != nil {
		return nil, fmt.Errorf("asr: open session %q: %w", clientID, err)
	}
	conv.transport = transport

	e.mu.Lock()
	if existing, ok := e.conversations[clientID]; ok {
		// Lost the creation race; keep the established session.
		e.mu.Unlock()
		transport.Close()
		return existing, nil
	}
	e.conversations[clientID] = conv
	e.mu.Unlock()

	metrics.ActiveSessions.Inc()
	e.logger.Info("Session created", telemetry.String("client_id", clientID))
	return conv, nil
}

// ProcessAudio slices one raw PCM buffer into frames and transmits them,
// creating the client's session on first audio. While a flush is in progress
// microphone frames yield to the silence injection so the flush counter stays
// aligned with exactly FlushLength injected frames. Disconnected transports
// drop frames; nothing is buffered for retransmission.
func (e *Engine) ProcessAudio(ctx context.Context, clientID string, pcm []byte) error {
	conv, err := e.ensure(ctx, clientID)
	if err != nil {
		return err
	}

	conv.framerMu.Lock()
	frames := conv.framer.Slice(pcm)
	conv.framerMu.Unlock()

	for _, frame := range frames {
		if conv.session.Flushing() {
			continue
		}
		if frame.Short(e.cfg.FrameSize) {
			e.logger.Warn("Transmitting short trailing frame",
				telemetry.String("client_id", clientID),
				telemetry.Int("samples", len(frame.Samples)),
				telemetry.Int("frame_size", e.cfg.FrameSize))
		}
		if err := conv.transport.SendAudio(frame.Samples); err != nil {
			continue
		}
		conv.session.FrameSent()
	}
	return nil
}

// handleEvent runs on the transport's receive goroutine.
func (e *Engine) handleEvent(conv *conversation, ev moshi.Event) {
	switch event := ev.(type) {
	case moshi.ReadyEvent:
		e.logger.Debug("Stream ready", telemetry.String("client_id", conv.clientID))
	case moshi.WordEvent:
		metrics.WordsRecognized.Inc()
		e.apply(conv, conv.session.OnWord(event.Text, event.StartTime))
	case moshi.EndWordEvent:
		conv.session.OnEndWord(event.StopTime)
	case moshi.StepEvent:
		e.apply(conv, conv.session.OnStep(event.PauseProb()))
	case moshi.MarkerEvent:
		e.logger.Debug("Marker echoed",
			telemetry.String("client_id", conv.clientID),
			telemetry.Int("marker_id", event.ID))
	}
}

// apply executes a transition result outside the session lock: directives
// first so a cancelled injector stops before new emissions go out.
func (e *Engine) apply(conv *conversation, res Result) {
	switch res.Directive {
	case DirectiveStartFlush:
		e.startFlush(conv)
	case DirectiveCancelFlush:
		conv.cancelFlush()
	}
	for _, em := range res.Emissions {
		e.emitMessage(conv.clientID, em)
	}
}

func (e *Engine) emitMessage(clientID string, em Emission) {
	e.mu.Lock()
	emit := e.emit
	e.mu.Unlock()

	var payload any
	switch v := em.(type) {
	case StartEmission:
		payload = core.SegmentStart{}
	case TextEmission:
		payload = core.SegmentText{Text: v.Text, StartTime: v.StartTime}
	case EndEmission:
		metrics.SegmentsCompleted.Inc()
		payload = core.SegmentEnd{Transcript: v.Transcript, WordCount: v.WordCount}
	default:
		return
	}

	if emit == nil {
		e.logger.Warn("No output bound, discarding segmentation message",
			telemetry.String("client_id", clientID))
		return
	}
	emit(core.NewDataWithMeta(payload, map[string]string{core.MetaClientID: clientID}))
}

// startFlush launches the silence injector for one flush attempt.
func (e *Engine) startFlush(conv *conversation) {
	conv.flushMu.Lock()
	if conv.flushCancel != nil {
		// An injector is already running for this flush.
		conv.flushMu.Unlock()
		return
	}
	cancel := make(chan struct{})
	conv.flushCancel = cancel
	conv.flushMu.Unlock()

	e.logger.Debug("Flush started",
		telemetry.String("client_id", conv.clientID),
		telemetry.Int("flush_length", e.cfg.Session.FlushLength))
	go e.injectSilence(conv, cancel)
}

// injectSilence transmits FlushLength zero-valued frames at the configured
// cadence. It stops early when the flush is cancelled by a late word or the
// transport dies; in the latter case the flush is abandoned, no END is forced.
func (e *Engine) injectSilence(conv *conversation, cancel chan struct{}) {
	defer conv.clearFlush(cancel)

	interval := e.cfg.FrameInterval
	if interval == 0 {
		interval = conv.framer.FrameDuration()
	}

	for i := 0; i < e.cfg.Session.FlushLength; i++ {
		select {
		case <-cancel:
			return
		default:
		}

		conv.framerMu.Lock()
		frame := conv.framer.Silence()
		conv.framerMu.Unlock()

		if err := conv.transport.SendAudio(frame.Samples); err != nil {
			e.logger.Warn("Flush abandoned, transport error",
				telemetry.String("client_id", conv.clientID),
				telemetry.Err(err))
			conv.session.AbandonFlush()
			return
		}
		conv.session.FrameSent()

		if interval > 0 && i < e.cfg.Session.FlushLength-1 {
			select {
			case <-cancel:
				return
			case <-time.After(interval):
			}
		}
	}
}

func (c *conversation) cancelFlush() {
	c.flushMu.Lock()
	if c.flushCancel != nil {
		close(c.flushCancel)
		c.flushCancel = nil
	}
	c.flushMu.Unlock()
}

// clearFlush forgets the injector's cancel channel once it exits, unless a
// newer flush already replaced it.
func (c *conversation) clearFlush(cancel chan struct{}) {
	c.flushMu.Lock()
	if c.flushCancel == cancel {
		c.flushCancel = nil
	}
	c.flushMu.Unlock()
}

// onDisconnect marks the session's flush abandoned when the transport dies.
// The transport itself already refuses further frames until reconnect.
func (e *Engine) onDisconnect(conv *conversation, cause error) {
	conv.cancelFlush()
	conv.session.AbandonFlush()
	e.logger.Warn("Session transport disconnected",
		telemetry.String("client_id", conv.clientID),
		telemetry.Err(cause))
}

// ResetSession restores a live session to its initial segmentation state.
func (e *Engine) ResetSession(clientID string) error {
	e.mu.Lock()
	conv, ok := e.conversations[clientID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("asr: no session for client %q", clientID)
	}
	conv.cancelFlush()
	conv.session.Reset()
	e.logger.Info("Session reset", telemetry.String("client_id", clientID))
	return nil
}

// CloseSession tears down one session: the flush injector is cancelled, the
// transport closed, and pending segmentation state discarded.
func (e *Engine) CloseSession(clientID string) error {
	e.mu.Lock()
	conv, ok := e.conversations[clientID]
	if ok {
		delete(e.conversations, clientID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("asr: no session for client %q", clientID)
	}

	conv.cancelFlush()
	err := conv.transport.Close()
	conv.session.Reset()
	metrics.ActiveSessions.Dec()
	e.logger.Info("Session closed", telemetry.String("client_id", clientID))
	return err
}

// Close tears down every session. The engine accepts no new work afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	conversations := make([]*conversation, 0, len(e.conversations))
	for _, conv := range e.conversations {
		conversations = append(conversations, conv)
	}
	e.conversations = make(map[string]*conversation)
	e.mu.Unlock()

	var firstErr error
	for _, conv := range conversations {
		conv.cancelFlush()
		if err := conv.transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		conv.session.Reset()
		metrics.ActiveSessions.Dec()
	}
	return firstErr
}

// SessionStats returns the read-only introspection surface of one session
// and its transport.
func (e *Engine) SessionStats(clientID string) (SessionStats, moshi.Stats, bool) {
	e.mu.Lock()
	conv, ok := e.conversations[clientID]
	e.mu.Unlock()
	if !ok {
		return SessionStats{}, moshi.Stats{}, false
	}
	return conv.session.Stats(), conv.transport.Stats(), true
}

// Sessions returns the ids of the live sessions.
func (e *Engine) Sessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.conversations))
	for id := range e.conversations {
		ids = append(ids, id)
	}
	return ids
}
