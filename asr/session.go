package asr

import (
	"strings"
	"sync"
	"time"
)

// SessionConfig tunes one segmentation session. Zero values are replaced by
// the package defaults, which mirror the recognized configuration options.
type SessionConfig struct {
	PauseThreshold float64       // smoothed probability above which a flush starts
	VADThreshold   float64       // smoothed probability below which hysteresis resets
	AttackTime     float64       // EMA attack constant, seconds
	ReleaseTime    float64       // EMA release constant, seconds
	WarmupSteps    int           // Step events ignored after session creation
	FlushLength    int           // silence frames injected to force finalization
	FrameDuration  time.Duration // audio frame period
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.PauseThreshold == 0 {
		c.PauseThreshold = 0.9
	}
	if c.VADThreshold == 0 {
		c.VADThreshold = 0.8
	}
	if c.AttackTime == 0 {
		c.AttackTime = 0.01
	}
	if c.ReleaseTime == 0 {
		c.ReleaseTime = 0.01
	}
	if c.WarmupSteps == 0 {
		c.WarmupSteps = 10
	}
	if c.FlushLength == 0 {
		c.FlushLength = 12
	}
	if c.FrameDuration == 0 {
		c.FrameDuration = 80 * time.Millisecond
	}
	return c
}

// Emission is a segmentation output produced by a state transition.
type Emission any

// StartEmission marks speech onset.
type StartEmission struct{}

// TextEmission carries one recognized token and its start offset in seconds.
type TextEmission struct {
	Text      string
	StartTime float64
}

// EndEmission closes a segment with the accumulated transcript.
type EndEmission struct {
	Transcript string
	WordCount  int
}

// Directive instructs the engine to act outside the session lock. Transitions
// never perform I/O themselves; they only report what the engine must do.
type Directive int

const (
	DirectiveNone Directive = iota
	// DirectiveStartFlush asks the engine to inject FlushLength silence
	// frames at the normal frame cadence.
	DirectiveStartFlush
	// DirectiveCancelFlush asks the engine to stop an in-flight injection.
	DirectiveCancelFlush
)

// Result couples the emissions and the directive produced by one transition.
type Result struct {
	Emissions []Emission
	Directive Directive
}

// Session holds the segmentation state of one client's audio stream. All
// fields are owned by the session and guarded by a single short-held mutex;
// transitions are pure state updates and never touch the network.
//
// The three segmentation states are encoded by the speaking/flushing pair:
// Idle (false,false), Speaking (true,false), Flushing (true,true).
type Session struct {
	mu sync.Mutex

	clientID        string
	cfg             SessionConfig
	speaking        bool
	flushing        bool
	pauseProb       *EMA
	sentCount       int64
	receivedCount   int64
	flushTarget     int64
	warmupRemaining int
	transcript      []string
	lastWordEnd     float64
}

// SessionStats is the read-only introspection surface of a session.
type SessionStats struct {
	ClientID         string
	Speaking         bool
	Flushing         bool
	PauseProbability float64
	SentFrames       int64
	ReceivedSteps    int64
	TranscriptWords  int
	WarmupRemaining  int
}

// NewSession creates a session for one client. A fresh session defaults to
// "likely paused": the smoothed pause probability starts at 1.0.
func NewSession(clientID string, cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		clientID:        clientID,
		cfg:             cfg,
		pauseProb:       NewEMA(cfg.AttackTime, cfg.ReleaseTime, 1.0),
		warmupRemaining: cfg.WarmupSteps,
	}
}

// OnWord applies a recognized token.
//
// Idle -> Speaking emits START before the token's TEXT. A word processed while
// flushing cancels the flush only when receivedCount has not yet reached the
// flush target; at equality the flush completion decided by the Step handler
// has already won and the word opens the next segment instead.
func (s *Session) OnWord(text string, startTime float64) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res Result
	if s.flushing && s.receivedCount < s.flushTarget {
		s.flushing = false
		res.Directive = DirectiveCancelFlush
	}
	if !s.speaking {
		s.speaking = true
		res.Emissions = append(res.Emissions, StartEmission{})
	}
	s.pauseProb.Set(0)
	s.transcript = append(s.transcript, text)
	res.Emissions = append(res.Emissions, TextEmission{Text: text, StartTime: startTime})
	return res
}

// OnEndWord records the stop time of the last recognized token. No transition.
func (s *Session) OnEndWord(stopTime float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastWordEnd = stopTime
}

// OnStep integrates one pause-probability sample from the remote engine.
//
// The received-event counter always advances, warm-up or not: flush
// completion is keyed on it, never on wall-clock time. The first WarmupSteps
// samples are excluded from probability integration.
func (s *Session) OnStep(pause float64) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.receivedCount++
	if s.warmupRemaining > 0 {
		s.warmupRemaining--
		return Result{}
	}

	value := s.pauseProb.Update(s.cfg.FrameDuration.Seconds(), pause)

	if s.flushing {
		if s.receivedCount >= s.flushTarget {
			transcript := strings.Join(s.transcript, " ")
			wordCount := len(s.transcript)
			s.flushing = false
			s.speaking = false
			s.transcript = nil
			return Result{Emissions: []Emission{EndEmission{Transcript: transcript, WordCount: wordCount}}}
		}
		return Result{}
	}

	if !s.speaking {
		return Result{}
	}

	if value > s.cfg.PauseThreshold {
		s.flushing = true
		s.flushTarget = s.sentCount + int64(s.cfg.FlushLength)
		return Result{Directive: DirectiveStartFlush}
	}

	if value < s.cfg.VADThreshold {
		// Hysteresis reset: a brief rise must not leave the average primed
		// to cross the pause threshold on the next sample.
		s.pauseProb.Set(0)
	}
	return Result{}
}

// FrameSent accounts one transmitted audio frame and returns the new count.
func (s *Session) FrameSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentCount++
	return s.sentCount
}

// AbandonFlush clears an in-flight flush without emitting END. Used when the
// transport drops mid-flush: the segment stays open rather than being
// silently reported as completed.
func (s *Session) AbandonFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushing = false
	s.flushTarget = 0
}

// Flushing reports whether a flush is in progress.
func (s *Session) Flushing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushing
}

// ClientID returns the owning client identifier.
func (s *Session) ClientID() string {
	return s.clientID
}

// Reset restores the session to its initial state: not speaking, not
// flushing, empty transcript, warm-up restored and the smoothed probability
// back at 1.0 so a reconnect defaults to "likely paused".
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.flushing = false
	s.transcript = nil
	s.sentCount = 0
	s.receivedCount = 0
	s.flushTarget = 0
	s.warmupRemaining = s.cfg.WarmupSteps
	s.lastWordEnd = 0
	s.pauseProb.Set(1.0)
}

// Stats returns a read-only snapshot of the session state.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		ClientID:         s.clientID,
		Speaking:         s.speaking,
		Flushing:         s.flushing,
		PauseProbability: s.pauseProb.Value(),
		SentFrames:       s.sentCount,
		ReceivedSteps:    s.receivedCount,
		TranscriptWords:  len(s.transcript),
		WarmupRemaining:  s.warmupRemaining,
	}
}
