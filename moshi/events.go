// Package moshi implements the transport adapter for a Kyutai-style streaming
// recognition engine: one persistent websocket connection per session carrying
// msgpack frames. Outbound frames are normalized audio; inbound frames decode
// into the closed event union consumed by the segmentation engine.
package moshi

// EventType identifies a decoded frame from the recognition engine
type EventType string

const (
	EventTypeReady   EventType = "Ready"
	EventTypeWord    EventType = "Word"
	EventTypeEndWord EventType = "EndWord"
	EventTypeMarker  EventType = "Marker"
	EventTypeStep    EventType = "Step"
)

// Event represents any decoded engine event
type Event interface {
	EventType() EventType
}

// ReadyEvent signals that the engine accepted the stream. Connection setup is
// complete only once it has been observed.
type ReadyEvent struct{}

func (e ReadyEvent) EventType() EventType {
	return EventTypeReady
}

// WordEvent carries one recognized token and its start offset in seconds
type WordEvent struct {
	Text      string
	StartTime float64
}

func (e WordEvent) EventType() EventType {
	return EventTypeWord
}

// EndWordEvent marks the stop offset of the most recent token
type EndWordEvent struct {
	StopTime float64
}

func (e EndWordEvent) EventType() EventType {
	return EventTypeEndWord
}

// MarkerEvent echoes a marker previously injected into the audio stream
type MarkerEvent struct {
	ID int
}

func (e MarkerEvent) EventType() EventType {
	return EventTypeMarker
}

// StepEvent carries the engine's per-frame probability vector. Index 0 is the
// pause likelihood used for segmentation.
type StepEvent struct {
	StepIdx int
	Probs   []float64
}

func (e StepEvent) EventType() EventType {
	return EventTypeStep
}

// PauseProb returns the pause-likelihood component of the vector, or 1.0 when
// the vector is empty (no signal is treated as silence).
func (e StepEvent) PauseProb() float64 {
	if len(e.Probs) == 0 {
		return 1.0
	}
	return e.Probs[0]
}
