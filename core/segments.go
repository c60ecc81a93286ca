package core

// Speech segment payloads produced by the segmentation engine. They travel as
// Data-kind messages; consumers switch on the payload type.

// SegmentStart marks the onset of a speech segment. Emitted exactly once per
// transition into active speech.
type SegmentStart struct{}

// SegmentText carries one recognized token. StartTime is the token's offset in
// seconds from the start of the audio stream; tokens arrive in increasing
// StartTime order.
type SegmentText struct {
	Text      string
	StartTime float64
}

// SegmentEnd closes a speech segment with the accumulated transcript.
type SegmentEnd struct {
	Transcript string
	WordCount  int
}
