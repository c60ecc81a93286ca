package steps

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/creastat/infra/telemetry"

	"github.com/voxline/pipeline/core"
)

// ConsoleSink prints segmentation messages to a writer. Terminal step for the
// CLI runner and examples.
type ConsoleSink struct {
	out    io.Writer
	logger telemetry.Logger
}

// NewConsoleSink creates a sink writing to out; nil selects stdout.
func NewConsoleSink(out io.Writer, logger telemetry.Logger) *ConsoleSink {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleSink{
		out:    out,
		logger: logger.WithModule("console_sink"),
	}
}

// Name returns the step name
func (s *ConsoleSink) Name() string {
	return "console_sink"
}

// Init is a no-op; the sink holds no resources.
func (s *ConsoleSink) Init() error {
	return nil
}

// Handle renders one message. Unknown payloads are skipped quietly; the sink
// never fails the pipeline.
func (s *ConsoleSink) Handle(ctx context.Context, msg core.Message) (*core.Message, error) {
	clientID, _ := msg.Meta(core.MetaClientID)

	switch msg.Kind() {
	case core.KindData:
		switch payload := msg.Payload.(type) {
		case core.SegmentStart:
			fmt.Fprintf(s.out, "[%s] >>> speech start\n", clientID)
		case core.SegmentText:
			fmt.Fprintf(s.out, "[%s] %6.2fs %s\n", clientID, payload.StartTime, payload.Text)
		case core.SegmentEnd:
			fmt.Fprintf(s.out, "[%s] <<< speech end (%d words): %s\n", clientID, payload.WordCount, payload.Transcript)
		}
	case core.KindError:
		if payload, ok := msg.Payload.(core.ErrorPayload); ok {
			fmt.Fprintf(s.out, "[%s] error: %s\n", clientID, payload.Error())
		}
	case core.KindControl, core.KindToolCall, core.KindToolResponse, core.KindToolRegistration:
		s.logger.Debug("Skipping non-renderable message", telemetry.String("kind", string(msg.Kind())))
	}
	return nil, nil
}

// Cleanup is a no-op.
func (s *ConsoleSink) Cleanup() error {
	return nil
}
