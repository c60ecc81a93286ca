// Package steps provides the pipeline step handlers shipped with the runtime.
package steps

import (
	"context"
	"fmt"

	"github.com/creastat/infra/telemetry"

	"github.com/voxline/pipeline/asr"
	"github.com/voxline/pipeline/config"
	"github.com/voxline/pipeline/core"
	"github.com/voxline/pipeline/moshi"
)

// defaultClientID keys the session of messages that carry no client_id
// metadata. Its transport doubles as the init-time reachability check.
const defaultClientID = "default"

// ASRStepConfig holds ASR step configuration
type ASRStepConfig struct {
	Config config.Config
	Logger telemetry.Logger

	// Factory overrides the transport constructor; tests inject fakes
	// here. Nil selects the moshi websocket client.
	Factory asr.TransportFactory
}

// ASRStep hosts the segmentation engine inside the step runtime. It consumes
// raw PCM Data messages and emits START/TEXT/END through the step output,
// which is normally redirected back to the front-end transport step.
type ASRStep struct {
	cfg    ASRStepConfig
	logger telemetry.Logger
	engine *asr.Engine
}

// NewASRStep creates a new ASR step
func NewASRStep(cfg ASRStepConfig) *ASRStep {
	return &ASRStep{
		cfg:    cfg,
		logger: cfg.Logger.WithModule("kyutai_asr"),
	}
}

// Name returns the step name
func (s *ASRStep) Name() string {
	return "kyutai_asr"
}

// Init builds the engine and establishes the default session's connection.
// A connect timeout fails fast here, so the step never reaches Running on an
// unreachable engine. Additional clients dial lazily on their first audio.
func (s *ASRStep) Init() error {
	cfg := s.cfg.Config
	factory := s.cfg.Factory
	if factory == nil {
		factory = s.dialMoshi
	}

	s.engine = asr.NewEngine(asr.EngineConfig{
		SampleRate: cfg.SampleRate,
		FrameSize:  cfg.FrameSize,
		Session: asr.SessionConfig{
			PauseThreshold: cfg.PauseThreshold,
			VADThreshold:   cfg.VADThreshold,
			AttackTime:     cfg.AttackTime,
			ReleaseTime:    cfg.ReleaseTime,
			WarmupSteps:    cfg.WarmupSteps,
			FlushLength:    cfg.FlushLength,
		},
		Logger: s.cfg.Logger,
	}, factory)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := s.engine.EnsureSession(ctx, defaultClientID); err != nil {
		return fmt.Errorf("connect recognition engine at %q: %w", cfg.Host, err)
	}
	s.logger.Info("Recognition engine connected",
		telemetry.String("host", cfg.Host),
		telemetry.Int("sample_rate", cfg.SampleRate),
		telemetry.Int("frame_size", cfg.FrameSize))
	return nil
}

func (s *ASRStep) dialMoshi(ctx context.Context, clientID string, onEvent func(moshi.Event), onDisconnect func(error)) (asr.Transport, error) {
	client := moshi.NewClient(moshi.ClientConfig{
		Host:           s.cfg.Config.Host,
		APIKey:         s.cfg.Config.APIKey,
		ConnectTimeout: s.cfg.Config.ConnectTimeout,
		OnEvent:        onEvent,
		OnDisconnect:   onDisconnect,
		Logger:         s.cfg.Logger,
	})
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// BindOutput forwards the step's output binding to the engine, so emissions
// from the transport receive path follow pipeline rewiring.
func (s *ASRStep) BindOutput(emit func(core.Message) bool) {
	s.engine.BindOutput(emit)
}

// Handle processes one inbound message. Data messages must carry raw PCM
// bytes; anything else is an explicit error and leaves session state alone.
// A Control message with payload "reset" resets the sender's session.
func (s *ASRStep) Handle(ctx context.Context, msg core.Message) (*core.Message, error) {
	clientID := defaultClientID
	if id, ok := msg.Meta(core.MetaClientID); ok && id != "" {
		clientID = id
	}

	switch msg.Kind() {
	case core.KindData:
		pcm, ok := msg.Payload.([]byte)
		if !ok {
			return nil, fmt.Errorf("unsupported payload type %T, want raw PCM bytes", msg.Payload)
		}
		if len(pcm) == 0 {
			return nil, fmt.Errorf("empty audio payload")
		}
		return nil, s.engine.ProcessAudio(ctx, clientID, pcm)

	case core.KindControl:
		if cmd, ok := msg.Payload.(string); ok && cmd == "reset" {
			return nil, s.engine.ResetSession(clientID)
		}
		s.logger.Debug("Ignoring control payload", telemetry.String("client_id", clientID))
		return nil, nil

	case core.KindError, core.KindToolCall, core.KindToolResponse, core.KindToolRegistration:
		// Not addressed to the recognizer; tool traffic belongs to the
		// tool steps wired elsewhere in the pipeline.
		return nil, nil

	default:
		return nil, nil
	}
}

// Stats merges the engine view of one client's session with its transport
// counters, mirroring the session introspection surface.
type ASRStats struct {
	ClientID     string
	Connected    bool
	StreamActive bool
	PacketsSent  int64
	PacketsRecv  int64
	Speaking     bool
	Flushing     bool
	BufferWords  int
}

// Stats returns the introspection snapshot for one client, if its session
// exists.
func (s *ASRStep) Stats(clientID string) (ASRStats, bool) {
	if clientID == "" {
		clientID = defaultClientID
	}
	session, transport, ok := s.engine.SessionStats(clientID)
	if !ok {
		return ASRStats{}, false
	}
	return ASRStats{
		ClientID:     session.ClientID,
		Connected:    transport.Connected,
		StreamActive: transport.StreamActive,
		PacketsSent:  transport.PacketsSent,
		PacketsRecv:  transport.PacketsRecv,
		Speaking:     session.Speaking,
		Flushing:     session.Flushing,
		BufferWords:  session.TranscriptWords,
	}, true
}

// Cleanup closes every session and its transport.
func (s *ASRStep) Cleanup() error {
	if s.engine == nil {
		return nil
	}
	return s.engine.Close()
}
