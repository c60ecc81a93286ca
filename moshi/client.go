package moshi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creastat/infra/telemetry"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/voxline/pipeline/metrics"
)

// DefaultConnectTimeout bounds connection setup, including the wait for the
// Ready event.
const DefaultConnectTimeout = 10 * time.Second

// asrStreamingPath is the engine's streaming endpoint
const asrStreamingPath = "/api/asr-streaming"

var (
	// ErrNotConnected is returned when a frame is offered while the
	// transport is disconnected. The frame is dropped, not buffered.
	ErrNotConnected = errors.New("moshi: not connected")
	// ErrAlreadyConnected is returned by Connect on a live connection.
	ErrAlreadyConnected = errors.New("moshi: already connected")
)

// ClientConfig holds transport adapter configuration
type ClientConfig struct {
	Host           string // endpoint host, optionally host:port or a full ws(s) URL
	APIKey         string
	ConnectTimeout time.Duration
	OnEvent        func(Event) // invoked from the receive goroutine, in arrival order
	OnDisconnect   func(error) // invoked once when the receive loop exits
	Logger         telemetry.Logger
}

// Client owns one persistent bidirectional connection to the remote
// recognition engine. Writes are serialized internally; decoded events are
// delivered from a dedicated receive goroutine.
type Client struct {
	cfg    ClientConfig
	logger telemetry.Logger

	mu           sync.Mutex
	writeMu      sync.Mutex
	conn         *websocket.Conn
	connected    bool
	streamActive bool
	done         chan struct{}

	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
}

// Stats is the read-only introspection surface of the transport.
type Stats struct {
	Connected    bool
	StreamActive bool
	PacketsSent  int64
	PacketsRecv  int64
	Dropped      int64
}

// wireFrame is the msgpack shape shared by all frames on the wire. The type
// tag selects which of the remaining fields are meaningful.
type wireFrame struct {
	Type      string    `msgpack:"type"`
	PCM       []float32 `msgpack:"pcm,omitempty"`
	Text      string    `msgpack:"text,omitempty"`
	StartTime float64   `msgpack:"start_time,omitempty"`
	StopTime  float64   `msgpack:"stop_time,omitempty"`
	ID        int       `msgpack:"id,omitempty"`
	StepIdx   int       `msgpack:"step_idx,omitempty"`
	Probs     []float64 `msgpack:"prs,omitempty"`
}

// NewClient creates a disconnected transport adapter.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.WithModule("moshi"),
	}
}

// endpoint builds the websocket URL from the configured host.
func (c *Client) endpoint() (string, error) {
	host := c.cfg.Host
	if host == "" {
		return "", fmt.Errorf("moshi: host not configured")
	}
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return "", fmt.Errorf("moshi: invalid host %q: %w", host, err)
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = asrStreamingPath
		}
		return u.String(), nil
	}
	u := url.URL{Scheme: "wss", Host: host, Path: asrStreamingPath}
	return u.String(), nil
}

// Connect dials the engine and blocks until a Ready event is observed or the
// timeout elapses. On success the receive loop is started; on failure the
// connection is torn down and the error surfaces to the owning step's Init.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	header := make(map[string][]string)
	if c.cfg.APIKey != "" {
		header["kyutai-api-key"] = []string{c.cfg.APIKey}
	}

	c.logger.Debug("Connecting to recognition engine", telemetry.String("endpoint", endpoint))
	conn, _, err := dialer.DialContext(dialCtx, endpoint, header)
	if err != nil {
		return fmt.Errorf("moshi: connect %s: %w", endpoint, err)
	}

	// The stream is usable only after the engine says so.
	if err := c.awaitReady(conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.streamActive = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.receiveLoop(conn, done)
	c.logger.Info("Recognition engine ready", telemetry.String("endpoint", endpoint))
	return nil
}

// awaitReady reads frames until Ready arrives, bounded by the connect timeout.
func (c *Client) awaitReady(conn *websocket.Conn) error {
	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("moshi: set handshake deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("moshi: waiting for ready: %w", err)
		}
		ev, err := decodeEvent(data)
		if err != nil {
			c.logger.Warn("Discarding undecodable frame during handshake", telemetry.Err(err))
			continue
		}
		if _, ok := ev.(ReadyEvent); ok {
			return nil
		}
		// Anything received before Ready is stale engine state; skip it.
		c.logger.Debug("Ignoring pre-ready event", telemetry.String("type", string(ev.EventType())))
	}
}

// SendAudio transmits one frame of normalized samples. When disconnected the
// frame is dropped with a warning: freshness beats completeness, nothing is
// buffered for retransmission.
func (c *Client) SendAudio(samples []float32) error {
	c.mu.Lock()
	connected := c.connected
	conn := c.conn
	c.mu.Unlock()

	if !connected {
		c.dropped.Add(1)
		metrics.FramesDropped.Inc()
		c.logger.Warn("Dropping audio frame, transport disconnected", telemetry.Int("samples", len(samples)))
		return ErrNotConnected
	}

	data, err := msgpack.Marshal(wireFrame{Type: "Audio", PCM: samples})
	if err != nil {
		return fmt.Errorf("moshi: encode audio frame: %w", err)
	}

	// gorilla/websocket allows one concurrent writer; writeMu serializes
	// the audio path against the silence injector.
	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.BinaryMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.markDisconnected(err)
		return fmt.Errorf("moshi: send audio frame: %w", err)
	}

	c.sent.Add(1)
	metrics.FramesSent.Inc()
	return nil
}

func (c *Client) receiveLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.markDisconnected(err)
			return
		}
		ev, err := decodeEvent(data)
		if err != nil {
			// A frame we cannot decode is logged and discarded; the
			// session continues.
			c.logger.Warn("Discarding undecodable frame", telemetry.Err(err), telemetry.Int("size", len(data)))
			continue
		}
		c.received.Add(1)
		metrics.EventsReceived.Inc()
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(ev)
		}
	}
}

// markDisconnected flips the transport to disconnected exactly once per
// connection and notifies the owner. No further frames are accepted until an
// explicit reconnect.
func (c *Client) markDisconnected(cause error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.streamActive = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if !wasConnected {
		return
	}
	if conn != nil {
		conn.Close()
	}
	c.logger.Warn("Transport disconnected", telemetry.Err(cause))
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(cause)
	}
}

// Close tears down the connection and waits for the receive loop to exit.
// Idempotent; a closed client may Connect again.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.connected = false
	c.streamActive = false
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

// Connected reports whether the transport currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// StreamActive reports whether the engine acknowledged the stream with Ready
// and the connection is still up.
func (c *Client) StreamActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamActive
}

// Stats returns a read-only snapshot of the transport counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	connected := c.connected
	active := c.streamActive
	c.mu.Unlock()
	return Stats{
		Connected:    connected,
		StreamActive: active,
		PacketsSent:  c.sent.Load(),
		PacketsRecv:  c.received.Load(),
		Dropped:      c.dropped.Load(),
	}
}

// decodeEvent maps one wire frame onto the event union. Unknown type tags are
// an error so callers can discard the frame loudly rather than silently.
func decodeEvent(data []byte) (Event, error) {
	var frame wireFrame
	if err := msgpack.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("moshi: decode frame: %w", err)
	}
	switch frame.Type {
	case "Ready":
		return ReadyEvent{}, nil
	case "Word":
		return WordEvent{Text: frame.Text, StartTime: frame.StartTime}, nil
	case "EndWord":
		return EndWordEvent{StopTime: frame.StopTime}, nil
	case "Marker":
		return MarkerEvent{ID: frame.ID}, nil
	case "Step":
		return StepEvent{StepIdx: frame.StepIdx, Probs: frame.Probs}, nil
	default:
		return nil, fmt.Errorf("moshi: unknown frame type %q", frame.Type)
	}
}
