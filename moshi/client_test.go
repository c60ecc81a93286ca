package moshi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creastat/infra/telemetry"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// fakeEngine is an in-process recognition engine speaking the msgpack wire
// protocol over a websocket.
type fakeEngine struct {
	server *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	inbound  []wireFrame
	apiKeys  []string
	sendOnce []wireFrame // frames pushed right after the upgrade, before Ready
	noReady  bool
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	f := &fakeEngine{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.apiKeys = append(f.apiKeys, r.Header.Get("kyutai-api-key"))
		f.mu.Unlock()

		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = c
		preamble := f.sendOnce
		noReady := f.noReady
		f.mu.Unlock()

		for _, frame := range preamble {
			data, _ := msgpack.Marshal(frame)
			c.WriteMessage(websocket.BinaryMessage, data)
		}
		if !noReady {
			data, _ := msgpack.Marshal(wireFrame{Type: "Ready"})
			c.WriteMessage(websocket.BinaryMessage, data)
		}

		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			var frame wireFrame
			if err := msgpack.Unmarshal(data, &frame); err != nil {
				continue
			}
			f.mu.Lock()
			f.inbound = append(f.inbound, frame)
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeEngine) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeEngine) push(t *testing.T, frame wireFrame) {
	t.Helper()
	data, err := msgpack.Marshal(frame)
	require.NoError(t, err)
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))
}

func (f *fakeEngine) pushRaw(t *testing.T, data []byte) {
	t.Helper()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))
}

func (f *fakeEngine) received() []wireFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wireFrame(nil), f.inbound...)
}

func (f *fakeEngine) dropConnection() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) add(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *eventCollector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func testClient(t *testing.T, engine *fakeEngine, collector *eventCollector, onDisconnect func(error)) *Client {
	t.Helper()
	cfg := ClientConfig{
		Host:           engine.url(),
		APIKey:         "test-key",
		ConnectTimeout: 2 * time.Second,
		OnDisconnect:   onDisconnect,
		Logger:         telemetry.New(telemetry.Config{Level: "error"}),
	}
	if collector != nil {
		cfg.OnEvent = collector.add
	}
	c := NewClient(cfg)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientConnectWaitsForReady(t *testing.T) {
	engine := newFakeEngine(t)
	c := testClient(t, engine, nil, nil)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
	assert.True(t, c.StreamActive())

	engine.mu.Lock()
	keys := append([]string(nil), engine.apiKeys...)
	engine.mu.Unlock()
	require.Len(t, keys, 1)
	assert.Equal(t, "test-key", keys[0])

	assert.Equal(t, ErrAlreadyConnected, c.Connect(context.Background()))
}

func TestClientConnectTimesOutWithoutReady(t *testing.T) {
	engine := newFakeEngine(t)
	engine.noReady = true

	c := NewClient(ClientConfig{
		Host:           engine.url(),
		ConnectTimeout: 100 * time.Millisecond,
		Logger:         telemetry.New(telemetry.Config{Level: "error"}),
	})
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.Connected())
}

func TestClientSkipsPreReadyFrames(t *testing.T) {
	engine := newFakeEngine(t)
	engine.sendOnce = []wireFrame{
		{Type: "Step", StepIdx: 1, Probs: []float64{0.5}},
		{Type: "Word", Text: "stale"},
	}
	collector := &eventCollector{}
	c := testClient(t, engine, collector, nil)

	require.NoError(t, c.Connect(context.Background()))
	// Stale frames before Ready never reach the event callback.
	assert.Empty(t, collector.all())
}

func TestClientDeliversDecodedEvents(t *testing.T) {
	engine := newFakeEngine(t)
	collector := &eventCollector{}
	c := testClient(t, engine, collector, nil)
	require.NoError(t, c.Connect(context.Background()))

	engine.push(t, wireFrame{Type: "Word", Text: "bonjour", StartTime: 0.5})
	engine.push(t, wireFrame{Type: "EndWord", StopTime: 0.9})
	engine.push(t, wireFrame{Type: "Step", StepIdx: 7, Probs: []float64{0.95, 0.01}})
	engine.push(t, wireFrame{Type: "Marker", ID: 3})

	require.Eventually(t, func() bool { return len(collector.all()) == 4 },
		time.Second, time.Millisecond)

	events := collector.all()
	assert.Equal(t, WordEvent{Text: "bonjour", StartTime: 0.5}, events[0])
	assert.Equal(t, EndWordEvent{StopTime: 0.9}, events[1])
	assert.Equal(t, StepEvent{StepIdx: 7, Probs: []float64{0.95, 0.01}}, events[2])
	assert.Equal(t, MarkerEvent{ID: 3}, events[3])

	stats := c.Stats()
	assert.Equal(t, int64(4), stats.PacketsRecv)
}

func TestClientDiscardsUndecodableFrames(t *testing.T) {
	engine := newFakeEngine(t)
	collector := &eventCollector{}
	c := testClient(t, engine, collector, nil)
	require.NoError(t, c.Connect(context.Background()))

	unknown, err := msgpack.Marshal(wireFrame{Type: "Bogus"})
	require.NoError(t, err)
	engine.pushRaw(t, unknown)
	engine.pushRaw(t, []byte{0xff, 0x00, 0x13})
	engine.push(t, wireFrame{Type: "Word", Text: "apres"})

	require.Eventually(t, func() bool { return len(collector.all()) == 1 },
		time.Second, time.Millisecond)
	assert.Equal(t, WordEvent{Text: "apres"}, collector.all()[0])
	assert.True(t, c.Connected(), "bad frames must not kill the connection")
}

func TestClientSendAudio(t *testing.T) {
	engine := newFakeEngine(t)
	c := testClient(t, engine, nil, nil)
	require.NoError(t, c.Connect(context.Background()))

	samples := []float32{0, 0.5, -0.5, 1}
	require.NoError(t, c.SendAudio(samples))

	require.Eventually(t, func() bool { return len(engine.received()) == 1 },
		time.Second, time.Millisecond)
	frame := engine.received()[0]
	assert.Equal(t, "Audio", frame.Type)
	assert.Equal(t, samples, frame.PCM)
	assert.Equal(t, int64(1), c.Stats().PacketsSent)
}

func TestClientDropsFramesWhenDisconnected(t *testing.T) {
	engine := newFakeEngine(t)
	c := testClient(t, engine, nil, nil)

	// Never connected: the frame is dropped, not queued.
	err := c.SendAudio([]float32{0.1})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, int64(1), c.Stats().Dropped)
}

func TestClientReportsDisconnectOnce(t *testing.T) {
	engine := newFakeEngine(t)
	var mu sync.Mutex
	var causes []error
	c := testClient(t, engine, nil, func(cause error) {
		mu.Lock()
		causes = append(causes, cause)
		mu.Unlock()
	})
	require.NoError(t, c.Connect(context.Background()))

	engine.dropConnection()

	require.Eventually(t, func() bool { return !c.Connected() },
		time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(causes) == 1
	}, time.Second, time.Millisecond)

	err := c.SendAudio([]float32{0.1})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.StreamActive())
}

func TestClientCloseIsIdempotent(t *testing.T) {
	engine := newFakeEngine(t)
	c := testClient(t, engine, nil, nil)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.Connected())
}

func TestClientEndpoint(t *testing.T) {
	logger := telemetry.New(telemetry.Config{Level: "error"})

	c := NewClient(ClientConfig{Host: "asr.example.com:8080", Logger: logger})
	endpoint, err := c.endpoint()
	require.NoError(t, err)
	assert.Equal(t, "wss://asr.example.com:8080/api/asr-streaming", endpoint)

	c = NewClient(ClientConfig{Host: "ws://localhost:9000/custom", Logger: logger})
	endpoint, err = c.endpoint()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9000/custom", endpoint)

	c = NewClient(ClientConfig{Host: "ws://localhost:9000", Logger: logger})
	endpoint, err = c.endpoint()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9000/api/asr-streaming", endpoint)

	c = NewClient(ClientConfig{Logger: logger})
	_, err = c.endpoint()
	assert.Error(t, err)
}
