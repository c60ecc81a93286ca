package pipeline

import (
	"sync/atomic"

	"github.com/creastat/infra/telemetry"

	"github.com/voxline/pipeline/core"
	"github.com/voxline/pipeline/metrics"
)

// DefaultMailboxCapacity bounds a mailbox when no explicit capacity is given.
const DefaultMailboxCapacity = 256

// Mailbox is a bounded FIFO queue bound to exactly one consuming worker.
// Producers enqueue without blocking; a full mailbox drops the message so a
// slow consumer can never stall its upstream.
type Mailbox struct {
	name    string
	ch      chan core.Message
	logger  telemetry.Logger
	dropped atomic.Uint64
}

// NewMailbox creates a bounded mailbox. capacity <= 0 selects
// DefaultMailboxCapacity.
func NewMailbox(name string, capacity int, logger telemetry.Logger) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	return &Mailbox{
		name:   name,
		ch:     make(chan core.Message, capacity),
		logger: logger.WithModule("mailbox"),
	}
}

// Name returns the mailbox name (the owning step's name).
func (m *Mailbox) Name() string {
	return m.name
}

// Enqueue offers a message to the mailbox without blocking. It reports whether
// the message was accepted; on a full queue the message is dropped with a
// logged warning.
func (m *Mailbox) Enqueue(msg core.Message) bool {
	select {
	case m.ch <- msg:
		return true
	default:
		m.dropped.Add(1)
		metrics.MailboxDropped.WithLabelValues(m.name).Inc()
		m.logger.Warn("Mailbox full, dropping message",
			telemetry.String("mailbox", m.name),
			telemetry.String("kind", string(msg.Kind())),
			telemetry.Int("capacity", cap(m.ch)))
		return false
	}
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	return len(m.ch)
}

// Dropped returns how many messages were dropped on a full queue.
func (m *Mailbox) Dropped() uint64 {
	return m.dropped.Load()
}
