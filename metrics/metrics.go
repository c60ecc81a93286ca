package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level collectors registered on the default registry. Declared once
// so concurrent pipelines and tests share them without re-registration.
var (
	// Mailbox metrics
	MailboxDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxline_mailbox_dropped_total",
		Help: "Messages dropped because a step mailbox was full",
	}, []string{"mailbox"})
	StepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxline_step_errors_total",
		Help: "Handler errors converted to Error messages, by step",
	}, []string{"step"})

	// Transport metrics
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxline_frames_sent_total",
		Help: "Audio frames transmitted to the recognition engine",
	})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxline_frames_dropped_total",
		Help: "Audio frames dropped while the transport was disconnected",
	})
	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxline_events_received_total",
		Help: "Decoded events received from the recognition engine",
	})

	// Segmentation metrics
	WordsRecognized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxline_words_recognized_total",
		Help: "Word events recognized across all sessions",
	})
	SegmentsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxline_segments_completed_total",
		Help: "Speech segments closed with an END message",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxline_active_sessions",
		Help: "Currently live segmentation sessions",
	})
)
