// Package clientmetrics keeps per-connection transport counters.
package clientmetrics

import (
	"sync/atomic"
	"time"
)

// ClientMetrics tracks traffic on one broker connection. All methods are safe
// for concurrent use.
type ClientMetrics struct {
	connectedAt   atomic.Int64 // unix nanos, 0 when disconnected
	messagesSent  atomic.Int64
	messagesRecv  atomic.Int64
	bytesSent     atomic.Int64
	bytesRecv     atomic.Int64
	streamsOpened atomic.Int64
	errors        atomic.Int64
}

// New creates a new ClientMetrics instance.
func New() *ClientMetrics {
	return &ClientMetrics{}
}

// MarkConnected records the connection time.
func (m *ClientMetrics) MarkConnected() {
	m.connectedAt.Store(time.Now().UnixNano())
}

// IncrementSent counts one outgoing message of the given size.
func (m *ClientMetrics) IncrementSent(bytes int64) {
	m.messagesSent.Add(1)
	m.bytesSent.Add(bytes)
}

// IncrementReceived counts one incoming message of the given size.
func (m *ClientMetrics) IncrementReceived(bytes int64) {
	m.messagesRecv.Add(1)
	m.bytesRecv.Add(bytes)
}

// IncrementStreams counts one opened server stream.
func (m *ClientMetrics) IncrementStreams() {
	m.streamsOpened.Add(1)
}

// IncrementErrors increments the error counter.
func (m *ClientMetrics) IncrementErrors() {
	m.errors.Add(1)
}

// Reset clears the connection time.
func (m *ClientMetrics) Reset() {
	m.connectedAt.Store(0)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ConnectionDuration time.Duration
	MessagesSent       int64
	MessagesReceived   int64
	BytesSent          int64
	BytesReceived      int64
	StreamsOpened      int64
	Errors             int64
}

// Snapshot returns the current counters.
func (m *ClientMetrics) Snapshot() Snapshot {
	var duration time.Duration
	if at := m.connectedAt.Load(); at != 0 {
		duration = time.Since(time.Unix(0, at))
	}
	return Snapshot{
		ConnectionDuration: duration,
		MessagesSent:       m.messagesSent.Load(),
		MessagesReceived:   m.messagesRecv.Load(),
		BytesSent:          m.bytesSent.Load(),
		BytesReceived:      m.bytesRecv.Load(),
		StreamsOpened:      m.streamsOpened.Load(),
		Errors:             m.errors.Load(),
	}
}

// Add accumulates other into s. Used to total counters across connections.
func (s *Snapshot) Add(other Snapshot) {
	s.ConnectionDuration += other.ConnectionDuration
	s.MessagesSent += other.MessagesSent
	s.MessagesReceived += other.MessagesReceived
	s.BytesSent += other.BytesSent
	s.BytesReceived += other.BytesReceived
	s.StreamsOpened += other.StreamsOpened
	s.Errors += other.Errors
}
