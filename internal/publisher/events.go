package publisher

// FailReason names why a stream ended up in StreamFailed, independent of any
// platform-specific error name.
type FailReason string

const (
	ReasonTls               FailReason = "tls"
	ReasonHandshakeBad      FailReason = "handshake_bad"
	ReasonAuthRejected      FailReason = "auth_rejected"
	ReasonPublishRejected   FailReason = "publish_rejected"
	ReasonNetworkLost       FailReason = "network_lost"
	ReasonEncoderFailed     FailReason = "encoder_failed"
	ReasonPermissionRevoked FailReason = "permission_revoked"
)

// EventKind discriminates which fields of Event are populated. Modeled on
// EncodedVideoFrame's IsConfig discriminant rather than a closed sum type,
// since that is this codebase's established idiom for tagged variants.
type EventKind int

const (
	EventMetrics EventKind = iota
	EventReconnectAttempt
	EventStreamStopped
	EventStreamFailed
)

// Metrics is emitted at roughly 1Hz while a stream session is active.
type Metrics struct {
	BitrateKbps   int
	FPS           int
	ElapsedMs     int64
	DroppedFrames int64
}

// ReconnectAttempt is emitted once per reconnect attempt, before the attempt
// is made.
type ReconnectAttempt struct {
	N       int
	DelayMs int64
}

// StreamStopped is emitted exactly once when a stream session ends.
type StreamStopped struct {
	Manual bool
}

// StreamFailed is emitted when a stream session ends for a reason other
// than a user-initiated stop (it may accompany a StreamStopped{Manual:
// false}, per the "back-to-back" requirement on reconnect exhaustion).
type StreamFailed struct {
	Reason FailReason
}

// Event is one item on the Supervisor's event stream. Exactly one of the
// pointer fields matching Kind is non-nil.
type Event struct {
	Kind             EventKind
	Metrics          *Metrics
	ReconnectAttempt *ReconnectAttempt
	StreamStopped    *StreamStopped
	StreamFailed     *StreamFailed
}
