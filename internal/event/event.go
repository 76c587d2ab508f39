// Package event defines the single event vocabulary consumed by the core's
// serializing event loop. FcmLink producers and BalListener/BalSession
// producers each read their own I/O in their own goroutines and hand
// parsed events into one channel owned by the core, per §5.
package event

// Kind tags the producer and nature of an Event.
type Kind string

const (
	// FCM link lifecycle.
	KindFcmConnectionStarted     Kind = "fcm_connection_started"
	KindFcmConnectionEstablished Kind = "fcm_connection_established"
	KindFcmHeartbeat             Kind = "fcm_heartbeat"
	KindFcmSessionEstablished    Kind = "fcm_session_established"
	KindFcmDrainingStarted       Kind = "fcm_draining_started"
	KindFcmDrainingCompleted     Kind = "fcm_draining_completed"
	KindFcmConnectionLost        Kind = "fcm_connection_lost"
	KindFcmStreamClosed          Kind = "fcm_stream_closed"
	KindFcmAuthFailed            Kind = "fcm_auth_failed"
	KindFcmProtocolError         Kind = "fcm_protocol_error"

	// FCM message dispatch (payload carried in JSON).
	KindFcmAck      Kind = "fcm_ack"
	KindFcmNack     Kind = "fcm_nack"
	KindFcmReceipt  Kind = "fcm_receipt"
	KindFcmUpstream Kind = "fcm_upstream"

	// BAL listener/session lifecycle and dispatch.
	KindBalLogon        Kind = "bal_logon"
	KindBalDownstream    Kind = "bal_downstream"
	KindBalAck           Kind = "bal_ack"
	KindBalDisconnected  Kind = "bal_disconnected"
	KindBalAuthTimeout   Kind = "bal_auth_timeout"
	KindBalFrameMalformed Kind = "bal_frame_malformed"

	// Internal timers, re-looked-up on fire by the core.
	KindTimerFired Kind = "timer_fired"
)

// Event is the tagged union handed to the core's single consuming goroutine.
type Event struct {
	Kind Kind

	// LinkID identifies which FcmLink instance produced this event (the
	// core may have an active and a draining link concurrently).
	LinkID string

	// SessionID identifies which BAL session produced or should receive
	// this event.
	SessionID string

	// JSON is the decoded FCM payload for Kind{FcmAck,FcmNack,FcmReceipt,FcmUpstream}.
	JSON map[string]any

	// Frame is the raw decoded BAL frame for Kind{BalDownstream,BalAck};
	// KindBalLogon carries only SessionID.
	Frame map[string]any

	// TimerID names the scheduled timer that fired, for KindTimerFired.
	TimerID string

	Err error
}
