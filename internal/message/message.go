// Package message defines the gateway's canonical in-memory message record
// and its lifecycle state machine.
package message

import (
	"time"

	"github.com/alxayo/fcm-gateway/internal/backoff"
)

// Type identifies the wire role of a message.
type Type string

const (
	TypeUpstream          Type = "UPSTREAM"
	TypeDownstream        Type = "DOWNSTREAM"
	TypeDownstreamAck     Type = "DOWNSTREAM_ACK"
	TypeDownstreamReceipt Type = "DOWNSTREAM_RECEIPT"
	TypeDownstreamReject  Type = "DOWNSTREAM_REJECT"
	TypeLogon             Type = "LOGON"
	TypeLogonResponse     Type = "LOGON_RESPONSE"
	TypeAck               Type = "ACK"
)

// State is the message's position in the NEW -> PENDING_ACK -> {DELIVERED,DELIVERY_FAILED} machine.
type State string

const (
	StateNew            State = "NEW"
	StatePendingAck     State = "PENDING_ACK"
	StateDelivered      State = "DELIVERED"
	StateDeliveryFailed State = "DELIVERY_FAILED"
)

// FcmEndpointID is the reserved target/source session id for the FCM endpoint.
const FcmEndpointID = "fcm"

// Message is the canonical record tracked by a MessageManager and mirrored
// into Store. Identity fields (SequenceID, SourceSessionID, TargetSessionID,
// Type, FcmMessageID, GroupID) are set at construction and never mutated;
// State and Payload change across the lifecycle.
type Message struct {
	SequenceID      int64
	EnteredAt       time.Time
	LastUpdateAt    time.Time
	SourceSessionID string
	TargetSessionID string
	Type            Type
	FcmMessageID    string
	GroupID         string
	State           State
	Payload         []byte

	// Non-persisted fields.
	RetryCount     int
	RetryScheduled bool
	Backoff        *backoff.Backoff
}

// New constructs a Message in state NEW with EnteredAt/LastUpdateAt set to now.
func New(seq int64, source, target string, typ Type, fcmMessageID, groupID string, payload []byte) *Message {
	now := time.Now()
	return &Message{
		SequenceID:      seq,
		EnteredAt:       now,
		LastUpdateAt:    now,
		SourceSessionID: source,
		TargetSessionID: target,
		Type:            typ,
		FcmMessageID:    fcmMessageID,
		GroupID:         groupID,
		State:           StateNew,
		Payload:         payload,
	}
}

// SetState transitions the message and stamps LastUpdateAt. Callers are
// responsible for only invoking legal transitions (NEW->PENDING_ACK->
// {DELIVERED,DELIVERY_FAILED}); this method does not itself validate the
// transition graph, matching the reference implementation's bare setter.
func (m *Message) SetState(s State) {
	m.State = s
	m.LastUpdateAt = time.Now()
}
