// Package messagemanager implements the per-endpoint message tracker: main
// queue, group index, fcm-id index, pending-ack windowing, and admission
// checks. One instance exists per BAL session and one for the FCM endpoint.
package messagemanager

import (
	"sort"

	"github.com/alxayo/fcm-gateway/internal/group"
	"github.com/alxayo/fcm-gateway/internal/message"
)

// AdmitResult is the outcome of an admission check before attempting to send.
type AdmitResult int

const (
	AdmitOK AdmitResult = iota
	AdmitWrongState
	AdmitPendingFull
	AdmitGroupBlocked
)

func (r AdmitResult) String() string {
	switch r {
	case AdmitOK:
		return "OK"
	case AdmitWrongState:
		return "WrongState"
	case AdmitPendingFull:
		return "PendingFull"
	case AdmitGroupBlocked:
		return "GroupBlocked"
	default:
		return "Unknown"
	}
}

// MessageManager tracks in-flight messages for a single endpoint (the FCM
// link, or one BAL session).
type MessageManager struct {
	EndpointID      string
	MaxPendingAllowed int

	main            map[int64]*message.Message
	groups          map[string]*group.Group
	byFcmMessageID  map[string]int64
	pendingAckCount int
}

// New creates a MessageManager for the given endpoint id (e.g. "fcm" or a
// BAL session id) with the given pending-ack window.
func New(endpointID string, maxPendingAllowed int) *MessageManager {
	return &MessageManager{
		EndpointID:        endpointID,
		MaxPendingAllowed: maxPendingAllowed,
		main:              make(map[int64]*message.Message),
		groups:            make(map[string]*group.Group),
		byFcmMessageID:    make(map[string]int64),
	}
}

// Add inserts msg into the main queue, group index, and fcm-id index.
func (mm *MessageManager) Add(msg *message.Message) {
	mm.main[msg.SequenceID] = msg
	if msg.GroupID != "" {
		g, ok := mm.groups[msg.GroupID]
		if !ok {
			g = group.NewGroup()
			mm.groups[msg.GroupID] = g
		}
		g.Add(msg.SequenceID)
	}
	if msg.FcmMessageID != "" {
		mm.byFcmMessageID[msg.FcmMessageID] = msg.SequenceID
	}
}

// Get returns the message by sequence id, if tracked.
func (mm *MessageManager) Get(seq int64) (*message.Message, bool) {
	m, ok := mm.main[seq]
	return m, ok
}

// GetByFcmMessageID resolves a message via FCM's own message id (used for
// ack/nack dispatch, which is keyed by that id rather than our sequence id).
func (mm *MessageManager) GetByFcmMessageID(fcmMessageID string) (*message.Message, bool) {
	seq, ok := mm.byFcmMessageID[fcmMessageID]
	if !ok {
		return nil, false
	}
	return mm.Get(seq)
}

// Remove deletes sequence id seq from all three indexes and decrements
// pending_ack_count if the removed message was in PENDING_ACK.
func (mm *MessageManager) Remove(seq int64) {
	msg, ok := mm.main[seq]
	if !ok {
		return
	}
	delete(mm.main, seq)
	if msg.FcmMessageID != "" {
		delete(mm.byFcmMessageID, msg.FcmMessageID)
	}
	if msg.GroupID != "" {
		if g, ok := mm.groups[msg.GroupID]; ok {
			if empty := g.Remove(seq); empty {
				delete(mm.groups, msg.GroupID)
			}
		}
	}
	if msg.State == message.StatePendingAck {
		mm.decrementPendingAckCount()
	}
}

// canSend runs the shared admission logic; allowPendingAck controls whether
// PENDING_ACK is accepted in addition to NEW (reconnect admits both).
func (mm *MessageManager) canSend(msg *message.Message, allowPendingAck bool) AdmitResult {
	switch msg.State {
	case message.StateNew:
	case message.StatePendingAck:
		if !allowPendingAck {
			return AdmitWrongState
		}
	default:
		return AdmitWrongState
	}

	if mm.pendingAckCount >= mm.MaxPendingAllowed {
		return AdmitPendingFull
	}

	if msg.GroupID != "" {
		g, ok := mm.groups[msg.GroupID]
		if ok && !g.CanSend(msg.SequenceID) {
			return AdmitGroupBlocked
		}
	}

	return AdmitOK
}

// CanSendNew evaluates admission for a message originally in state NEW.
func (mm *MessageManager) CanSendNew(msg *message.Message) AdmitResult {
	return mm.canSend(msg, false)
}

// CanSendOnReconnect evaluates admission accepting both NEW and PENDING_ACK,
// used to re-admit already-in-flight messages after a link is rebuilt.
func (mm *MessageManager) CanSendOnReconnect(msg *message.Message) AdmitResult {
	return mm.canSend(msg, true)
}

// IncrementPendingAckCount records a NEW->PENDING_ACK transition. Call after
// persisting the state change.
func (mm *MessageManager) IncrementPendingAckCount() {
	mm.pendingAckCount++
}

// decrementPendingAckCount saturates at zero; never goes negative.
func (mm *MessageManager) decrementPendingAckCount() {
	if mm.pendingAckCount > 0 {
		mm.pendingAckCount--
	}
}

// PendingAckCount exposes the current window occupancy (for tests/metrics).
func (mm *MessageManager) PendingAckCount() int { return mm.pendingAckCount }

// NextSendable scans the main queue in ascending sequence-id order and
// returns the first message admissible via CanSendNew, or nil.
func (mm *MessageManager) NextSendable() *message.Message {
	seqs := make([]int64, 0, len(mm.main))
	for seq := range mm.main {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for _, seq := range seqs {
		msg := mm.main[seq]
		if mm.CanSendNew(msg) == AdmitOK {
			return msg
		}
	}
	return nil
}

// AllByState returns all tracked messages in the given state, ordered by
// sequence id ascending. Used for resendAllPendingDownstream and BAL
// reconnect scans, which need to examine {NEW, PENDING_ACK} messages.
func (mm *MessageManager) AllByState(states ...message.State) []*message.Message {
	want := make(map[message.State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	var out []*message.Message
	for _, m := range mm.main {
		if want[m.State] {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceID < out[j].SequenceID })
	return out
}
