package messagemanager

import (
	"testing"

	"github.com/alxayo/fcm-gateway/internal/message"
)

func newMsg(seq int64, groupID string, state message.State) *message.Message {
	m := message.New(seq, "balA", message.FcmEndpointID, message.TypeDownstream, "", groupID, nil)
	m.State = state
	return m
}

func TestCanSendNewWrongState(t *testing.T) {
	mm := New("fcm", 100)
	m := newMsg(1, "", message.StatePendingAck)
	mm.Add(m)
	if got := mm.CanSendNew(m); got != AdmitWrongState {
		t.Fatalf("expected WrongState, got %s", got)
	}
}

func TestCanSendNewPendingFull(t *testing.T) {
	mm := New("fcm", 1)
	m1 := newMsg(1, "", message.StatePendingAck)
	mm.Add(m1)
	mm.IncrementPendingAckCount()

	m2 := newMsg(2, "", message.StateNew)
	mm.Add(m2)
	if got := mm.CanSendNew(m2); got != AdmitPendingFull {
		t.Fatalf("expected PendingFull, got %s", got)
	}
}

func TestGroupBlocked(t *testing.T) {
	mm := New("fcm", 100)
	m1 := newMsg(1, "g1", message.StateNew)
	m2 := newMsg(2, "g1", message.StateNew)
	mm.Add(m1)
	mm.Add(m2)

	if got := mm.CanSendNew(m1); got != AdmitOK {
		t.Fatalf("expected head of group OK, got %s", got)
	}
	if got := mm.CanSendNew(m2); got != AdmitGroupBlocked {
		t.Fatalf("expected GroupBlocked, got %s", got)
	}
}

func TestRemoveDecrementsPendingAckCount(t *testing.T) {
	mm := New("fcm", 100)
	m := newMsg(1, "", message.StatePendingAck)
	mm.Add(m)
	mm.IncrementPendingAckCount()
	if mm.PendingAckCount() != 1 {
		t.Fatalf("expected pending ack count 1")
	}
	mm.Remove(1)
	if mm.PendingAckCount() != 0 {
		t.Fatalf("expected pending ack count 0 after remove, got %d", mm.PendingAckCount())
	}
}

func TestRemoveNeverGoesNegative(t *testing.T) {
	mm := New("fcm", 100)
	m := newMsg(1, "", message.StateNew)
	mm.Add(m)
	mm.Remove(1) // not PENDING_ACK, should not decrement
	mm.Remove(1) // already gone
	if mm.PendingAckCount() != 0 {
		t.Fatalf("expected 0, got %d", mm.PendingAckCount())
	}
}

func TestNextSendableScansInOrderAndSkipsBlocked(t *testing.T) {
	mm := New("fcm", 100)
	blocked := newMsg(1, "g1", message.StateNew)
	unrelated := newMsg(2, "g1", message.StateNew)
	mm.Add(blocked)
	mm.Add(unrelated)

	// Mark seq 1 as PENDING_ACK (in flight) so seq 2 in the same group is blocked.
	blocked.State = message.StatePendingAck
	mm.IncrementPendingAckCount()

	next := mm.NextSendable()
	if next != nil {
		t.Fatalf("expected no sendable message while group head is in flight, got seq=%d", next.SequenceID)
	}
}

func TestNextSendableReturnsFirstAdmissible(t *testing.T) {
	mm := New("fcm", 100)
	m1 := newMsg(1, "", message.StateNew)
	m2 := newMsg(2, "", message.StateNew)
	mm.Add(m1)
	mm.Add(m2)

	next := mm.NextSendable()
	if next == nil || next.SequenceID != 1 {
		t.Fatalf("expected seq 1 first, got %+v", next)
	}
}

func TestGetByFcmMessageID(t *testing.T) {
	mm := New("fcm", 100)
	m := message.New(1, "balA", message.FcmEndpointID, message.TypeDownstream, "fcm-abc", "", nil)
	mm.Add(m)

	got, ok := mm.GetByFcmMessageID("fcm-abc")
	if !ok || got.SequenceID != 1 {
		t.Fatalf("expected to resolve by fcm message id")
	}

	mm.Remove(1)
	if _, ok := mm.GetByFcmMessageID("fcm-abc"); ok {
		t.Fatalf("expected fcm-id index entry removed")
	}
}

func TestAllByState(t *testing.T) {
	mm := New("fcm", 100)
	mm.Add(newMsg(3, "", message.StateNew))
	mm.Add(newMsg(1, "", message.StatePendingAck))
	mm.Add(newMsg(2, "", message.StateDelivered))

	got := mm.AllByState(message.StateNew, message.StatePendingAck)
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].SequenceID != 1 || got[1].SequenceID != 3 {
		t.Fatalf("expected ascending sequence order, got %d,%d", got[0].SequenceID, got[1].SequenceID)
	}
}
