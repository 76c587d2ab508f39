package fcmlink

import (
	"context"
	"testing"
	"time"

	"github.com/alxayo/fcm-gateway/internal/event"
)

func newTestLink(events chan event.Event) *Link {
	l := New("fcm-1", Config{ServerID: "sender", ServerKey: "key", HostAddress: "fcm-xmpp.googleapis.com", PortNo: 5235}, events)
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l
}

func TestDispatchGCMAck(t *testing.T) {
	events := make(chan event.Event, 4)
	l := newTestLink(events)

	l.dispatchGCM([]byte(`{"message_type":"ack","message_id":"m1"}`))

	select {
	case e := <-events:
		if e.Kind != event.KindFcmAck {
			t.Fatalf("expected KindFcmAck, got %s", e.Kind)
		}
		if e.JSON["message_id"] != "m1" {
			t.Fatalf("expected message_id m1, got %v", e.JSON["message_id"])
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestDispatchGCMNack(t *testing.T) {
	events := make(chan event.Event, 4)
	l := newTestLink(events)

	l.dispatchGCM([]byte(`{"message_type":"nack","error":"SERVICE_UNAVAILABLE"}`))

	e := <-events
	if e.Kind != event.KindFcmNack {
		t.Fatalf("expected KindFcmNack, got %s", e.Kind)
	}
}

func TestDispatchGCMUpstreamWhenTypeAbsent(t *testing.T) {
	events := make(chan event.Event, 4)
	l := newTestLink(events)

	l.dispatchGCM([]byte(`{"from":"d1","category":"balA","message_id":"u1"}`))

	e := <-events
	if e.Kind != event.KindFcmUpstream {
		t.Fatalf("expected KindFcmUpstream, got %s", e.Kind)
	}
}

func TestDispatchGCMControlDrainingSetsState(t *testing.T) {
	events := make(chan event.Event, 4)
	l := newTestLink(events)

	l.dispatchGCM([]byte(`{"message_type":"control","control_type":"CONNECTION_DRAINING"}`))

	e := <-events
	if e.Kind != event.KindFcmDrainingStarted {
		t.Fatalf("expected KindFcmDrainingStarted, got %s", e.Kind)
	}
	if l.State() != StateDraining {
		t.Fatalf("expected StateDraining, got %s", l.State())
	}
}

func TestDispatchGCMUnknownTypeIsProtocolError(t *testing.T) {
	events := make(chan event.Event, 4)
	l := newTestLink(events)

	l.dispatchGCM([]byte(`{"message_type":"bogus"}`))

	e := <-events
	if e.Kind != event.KindFcmProtocolError {
		t.Fatalf("expected KindFcmProtocolError, got %s", e.Kind)
	}
}

func TestHeartbeatDetection(t *testing.T) {
	if !bytesIsWhitespaceHeartbeat([]byte(" ")) {
		t.Fatalf("expected single space to be a heartbeat")
	}
	if bytesIsWhitespaceHeartbeat([]byte("")) {
		t.Fatalf("expected empty char data to not be a heartbeat")
	}
	if bytesIsWhitespaceHeartbeat([]byte("hello")) {
		t.Fatalf("expected non-whitespace to not be a heartbeat")
	}
}
