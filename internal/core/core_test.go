package core

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/alxayo/fcm-gateway/internal/balsession"
	"github.com/alxayo/fcm-gateway/internal/config"
	"github.com/alxayo/fcm-gateway/internal/event"
	"github.com/alxayo/fcm-gateway/internal/logger"
	"github.com/alxayo/fcm-gateway/internal/message"
	"github.com/alxayo/fcm-gateway/internal/messagemanager"
	"github.com/alxayo/fcm-gateway/internal/store"
)

const testBalSession = "balA"

// stubFcmSender captures every payload sent to FCM instead of dialing out.
type stubFcmSender struct {
	id   string
	sent chan []byte
}

func newStubFcmSender() *stubFcmSender {
	return &stubFcmSender{id: "fcm-stub", sent: make(chan []byte, 16)}
}

func (s *stubFcmSender) ID() string { return s.id }
func (s *stubFcmSender) Send(payload []byte) error {
	s.sent <- payload
	return nil
}

// newTestCore builds a Core against a real temp-file store and a real BAL
// Session, but with the FCM link replaced by a stub sender and no listener
// or link goroutines started, so handler logic can be exercised directly.
func newTestCore(t *testing.T) (*Core, *stubFcmSender) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{BAL: config.BAL{SessionID: testBalSession}}
	c := &Core{
		cfg:        cfg,
		store:      st,
		fcmManager: messagemanager.New(message.FcmEndpointID, fcmMaxPendingAllowed),
		balSess:    map[string]*balsession.Session{testBalSession: balsession.NewSession(testBalSession)},
		events:     make(chan event.Event, 16),
		log:        logger.Logger(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.ctx = ctx
	t.Cleanup(cancel)

	stub := newStubFcmSender()
	c.sendOverride = stub
	return c, stub
}

// attachBalPipe attaches a real (loopback TCP) connection to the session
// and returns the client side for the test to read frames off of. A real
// socket is used instead of net.Pipe because net.Pipe is synchronous and
// would deadlock Session.Send against a reader that starts after dispatch
// returns; a TCP loopback socket buffers small frames so the handler under
// test can write without a concurrent reader already blocked on Read.
func attachBalPipe(t *testing.T, c *Core, sessionID string) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	clientSide, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = clientSide.Close() })

	serverSide := <-accepted
	c.balSess[sessionID].Attach(serverSide)
	return clientSide
}

// readBalFrame reads one length-prefixed JSON frame off conn, matching the
// balsession wire format.
func readBalFrame(t *testing.T, conn net.Conn) map[string]any {
	t.Helper()
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		t.Fatalf("read length prefix: %v", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(body, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

func readBalFrameWithTimeout(t *testing.T, conn net.Conn) map[string]any {
	t.Helper()
	done := make(chan map[string]any, 1)
	go func() { done <- readBalFrame(t, conn) }()
	select {
	case f := <-done:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for bal frame")
		return nil
	}
}

func TestHandleFcmUpstreamEnqueuesToBal(t *testing.T) {
	c, _ := newTestCore(t)
	conn := attachBalPipe(t, c, testBalSession)

	c.dispatch(event.Event{
		Kind:   event.KindFcmUpstream,
		LinkID: "fcm-stub",
		JSON: map[string]any{
			"from":       "device-1",
			"category":   testBalSession,
			"message_id": "m1",
			"data":       map[string]any{"k": "v"},
		},
	})

	frame := readBalFrameWithTimeout(t, conn)
	if frame["message_type"] != "UPSTREAM" {
		t.Fatalf("expected UPSTREAM envelope, got %+v", frame)
	}
	if frame["session_id"] != testBalSession {
		t.Fatalf("expected session_id %q, got %+v", testBalSession, frame)
	}
}

func TestHandleBalDownstreamSendsToFcm(t *testing.T) {
	c, stub := newTestCore(t)

	c.dispatch(event.Event{
		Kind:      event.KindBalDownstream,
		SessionID: testBalSession,
		Frame: map[string]any{
			"message_type": "DOWNSTREAM",
			"group_id":     "g1",
			"fcm_data":     map[string]any{"to": "device-1", "message_id": "dm1"},
		},
	})

	select {
	case payload := <-stub.sent:
		var got map[string]any
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatalf("unmarshal sent payload: %v", err)
		}
		if got["message_id"] != "dm1" {
			t.Fatalf("unexpected payload sent to fcm: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for fcm send")
	}

	msg, ok := c.fcmManager.GetByFcmMessageID("dm1")
	if !ok {
		t.Fatalf("expected message tracked by fcm manager")
	}
	if msg.State != message.StatePendingAck {
		t.Fatalf("expected PENDING_ACK, got %s", msg.State)
	}
}

func TestHandleFcmAckDeliversAndSynthesizesDownstreamAck(t *testing.T) {
	c, stub := newTestCore(t)
	conn := attachBalPipe(t, c, testBalSession)

	c.dispatch(event.Event{
		Kind:      event.KindBalDownstream,
		SessionID: testBalSession,
		Frame: map[string]any{
			"fcm_data": map[string]any{"to": "device-1", "message_id": "dm1"},
		},
	})
	<-stub.sent // drain the fcm send from the downstream handler above

	c.dispatch(event.Event{
		Kind: event.KindFcmAck,
		JSON: map[string]any{"message_id": "dm1"},
	})

	if msg, ok := c.fcmManager.GetByFcmMessageID("dm1"); ok {
		t.Fatalf("expected message removed from fcm manager after ack, found state %s", msg.State)
	}

	frame := readBalFrameWithTimeout(t, conn)
	if frame["message_type"] != "DOWNSTREAM_ACK" {
		t.Fatalf("expected DOWNSTREAM_ACK, got %+v", frame)
	}
}

func TestHandleFcmNackNonRetryableRejectsImmediately(t *testing.T) {
	c, stub := newTestCore(t)
	conn := attachBalPipe(t, c, testBalSession)

	c.dispatch(event.Event{
		Kind:      event.KindBalDownstream,
		SessionID: testBalSession,
		Frame: map[string]any{
			"fcm_data": map[string]any{"to": "device-1", "message_id": "dm1"},
		},
	})
	<-stub.sent

	c.dispatch(event.Event{
		Kind: event.KindFcmNack,
		JSON: map[string]any{
			"message_id":        "dm1",
			"error":             "BAD_REGISTRATION",
			"error_description": "registration token is invalid",
		},
	})

	msg, ok := c.fcmManager.GetByFcmMessageID("dm1")
	if ok {
		t.Fatalf("expected message removed from fcm manager, found state %s", msg.State)
	}

	frame := readBalFrameWithTimeout(t, conn)
	if frame["message_type"] != "DOWNSTREAM_REJECT" {
		t.Fatalf("expected DOWNSTREAM_REJECT, got %+v", frame)
	}
	if frame["error_description"] != "registration token is invalid" {
		t.Fatalf("expected original nack error_description carried through, got %+v", frame)
	}
}

func TestHandleFcmNackRetryableSchedulesRetry(t *testing.T) {
	c, stub := newTestCore(t)

	c.dispatch(event.Event{
		Kind:      event.KindBalDownstream,
		SessionID: testBalSession,
		Frame: map[string]any{
			"fcm_data": map[string]any{"to": "device-1", "message_id": "dm1"},
		},
	})
	<-stub.sent

	c.dispatch(event.Event{
		Kind: event.KindFcmNack,
		JSON: map[string]any{
			"message_id": "dm1",
			"error":      "SERVICE_UNAVAILABLE",
		},
	})

	msg, ok := c.fcmManager.GetByFcmMessageID("dm1")
	if !ok {
		t.Fatalf("expected message still tracked pending retry")
	}
	if msg.State != message.StatePendingAck {
		t.Fatalf("expected message to remain PENDING_ACK across retry, got %s", msg.State)
	}
	if !msg.RetryScheduled {
		t.Fatalf("expected RetryScheduled to be set")
	}

	// Drive the retry timer fire synchronously instead of waiting on the
	// real backoff delay.
	c.retryNackTimerFired(msg.SequenceID)

	select {
	case <-stub.sent:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for resend after nack retry")
	}
	if msg.RetryScheduled {
		t.Fatalf("expected RetryScheduled cleared after resend")
	}
}

func TestHandleBalAckAdvancesGroupQueue(t *testing.T) {
	c, _ := newTestCore(t)
	conn := attachBalPipe(t, c, testBalSession)

	// Upstream messages built by handleFcmUpstream carry no group_id, so
	// build two messages in group g1 directly and route them through
	// enqueueToBal to exercise group blocking.
	sess := c.balSess[testBalSession]
	first := message.New(c.store.NextSequenceID(), message.FcmEndpointID, testBalSession, message.TypeUpstream, "", "g1", mustJSON(t, map[string]any{"n": 1}))
	second := message.New(c.store.NextSequenceID(), message.FcmEndpointID, testBalSession, message.TypeUpstream, "", "g1", mustJSON(t, map[string]any{"n": 2}))
	if err := c.store.Save(first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := c.store.Save(second); err != nil {
		t.Fatalf("save second: %v", err)
	}
	c.enqueueToBal(sess, first)
	c.enqueueToBal(sess, second)

	if first.State != message.StatePendingAck {
		t.Fatalf("expected first message sent, got state %s", first.State)
	}
	if second.State != message.StateNew {
		t.Fatalf("expected second message blocked behind first, got state %s", second.State)
	}

	readBalFrameWithTimeout(t, conn) // drains the first message's send

	c.dispatch(event.Event{
		Kind:      event.KindBalAck,
		SessionID: testBalSession,
		Frame:     map[string]any{"sequence_id": float64(first.SequenceID)},
	})

	if second.State != message.StatePendingAck {
		t.Fatalf("expected second message promoted after first acked, got state %s", second.State)
	}
	readBalFrameWithTimeout(t, conn) // the now-unblocked second message
}

func TestBalReconnectResendRevivesPendingMessages(t *testing.T) {
	c, _ := newTestCore(t)
	sess := c.balSess[testBalSession]

	msg := message.New(c.store.NextSequenceID(), message.FcmEndpointID, testBalSession, message.TypeUpstream, "", "", mustJSON(t, map[string]any{"n": 1}))
	if err := c.store.Save(msg); err != nil {
		t.Fatalf("save: %v", err)
	}
	sess.Manager.Add(msg) // left in NEW, as if persisted before a restart

	conn := attachBalPipe(t, c, testBalSession)
	c.balReconnectResend(testBalSession)

	if msg.State != message.StatePendingAck {
		t.Fatalf("expected message promoted to PENDING_ACK on resend, got %s", msg.State)
	}
	readBalFrameWithTimeout(t, conn)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
