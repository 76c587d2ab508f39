// Package fcmlink implements one XMPP/TLS connection to FCM Cloud
// Connection Server: handshake, stanza framing, dispatch of incoming
// ack/nack/receipt/upstream/control messages, outbound send, and
// auto-reconnect with backoff. Modeled on the teacher's net.Conn + context
// + cancel + WaitGroup + buffered-outbound-channel connection lifecycle.
package fcmlink

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/alxayo/fcm-gateway/internal/backoff"
	"github.com/alxayo/fcm-gateway/internal/event"
	"github.com/alxayo/fcm-gateway/internal/logger"
)

// State is the link's position in the handshake/dispatch/drain machine.
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateTLSOk         State = "TLS_OK"
	StateStreamOpen    State = "STREAM_OPEN"
	StateFeaturesRx    State = "FEATURES_RX"
	StateAuthSent      State = "AUTH_SENT"
	StateAuthSuccess   State = "AUTH_SUCCESS"
	StateNewStream     State = "NEW_STREAM"
	StateBindSent      State = "BIND_SENT"
	StateAuthenticated State = "AUTHENTICATED"
	StateDraining      State = "DRAINING"
	StateClosed        State = "CLOSED"
)

// Config holds the per-link dial and credential settings, sourced from
// config.FCM.
type Config struct {
	ServerID    string
	ServerKey   string
	HostAddress string
	PortNo      int

	// TLSConfig allows tests to inject an insecure or fake TLS config;
	// nil uses a default client config with the server name set from
	// HostAddress.
	TLSConfig *tls.Config
}

// Link is one connection to FCM CCS.
type Link struct {
	id     string
	cfg    Config
	events chan<- event.Event
	log    *slog.Logger

	reconnectBackoff *backoff.Backoff

	mu       sync.Mutex
	state    State
	draining bool
	conn     net.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	decoder  *xml.Decoder
	outbound chan []byte
}

// New creates a Link that will emit all lifecycle and dispatch events onto
// events, tagged with id so the core can tell the active and draining links
// apart.
func New(id string, cfg Config, events chan<- event.Event) *Link {
	return &Link{
		id:               id,
		cfg:              cfg,
		events:           events,
		log:              logger.WithPeer(logger.Logger(), "fcm", id),
		reconnectBackoff: backoff.New(backoff.NoMaxRetry),
		state:            StateDisconnected,
		outbound:         make(chan []byte, 256),
	}
}

// ID returns the link's identity, used by the core to route acks/nacks
// arriving on the old (draining) link versus the new one.
func (l *Link) ID() string { return l.id }

// State returns the current handshake state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// MarkDraining flips the link into DRAINING: it continues reading (so
// in-flight acks still arrive) but is expected to receive no new outbound
// traffic from the core.
func (l *Link) MarkDraining() {
	l.mu.Lock()
	l.draining = true
	l.state = StateDraining
	l.mu.Unlock()
}

func (l *Link) isDraining() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draining
}

// Run drives the connect/handshake/read cycle forever, reconnecting with
// backoff on connection loss, until ctx is cancelled. It returns only when
// ctx is done or the link is explicitly closed while draining.
func (l *Link) Run(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
	for {
		if l.ctx.Err() != nil {
			return
		}
		if err := l.connectAndAuthenticate(); err != nil {
			l.emit(event.KindFcmConnectionLost, nil, err)
			delay, _ := l.reconnectBackoff.Next()
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(time.Duration(delay) * time.Millisecond):
			}
			continue
		}

		l.reconnectBackoff.Reset()
		l.readUntilClosed() // blocks until socket closes or ctx cancelled

		if l.ctx.Err() != nil {
			return
		}
		if l.isDraining() {
			l.emit(event.KindFcmDrainingCompleted, nil, nil)
			return // replacement link was started when draining began
		}
		l.emit(event.KindFcmConnectionLost, nil, nil)
		delay, _ := l.reconnectBackoff.Next()
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(time.Duration(delay) * time.Millisecond):
		}
	}
}

// connectAndAuthenticate performs TLS dial plus the full handshake up to
// AUTHENTICATED (JID_RX), starting the write loop once the socket is open.
func (l *Link) connectAndAuthenticate() error {
	l.setState(StateConnecting)
	l.emit(event.KindFcmConnectionStarted, nil, nil)

	addr := fmt.Sprintf("%s:%d", l.cfg.HostAddress, l.cfg.PortNo)
	tlsCfg := l.cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{ServerName: l.cfg.HostAddress}
	}

	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("tls dial: %w", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.setState(StateTLSOk)
	l.emit(event.KindFcmConnectionEstablished, nil, nil)

	if _, err := io.WriteString(conn, streamHeader("gcm.googleapis.com")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("write stream header: %w", err)
	}
	l.setState(StateStreamOpen)

	dec := xml.NewDecoder(conn)

	if err := l.awaitFeatures(dec); err != nil {
		_ = conn.Close()
		return err
	}
	l.setState(StateFeaturesRx)

	if _, err := io.WriteString(conn, saslPlainAuth(l.cfg.ServerID, l.cfg.ServerKey)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("write auth: %w", err)
	}
	l.setState(StateAuthSent)

	if err := l.awaitSaslOutcome(dec); err != nil {
		_ = conn.Close()
		return err
	}
	l.setState(StateAuthSuccess)

	// Stream restart: new header on the same socket, no close.
	if _, err := io.WriteString(conn, streamHeader("gcm.googleapis.com")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("write restarted stream header: %w", err)
	}
	l.setState(StateNewStream)
	dec = xml.NewDecoder(conn) // fresh decoder for the restarted stream

	if err := l.awaitFeatures(dec); err != nil {
		_ = conn.Close()
		return err
	}

	if _, err := io.WriteString(conn, bindIQ()); err != nil {
		_ = conn.Close()
		return fmt.Errorf("write bind: %w", err)
	}
	l.setState(StateBindSent)

	if err := l.awaitBindResult(dec); err != nil {
		_ = conn.Close()
		return err
	}
	l.setState(StateAuthenticated)
	l.emit(event.KindFcmSessionEstablished, nil, nil)

	l.wg.Add(1)
	go l.writeLoop(conn)

	l.decoder = dec
	return nil
}

func (l *Link) awaitFeatures(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("await features: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "features" {
			continue
		}
		var f features
		if err := dec.DecodeElement(&f, &se); err != nil {
			return fmt.Errorf("decode features: %w", err)
		}
		return nil
	}
}

func (l *Link) awaitSaslOutcome(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("await sasl outcome: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "success":
			var s saslSuccess
			return dec.DecodeElement(&s, &se)
		case "failure":
			var f saslFailure
			_ = dec.DecodeElement(&f, &se)
			l.emit(event.KindFcmAuthFailed, nil, fmt.Errorf("sasl failure: %s", f.Reason))
			return fmt.Errorf("sasl auth failed")
		}
	}
}

func (l *Link) awaitBindResult(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("await bind result: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "iq" {
			continue
		}
		var iq bindResultIQ
		if err := dec.DecodeElement(&iq, &se); err != nil {
			return fmt.Errorf("decode bind iq: %w", err)
		}
		if iq.Type != "result" || iq.Bind.JID == "" {
			return fmt.Errorf("unexpected bind response")
		}
		return nil
	}
}

// readUntilClosed consumes <message> stanzas (dispatching JSON payloads),
// whitespace heartbeats, and the draining control stanza, until the
// connection closes or ctx is cancelled.
func (l *Link) readUntilClosed() {
	l.mu.Lock()
	conn := l.conn
	dec := l.decoder
	l.mu.Unlock()

	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				l.emit(event.KindFcmStreamClosed, nil, nil)
			}
			_ = conn.Close()
			return
		}

		switch t := tok.(type) {
		case xml.CharData:
			if bytesIsWhitespaceHeartbeat(t) {
				l.emit(event.KindFcmHeartbeat, nil, nil)
			}
		case xml.StartElement:
			if t.Name.Local != "message" {
				continue
			}
			var m gcmMessage
			if err := dec.DecodeElement(&m, &t); err != nil {
				l.emit(event.KindFcmProtocolError, nil, fmt.Errorf("decode message stanza: %w", err))
				continue
			}
			l.dispatchGCM([]byte(m.GCM))
		}

		if l.ctx.Err() != nil {
			_ = conn.Close()
			return
		}
	}
}

func bytesIsWhitespaceHeartbeat(cd xml.CharData) bool {
	trimmed := bytes.TrimSpace(cd)
	return len(cd) > 0 && len(trimmed) == 0
}

// dispatchGCM parses the embedded JSON and emits the right event kind by
// message_type.
func (l *Link) dispatchGCM(raw []byte) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		l.emit(event.KindFcmProtocolError, nil, fmt.Errorf("decode gcm json: %w", err))
		return
	}

	msgType, _ := payload["message_type"].(string)
	switch msgType {
	case "ack":
		l.emit(event.KindFcmAck, payload, nil)
	case "nack":
		l.emit(event.KindFcmNack, payload, nil)
	case "receipt":
		l.emit(event.KindFcmReceipt, payload, nil)
	case "control":
		if ctrlType, _ := payload["control_type"].(string); ctrlType == "CONNECTION_DRAINING" {
			l.MarkDraining()
			l.emit(event.KindFcmDrainingStarted, payload, nil)
		}
	case "":
		l.emit(event.KindFcmUpstream, payload, nil)
	default:
		l.emit(event.KindFcmProtocolError, payload, fmt.Errorf("unknown message_type %q", msgType))
	}
}

// writeLoop drains the outbound channel, wrapping each JSON payload in a
// <message><gcm> stanza.
func (l *Link) writeLoop(conn net.Conn) {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case payload, ok := <-l.outbound:
			if !ok {
				return
			}
			if _, err := io.WriteString(conn, messageStanza(payload)); err != nil {
				l.log.Error("fcm write failed", "error", err)
				return
			}
		}
	}
}

// Send enqueues a JSON payload (e.g. an ack, or a forwarded DOWNSTREAM) for
// transmission. Returns an error if the queue is full (backpressure) or the
// link is shutting down.
func (l *Link) Send(payload []byte) error {
	select {
	case l.outbound <- payload:
		return nil
	case <-l.ctx.Done():
		return fmt.Errorf("fcmlink: link %s closed", l.id)
	default:
		return fmt.Errorf("fcmlink: link %s outbound queue full", l.id)
	}
}

// Close ends the stream gracefully: writes </stream:stream>, waits briefly
// for the FIN, then closes the socket and cancels the link's context.
func (l *Link) Close() {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn != nil {
		_, _ = io.WriteString(conn, streamCloseTag)
		time.Sleep(50 * time.Millisecond)
		_ = conn.Close()
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.setState(StateClosed)
	l.wg.Wait()
}

func (l *Link) emit(kind event.Kind, payload map[string]any, err error) {
	select {
	case l.events <- event.Event{Kind: kind, LinkID: l.id, JSON: payload, Err: err}:
	default:
		l.log.Warn("event channel full, dropping event", "kind", kind)
	}
}
