// Package balsession implements the TCP listener that accepts BAL clients,
// the per-connection length-prefixed JSON framing, and the authentication
// handshake with timeout, modeled on the teacher's accept-loop + per-
// connection-goroutine server shape.
package balsession

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/alxayo/fcm-gateway/internal/event"
	"github.com/alxayo/fcm-gateway/internal/logger"
)

// AuthTimeout is how long an accepted socket has to send LOGON before it is
// torn down silently.
const AuthTimeout = 10 * time.Second

// Listener accepts BAL TCP connections and dispatches frames as events onto
// a single channel consumed by the core event loop.
type Listener struct {
	addr     string
	sessions map[string]*Session // keyed by configured session_id
	events   chan<- event.Event
	log      *slog.Logger

	ln net.Listener

	mu         sync.Mutex
	unauthConn map[net.Conn]context.CancelFunc // pending auth-timeout cancel funcs

	wg sync.WaitGroup
}

// NewListener creates a Listener for the given address and the set of
// configured BAL sessions (currently always exactly one, per spec).
func NewListener(addr string, sessions map[string]*Session, events chan<- event.Event) *Listener {
	return &Listener{
		addr:       addr,
		sessions:   sessions,
		events:     events,
		log:        logger.WithPeer(logger.Logger(), "bal", "listener"),
		unauthConn: make(map[net.Conn]context.CancelFunc),
	}
}

// Start opens the listening socket and begins accepting connections in the
// background. Returns once the listener is bound.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("bal listen %s: %w", l.addr, err)
	}
	l.ln = ln

	l.wg.Add(1)
	go l.acceptLoop(ctx)
	l.log.Info("bal listener started", "addr", l.addr)
	return nil
}

// Stop closes the listening socket. Accepted per-connection goroutines exit
// as their sockets close.
func (l *Listener) Stop() error {
	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			l.log.Warn("accept failed", "error", err)
			return
		}
		l.wg.Add(1)
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()

	authCtx, cancelAuth := context.WithCancel(ctx)
	l.mu.Lock()
	l.unauthConn[conn] = cancelAuth
	l.mu.Unlock()

	timer := time.AfterFunc(AuthTimeout, func() {
		l.mu.Lock()
		_, stillUnauth := l.unauthConn[conn]
		delete(l.unauthConn, conn)
		l.mu.Unlock()
		if stillUnauth {
			l.events <- event.Event{Kind: event.KindBalAuthTimeout}
			_ = conn.Close()
		}
	})
	defer timer.Stop()
	defer cancelAuth()

	var authenticatedSession *Session

	defer func() {
		_ = conn.Close()
		l.mu.Lock()
		delete(l.unauthConn, conn)
		l.mu.Unlock()
		if authenticatedSession != nil {
			authenticatedSession.Detach()
			l.events <- event.Event{Kind: event.KindBalDisconnected, SessionID: authenticatedSession.ID}
		}
	}()

	for {
		select {
		case <-authCtx.Done():
			return
		default:
		}

		frame, err := readFrame(conn)
		if err != nil {
			if IsMalformed(err) {
				l.log.Warn("dropping malformed bal frame", "error", err)
				l.events <- event.Event{Kind: event.KindBalFrameMalformed, Err: err}
				continue
			}
			return
		}

		msgType, _ := frame["message_type"].(string)
		switch msgType {
		case "LOGON":
			sessionID, _ := frame["session_id"].(string)
			sess, ok := l.sessions[sessionID]
			if !ok {
				l.log.Warn("bal logon with unknown session_id", "session_id", sessionID)
				return // unknown session_id: drop connection
			}
			l.mu.Lock()
			delete(l.unauthConn, conn)
			l.mu.Unlock()
			timer.Stop()

			sess.Attach(conn)
			authenticatedSession = sess
			if err := writeFrame(conn, map[string]any{
				"message_type": "LOGON_RESPONSE",
				"session_id":   sessionID,
				"status":       "SUCCESS",
			}); err != nil {
				l.log.Warn("logon response write failed", "error", err)
				return
			}
			l.events <- event.Event{Kind: event.KindBalLogon, SessionID: sessionID}

		case "DOWNSTREAM":
			if authenticatedSession == nil {
				continue // unauthenticated traffic is ignored, not dispatched
			}
			l.events <- event.Event{Kind: event.KindBalDownstream, SessionID: authenticatedSession.ID, Frame: frame}

		case "ACK":
			if authenticatedSession == nil {
				continue
			}
			l.events <- event.Event{Kind: event.KindBalAck, SessionID: authenticatedSession.ID, Frame: frame}

		default:
			l.log.Debug("ignoring unknown bal message_type", "message_type", msgType)
		}
	}
}
