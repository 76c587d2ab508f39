// Package core wires the FCM link, the BAL listener, and the durable store
// into one serializing event loop. Every event produced by an FcmLink or
// the BalListener is handed to this single goroutine, which is the only
// place that ever mutates a MessageManager or issues a Store call. Modeled
// on the teacher's per-connection Registry, but with a single consumer
// instead of a lock-guarded map, since every mutation here already happens
// on one goroutine (see Application::handleFcmAckMessage and friends in
// original_source/application.cpp for the transition shapes this follows).
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alxayo/fcm-gateway/internal/backoff"
	"github.com/alxayo/fcm-gateway/internal/balsession"
	"github.com/alxayo/fcm-gateway/internal/config"
	"github.com/alxayo/fcm-gateway/internal/event"
	"github.com/alxayo/fcm-gateway/internal/fcmlink"
	"github.com/alxayo/fcm-gateway/internal/hooks"
	"github.com/alxayo/fcm-gateway/internal/logger"
	"github.com/alxayo/fcm-gateway/internal/message"
	"github.com/alxayo/fcm-gateway/internal/messagemanager"
	"github.com/alxayo/fcm-gateway/internal/store"
)

// maxNackRetry bounds how many times a retryable nack is retried before the
// message is given up as DELIVERY_FAILED and rejected back to BAL.
const maxNackRetry = 10

// resendKickDelay is how long after a successful BAL LOGON the core waits
// before scanning that session's manager for messages to resend, per
// Application::handleBalSessionAuthenticated's one-shot timer.
const resendKickDelay = 1 * time.Second

// retryableNackErrors are FCM nack error codes that should be retried with
// backoff rather than given up immediately (Application::handleFcmNackMessage).
var retryableNackErrors = map[string]bool{
	"SERVICE_UNAVAILABLE":          true,
	"INTERNAL_SERVER_ERROR":        true,
	"DEVICE_MESSAGE_RATE_EXCEEDED": true,
	"TOPICS_MESSAGE_RATE_EXCEEDED": true,
	"CONNECTION_DRAINING":          true,
}

// fcmSender is the seam between core and a live FcmLink: everything core
// needs in order to push bytes out. *fcmlink.Link satisfies it; tests may
// supply a stub to avoid standing up a real TLS/XMPP handshake.
type fcmSender interface {
	ID() string
	Send(payload []byte) error
}

// Core owns the FCM-side MessageManager, the set of BAL sessions and their
// MessageManagers, the durable Store, and the single channel every producer
// feeds events into.
type Core struct {
	cfg   *config.Config
	store *store.Store

	fcmManager *messagemanager.MessageManager
	balSess    map[string]*balsession.Session

	events chan event.Event
	log    *slog.Logger
	hooks  *hooks.HookManager

	mu           sync.Mutex
	activeLink   *fcmlink.Link
	drainingLink *fcmlink.Link
	balListener  *balsession.Listener

	// sendOverride lets tests substitute a stub fcmSender without standing
	// up a real TLS/XMPP link; production code never sets it.
	sendOverride fcmSender

	connCount int64 // atomic, total successful BAL logons since start

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Core for the given configuration and durable store. hm may
// be nil if no hooks are configured.
func New(cfg *config.Config, st *store.Store, hm *hooks.HookManager) *Core {
	balSess := map[string]*balsession.Session{
		cfg.BAL.SessionID: balsession.NewSession(cfg.BAL.SessionID),
	}
	return &Core{
		cfg:        cfg,
		store:      st,
		fcmManager: messagemanager.New(message.FcmEndpointID, fcmMaxPendingAllowed),
		balSess:    balSess,
		events:     make(chan event.Event, 256),
		log:        logger.Logger(),
		hooks:      hm,
	}
}

// fcmMaxPendingAllowed is the FCM-side pending-ack window (§3).
const fcmMaxPendingAllowed = 100

// Start loads any persisted pending messages, opens the BAL listener, dials
// FCM, and begins the event loop. It returns once the BAL listener is bound;
// the FCM link and event loop continue running in the background.
func (c *Core) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.fcmManager = messagemanager.New(message.FcmEndpointID, fcmMaxPendingAllowed)

	if err := c.loadPersisted(); err != nil {
		return err
	}

	c.balListener = balsession.NewListener(
		fmt.Sprintf("%s:%d", c.cfg.Server.HostAddress, c.cfg.Server.PortNo),
		c.balSess,
		c.events,
	)
	if err := c.balListener.Start(c.ctx); err != nil {
		return fmt.Errorf("core: start bal listener: %w", err)
	}

	c.mu.Lock()
	c.activeLink = fcmlink.New("fcm-1", fcmlink.Config{
		ServerID:    c.cfg.FCM.ServerID,
		ServerKey:   c.cfg.FCM.ServerKey,
		HostAddress: c.cfg.FCM.HostAddress,
		PortNo:      c.cfg.FCM.PortNo,
	}, c.events)
	link := c.activeLink
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		link.Run(c.ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runEventLoop()
	}()

	return nil
}

// Shutdown stops accepting new work and tears down the links and listener,
// waiting for in-flight goroutines to exit.
func (c *Core) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.balListener != nil {
		_ = c.balListener.Stop()
	}
	c.mu.Lock()
	active, draining := c.activeLink, c.drainingLink
	c.mu.Unlock()
	if active != nil {
		active.Close()
	}
	if draining != nil {
		draining.Close()
	}
	close(c.events)
	c.wg.Wait()
}

// ConnectionCount returns the number of BAL logons observed since start
// (the gateway's own connection counter, distinct from FCM's).
func (c *Core) ConnectionCount() int64 {
	return atomic.LoadInt64(&c.connCount)
}

func (c *Core) loadPersisted() error {
	fcmPending, err := c.store.LoadPending(message.FcmEndpointID)
	if err != nil {
		return err
	}
	for _, m := range fcmPending {
		c.fcmManager.Add(m)
	}

	for sessionID, sess := range c.balSess {
		pending, err := c.store.LoadPending(sessionID)
		if err != nil {
			return err
		}
		for _, m := range pending {
			sess.Manager.Add(m)
		}
	}
	return nil
}

// runEventLoop is the single consumer of c.events. Every case body is
// wrapped so a handler panic or logged failure never kills the loop.
func (c *Core) runEventLoop() {
	for e := range c.events {
		c.dispatch(e)
	}
}

func (c *Core) dispatch(e event.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panic, continuing", "kind", e.Kind, "recover", fmt.Sprintf("%v", r))
		}
	}()

	switch e.Kind {
	case event.KindFcmConnectionStarted, event.KindFcmConnectionEstablished, event.KindFcmHeartbeat:
		// logged by fcmlink itself; nothing to do here.

	case event.KindFcmSessionEstablished:
		c.log.Info("fcm session established", "link_id", e.LinkID)
		c.notifyHook(hooks.EventFcmConnected, e.LinkID, "")
		c.resendAllPendingDownstream()

	case event.KindFcmDrainingStarted:
		c.handleFcmDrainingStarted(e)

	case event.KindFcmDrainingCompleted:
		c.handleFcmDrainingCompleted(e)

	case event.KindFcmConnectionLost, event.KindFcmStreamClosed:
		c.log.Warn("fcm connection lost", "link_id", e.LinkID, "error", e.Err)
		c.notifyHook(hooks.EventFcmDisconnected, e.LinkID, "")

	case event.KindFcmAuthFailed:
		c.log.Error("fcm auth failed", "link_id", e.LinkID, "error", e.Err)
		c.notifyHook(hooks.EventFcmAuthFailed, e.LinkID, "")

	case event.KindFcmProtocolError:
		c.log.Warn("fcm protocol error", "link_id", e.LinkID, "error", e.Err)

	case event.KindFcmUpstream:
		c.handleFcmUpstream(e)

	case event.KindFcmAck:
		c.handleFcmAck(e)

	case event.KindFcmNack:
		c.handleFcmNack(e)

	case event.KindFcmReceipt:
		c.handleFcmReceipt(e)

	case event.KindBalLogon:
		c.handleBalLogon(e)

	case event.KindBalDownstream:
		c.handleBalDownstream(e)

	case event.KindBalAck:
		c.handleBalAck(e)

	case event.KindBalDisconnected:
		c.log.Info("bal session disconnected", "session_id", e.SessionID)
		c.notifyHook(hooks.EventBalDisconnected, "", e.SessionID)

	case event.KindBalAuthTimeout:
		c.log.Warn("bal auth timeout")
		c.notifyHook(hooks.EventBalAuthTimeout, "", "")

	case event.KindBalFrameMalformed:
		c.log.Warn("bal frame malformed", "error", e.Err)

	case event.KindTimerFired:
		c.handleTimerFired(e)

	default:
		c.log.Warn("unhandled event kind", "kind", e.Kind)
	}
}

func (c *Core) notifyHook(evType hooks.EventType, peerID, sessionID string) {
	if c.hooks == nil {
		return
	}
	ev := hooks.NewEvent(evType)
	if peerID != "" {
		ev = ev.WithPeerID(peerID)
	}
	if sessionID != "" {
		ev = ev.WithSessionID(sessionID)
	}
	c.hooks.TriggerEvent(c.ctx, *ev)
}

// linkByID returns the active or draining link matching id, or nil.
func (c *Core) linkByID(id string) *fcmlink.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeLink != nil && c.activeLink.ID() == id {
		return c.activeLink
	}
	if c.drainingLink != nil && c.drainingLink.ID() == id {
		return c.drainingLink
	}
	return nil
}

// sendToActiveLink pushes payload out on the current active link. Split out
// as a seam so tests can substitute a stub sender.
var _ fcmSender = (*fcmlink.Link)(nil)

func (c *Core) activeSender() fcmSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendOverride != nil {
		return c.sendOverride
	}
	if c.activeLink == nil {
		return nil
	}
	return c.activeLink
}

func (c *Core) sendToActiveLink(payload []byte) error {
	s := c.activeSender()
	if s == nil {
		return fmt.Errorf("core: no active fcm link")
	}
	return s.Send(payload)
}

// handleFcmDrainingStarted begins the handover per §4.6.7: the draining
// link stays alive (still reading, so late acks arrive), and a replacement
// link is connected immediately.
func (c *Core) handleFcmDrainingStarted(e event.Event) {
	c.mu.Lock()
	if c.activeLink == nil || c.activeLink.ID() != e.LinkID {
		c.mu.Unlock()
		return // draining signal from a link that is no longer active; ignore
	}
	c.drainingLink = c.activeLink
	newLink := fcmlink.New(fmt.Sprintf("fcm-%d", time.Now().UnixNano()), fcmlink.Config{
		ServerID:    c.cfg.FCM.ServerID,
		ServerKey:   c.cfg.FCM.ServerKey,
		HostAddress: c.cfg.FCM.HostAddress,
		PortNo:      c.cfg.FCM.PortNo,
	}, c.events)
	c.activeLink = newLink
	c.mu.Unlock()

	c.log.Info("fcm connection draining, connecting replacement", "draining_link_id", e.LinkID, "new_link_id", newLink.ID())
	c.notifyHook(hooks.EventFcmDraining, e.LinkID, "")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		newLink.Run(c.ctx)
	}()
}

func (c *Core) handleFcmDrainingCompleted(e event.Event) {
	c.mu.Lock()
	if c.drainingLink != nil && c.drainingLink.ID() == e.LinkID {
		c.drainingLink = nil
	}
	c.mu.Unlock()
	c.log.Info("fcm draining connection fully closed", "link_id", e.LinkID)
}

// handleFcmUpstream implements §4.6.1: a message arriving from a device has
// no flow-control relationship with BAL, so FCM is ack'd immediately and
// the message is separately enqueued for the target BAL session.
func (c *Core) handleFcmUpstream(e event.Event) {
	from, _ := e.JSON["from"].(string)
	category, _ := e.JSON["category"].(string)
	fcmMessageID, _ := e.JSON["message_id"].(string)

	if link := c.linkByID(e.LinkID); link != nil && from != "" && fcmMessageID != "" {
		ackPayload, err := json.Marshal(map[string]any{
			"to":           from,
			"message_id":   fcmMessageID,
			"message_type": "ack",
		})
		if err != nil {
			c.log.Error("marshal fcm ack failed", "error", err)
		} else if err := link.Send(ackPayload); err != nil {
			c.log.Warn("send fcm ack failed", "error", err)
		}
	}

	sess, ok := c.balSess[category]
	if !ok {
		c.log.Warn("upstream message for unknown bal session, dropping", "category", category)
		return
	}

	seq := c.store.NextSequenceID()
	envelope := map[string]any{
		"message_type": "UPSTREAM",
		"sequence_id":  seq,
		"session_id":   category,
		"fcm_data":     e.JSON,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		c.log.Error("marshal upstream envelope failed", "error", err)
		return
	}

	msg := message.New(seq, message.FcmEndpointID, category, message.TypeUpstream, fcmMessageID, "", payload)
	if err := c.store.Save(msg); err != nil {
		c.log.Error("persist upstream message failed", "error", err)
		return
	}
	c.enqueueToBal(sess, msg)
}

// handleBalDownstream implements §4.6.2: a BAL upload is persisted and fed
// into the FCM MessageManager, sent immediately if admissible.
func (c *Core) handleBalDownstream(e event.Event) {
	groupID, _ := e.Frame["group_id"].(string)
	fcmData, _ := e.Frame["fcm_data"].(map[string]any)
	fcmMessageID, _ := fcmData["message_id"].(string)

	payload, err := json.Marshal(fcmData)
	if err != nil {
		c.log.Error("marshal downstream payload failed", "error", err)
		return
	}

	seq := c.store.NextSequenceID()
	msg := message.New(seq, e.SessionID, message.FcmEndpointID, message.TypeDownstream, fcmMessageID, groupID, payload)
	if err := c.store.Save(msg); err != nil {
		c.log.Error("persist downstream message failed", "error", err)
		return
	}

	c.fcmManager.Add(msg)
	switch c.fcmManager.CanSendNew(msg) {
	case messagemanager.AdmitOK:
		c.promoteAndSend(c.fcmManager, msg, func() error { return c.sendToActiveLink(msg.Payload) })
	case messagemanager.AdmitPendingFull:
		c.log.Info("fcm pending-ack window full, downstream message queued", "sequence_id", seq)
	case messagemanager.AdmitGroupBlocked:
		c.log.Info("downstream message blocked behind earlier group message", "sequence_id", seq, "group_id", groupID)
	default:
		c.log.Warn("unexpected admission result for new downstream message", "sequence_id", seq)
	}
}

// handleFcmAck implements §4.6.3: FCM acked a message we sent it (a
// DOWNSTREAM we forwarded). Mark delivered, free the slot, try the next
// sendable message, and synthesize a DOWNSTREAM_ACK back to the source BAL.
func (c *Core) handleFcmAck(e event.Event) {
	fcmMessageID, _ := e.JSON["message_id"].(string)
	msg, ok := c.fcmManager.GetByFcmMessageID(fcmMessageID)
	if !ok {
		c.log.Warn("fcm ack for unknown message_id, dropping", "message_id", fcmMessageID)
		return
	}

	c.markDeliveredAndAdvance(c.fcmManager, msg, func(next *message.Message) { _ = c.sendToActiveLink(next.Payload) })

	sess, ok := c.balSess[msg.SourceSessionID]
	if !ok {
		return
	}
	c.synthesizeAndEnqueue(sess, msg.SourceSessionID, message.TypeDownstreamAck, map[string]any{
		"message_type": "DOWNSTREAM_ACK",
		"session_id":   msg.SourceSessionID,
		"fcm_data":     e.JSON,
	})
}

// handleFcmNack implements §4.6.4: a retryable error re-schedules the
// message with backoff; a non-retryable error (or backoff exhaustion) fails
// the message and rejects it back to BAL with the constructed envelope.
func (c *Core) handleFcmNack(e event.Event) {
	fcmMessageID, _ := e.JSON["message_id"].(string)
	errCode, _ := e.JSON["error"].(string)
	errDesc, _ := e.JSON["error_description"].(string)

	msg, ok := c.fcmManager.GetByFcmMessageID(fcmMessageID)
	if !ok {
		c.log.Warn("fcm nack for unknown message_id, dropping", "message_id", fcmMessageID)
		return
	}

	if retryableNackErrors[errCode] {
		c.scheduleNackRetry(msg)
		return
	}
	c.failDownstream(msg, errDesc)
}

func (c *Core) scheduleNackRetry(msg *message.Message) {
	if msg.Backoff == nil {
		msg.Backoff = backoff.New(maxNackRetry)
	}
	delay, ok := msg.Backoff.Next()
	if !ok {
		c.notifyHook(hooks.EventMessageRetryExhausted, "", msg.SourceSessionID)
		c.failDownstream(msg, "Max retry reached.")
		return
	}
	msg.RetryCount++
	msg.RetryScheduled = true
	seq := msg.SequenceID
	c.log.Info("retrying downstream message after nack", "sequence_id", seq, "delay_ms", delay, "retry", msg.RetryCount)
	time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
		c.postEvent(event.Event{Kind: event.KindTimerFired, TimerID: nackRetryTimerID(seq)})
	})
}

// failDownstream marks msg DELIVERY_FAILED, frees its slot, advances the
// next sendable message, and rejects it back to the originating BAL.
func (c *Core) failDownstream(msg *message.Message, reason string) {
	msg.SetState(message.StateDeliveryFailed)
	if err := c.store.UpdateState(msg.SequenceID, message.StateDeliveryFailed); err != nil {
		c.log.Error("persist delivery-failed state failed", "error", err)
	}
	c.fcmManager.Remove(msg.SequenceID)
	if next := c.fcmManager.NextSendable(); next != nil {
		c.promoteAndSend(c.fcmManager, next, func() error { return c.sendToActiveLink(next.Payload) })
	}
	c.notifyHook(hooks.EventMessageDeliveryFailed, "", msg.SourceSessionID)
	c.emitDownstreamReject(msg, reason)
}

// emitDownstreamReject builds the DOWNSTREAM_REJECT envelope from the
// original downstream payload (not the raw nack). This is the resolved
// answer to the open question on what the reject envelope carries.
func (c *Core) emitDownstreamReject(msg *message.Message, reason string) {
	sess, ok := c.balSess[msg.SourceSessionID]
	if !ok {
		return
	}
	var origPayload map[string]any
	if err := json.Unmarshal(msg.Payload, &origPayload); err != nil {
		c.log.Error("unmarshal original downstream payload for reject failed", "error", err)
		origPayload = map[string]any{}
	}
	c.synthesizeAndEnqueue(sess, msg.SourceSessionID, message.TypeDownstreamReject, map[string]any{
		"message_type":      "DOWNSTREAM_REJECT",
		"session_id":        msg.SourceSessionID,
		"error_description": reason,
		"fcm_data":          origPayload,
	})
}

// handleFcmReceipt implements §4.6.5: a delivery receipt is simply relayed
// to the owning BAL session as a DOWNSTREAM_RECEIPT; it carries no
// MessageManager bookkeeping of its own.
func (c *Core) handleFcmReceipt(e event.Event) {
	category, _ := e.JSON["category"].(string)
	sess, ok := c.balSess[category]
	if !ok {
		c.log.Warn("receipt for unknown bal session, dropping", "category", category)
		return
	}
	c.synthesizeAndEnqueue(sess, category, message.TypeDownstreamReceipt, map[string]any{
		"message_type": "DOWNSTREAM_RECEIPT",
		"session_id":   category,
		"fcm_data":     e.JSON,
	})
}

// handleBalAck implements §4.6.6: BAL acked something core sent it
// (UPSTREAM, DOWNSTREAM_ACK, DOWNSTREAM_RECEIPT, or DOWNSTREAM_REJECT).
// There is nothing further to deliver for these types; just free the slot.
func (c *Core) handleBalAck(e event.Event) {
	rawSeq, ok := e.Frame["sequence_id"]
	if !ok {
		return
	}
	seq, ok := toInt64(rawSeq)
	if !ok {
		c.log.Warn("bal ack with non-numeric sequence_id, dropping")
		return
	}

	sess, ok := c.balSess[e.SessionID]
	if !ok {
		return
	}
	msg, ok := sess.Manager.Get(seq)
	if !ok {
		c.log.Warn("bal ack for unknown sequence_id, dropping", "sequence_id", seq)
		return
	}

	c.markDeliveredAndAdvance(sess.Manager, msg, func(next *message.Message) { _ = sess.Send(mustDecodeJSON(next.Payload)) })
}

// handleBalLogon arms the resend-kick timer per §4.6.8.
func (c *Core) handleBalLogon(e event.Event) {
	atomic.AddInt64(&c.connCount, 1)
	c.notifyHook(hooks.EventBalAuthenticated, "", e.SessionID)
	sessionID := e.SessionID
	time.AfterFunc(resendKickDelay, func() {
		c.postEvent(event.Event{Kind: event.KindTimerFired, TimerID: balResendTimerID(sessionID)})
	})
}

func (c *Core) handleTimerFired(e event.Event) {
	switch {
	case strings.HasPrefix(e.TimerID, "nack-retry:"):
		seq, err := strconv.ParseInt(strings.TrimPrefix(e.TimerID, "nack-retry:"), 10, 64)
		if err != nil {
			return
		}
		c.retryNackTimerFired(seq)
	case strings.HasPrefix(e.TimerID, "bal-resend:"):
		sessionID := strings.TrimPrefix(e.TimerID, "bal-resend:")
		c.balReconnectResend(sessionID)
	default:
		c.log.Warn("unrecognized timer id", "timer_id", e.TimerID)
	}
}

func (c *Core) retryNackTimerFired(seq int64) {
	msg, ok := c.fcmManager.Get(seq)
	if !ok || !msg.RetryScheduled {
		return // message already delivered, failed, or cancelled since the timer was armed
	}
	msg.RetryScheduled = false
	if err := c.sendToActiveLink(msg.Payload); err != nil {
		c.log.Warn("resend after nack retry failed", "sequence_id", seq, "error", err)
	}
}

// balReconnectResend implements §4.6.8: scan the session's manager for
// anything left in NEW or PENDING_ACK and attempt to push it again.
func (c *Core) balReconnectResend(sessionID string) {
	sess, ok := c.balSess[sessionID]
	if !ok {
		return
	}
	pending := sess.Manager.AllByState(message.StateNew, message.StatePendingAck)
	c.log.Info("bal resend-kick scanning pending messages", "session_id", sessionID, "count", len(pending))
	for _, msg := range pending {
		switch sess.Manager.CanSendOnReconnect(msg) {
		case messagemanager.AdmitOK:
			if msg.State == message.StateNew {
				c.promoteAndSend(sess.Manager, msg, func() error { return sess.Send(mustDecodeJSON(msg.Payload)) })
			} else {
				_ = sess.Send(mustDecodeJSON(msg.Payload))
			}
		case messagemanager.AdmitGroupBlocked:
			// an earlier message in the same group is still in flight; it
			// will be retried when that message's ack arrives.
		case messagemanager.AdmitPendingFull, messagemanager.AdmitWrongState:
			c.log.Warn("cannot resend bal message on reconnect", "sequence_id", msg.SequenceID)
		}
	}
}

// resendAllPendingDownstream implements the FCM half of §4.6.7/§4.6.8:
// called whenever a session (the initial one, or the post-draining
// replacement) is established with FCM.
func (c *Core) resendAllPendingDownstream() {
	pending := c.fcmManager.AllByState(message.StateNew, message.StatePendingAck)
	c.log.Info("resending pending downstream messages to fcm", "count", len(pending))
	for _, msg := range pending {
		if msg.Type != message.TypeDownstream {
			c.log.Warn("non-downstream message found in fcm manager, skipping", "sequence_id", msg.SequenceID, "type", msg.Type)
			continue
		}
		switch c.fcmManager.CanSendOnReconnect(msg) {
		case messagemanager.AdmitOK:
			if msg.State == message.StateNew {
				c.promoteAndSend(c.fcmManager, msg, func() error { return c.sendToActiveLink(msg.Payload) })
			} else {
				_ = c.sendToActiveLink(msg.Payload)
			}
		case messagemanager.AdmitGroupBlocked:
			// resent once the group head's ack/nack resolves.
		default:
			c.log.Warn("cannot resend downstream message on reconnect", "sequence_id", msg.SequenceID)
		}
	}
}

// promoteAndSend transitions a NEW message to PENDING_ACK, persists the
// transition, marks the manager's window, then sends. Errors sending are
// logged but do not roll back the state transition; the message will be
// retried by the next reconnect/resend-kick scan.
func (c *Core) promoteAndSend(mgr *messagemanager.MessageManager, msg *message.Message, send func() error) {
	msg.SetState(message.StatePendingAck)
	if err := c.store.UpdateState(msg.SequenceID, message.StatePendingAck); err != nil {
		c.log.Error("persist pending-ack state failed", "sequence_id", msg.SequenceID, "error", err)
	}
	mgr.IncrementPendingAckCount()
	if err := send(); err != nil {
		c.log.Warn("send failed, will retry on next resend scan", "sequence_id", msg.SequenceID, "error", err)
	}
}

// markDeliveredAndAdvance marks msg DELIVERED, persists it, frees the
// manager's pending-ack slot, and promotes+sends the next sendable message
// if one is admissible.
func (c *Core) markDeliveredAndAdvance(mgr *messagemanager.MessageManager, msg *message.Message, sendNext func(*message.Message)) {
	msg.SetState(message.StateDelivered)
	if err := c.store.UpdateState(msg.SequenceID, message.StateDelivered); err != nil {
		c.log.Error("persist delivered state failed", "sequence_id", msg.SequenceID, "error", err)
	}
	mgr.Remove(msg.SequenceID)
	if next := mgr.NextSendable(); next != nil {
		next.SetState(message.StatePendingAck)
		if err := c.store.UpdateState(next.SequenceID, message.StatePendingAck); err != nil {
			c.log.Error("persist pending-ack state failed", "sequence_id", next.SequenceID, "error", err)
		}
		mgr.IncrementPendingAckCount()
		sendNext(next)
	}
}

// enqueueToBal adds msg to sess's manager and sends it immediately if the
// window and group allow; otherwise it waits for a later ack or resend-kick.
func (c *Core) enqueueToBal(sess *balsession.Session, msg *message.Message) {
	sess.Manager.Add(msg)
	switch sess.Manager.CanSendNew(msg) {
	case messagemanager.AdmitOK:
		c.promoteAndSend(sess.Manager, msg, func() error { return sess.Send(mustDecodeJSON(msg.Payload)) })
	case messagemanager.AdmitPendingFull:
		c.log.Info("bal pending-ack window full, message queued", "sequence_id", msg.SequenceID, "session_id", sess.ID)
	case messagemanager.AdmitGroupBlocked:
		c.log.Info("message blocked behind earlier group message", "sequence_id", msg.SequenceID)
	default:
		c.log.Warn("unexpected admission result for new bal message", "sequence_id", msg.SequenceID)
	}
}

// synthesizeAndEnqueue allocates a sequence id, persists a new message
// record wrapping envelope, and routes it to sess the same way any other
// BAL-bound message is routed.
func (c *Core) synthesizeAndEnqueue(sess *balsession.Session, targetSessionID string, typ message.Type, envelope map[string]any) {
	seq := c.store.NextSequenceID()
	envelope["sequence_id"] = seq
	payload, err := json.Marshal(envelope)
	if err != nil {
		c.log.Error("marshal synthesized envelope failed", "error", err, "type", typ)
		return
	}
	msg := message.New(seq, message.FcmEndpointID, targetSessionID, typ, "", "", payload)
	if err := c.store.Save(msg); err != nil {
		c.log.Error("persist synthesized message failed", "error", err)
		return
	}
	c.enqueueToBal(sess, msg)
}

// postEvent hands an internally-generated event (timer fires) back into the
// event loop, same as any externally-produced one.
func (c *Core) postEvent(e event.Event) {
	select {
	case c.events <- e:
	case <-c.ctx.Done():
	}
}

func nackRetryTimerID(seq int64) string {
	return "nack-retry:" + strconv.FormatInt(seq, 10)
}

func balResendTimerID(sessionID string) string {
	return "bal-resend:" + sessionID
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// mustDecodeJSON turns a stored payload back into the map the send-side
// transports expect. Payloads are always produced by this package's own
// json.Marshal calls, so a decode failure indicates data corruption; it is
// logged by the caller's send path when writeFrame subsequently fails.
func mustDecodeJSON(payload []byte) map[string]any {
	var v map[string]any
	_ = json.Unmarshal(payload, &v)
	return v
}
