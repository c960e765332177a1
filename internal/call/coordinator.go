package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sparknet/realtime/internal/event"
	"github.com/sparknet/realtime/internal/fault"
	"github.com/sparknet/realtime/internal/store"
	"go.uber.org/zap"
)

// Notifier reaches a specific user's live connections.
type Notifier interface {
	IsReachable(userID string) bool
	SendToUser(userID string, evt *event.Envelope)
}

// activeCall is one non-terminal call under coordination. The ring timer
// is nil once cancelled or fired.
type activeCall struct {
	rec   *store.Call
	timer *time.Timer
}

// send is a pending outbound notification, delivered after the
// coordinator lock is released.
type send struct {
	userID string
	evt    *event.Envelope
}

// Coordinator owns call signaling: it enforces the call state machine,
// the one-active-call-per-user invariant, and relays SDP and ICE payloads
// between exactly two parties. All transitions are applied under one lock
// so a timer firing concurrently with a user action can never race past a
// terminal-state check.
type Coordinator struct {
	mu     sync.Mutex
	calls  map[string]*activeCall
	byUser map[string]string // user id -> non-terminal call id

	db          *store.DB
	reg         Notifier
	ringTimeout time.Duration
	logger      *zap.Logger
}

// New creates a coordinator with the given ring-timeout window.
func New(db *store.DB, reg Notifier, ringTimeout time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		calls:       make(map[string]*activeCall),
		byUser:      make(map[string]string),
		db:          db,
		reg:         reg,
		ringTimeout: ringTimeout,
		logger:      logger,
	}
}

// Initiate creates a call in the initiating state and arms the ring
// timer. Conflicts: self_call, busy_self, busy_peer.
func (c *Coordinator) Initiate(ctx context.Context, initiatorID, recipientID, chatID, kind string) (*store.Call, error) {
	if initiatorID == recipientID {
		return nil, fault.New(fault.Conflict, "self_call")
	}
	if kind != KindVoice && kind != KindVideo {
		kind = KindVoice
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.byUser[initiatorID]; busy {
		return nil, fault.New(fault.Conflict, "busy_self")
	}
	if _, busy := c.byUser[recipientID]; busy {
		return nil, fault.New(fault.Conflict, "busy_peer")
	}

	rec := &store.Call{
		ID:          uuid.New().String(),
		ChatID:      chatID,
		InitiatorID: initiatorID,
		RecipientID: recipientID,
		Kind:        kind,
		Status:      string(Initiating),
		StartedAt:   time.Now().UnixMilli(),
	}
	if err := c.db.InsertCall(rec); err != nil {
		return nil, fault.Wrap(fault.Internal, "failed to create call", err)
	}

	ac := &activeCall{rec: rec}
	callID := rec.ID
	ac.timer = time.AfterFunc(c.ringTimeout, func() { c.onRingTimeout(callID) })
	c.calls[callID] = ac
	c.byUser[initiatorID] = callID
	c.byUser[recipientID] = callID

	c.logger.Info("call initiated",
		zap.String("call_id", callID),
		zap.String("initiator_id", initiatorID),
		zap.String("recipient_id", recipientID),
		zap.String("kind", kind))

	cp := *rec
	return &cp, nil
}

// Offer stores the initiator's SDP offer and rings the recipient. If the
// recipient has no live connection the call fails immediately with
// peer_unavailable and never rings.
func (c *Coordinator) Offer(ctx context.Context, callID, callerID, sdpOffer string) error {
	c.mu.Lock()
	ac, err := c.lookupLocked(callID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if callerID != ac.rec.InitiatorID {
		c.mu.Unlock()
		return fault.New(fault.Unauthorized, "only the initiator may offer")
	}
	if !CanTransition(State(ac.rec.Status), Ringing) {
		c.mu.Unlock()
		return fault.New(fault.InvalidState, "call is "+ac.rec.Status)
	}

	if !c.reg.IsReachable(ac.rec.RecipientID) {
		prev := *ac.rec
		ac.rec.SDPOffer = sdpOffer
		if err := c.finishLocked(ac, Failed, "peer_unavailable"); err != nil {
			*ac.rec = prev
			c.mu.Unlock()
			return err
		}
		c.mu.Unlock()
		return fault.New(fault.PeerUnavailable, "peer_unavailable")
	}

	prev := *ac.rec
	ac.rec.SDPOffer = sdpOffer
	ac.rec.Status = string(Ringing)
	if err := c.db.UpdateCall(ac.rec); err != nil {
		*ac.rec = prev
		c.mu.Unlock()
		return fault.Wrap(fault.Internal, "failed to update call", err)
	}

	sends := []send{{ac.rec.RecipientID, event.MustNew(event.KindCallIncoming, event.CallIncoming{
		CallID:   callID,
		ChatID:   ac.rec.ChatID,
		CallType: ac.rec.Kind,
		Offer:    sdpOffer,
		CallerID: ac.rec.InitiatorID,
	})}}
	c.mu.Unlock()
	c.deliver(sends)
	return nil
}

// Answer stores the recipient's SDP answer, activates the call and
// relays the answer to the initiator. First of a racing answer/decline
// pair wins; the loser gets an invalid-state error.
func (c *Coordinator) Answer(ctx context.Context, callID, byID, sdpAnswer string) error {
	c.mu.Lock()
	ac, err := c.lookupLocked(callID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if byID != ac.rec.RecipientID {
		c.mu.Unlock()
		return fault.New(fault.Unauthorized, "only the recipient may answer")
	}
	if !CanTransition(State(ac.rec.Status), Active) {
		c.mu.Unlock()
		return fault.New(fault.InvalidState, "call is "+ac.rec.Status)
	}

	prev := *ac.rec
	ac.rec.SDPAnswer = sdpAnswer
	ac.rec.Status = string(Active)
	ac.rec.AnsweredAt = time.Now().UnixMilli()
	if err := c.db.UpdateCall(ac.rec); err != nil {
		*ac.rec = prev
		c.mu.Unlock()
		return fault.Wrap(fault.Internal, "failed to update call", err)
	}
	c.stopTimerLocked(ac)

	sends := []send{{ac.rec.InitiatorID, event.MustNew(event.KindCallAnswered, event.CallAnswered{
		CallID:     callID,
		Answer:     sdpAnswer,
		AnsweredBy: byID,
	})}}
	c.mu.Unlock()
	c.deliver(sends)
	return nil
}

// Decline terminates a not-yet-active call and notifies the initiator.
func (c *Coordinator) Decline(ctx context.Context, callID, byID, reason string) error {
	c.mu.Lock()
	ac, err := c.lookupLocked(callID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if byID != ac.rec.InitiatorID && byID != ac.rec.RecipientID {
		c.mu.Unlock()
		return fault.New(fault.Unauthorized, "not a party to this call")
	}
	if !CanTransition(State(ac.rec.Status), Declined) {
		c.mu.Unlock()
		return fault.New(fault.InvalidState, "call is "+ac.rec.Status)
	}
	if reason == "" {
		reason = "declined"
	}

	other := c.counterparty(ac.rec, byID)
	prev := *ac.rec
	if err := c.finishLocked(ac, Declined, reason); err != nil {
		*ac.rec = prev
		c.mu.Unlock()
		return err
	}

	sends := []send{{other, event.MustNew(event.KindCallDeclined, event.CallDeclined{
		CallID:     callID,
		DeclinedBy: byID,
		Reason:     reason,
	})}}
	c.mu.Unlock()
	c.deliver(sends)
	return nil
}

// AddICECandidate appends a candidate to the call's ordered list and
// relays it to the counterparty. Relay is best effort: an unreachable
// counterparty drops the candidate without error.
func (c *Coordinator) AddICECandidate(ctx context.Context, callID, fromID, candidate string) error {
	c.mu.Lock()
	ac, err := c.lookupLocked(callID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if fromID != ac.rec.InitiatorID && fromID != ac.rec.RecipientID {
		c.mu.Unlock()
		return fault.New(fault.Unauthorized, "not a party to this call")
	}

	if err := c.db.AppendCandidate(callID, fromID, candidate, time.Now().UnixMilli()); err != nil {
		c.mu.Unlock()
		return fault.Wrap(fault.Internal, "failed to store candidate", err)
	}

	var sends []send
	if other := c.counterparty(ac.rec, fromID); c.reg.IsReachable(other) {
		sends = append(sends, send{other, event.MustNew(event.KindCallIceCandidate, event.CallIceOut{
			CallID:    callID,
			Candidate: candidate,
			SenderID:  fromID,
		})})
	}
	c.mu.Unlock()
	c.deliver(sends)
	return nil
}

// End hangs up a connecting or active call and notifies the other party.
// Duration is measured from answer to hangup.
func (c *Coordinator) End(ctx context.Context, callID, byID, reason string) error {
	c.mu.Lock()
	ac, err := c.lookupLocked(callID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if byID != ac.rec.InitiatorID && byID != ac.rec.RecipientID {
		c.mu.Unlock()
		return fault.New(fault.Unauthorized, "not a party to this call")
	}
	if !CanTransition(State(ac.rec.Status), Ended) {
		c.mu.Unlock()
		return fault.New(fault.InvalidState, "call is "+ac.rec.Status)
	}
	if reason == "" {
		reason = "hangup"
	}

	other := c.counterparty(ac.rec, byID)
	prev := *ac.rec
	if err := c.finishLocked(ac, Ended, reason); err != nil {
		*ac.rec = prev
		c.mu.Unlock()
		return err
	}

	sends := []send{{other, event.MustNew(event.KindCallEnded, event.CallEnded{
		CallID:     callID,
		EndedBy:    byID,
		Reason:     reason,
		DurationMs: ac.rec.DurationMs,
	})}}
	c.mu.Unlock()
	c.deliver(sends)
	return nil
}

// OnPeerDisconnected fails any non-terminal call the user is party to
// and tells the other side. Invoked by the connection registry when a
// user's last connection drops.
func (c *Coordinator) OnPeerDisconnected(userID string) {
	c.mu.Lock()
	callID, ok := c.byUser[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	ac := c.calls[callID]
	other := c.counterparty(ac.rec, userID)
	if err := c.finishLocked(ac, Failed, "disconnected"); err != nil {
		c.logger.Error("failed to fail call on disconnect",
			zap.Error(err), zap.String("call_id", callID))
		c.mu.Unlock()
		return
	}

	var sends []send
	if c.reg.IsReachable(other) {
		sends = append(sends, send{other, event.MustNew(event.KindCallEnded, event.CallEnded{
			CallID:     callID,
			EndedBy:    userID,
			Reason:     "disconnected",
			DurationMs: ac.rec.DurationMs,
		})})
	}
	c.mu.Unlock()
	c.deliver(sends)
}

// Shutdown fails every in-flight call and cancels its timer. Further
// operations on those calls report invalid state.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	var sends []send
	for id, ac := range c.calls {
		initiator, recipient := ac.rec.InitiatorID, ac.rec.RecipientID
		if err := c.finishLocked(ac, Failed, "shutdown"); err != nil {
			c.logger.Error("failed to fail call on shutdown",
				zap.Error(err), zap.String("call_id", id))
			continue
		}
		evt := event.MustNew(event.KindCallEnded, event.CallEnded{CallID: id, Reason: "shutdown"})
		for _, u := range []string{initiator, recipient} {
			if c.reg.IsReachable(u) {
				sends = append(sends, send{u, evt})
			}
		}
	}
	c.mu.Unlock()
	c.deliver(sends)
}

// onRingTimeout fires when the ring window elapses. A call already past
// ringing is left alone.
func (c *Coordinator) onRingTimeout(callID string) {
	c.mu.Lock()
	ac, ok := c.calls[callID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if !CanTransition(State(ac.rec.Status), Missed) {
		c.mu.Unlock()
		return
	}

	initiator := ac.rec.InitiatorID
	if err := c.finishLocked(ac, Missed, "missed"); err != nil {
		c.logger.Error("failed to mark call missed",
			zap.Error(err), zap.String("call_id", callID))
		c.mu.Unlock()
		return
	}

	var sends []send
	if c.reg.IsReachable(initiator) {
		sends = append(sends, send{initiator, event.MustNew(event.KindCallEnded, event.CallEnded{
			CallID: callID,
			Reason: "missed",
		})})
	}
	c.mu.Unlock()
	c.deliver(sends)
}

// lookupLocked resolves an in-flight call. A call already settled (in
// the database but no longer coordinated) reports invalid state so a
// racing answer/decline loser gets a precise error.
func (c *Coordinator) lookupLocked(callID string) (*activeCall, error) {
	if ac, ok := c.calls[callID]; ok {
		return ac, nil
	}
	rec, err := c.db.GetCall(callID)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "failed to load call", err)
	}
	if rec == nil {
		return nil, fault.New(fault.NotFound, "call_not_found")
	}
	return nil, fault.New(fault.InvalidState, "call is "+rec.Status)
}

// finishLocked moves a call to a terminal state, persists it and drops
// it from the coordination maps. The caller still holds ac.rec for
// building notifications.
func (c *Coordinator) finishLocked(ac *activeCall, to State, reason string) error {
	now := time.Now().UnixMilli()
	ac.rec.Status = string(to)
	ac.rec.Reason = reason
	ac.rec.EndedAt = now
	if ac.rec.AnsweredAt > 0 {
		ac.rec.DurationMs = now - ac.rec.AnsweredAt
	}
	if err := c.db.UpdateCall(ac.rec); err != nil {
		return fault.Wrap(fault.Internal, "failed to update call", err)
	}
	c.stopTimerLocked(ac)
	delete(c.calls, ac.rec.ID)
	delete(c.byUser, ac.rec.InitiatorID)
	delete(c.byUser, ac.rec.RecipientID)
	return nil
}

func (c *Coordinator) stopTimerLocked(ac *activeCall) {
	if ac.timer != nil {
		ac.timer.Stop()
		ac.timer = nil
	}
}

func (c *Coordinator) counterparty(rec *store.Call, userID string) string {
	if userID == rec.InitiatorID {
		return rec.RecipientID
	}
	return rec.InitiatorID
}

func (c *Coordinator) deliver(sends []send) {
	for _, s := range sends {
		c.reg.SendToUser(s.userID, s.evt)
	}
}
