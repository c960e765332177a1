package call

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sparknet/realtime/internal/event"
	"github.com/sparknet/realtime/internal/fault"
	"github.com/sparknet/realtime/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeReg marks a fixed set of users reachable and records direct sends.
// Safe for the timer goroutine.
type fakeReg struct {
	mu        sync.Mutex
	reachable map[string]bool
	sent      map[string][]*event.Envelope
}

func newFakeReg(users ...string) *fakeReg {
	r := &fakeReg{reachable: make(map[string]bool), sent: make(map[string][]*event.Envelope)}
	for _, u := range users {
		r.reachable[u] = true
	}
	return r
}

func (r *fakeReg) IsReachable(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reachable[userID]
}

func (r *fakeReg) SendToUser(userID string, evt *event.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[userID] = append(r.sent[userID], evt)
}

func (r *fakeReg) sentTo(userID string) []*event.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*event.Envelope, len(r.sent[userID]))
	copy(out, r.sent[userID])
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newCoordinator(db *store.DB, reg *fakeReg, ringTimeout time.Duration) *Coordinator {
	return New(db, reg, ringTimeout, zap.NewNop())
}

func ringingCall(t *testing.T, c *Coordinator) *store.Call {
	t.Helper()
	rec, err := c.Initiate(context.Background(), "alice", "bob", "chat-1", KindVoice)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Offer(context.Background(), rec.ID, "alice", "sdp-offer"); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestInitiateAndOfferRingsRecipient(t *testing.T) {
	db := testDB(t)
	reg := newFakeReg("alice", "bob")
	c := newCoordinator(db, reg, time.Minute)

	rec := ringingCall(t, c)

	got, _ := db.GetCall(rec.ID)
	if got.Status != string(Ringing) {
		t.Errorf("status = %q, want ringing", got.Status)
	}
	if got.SDPOffer != "sdp-offer" {
		t.Errorf("offer = %q", got.SDPOffer)
	}

	incoming := reg.sentTo("bob")
	if len(incoming) != 1 || incoming[0].Kind != event.KindCallIncoming {
		t.Fatalf("bob events = %v", incoming)
	}
	var p event.CallIncoming
	if err := incoming[0].Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.CallerID != "alice" || p.Offer != "sdp-offer" || p.CallType != KindVoice {
		t.Errorf("incoming = %+v", p)
	}
}

func TestInitiateConflicts(t *testing.T) {
	db := testDB(t)
	reg := newFakeReg("alice", "bob", "carol")
	c := newCoordinator(db, reg, time.Minute)

	if _, err := c.Initiate(context.Background(), "alice", "alice", "chat-1", KindVoice); fault.CodeOf(err) != fault.Conflict || fault.ReasonOf(err) != "self_call" {
		t.Errorf("self call err = %v", err)
	}

	if _, err := c.Initiate(context.Background(), "alice", "carol", "chat-2", KindVoice); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Initiate(context.Background(), "alice", "bob", "chat-1", KindVoice); fault.ReasonOf(err) != "busy_self" {
		t.Errorf("busy self err = %v", err)
	}
	if _, err := c.Initiate(context.Background(), "bob", "carol", "chat-3", KindVoice); fault.ReasonOf(err) != "busy_peer" {
		t.Errorf("busy peer err = %v", err)
	}
}

func TestOfferToUnreachablePeerFailsImmediately(t *testing.T) {
	db := testDB(t)
	reg := newFakeReg("alice") // bob offline
	c := newCoordinator(db, reg, time.Minute)

	rec, err := c.Initiate(context.Background(), "alice", "bob", "chat-1", KindVideo)
	if err != nil {
		t.Fatal(err)
	}
	err = c.Offer(context.Background(), rec.ID, "alice", "sdp-offer")
	if fault.CodeOf(err) != fault.PeerUnavailable {
		t.Fatalf("err = %v, want peer_unavailable", err)
	}

	got, _ := db.GetCall(rec.ID)
	if got.Status != string(Failed) || got.Reason != "peer_unavailable" {
		t.Errorf("call = %q/%q", got.Status, got.Reason)
	}
	if len(reg.sentTo("bob")) != 0 {
		t.Error("incoming sent to unreachable peer")
	}

	// Both parties are free again.
	if _, err := c.Initiate(context.Background(), "alice", "bob", "chat-1", KindVoice); err != nil {
		t.Errorf("initiate after failed call: %v", err)
	}
}

func TestAnswerActivatesAndNotifiesInitiator(t *testing.T) {
	db := testDB(t)
	reg := newFakeReg("alice", "bob")
	c := newCoordinator(db, reg, 50*time.Millisecond)

	rec := ringingCall(t, c)
	if err := c.Answer(context.Background(), rec.ID, "bob", "sdp-answer"); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetCall(rec.ID)
	if got.Status != string(Active) {
		t.Errorf("status = %q, want active", got.Status)
	}
	if got.AnsweredAt == 0 {
		t.Error("answered_at not stamped")
	}
	if got.SDPAnswer != "sdp-answer" {
		t.Errorf("answer = %q", got.SDPAnswer)
	}

	answered := reg.sentTo("alice")
	if len(answered) != 1 || answered[0].Kind != event.KindCallAnswered {
		t.Fatalf("alice events = %v", answered)
	}

	// The ring timer was cancelled: well past the window the call is
	// still active and no missed notification arrived.
	time.Sleep(120 * time.Millisecond)
	got, _ = db.GetCall(rec.ID)
	if got.Status != string(Active) {
		t.Errorf("status after ring window = %q, want active", got.Status)
	}
	if len(reg.sentTo("alice")) != 1 {
		t.Error("unexpected extra notification after answer")
	}
}

func TestAnswerByInitiatorRejected(t *testing.T) {
	db := testDB(t)
	reg := newFakeReg("alice", "bob")
	c := newCoordinator(db, reg, time.Minute)

	rec := ringingCall(t, c)
	err := c.Answer(context.Background(), rec.ID, "alice", "sdp-answer")
	if fault.CodeOf(err) != fault.Unauthorized {
		t.Errorf("err = %v, want unauthorized", err)
	}
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	db := testDB(t)
	reg := newFakeReg("alice", "bob")
	c := newCoordinator(db, reg, 30*time.Millisecond)

	rec := ringingCall(t, c)

	waitFor(t, func() bool {
		got, _ := db.GetCall(rec.ID)
		return got.Status == string(Missed)
	})

	ended := reg.sentTo("alice")
	if len(ended) != 1 || ended[0].Kind != event.KindCallEnded {
		t.Fatalf("alice events = %v", ended)
	}
	var p event.CallEnded
	if err := ended[0].Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Reason != "missed" {
		t.Errorf("reason = %q, want missed", p.Reason)
	}

	// The slot is free again.
	if _, err := c.Initiate(context.Background(), "alice", "bob", "chat-1", KindVoice); err != nil {
		t.Errorf("initiate after missed call: %v", err)
	}
}

func TestDeclineNotifiesInitiator(t *testing.T) {
	db := testDB(t)
	reg := newFakeReg("alice", "bob")
	c := newCoordinator(db, reg, time.Minute)

	rec := ringingCall(t, c)
	if err := c.Decline(context.Background(), rec.ID, "bob", "busy"); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetCall(rec.ID)
	if got.Status != string(Declined) || got.Reason != "busy" {
		t.Errorf("call = %q/%q", got.Status, got.Reason)
	}
	if got.EndedAt == 0 {
		t.Error("ended_at not stamped")
	}

	declined := reg.sentTo("alice")
	if len(declined) != 1 || declined[0].Kind != event.KindCallDeclined {
		t.Fatalf("alice events = %v", declined)
	}
}

func TestAnswerDeclineRaceFirstWins(t *testing.T) {
	db := testDB(t)
	reg := newFakeReg("alice", "bob")
	c := newCoordinator(db, reg, time.Minute)

	rec := ringingCall(t, c)
	if err := c.Answer(context.Background(), rec.ID, "bob", "sdp-answer"); err != nil {
		t.Fatal(err)
	}

	err := c.Decline(context.Background(), rec.ID, "bob", "")
	if fault.CodeOf(err) != fault.InvalidState {
		t.Errorf("late decline err = %v, want invalid_state", err)
	}

	got, _ := db.GetCall(rec.ID)
	if got.Status != string(Active) {
		t.Errorf("status = %q, the answer must stand", got.Status)
	}
}

func TestICECandidateRelayAndOrder(t *testing.T) {
	db := testDB(t)
	reg := newFakeReg("alice", "bob")
	c := newCoordinator(db, reg, time.Minute)

	rec := ringingCall(t, c)
	for _, cand := range []string{"cand-1", "cand-2", "cand-3"} {
		if err := c.AddICECandidate(context.Background(), rec.ID, "alice", cand); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.AddICECandidate(context.Background(), rec.ID, "bob", "cand-b"); err != nil {
		t.Fatal(err)
	}

	cands, err := db.Candidates(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 4 {
		t.Fatalf("stored candidates = %d, want 4", len(cands))
	}
	for i, want := range []string{"cand-1", "cand-2", "cand-3", "cand-b"} {
		if cands[i].Candidate != want {
			t.Errorf("candidate[%d] = %q, want %q", i, cands[i].Candidate, want)
		}
	}

	var relayed []string
	for _, evt := range reg.sentTo("bob") {
		if evt.Kind != event.KindCallIceCandidate {
			continue
		}
		var p event.CallIceOut
		if err := evt.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if p.SenderID != "alice" {
			t.Errorf("sender = %q", p.SenderID)
		}
		relayed = append(relayed, p.Candidate)
	}
	if len(relayed) != 3 || relayed[0] != "cand-1" || relayed[2] != "cand-3" {
		t.Errorf("relayed to bob = %v", relayed)
	}
}

func TestICECandidateDroppedWhenPeerUnreachable(t *testing.T) {
	db := testDB(t)
	reg := newFakeReg("alice", "bob")
	c := newCoordinator(db, reg, time.Minute)

	rec := ringingCall(t, c)
	reg.mu.Lock()
	reg.reachable["bob"] = false
	reg.mu.Unlock()

	if err := c.AddICECandidate(context.Background(), rec.ID, "alice", "cand-1"); err != nil {
		t.Fatalf("best-effort relay must not error: %v", err)
	}
	cands, _ := db.Candidates(rec.ID)
	if len(cands) != 1 {
		t.Error("candidate not stored")
	}
	for _, evt := range reg.sentTo("bob") {
		if evt.Kind == event.KindCallIceCandidate {
			t.Error("candidate relayed to unreachable peer")
		}
	}
}

func TestEndComputesDuration(t *testing.T) {
	db := testDB(t)
	reg := newFakeReg("alice", "bob")
	c := newCoordinator(db, reg, time.Minute)

	rec := ringingCall(t, c)
	if err := c.Answer(context.Background(), rec.ID, "bob", "sdp-answer"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := c.End(context.Background(), rec.ID, "alice", ""); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetCall(rec.ID)
	if got.Status != string(Ended) {
		t.Errorf("status = %q, want ended", got.Status)
	}
	if got.DurationMs <= 0 || got.DurationMs != got.EndedAt-got.AnsweredAt {
		t.Errorf("duration = %d (answered %d, ended %d)", got.DurationMs, got.AnsweredAt, got.EndedAt)
	}

	ended := reg.sentTo("bob")
	last := ended[len(ended)-1]
	if last.Kind != event.KindCallEnded {
		t.Fatalf("bob last event = %q", last.Kind)
	}
	var p event.CallEnded
	if err := last.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.EndedBy != "alice" || p.DurationMs != got.DurationMs {
		t.Errorf("ended = %+v", p)
	}

	// Further signaling on a settled call reports invalid state.
	if err := c.End(context.Background(), rec.ID, "alice", ""); fault.CodeOf(err) != fault.InvalidState {
		t.Errorf("second end err = %v, want invalid_state", err)
	}
}

func TestEndBeforeAnswerRejected(t *testing.T) {
	db := testDB(t)
	reg := newFakeReg("alice", "bob")
	c := newCoordinator(db, reg, time.Minute)

	rec := ringingCall(t, c)
	err := c.End(context.Background(), rec.ID, "alice", "")
	if fault.CodeOf(err) != fault.InvalidState {
		t.Errorf("end while ringing err = %v, want invalid_state", err)
	}
}

func TestUnknownCallNotFound(t *testing.T) {
	db := testDB(t)
	c := newCoordinator(db, newFakeReg(), time.Minute)

	err := c.Answer(context.Background(), "no-such-call", "bob", "sdp")
	if fault.CodeOf(err) != fault.NotFound {
		t.Errorf("err = %v, want not_found", err)
	}
}

func TestPeerDisconnectFailsCall(t *testing.T) {
	db := testDB(t)
	reg := newFakeReg("alice", "bob")
	c := newCoordinator(db, reg, time.Minute)

	rec := ringingCall(t, c)
	if err := c.Answer(context.Background(), rec.ID, "bob", "sdp-answer"); err != nil {
		t.Fatal(err)
	}

	reg.mu.Lock()
	reg.reachable["bob"] = false
	reg.mu.Unlock()
	c.OnPeerDisconnected("bob")

	got, _ := db.GetCall(rec.ID)
	if got.Status != string(Failed) || got.Reason != "disconnected" {
		t.Errorf("call = %q/%q", got.Status, got.Reason)
	}
	if !Terminal(State(got.Status)) {
		t.Error("failed is not terminal")
	}

	ended := reg.sentTo("alice")
	last := ended[len(ended)-1]
	if last.Kind != event.KindCallEnded {
		t.Fatalf("alice last event = %q", last.Kind)
	}
	var p event.CallEnded
	if err := last.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Reason != "disconnected" {
		t.Errorf("reason = %q", p.Reason)
	}
}

func TestPeerDisconnectWithoutCallIsNoop(t *testing.T) {
	db := testDB(t)
	c := newCoordinator(db, newFakeReg(), time.Minute)
	c.OnPeerDisconnected("nobody")
}

func TestShutdownFailsInFlightCalls(t *testing.T) {
	db := testDB(t)
	reg := newFakeReg("alice", "bob")
	c := newCoordinator(db, reg, time.Minute)

	rec := ringingCall(t, c)
	c.Shutdown()

	got, _ := db.GetCall(rec.ID)
	if got.Status != string(Failed) || got.Reason != "shutdown" {
		t.Errorf("call = %q/%q", got.Status, got.Reason)
	}
}
