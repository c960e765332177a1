package gateway

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sparknet/realtime/internal/bus"
	"github.com/sparknet/realtime/internal/call"
	"github.com/sparknet/realtime/internal/chat"
	"github.com/sparknet/realtime/internal/event"
	"github.com/sparknet/realtime/internal/moderation"
	"github.com/sparknet/realtime/internal/presence"
	"github.com/sparknet/realtime/internal/registry"
	"github.com/sparknet/realtime/internal/room"
	"github.com/sparknet/realtime/internal/store"
	"go.uber.org/zap"
)

// testGateway wires the full component graph against a throwaway
// database and serves it over httptest.
type testGateway struct {
	db  *store.DB
	srv *httptest.Server
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	logger := zap.NewNop()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	reg := registry.New(db, b, logger)
	router := room.New(func(c room.Conn) {
		if rc, ok := c.(registry.Conn); ok {
			reg.Unregister(rc)
		}
	}, logger)
	t.Cleanup(router.Stop)

	locks := chat.NewLocks()
	pipeline := chat.NewPipeline(db, moderation.AllowAll{}, reg, router, nil, locks, logger)
	reads := chat.NewReadTracker(db, reg, router, locks, logger)
	tracker := presence.NewTracker(router, logger)
	t.Cleanup(tracker.Shutdown)
	coord := call.New(db, reg, time.Minute, logger)
	t.Cleanup(coord.Shutdown)

	reg.OnDisconnect(tracker.ClearAllForUser)
	reg.OnDisconnect(coord.OnPeerDisconnected)

	s := NewServer(":0", reg, router, pipeline, reads, tracker, coord, nil, db, 5*time.Second, logger)
	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)

	return &testGateway{db: db, srv: srv}
}

func (g *testGateway) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// awaitKind reads envelopes until one of the wanted kind arrives,
// skipping unrelated traffic such as presence updates.
func awaitKind(t *testing.T, conn *websocket.Conn, kind string) *event.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env event.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if env.Kind == kind {
			return &env
		}
	}
}

func sendEvent(t *testing.T, conn *websocket.Conn, kind string, payload any) {
	t.Helper()
	if err := conn.WriteJSON(event.MustNew(kind, payload)); err != nil {
		t.Fatal(err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	c, _ := g.db.CreateDirectChat("alice", "bob")

	alice := g.dial(t, "alice")
	bob := g.dial(t, "bob")

	sendEvent(t, alice, event.KindMessageSend, event.SendMessage{ChatID: c.ID, Body: "hi bob"})

	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		env := awaitKind(t, conn, event.KindMessageNew)
		var p event.NewMessage
		if err := env.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if p.Message.Body != "hi bob" || p.Message.SenderID != "alice" {
			t.Errorf("%s got message %+v", name, p.Message)
		}
		if p.Message.Status != store.StatusDelivered {
			t.Errorf("%s sees status %q, want delivered", name, p.Message.Status)
		}
		if p.Chat.UnreadCounts["bob"] != 1 {
			t.Errorf("%s sees unread %v", name, p.Chat.UnreadCounts)
		}
	}

	// Bob reads; alice gets a receipt and the room a refreshed summary.
	sendEvent(t, bob, event.KindMessageRead, event.MarkRead{ChatID: c.ID})

	env := awaitKind(t, alice, event.KindMessageReadReceipt)
	var rr event.ReadReceipt
	if err := env.Decode(&rr); err != nil {
		t.Fatal(err)
	}
	if rr.ReaderID != "bob" || len(rr.MessageIDs) != 1 {
		t.Errorf("receipt = %+v", rr)
	}

	env = awaitKind(t, bob, event.KindChatUpdated)
	var cu event.ChatSummary
	if err := env.Decode(&cu); err != nil {
		t.Fatal(err)
	}
	if cu.UnreadCounts["bob"] != 0 {
		t.Errorf("summary = %+v", cu)
	}
}

func TestMessageToOfflineRecipientStaysSent(t *testing.T) {
	g := newTestGateway(t)
	c, _ := g.db.CreateDirectChat("alice", "bob")

	alice := g.dial(t, "alice")
	sendEvent(t, alice, event.KindMessageSend, event.SendMessage{ChatID: c.ID, Body: "anyone home"})

	env := awaitKind(t, alice, event.KindMessageNew)
	var p event.NewMessage
	if err := env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Message.Status != store.StatusSent {
		t.Errorf("status = %q, want sent", p.Message.Status)
	}
}

func TestOutsiderSendGetsTypedError(t *testing.T) {
	g := newTestGateway(t)
	c, _ := g.db.CreateDirectChat("alice", "bob")

	mallory := g.dial(t, "mallory")
	sendEvent(t, mallory, event.KindMessageSend, event.SendMessage{ChatID: c.ID, Body: "let me in"})

	env := awaitKind(t, mallory, event.KindError)
	var p event.Error
	if err := env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Code != "unauthorized" || p.RefKind != event.KindMessageSend {
		t.Errorf("error = %+v", p)
	}
}

func TestTypingIndicatorFanOut(t *testing.T) {
	g := newTestGateway(t)
	c, _ := g.db.CreateDirectChat("alice", "bob")

	alice := g.dial(t, "alice")
	bob := g.dial(t, "bob")

	sendEvent(t, alice, event.KindPresenceTyping, event.Typing{ChatID: c.ID, IsTyping: true})

	env := awaitKind(t, bob, event.KindPresenceTypingUpdate)
	var p event.TypingUpdate
	if err := env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if len(p.UserIDs) != 1 || p.UserIDs[0] != "alice" {
		t.Errorf("typing set = %v", p.UserIDs)
	}

	sendEvent(t, alice, event.KindPresenceTyping, event.Typing{ChatID: c.ID, IsTyping: false})
	env = awaitKind(t, bob, event.KindPresenceTypingUpdate)
	if err := env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if len(p.UserIDs) != 0 {
		t.Errorf("typing set after clear = %v", p.UserIDs)
	}
}

func TestCallSignalingRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	c, _ := g.db.CreateDirectChat("alice", "bob")

	alice := g.dial(t, "alice")
	bob := g.dial(t, "bob")

	sendEvent(t, alice, event.KindCallOffer, event.CallOffer{
		ChatID:       c.ID,
		TargetUserID: "bob",
		CallType:     call.KindVoice,
		Offer:        "sdp-offer",
	})

	env := awaitKind(t, bob, event.KindCallIncoming)
	var incoming event.CallIncoming
	if err := env.Decode(&incoming); err != nil {
		t.Fatal(err)
	}
	if incoming.CallerID != "alice" || incoming.Offer != "sdp-offer" {
		t.Errorf("incoming = %+v", incoming)
	}

	sendEvent(t, bob, event.KindCallAnswer, event.CallAnswer{CallID: incoming.CallID, Answer: "sdp-answer"})

	env = awaitKind(t, alice, event.KindCallAnswered)
	var answered event.CallAnswered
	if err := env.Decode(&answered); err != nil {
		t.Fatal(err)
	}
	if answered.Answer != "sdp-answer" || answered.AnsweredBy != "bob" {
		t.Errorf("answered = %+v", answered)
	}

	sendEvent(t, alice, event.KindCallEnd, event.CallEnd{CallID: incoming.CallID})

	env = awaitKind(t, bob, event.KindCallEnded)
	var ended event.CallEnded
	if err := env.Decode(&ended); err != nil {
		t.Fatal(err)
	}
	if ended.EndedBy != "alice" {
		t.Errorf("ended = %+v", ended)
	}
}

func TestCallOfferToOfflinePeerFails(t *testing.T) {
	g := newTestGateway(t)
	c, _ := g.db.CreateDirectChat("alice", "bob")

	alice := g.dial(t, "alice")
	sendEvent(t, alice, event.KindCallOffer, event.CallOffer{
		ChatID:       c.ID,
		TargetUserID: "bob",
		CallType:     call.KindVoice,
		Offer:        "sdp-offer",
	})

	env := awaitKind(t, alice, event.KindCallFailed)
	var p event.CallFailed
	if err := env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Reason != "peer_unavailable" {
		t.Errorf("reason = %q", p.Reason)
	}
}

func TestDisconnectFailsActiveCall(t *testing.T) {
	g := newTestGateway(t)
	c, _ := g.db.CreateDirectChat("alice", "bob")

	alice := g.dial(t, "alice")
	bob := g.dial(t, "bob")

	sendEvent(t, alice, event.KindCallOffer, event.CallOffer{
		ChatID:       c.ID,
		TargetUserID: "bob",
		CallType:     call.KindVideo,
		Offer:        "sdp-offer",
	})
	env := awaitKind(t, bob, event.KindCallIncoming)
	var incoming event.CallIncoming
	if err := env.Decode(&incoming); err != nil {
		t.Fatal(err)
	}
	sendEvent(t, bob, event.KindCallAnswer, event.CallAnswer{CallID: incoming.CallID, Answer: "sdp-answer"})
	awaitKind(t, alice, event.KindCallAnswered)

	_ = bob.Close()

	env = awaitKind(t, alice, event.KindCallEnded)
	var ended event.CallEnded
	if err := env.Decode(&ended); err != nil {
		t.Fatal(err)
	}
	if ended.Reason != "disconnected" {
		t.Errorf("reason = %q, want disconnected", ended.Reason)
	}
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t)
	resp, err := g.srv.Client().Get(g.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
