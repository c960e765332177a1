package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sparknet/realtime/internal/call"
	"github.com/sparknet/realtime/internal/chat"
	"github.com/sparknet/realtime/internal/event"
	"github.com/sparknet/realtime/internal/fault"
	"github.com/sparknet/realtime/internal/presence"
	"github.com/sparknet/realtime/internal/registry"
	"github.com/sparknet/realtime/internal/room"
	"github.com/sparknet/realtime/internal/store"
	"go.uber.org/zap"
)

// Drainer replays messages queued while the user was offline. May be nil.
type Drainer interface {
	Drain(ctx context.Context, userID string) ([]event.Message, error)
}

// Server terminates client WebSocket connections and dispatches their
// inbound events to the owning component.
type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader

	reg       *registry.Registry
	router    *room.Router
	pipeline  *chat.Pipeline
	reads     *chat.ReadTracker
	tracker   *presence.Tracker
	coord     *call.Coordinator
	drainer   Drainer
	db        *store.DB
	typingTTL time.Duration
	logger    *zap.Logger
}

// NewServer builds the HTTP surface: /ws for clients, /healthz for probes.
func NewServer(
	addr string,
	reg *registry.Registry,
	router *room.Router,
	pipeline *chat.Pipeline,
	reads *chat.ReadTracker,
	tracker *presence.Tracker,
	coord *call.Coordinator,
	drainer Drainer,
	db *store.DB,
	typingTTL time.Duration,
	logger *zap.Logger,
) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		reg:       reg,
		router:    router,
		pipeline:  pipeline,
		reads:     reads,
		tracker:   tracker,
		coord:     coord,
		drainer:   drainer,
		db:        db,
		typingTTL: typingTTL,
		logger:    logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start begins serving. Blocks until Stop.
func (s *Server) Start() error {
	s.logger.Info("gateway starting", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("gateway stopping")
	_ = s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleWS upgrades the connection, registers it, subscribes it to every
// chat the user participates in, replays queued messages and then pumps
// inbound events until the socket dies.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.Header.Get("X-User-ID")
	}
	if userID == "" {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(userID, sock, s.logger)
	go sess.writeLoop()

	s.reg.Register(sess)
	s.logger.Info("session opened",
		zap.String("conn_id", sess.ID()), zap.String("user_id", userID))

	chatIDs, err := s.db.ChatIDsForUser(userID)
	if err != nil {
		s.logger.Error("failed to list chats for subscription",
			zap.Error(err), zap.String("user_id", userID))
	}
	for _, chatID := range chatIDs {
		s.router.Subscribe(sess, chatID)
	}

	s.replayQueued(r.Context(), sess)
	s.readLoop(r.Context(), sess)

	s.router.UnsubscribeAll(sess)
	s.reg.Unregister(sess)
	_ = sess.Close()
	s.logger.Info("session closed",
		zap.String("conn_id", sess.ID()), zap.String("user_id", userID))
}

func (s *Server) replayQueued(ctx context.Context, sess *Session) {
	if s.drainer == nil {
		return
	}
	msgs, err := s.drainer.Drain(ctx, sess.UserID())
	if err != nil {
		s.logger.Warn("offline queue drain failed",
			zap.Error(err), zap.String("user_id", sess.UserID()))
		return
	}
	for _, m := range msgs {
		s.reply(sess, event.MustNew(event.KindMessageNew, event.NewMessage{
			Message: m,
			Chat:    event.ChatSummary{ChatID: m.ChatID},
		}))
	}
}

func (s *Server) readLoop(ctx context.Context, sess *Session) {
	sock := sess.sock
	_ = sock.SetReadDeadline(time.Now().Add(pongTimeout))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		var env event.Envelope
		if err := sock.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed",
					zap.String("conn_id", sess.ID()), zap.Error(err))
			}
			return
		}
		s.dispatch(ctx, sess, &env)
	}
}

func (s *Server) dispatch(ctx context.Context, sess *Session, env *event.Envelope) {
	switch env.Kind {
	case event.KindMessageSend:
		s.onMessageSend(ctx, sess, env)
	case event.KindMessageRead:
		s.onMessageRead(ctx, sess, env)
	case event.KindMessageDelete:
		s.onMessageDelete(ctx, sess, env)
	case event.KindPresenceTyping:
		s.onTyping(sess, env)
	case event.KindPresenceRecording:
		s.onRecording(sess, env)
	case event.KindCallOffer:
		s.onCallOffer(ctx, sess, env)
	case event.KindCallAnswer:
		s.onCallAnswer(ctx, sess, env)
	case event.KindCallIceCandidate:
		s.onCallIce(ctx, sess, env)
	case event.KindCallEnd:
		s.onCallEnd(ctx, sess, env)
	case event.KindCallDecline:
		s.onCallDecline(ctx, sess, env)
	default:
		s.sendError(sess, env.Kind, fault.New(fault.NotFound, "unknown event kind"))
	}
}

func (s *Server) onMessageSend(ctx context.Context, sess *Session, env *event.Envelope) {
	var p event.SendMessage
	if err := env.Decode(&p); err != nil {
		s.sendError(sess, env.Kind, fault.Wrap(fault.Internal, "malformed payload", err))
		return
	}
	_, err := s.pipeline.Send(ctx, p.ChatID, sess.UserID(), chat.Content{
		Kind:      p.Kind,
		Body:      p.Body,
		MediaURL:  p.MediaURL,
		ReplyToID: p.ReplyToID,
	})
	if err != nil {
		if fault.CodeOf(err) == fault.ContentRejected {
			s.reply(sess, event.MustNew(event.KindMessageBlocked, event.MessageBlocked{
				ChatID: p.ChatID,
				Reason: fault.ReasonOf(err),
			}))
			return
		}
		s.sendError(sess, env.Kind, err)
	}
}

func (s *Server) onMessageRead(ctx context.Context, sess *Session, env *event.Envelope) {
	var p event.MarkRead
	if err := env.Decode(&p); err != nil {
		s.sendError(sess, env.Kind, fault.Wrap(fault.Internal, "malformed payload", err))
		return
	}
	if err := s.reads.MarkRead(ctx, p.ChatID, sess.UserID(), p.ThroughMessageID); err != nil {
		s.sendError(sess, env.Kind, err)
	}
}

func (s *Server) onMessageDelete(ctx context.Context, sess *Session, env *event.Envelope) {
	var p event.DeleteMessage
	if err := env.Decode(&p); err != nil {
		s.sendError(sess, env.Kind, fault.Wrap(fault.Internal, "malformed payload", err))
		return
	}
	if err := s.pipeline.DeleteForViewer(ctx, p.ChatID, p.MessageID, sess.UserID()); err != nil {
		s.sendError(sess, env.Kind, err)
	}
}

func (s *Server) onTyping(sess *Session, env *event.Envelope) {
	var p event.Typing
	if err := env.Decode(&p); err != nil {
		s.sendError(sess, env.Kind, fault.Wrap(fault.Internal, "malformed payload", err))
		return
	}
	if p.IsTyping {
		s.tracker.Set(p.ChatID, sess.UserID(), presence.Typing, s.typingTTL)
	} else {
		s.tracker.Clear(p.ChatID, sess.UserID(), presence.Typing)
	}
}

func (s *Server) onRecording(sess *Session, env *event.Envelope) {
	var p event.Recording
	if err := env.Decode(&p); err != nil {
		s.sendError(sess, env.Kind, fault.Wrap(fault.Internal, "malformed payload", err))
		return
	}
	if p.IsRecording {
		s.tracker.Set(p.ChatID, sess.UserID(), presence.Recording, s.typingTTL)
	} else {
		s.tracker.Clear(p.ChatID, sess.UserID(), presence.Recording)
	}
}

func (s *Server) onCallOffer(ctx context.Context, sess *Session, env *event.Envelope) {
	var p event.CallOffer
	if err := env.Decode(&p); err != nil {
		s.sendError(sess, env.Kind, fault.Wrap(fault.Internal, "malformed payload", err))
		return
	}
	rec, err := s.coord.Initiate(ctx, sess.UserID(), p.TargetUserID, p.ChatID, p.CallType)
	if err != nil {
		s.callFailed(sess, p.CallID, err)
		return
	}
	if err := s.coord.Offer(ctx, rec.ID, sess.UserID(), p.Offer); err != nil {
		s.callFailed(sess, rec.ID, err)
	}
}

func (s *Server) onCallAnswer(ctx context.Context, sess *Session, env *event.Envelope) {
	var p event.CallAnswer
	if err := env.Decode(&p); err != nil {
		s.sendError(sess, env.Kind, fault.Wrap(fault.Internal, "malformed payload", err))
		return
	}
	if err := s.coord.Answer(ctx, p.CallID, sess.UserID(), p.Answer); err != nil {
		s.callFailed(sess, p.CallID, err)
	}
}

func (s *Server) onCallIce(ctx context.Context, sess *Session, env *event.Envelope) {
	var p event.CallIce
	if err := env.Decode(&p); err != nil {
		s.sendError(sess, env.Kind, fault.Wrap(fault.Internal, "malformed payload", err))
		return
	}
	if err := s.coord.AddICECandidate(ctx, p.CallID, sess.UserID(), p.Candidate); err != nil {
		s.callFailed(sess, p.CallID, err)
	}
}

func (s *Server) onCallEnd(ctx context.Context, sess *Session, env *event.Envelope) {
	var p event.CallEnd
	if err := env.Decode(&p); err != nil {
		s.sendError(sess, env.Kind, fault.Wrap(fault.Internal, "malformed payload", err))
		return
	}
	if err := s.coord.End(ctx, p.CallID, sess.UserID(), p.Reason); err != nil {
		s.callFailed(sess, p.CallID, err)
	}
}

func (s *Server) onCallDecline(ctx context.Context, sess *Session, env *event.Envelope) {
	var p event.CallDecline
	if err := env.Decode(&p); err != nil {
		s.sendError(sess, env.Kind, fault.Wrap(fault.Internal, "malformed payload", err))
		return
	}
	if err := s.coord.Decline(ctx, p.CallID, sess.UserID(), p.Reason); err != nil {
		s.callFailed(sess, p.CallID, err)
	}
}

func (s *Server) callFailed(sess *Session, callID string, err error) {
	s.reply(sess, event.MustNew(event.KindCallFailed, event.CallFailed{
		CallID: callID,
		Reason: fault.ReasonOf(err),
	}))
}

func (s *Server) sendError(sess *Session, refKind string, err error) {
	code := fault.CodeOf(err)
	if code == fault.Internal {
		s.logger.Error("dispatch failed",
			zap.Error(err), zap.String("kind", refKind), zap.String("user_id", sess.UserID()))
	}
	s.reply(sess, event.MustNew(event.KindError, event.Error{
		Code:    string(code),
		Reason:  fault.ReasonOf(err),
		RefKind: refKind,
	}))
}

func (s *Server) reply(sess *Session, evt *event.Envelope) {
	if err := sess.Send(evt); err != nil {
		s.logger.Debug("reply dropped",
			zap.String("conn_id", sess.ID()), zap.Error(err))
	}
}
