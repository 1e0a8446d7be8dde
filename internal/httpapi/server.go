package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/marie909/avatard/internal/avatar"
	"github.com/marie909/avatard/internal/config"
	"github.com/marie909/avatard/internal/observability"
	"github.com/marie909/avatard/internal/protocol"
	"github.com/marie909/avatard/internal/token"
)

// Server exposes the token proxy, the session websocket and the embedded
// presentation shell.
type Server struct {
	cfg       config.Config
	issuer    *token.Issuer
	tokens    avatar.TokenSource
	newClient avatar.ClientFactory
	metrics   *observability.Metrics
	log       zerolog.Logger
	upgrader  websocket.Upgrader
	static    http.Handler
}

func New(cfg config.Config, issuer *token.Issuer, tokens avatar.TokenSource, newClient avatar.ClientFactory, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		issuer:    issuer,
		tokens:    tokens,
		newClient: newClient,
		metrics:   metrics,
		log:       logger,
		static:    newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a session unless the
				// deployment explicitly opens it up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/api/token", s.handleToken)
	r.Get("/api/session/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"provider": s.cfg.ResolveProvider(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"provider": s.cfg.ResolveProvider(),
	})
}

// handleToken is the credential proxy: it exchanges the server-held API key
// for a short-lived session token and passes the provider body through
// verbatim.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	raw, err := s.issuer.Issue(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		msg := "Internal server error"
		var terr *token.Error
		if errors.As(err, &terr) {
			status = terr.HTTPStatus()
			msg = terr.Message
		}
		s.metrics.TokenRequests.WithLabelValues("error").Inc()
		respondJSON(w, status, map[string]string{"error": msg})
		return
	}

	s.metrics.TokenRequests.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// handleSessionWS owns one controller for the life of one browser
// connection. Commands are dispatched in arrival order and run to
// completion; snapshots flow back on a single writer goroutine.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	defer s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ctl := avatar.NewController(avatar.Options{
		Tokens:      s.tokens,
		NewClient:   s.newClient,
		AvatarID:    s.cfg.AvatarID,
		VoiceID:     s.cfg.VoiceID,
		KnowledgeID: s.cfg.KnowledgeBaseID,
		Quality:     s.cfg.Quality,
		Language:    s.cfg.Language,
		CallTimeout: s.cfg.CallTimeout,
		Logger:      s.log,
	})
	// Closing the tab must not leak the provider session or the gauge: the
	// forwarder is already gone by the time this teardown runs, so the
	// final idle transition is accounted for here.
	var active atomic.Bool
	defer func() {
		_ = ctl.EndSession(context.Background())
		if active.CompareAndSwap(true, false) {
			s.metrics.ActiveSessions.Dec()
			s.metrics.SessionEvents.WithLabelValues("ended").Inc()
		}
	}()

	outbound := make(chan any, 64)
	var startedAt atomic.Int64

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	forwarderDone := make(chan struct{})
	go func() {
		defer close(forwarderDone)
		streamSeen := false
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-ctl.Updates():
				switch {
				case snap.State == avatar.StateActive && active.CompareAndSwap(false, true):
					s.metrics.ActiveSessions.Inc()
					s.metrics.SessionEvents.WithLabelValues("started").Inc()
				case snap.State == avatar.StateIdle && active.CompareAndSwap(true, false):
					streamSeen = false
					s.metrics.ActiveSessions.Dec()
					s.metrics.SessionEvents.WithLabelValues("ended").Inc()
				}
				if snap.Stream != nil && !streamSeen {
					streamSeen = true
					s.metrics.SessionEvents.WithLabelValues("stream_ready").Inc()
					if t0 := startedAt.Load(); t0 > 0 {
						s.metrics.ObserveStreamReadyLatency(time.Since(time.Unix(0, t0)))
					}
				}
				s.send(ctx, outbound, protocol.NewUIState(ctl.ID(), snap), string(protocol.TypeUIState))
			}
		}
	}()

	// Greeting frame plus initial state so the shell renders before the
	// first action.
	s.send(ctx, outbound, protocol.SystemEvent{
		Type:   protocol.TypeSystemEvent,
		Code:   "connected",
		Detail: ctl.ID(),
	}, string(protocol.TypeSystemEvent))
	s.send(ctx, outbound, protocol.NewUIState(ctl.ID(), ctl.Snapshot()), string(protocol.TypeUIState))

	conn.SetReadLimit(1 << 20)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		cmd, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.send(ctx, outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}, string(protocol.TypeErrorEvent))
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(cmd.Action)).Inc()

		if ctx.Err() != nil {
			break
		}
		if cmd.Action == protocol.ActionStartSession {
			startedAt.Store(time.Now().UnixNano())
		}
		if evt := s.dispatch(ctx, ctl, cmd); evt != nil {
			s.send(ctx, outbound, *evt, string(protocol.TypeErrorEvent))
		}
	}

	cancel()
	<-forwarderDone
	<-writerDone
}

// dispatch runs one user action to completion. Only a failed session start
// is escalated to a blocking error; everything else is a recoverable blip.
func (s *Server) dispatch(ctx context.Context, ctl *avatar.Controller, cmd protocol.ClientCommand) *protocol.ErrorEvent {
	var err error
	switch cmd.Action {
	case protocol.ActionStartSession:
		err = ctl.StartSession(ctx, cmd.AvatarID, cmd.VoiceID)
	case protocol.ActionSpeak:
		err = ctl.Speak(ctx, cmd.Text)
	case protocol.ActionInterrupt:
		err = ctl.Interrupt(ctx)
	case protocol.ActionEndSession:
		err = ctl.EndSession(ctx)
	case protocol.ActionStartVoiceChat:
		err = ctl.StartVoiceChat(ctx)
	case protocol.ActionCloseVoiceChat:
		err = ctl.CloseVoiceChat(ctx)
	}
	s.metrics.ObserveSDKCall(string(cmd.Action), err)
	if err == nil {
		return nil
	}

	if cmd.Action == protocol.ActionStartSession {
		return &protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			Code:      "session_start_failed",
			Source:    "controller",
			Retryable: true,
			Detail:    err.Error(),
		}
	}
	if errors.Is(err, avatar.ErrInvalidState) || errors.Is(err, avatar.ErrSpeakBusy) {
		return &protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			Code:      "invalid_action",
			Source:    "controller",
			Retryable: false,
			Detail:    err.Error(),
		}
	}

	// Mid-session SDK failures are logged and reported non-blockingly.
	s.log.Warn().Err(err).Str("action", string(cmd.Action)).Msg("session action failed")
	return &protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		Code:      "action_failed",
		Source:    "sdk",
		Retryable: isRetryable(err),
		Detail:    err.Error(),
	}
}

type retryableError interface{ IsRetryable() bool }

func isRetryable(err error) bool {
	var re retryableError
	if errors.As(err, &re) {
		return re.IsRetryable()
	}
	return false
}

func (s *Server) send(_ context.Context, outbound chan<- any, msg any, msgType string) {
	select {
	case outbound <- msg:
		s.metrics.WSMessages.WithLabelValues("outbound", msgType).Inc()
	default:
		// Keep websocket writes single-threaded; drop if the queue is full.
		s.metrics.WSMessages.WithLabelValues("outbound_dropped", msgType).Inc()
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
