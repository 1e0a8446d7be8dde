// Package heygen implements the avatar SDK boundary over the provider's
// streaming REST API and realtime websocket. A Client is constructed per
// session from a short-lived token; the server-held API key never reaches
// this package.
package heygen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/marie909/avatard/internal/avatar"
	"github.com/marie909/avatard/internal/policy"
	"github.com/marie909/avatard/internal/reliability"
)

// Config carries per-process settings shared by all session clients.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Factory adapts Config into the controller's client constructor.
func Factory(cfg Config) avatar.ClientFactory {
	return func(token string) avatar.Client {
		return NewClient(token, cfg)
	}
}

// Client starts avatar sessions with one issued token.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(token string, cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.heygen.com"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		token:   token,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		log:     cfg.Logger,
	}
}

// APIError is a non-2xx provider REST response.
type APIError struct {
	Status    int
	Path      string
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider %s returned %d: %s", e.Path, e.Status, e.Message)
}

// IsRetryable reports whether the call is worth repeating.
func (e *APIError) IsRetryable() bool { return e.Retryable }

type newSessionRequest struct {
	Quality            string        `json:"quality"`
	AvatarName         string        `json:"avatar_name"`
	Voice              voiceSettings `json:"voice"`
	Language           string        `json:"language"`
	KnowledgeID        string        `json:"knowledge_base_id,omitempty"`
	Version            string        `json:"version"`
	VoiceChatTransport string        `json:"voice_chat_transport"`
}

type voiceSettings struct {
	VoiceID string `json:"voice_id"`
}

type newSessionResponse struct {
	Data struct {
		SessionID        string `json:"session_id"`
		URL              string `json:"url"`
		AccessToken      string `json:"access_token"`
		RealtimeEndpoint string `json:"realtime_endpoint"`
	} `json:"data"`
}

// StartAvatar creates and starts one streaming session, then binds the
// realtime event socket. The stream-ready event carries the media
// descriptor for the presentation shell.
func (c *Client) StartAvatar(ctx context.Context, req avatar.StartRequest) (avatar.Session, error) {
	var created newSessionResponse
	err := c.post(ctx, "/v1/streaming.new", newSessionRequest{
		Quality:            req.Quality,
		AvatarName:         req.AvatarID,
		Voice:              voiceSettings{VoiceID: req.VoiceID},
		Language:           req.Language,
		KnowledgeID:        req.KnowledgeID,
		Version:            "v2",
		VoiceChatTransport: req.VoiceChatTransport,
	}, &created)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(created.Data.SessionID) == "" {
		return nil, fmt.Errorf("provider session response missing session_id")
	}

	if err := c.post(ctx, "/v1/streaming.start", map[string]string{"session_id": created.Data.SessionID}, nil); err != nil {
		return nil, err
	}

	s := &session{
		client:      c,
		sessionID:   created.Data.SessionID,
		realtimeURL: strings.TrimSpace(created.Data.RealtimeEndpoint),
		events:      make(chan avatar.Event, 256),
		log:         c.log.With().Str("session_id", created.Data.SessionID).Logger(),
	}

	if s.realtimeURL != "" {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.realtimeURL, nil)
		if err != nil {
			// Best effort teardown; the provider reaps orphans on expiry.
			_ = c.post(context.WithoutCancel(ctx), "/v1/streaming.stop", map[string]string{"session_id": created.Data.SessionID}, nil)
			return nil, fmt.Errorf("dial realtime endpoint: %w", err)
		}
		s.conn = conn
	}

	// Stream-ready goes out before the read loop so it is always the first
	// event a consumer sees.
	s.emit(avatar.Event{Kind: avatar.EventStreamReady, Stream: &avatar.MediaStream{
		URL:         created.Data.URL,
		AccessToken: created.Data.AccessToken,
	}})
	if s.conn != nil {
		go s.readLoop()
	}
	return s, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider %s: %w", path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("provider %s: %w", path, err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := policy.RedactSecrets(strings.TrimSpace(string(raw)), "")
		apiErr := &APIError{
			Status:    res.StatusCode,
			Path:      path,
			Message:   msg,
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
		c.log.Warn().Int("status", res.StatusCode).Str("path", path).Bool("retryable", apiErr.Retryable).Msg("provider call rejected")
		return apiErr
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("provider %s: decode response: %w", path, err)
		}
	}
	return nil
}

type session struct {
	client      *Client
	sessionID   string
	realtimeURL string
	log         zerolog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool
	events  chan avatar.Event
}

type taskRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	TaskType  string `json:"task_type"`
}

func (s *session) Speak(ctx context.Context, text string) error {
	return s.client.post(ctx, "/v1/streaming.task", taskRequest{
		SessionID: s.sessionID,
		Text:      text,
		TaskType:  avatar.TaskTypeTalk,
	}, nil)
}

func (s *session) Interrupt(ctx context.Context) error {
	return s.client.post(ctx, "/v1/streaming.interrupt", map[string]string{"session_id": s.sessionID}, nil)
}

func (s *session) StartVoiceChat(ctx context.Context) error {
	return s.writeControl(ctx, "voice_chat_start")
}

func (s *session) CloseVoiceChat(ctx context.Context) error {
	return s.writeControl(ctx, "voice_chat_stop")
}

func (s *session) Stop(ctx context.Context) error {
	err := s.client.post(ctx, "/v1/streaming.stop", map[string]string{"session_id": s.sessionID}, nil)
	s.closeEvents()
	if conn := s.currentConn(); conn != nil {
		_ = conn.Close()
	}
	return err
}

func (s *session) Events() <-chan avatar.Event { return s.events }

// writeControl sends a control frame on the realtime socket. Voice chat
// rides the socket the session already holds, matching the fixed
// websocket transport in the start request.
func (s *session) writeControl(ctx context.Context, kind string) error {
	payload, err := json.Marshal(map[string]string{"type": kind, "session_id": s.sessionID})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("realtime socket unavailable for %s", kind)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

type realtimeFrame struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

func (s *session) readLoop() {
	defer func() {
		s.emit(avatar.Event{Kind: avatar.EventStreamDisconnected})
		s.closeEvents()
	}()

	for {
		_, raw, err := s.currentConn().ReadMessage()
		if err != nil {
			if !s.redial() {
				return
			}
			continue
		}
		var frame realtimeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.log.Debug().Msg("unparseable realtime frame dropped")
			continue
		}

		switch frame.Type {
		case "avatar_start_talking":
			s.emit(avatar.Event{Kind: avatar.EventAvatarStartTalking, TaskID: frame.TaskID})
		case "avatar_stop_talking":
			s.emit(avatar.Event{Kind: avatar.EventAvatarStopTalking, TaskID: frame.TaskID})
		case "user_start", "user_start_talking":
			s.emit(avatar.Event{Kind: avatar.EventUserStartTalking})
		case "user_stop", "user_stop_talking":
			s.emit(avatar.Event{Kind: avatar.EventUserStopTalking})
		case "stream_disconnected", "session_closed":
			return
		case "error", "rate_limited", "resource_exhausted", "queue_overflow", "fatal_error":
			if reliability.IsRetryableRealtimeEvent(frame.Type) {
				s.log.Warn().Str("type", frame.Type).Msg("transient provider fault frame")
				continue
			}
			s.log.Error().Str("type", frame.Type).Msg("provider fault frame, closing stream")
			return
		default:
			s.log.Debug().Str("type", frame.Type).Msg("unhandled realtime frame")
		}
	}
}

const maxRedials = 4

// redial replaces a dropped realtime socket, backing off between attempts.
// Gives up once the session is stopped or the attempts run out.
func (s *session) redial() bool {
	if s.realtimeURL == "" || s.isClosed() {
		return false
	}
	for attempt := 0; attempt < maxRedials; attempt++ {
		time.Sleep(reliability.ExponentialBackoff(attempt, 100*time.Millisecond, 2*time.Second))
		if s.isClosed() {
			return false
		}
		conn, _, err := websocket.DefaultDialer.Dial(s.realtimeURL, nil)
		if err != nil {
			s.log.Warn().Err(err).Int("attempt", attempt+1).Msg("realtime redial failed")
			continue
		}
		s.swapConn(conn)
		s.log.Info().Int("attempt", attempt+1).Msg("realtime socket reestablished")
		return true
	}
	return false
}

func (s *session) currentConn() *websocket.Conn {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn
}

func (s *session) swapConn(conn *websocket.Conn) {
	s.writeMu.Lock()
	old := s.conn
	s.conn = conn
	s.writeMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) emit(ev avatar.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn().Str("kind", string(ev.Kind)).Msg("event buffer full, dropping frame")
	}
}

func (s *session) closeEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
