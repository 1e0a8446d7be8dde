package avatar

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configures a Controller. Tokens and NewClient are required.
type Options struct {
	Tokens    TokenSource
	NewClient ClientFactory

	AvatarID    string
	VoiceID     string
	KnowledgeID string
	Quality     string
	Language    string

	CallTimeout time.Duration
	Logger      zerolog.Logger
}

// Controller owns the lifecycle of at most one avatar session: token
// acquisition, client construction, event draining, start/stop,
// speak/interrupt and the voice-chat toggle. One controller serves one
// browser connection; there is no cross-controller sharing.
type Controller struct {
	id        string
	tokens    TokenSource
	newClient ClientFactory

	avatarID    string
	voiceID     string
	knowledgeID string
	quality     string
	language    string

	callTimeout time.Duration
	log         zerolog.Logger

	mu          sync.Mutex
	state       State
	chatMode    ChatMode
	session     Session
	stream      *MediaStream
	loading     bool
	speaking    bool
	userTalking bool
	lastErr     string

	updates chan Snapshot
}

func NewController(opts Options) *Controller {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Quality == "" {
		opts.Quality = "low"
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	id := uuid.NewString()
	return &Controller{
		id:          id,
		tokens:      opts.Tokens,
		newClient:   opts.NewClient,
		avatarID:    strings.TrimSpace(opts.AvatarID),
		voiceID:     strings.TrimSpace(opts.VoiceID),
		knowledgeID: strings.TrimSpace(opts.KnowledgeID),
		quality:     opts.Quality,
		language:    opts.Language,
		callTimeout: opts.CallTimeout,
		log:         opts.Logger.With().Str("controller_id", id).Logger(),
		state:       StateIdle,
		chatMode:    ChatModeText,
		updates:     make(chan Snapshot, 16),
	}
}

// stateTransitions is the allowed lifecycle: idle starts, starting either
// activates or falls back, active ends, ending settles back to idle.
var stateTransitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateActive, StateIdle},
	StateActive:   {StateEnding},
	StateEnding:   {StateIdle},
}

// transitionLocked moves the machine to next when the table allows it.
func (c *Controller) transitionLocked(next State) error {
	for _, allowed := range stateTransitions[c.state] {
		if allowed == next {
			c.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, c.state, next)
}

// ID identifies this controller in logs and protocol frames.
func (c *Controller) ID() string { return c.id }

// Updates delivers a Snapshot after every state mutation. When the consumer
// lags, the oldest snapshot is dropped; the latest state always arrives.
func (c *Controller) Updates() <-chan Snapshot { return c.updates }

// Snapshot returns the current UI state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// StartSession acquires a token, constructs an SDK client and starts one
// avatar session. Valid only from idle; a concurrent or repeated start fails
// with ErrInvalidState without constructing a second session. Non-empty
// avatarID/voiceID override the configured identities for this session;
// empty values fall back to config, then to the provider defaults.
func (c *Controller) StartSession(ctx context.Context, avatarID, voiceID string) error {
	c.mu.Lock()
	if err := c.transitionLocked(StateStarting); err != nil {
		c.mu.Unlock()
		return err
	}
	c.loading = true
	c.lastErr = ""
	c.publishLocked()
	c.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	tok, err := c.tokens.IssueToken(tctx)
	cancel()
	if err != nil {
		return c.failStart("token issuance failed", err)
	}

	req := StartRequest{
		Quality:            c.quality,
		AvatarID:           fallback(strings.TrimSpace(avatarID), fallback(c.avatarID, DefaultAvatarID)),
		VoiceID:            fallback(strings.TrimSpace(voiceID), fallback(c.voiceID, DefaultVoiceID)),
		Language:           c.language,
		KnowledgeID:        c.knowledgeID,
		VoiceChatTransport: TransportWebSocket,
	}

	sctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	sess, err := c.newClient(tok).StartAvatar(sctx, req)
	cancel()
	if err != nil {
		return c.failStart("avatar start failed", err)
	}

	c.mu.Lock()
	c.session = sess
	_ = c.transitionLocked(StateActive)
	c.chatMode = ChatModeText
	c.loading = false
	c.publishLocked()
	c.mu.Unlock()

	c.log.Info().Str("avatar_id", req.AvatarID).Str("voice_id", req.VoiceID).Msg("session started")
	go c.pump(sess)
	return nil
}

// Speak renders the given text over the live session. Empty text is a
// no-op; a speak already in flight fails with ErrSpeakBusy. Failures leave
// the session active.
func (c *Controller) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	c.mu.Lock()
	if c.state != StateActive || c.session == nil {
		from := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: speak from %s", ErrInvalidState, from)
	}
	if c.speaking {
		c.mu.Unlock()
		return ErrSpeakBusy
	}
	c.speaking = true
	sess := c.session
	c.publishLocked()
	c.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	err := sess.Speak(cctx, text)
	cancel()

	c.mu.Lock()
	if c.session == sess {
		c.speaking = false
		c.publishLocked()
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Msg("speak failed")
		return fmt.Errorf("speak: %w", err)
	}
	return nil
}

// Interrupt cuts off the avatar mid-utterance. Fire-and-forget: failures
// are logged only.
func (c *Controller) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateActive {
		from := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: interrupt from %s", ErrInvalidState, from)
	}
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		c.log.Warn().Msg("interrupt with no live session")
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := sess.Interrupt(cctx); err != nil {
		c.log.Warn().Err(err).Msg("interrupt failed")
	}
	return nil
}

// EndSession stops the live session and resets all UI state. No-op without
// a live session. Stop failures still reset state.
func (c *Controller) EndSession(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		c.log.Debug().Msg("end_session with no live session")
		return nil
	}
	// Detach before stopping so events the pump still delivers for this
	// session, including its closing disconnect, cannot re-enter teardown
	// and stop the provider a second time.
	c.session = nil
	_ = c.transitionLocked(StateEnding)
	c.publishLocked()
	c.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	err := sess.Stop(cctx)
	cancel()
	if err != nil {
		c.log.Warn().Err(err).Msg("session stop failed")
	}

	c.mu.Lock()
	c.resetLocked()
	c.publishLocked()
	c.mu.Unlock()

	c.log.Info().Msg("session ended")
	return nil
}

// StartVoiceChat switches user input to live voice.
func (c *Controller) StartVoiceChat(ctx context.Context) error {
	return c.toggleVoiceChat(ctx, ChatModeVoice)
}

// CloseVoiceChat switches user input back to typed text.
func (c *Controller) CloseVoiceChat(ctx context.Context) error {
	return c.toggleVoiceChat(ctx, ChatModeText)
}

func (c *Controller) toggleVoiceChat(ctx context.Context, mode ChatMode) error {
	c.mu.Lock()
	if c.state != StateActive {
		from := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: voice_chat toggle from %s", ErrInvalidState, from)
	}
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		c.log.Warn().Str("mode", string(mode)).Msg("voice_chat toggle with no live session")
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var err error
	if mode == ChatModeVoice {
		err = sess.StartVoiceChat(cctx)
	} else {
		err = sess.CloseVoiceChat(cctx)
	}
	if err != nil {
		c.log.Warn().Err(err).Str("mode", string(mode)).Msg("voice_chat toggle failed")
		return fmt.Errorf("voice_chat toggle: %w", err)
	}

	c.mu.Lock()
	if c.session == sess {
		c.chatMode = mode
		c.publishLocked()
	}
	c.mu.Unlock()
	return nil
}

// pump drains the session event channel in arrival order. Each event is
// handled synchronously, so event-driven state transitions serialize.
func (c *Controller) pump(sess Session) {
	for ev := range sess.Events() {
		c.handleEvent(sess, ev)
	}
	// Channel closure without a disconnect event still means the stream is
	// gone; make sure state does not point at a dead session.
	c.handleEvent(sess, Event{Kind: EventStreamDisconnected})
}

func (c *Controller) handleEvent(sess Session, ev Event) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}

	switch ev.Kind {
	case EventAvatarStartTalking:
		c.log.Debug().Str("task_id", ev.TaskID).Msg("avatar started talking")
	case EventAvatarStopTalking:
		c.log.Debug().Str("task_id", ev.TaskID).Msg("avatar stopped talking")
	case EventStreamReady:
		c.stream = ev.Stream
		c.publishLocked()
		c.log.Info().Msg("stream ready")
	case EventUserStartTalking:
		c.userTalking = true
		c.publishLocked()
	case EventUserStopTalking:
		c.userTalking = false
		c.publishLocked()
	case EventStreamDisconnected:
		c.mu.Unlock()
		c.log.Info().Msg("stream disconnected")
		_ = c.EndSession(context.Background())
		return
	}
	c.mu.Unlock()
}

func (c *Controller) failStart(reason string, cause error) error {
	c.mu.Lock()
	_ = c.transitionLocked(StateIdle)
	c.loading = false
	c.lastErr = fmt.Sprintf("%s: %v", reason, cause)
	c.publishLocked()
	c.mu.Unlock()

	c.log.Error().Err(cause).Msg(reason)
	return fmt.Errorf("%s: %w", reason, cause)
}

func (c *Controller) resetLocked() {
	c.session = nil
	c.stream = nil
	c.state = StateIdle
	c.chatMode = ChatModeText
	c.loading = false
	c.speaking = false
	c.userTalking = false
	c.lastErr = ""
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		State:          c.state,
		ChatMode:       c.chatMode,
		LoadingSession: c.loading,
		Speaking:       c.speaking,
		UserTalking:    c.userTalking,
		LastError:      c.lastErr,
		Stream:         c.stream,
	}
}

func (c *Controller) publishLocked() {
	snap := c.snapshotLocked()
	for {
		select {
		case c.updates <- snap:
			return
		default:
			select {
			case <-c.updates:
			default:
			}
		}
	}
}

func fallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
