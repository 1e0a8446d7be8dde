package avatar

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type gatedTokenSource struct {
	release chan struct{}
}

func (g *gatedTokenSource) IssueToken(ctx context.Context) (string, error) {
	select {
	case <-g.release:
		return "tok-gated", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type failingTokenSource struct{ err error }

func (f failingTokenSource) IssueToken(context.Context) (string, error) { return "", f.err }

func newTestController(t *testing.T, client *MockClient, tokens TokenSource) *Controller {
	t.Helper()
	if tokens == nil {
		tokens = StaticTokenSource("tok-test")
	}
	return NewController(Options{
		Tokens:      tokens,
		NewClient:   func(string) Client { return client },
		AvatarID:    "",
		VoiceID:     "",
		Quality:     "low",
		Language:    "en",
		CallTimeout: 2 * time.Second,
		Logger:      zerolog.Nop(),
	})
}

func waitFor(t *testing.T, c *Controller, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.Snapshot()
		if cond(snap) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached, last snapshot: %+v", c.Snapshot())
	return Snapshot{}
}

func TestStartSessionAppliesIdentityFallbacks(t *testing.T) {
	client := NewMockClient()
	c := newTestController(t, client, nil)

	if err := c.StartSession(context.Background(), "", ""); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	req := client.LastRequest()
	if req.AvatarID != DefaultAvatarID || req.VoiceID != DefaultVoiceID {
		t.Fatalf("identities = %q/%q, want defaults", req.AvatarID, req.VoiceID)
	}
	if req.Quality != "low" || req.Language != "en" {
		t.Fatalf("quality/language = %q/%q, want low/en", req.Quality, req.Language)
	}
	if req.VoiceChatTransport != TransportWebSocket {
		t.Fatalf("transport = %q, want %q", req.VoiceChatTransport, TransportWebSocket)
	}

	snap := c.Snapshot()
	if snap.State != StateActive || snap.ChatMode != ChatModeText || snap.LoadingSession {
		t.Fatalf("post-start snapshot = %+v, want active/text/not-loading", snap)
	}
}

func TestStartSessionUsesRequestedIdentities(t *testing.T) {
	client := NewMockClient()
	c := NewController(Options{
		Tokens:      StaticTokenSource("tok-test"),
		NewClient:   func(string) Client { return client },
		AvatarID:    "cfg-avatar",
		VoiceID:     "cfg-voice",
		CallTimeout: 2 * time.Second,
		Logger:      zerolog.Nop(),
	})

	if err := c.StartSession(context.Background(), " wayne_20240711 ", "v-26b4"); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	req := client.LastRequest()
	if req.AvatarID != "wayne_20240711" || req.VoiceID != "v-26b4" {
		t.Fatalf("identities = %q/%q, want trimmed request values over config", req.AvatarID, req.VoiceID)
	}

	// Blank request values fall back to the configured identities.
	if err := c.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if err := c.StartSession(context.Background(), "", ""); err != nil {
		t.Fatalf("second StartSession() error = %v", err)
	}
	req = client.LastRequest()
	if req.AvatarID != "cfg-avatar" || req.VoiceID != "cfg-voice" {
		t.Fatalf("identities = %q/%q, want configured fallbacks", req.AvatarID, req.VoiceID)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateStarting, true},
		{StateIdle, StateActive, false},
		{StateIdle, StateEnding, false},
		{StateStarting, StateActive, true},
		{StateStarting, StateIdle, true},
		{StateStarting, StateEnding, false},
		{StateActive, StateEnding, true},
		{StateActive, StateStarting, false},
		{StateEnding, StateIdle, true},
		{StateEnding, StateActive, false},
	}
	for _, tc := range cases {
		c := newTestController(t, NewMockClient(), nil)
		c.state = tc.from
		err := c.transitionLocked(tc.to)
		if tc.ok && err != nil {
			t.Errorf("transition %s -> %s error = %v, want allowed", tc.from, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidState) {
			t.Errorf("transition %s -> %s error = %v, want ErrInvalidState", tc.from, tc.to, err)
		}
	}
}

func TestStartSessionRejectedOutsideIdle(t *testing.T) {
	client := NewMockClient()
	c := newTestController(t, client, nil)

	if err := c.StartSession(context.Background(), "", ""); err != nil {
		t.Fatalf("first StartSession() error = %v", err)
	}
	err := c.StartSession(context.Background(), "", "")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second StartSession() error = %v, want ErrInvalidState", err)
	}
	if client.StartCalls() != 1 {
		t.Fatalf("StartAvatar calls = %d, want 1 (single-handle invariant)", client.StartCalls())
	}
}

func TestStartSessionConcurrentDoubleStart(t *testing.T) {
	client := NewMockClient()
	gate := &gatedTokenSource{release: make(chan struct{})}
	c := newTestController(t, client, gate)

	firstDone := make(chan error, 1)
	go func() { firstDone <- c.StartSession(context.Background(), "", "") }()

	// First start is suspended on token issuance; a duplicate must be
	// rejected without racing a second session.
	waitFor(t, c, func(s Snapshot) bool { return s.State == StateStarting })
	if err := c.StartSession(context.Background(), "", ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("duplicate StartSession() error = %v, want ErrInvalidState", err)
	}

	close(gate.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first StartSession() error = %v", err)
	}
	if client.StartCalls() != 1 {
		t.Fatalf("StartAvatar calls = %d, want 1", client.StartCalls())
	}
}

func TestStartSessionTokenFailureReturnsToIdle(t *testing.T) {
	client := NewMockClient()
	c := newTestController(t, client, failingTokenSource{err: errors.New("upstream says no")})

	if err := c.StartSession(context.Background(), "", ""); err == nil {
		t.Fatal("StartSession() should fail when token issuance fails")
	}

	snap := c.Snapshot()
	if snap.State != StateIdle || snap.LoadingSession {
		t.Fatalf("snapshot = %+v, want idle and not loading", snap)
	}
	if snap.LastError == "" {
		t.Fatal("LastError should record the start failure")
	}
	if client.StartCalls() != 0 {
		t.Fatalf("StartAvatar calls = %d, want 0", client.StartCalls())
	}
}

func TestStartSessionSDKFailureReturnsToIdle(t *testing.T) {
	client := NewMockClient()
	client.StartErr = errors.New("provider rejected session")
	c := newTestController(t, client, nil)

	if err := c.StartSession(context.Background(), "", ""); err == nil {
		t.Fatal("StartSession() should fail when the SDK start fails")
	}
	snap := c.Snapshot()
	if snap.State != StateIdle || snap.LastError == "" {
		t.Fatalf("snapshot = %+v, want idle with recorded error", snap)
	}

	// A failed start leaves no session, so a retry is legal.
	client.StartErr = nil
	if err := c.StartSession(context.Background(), "", ""); err != nil {
		t.Fatalf("retry StartSession() error = %v", err)
	}
}

func TestSpeakEmptyTextIsNoOp(t *testing.T) {
	client := NewMockClient()
	sess := NewMockSession()
	client.UseSession(sess)
	c := newTestController(t, client, nil)

	if err := c.StartSession(context.Background(), "", ""); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if err := c.Speak(context.Background(), "   "); err != nil {
		t.Fatalf("Speak(blank) error = %v", err)
	}
	if got := len(sess.SpeakTexts()); got != 0 {
		t.Fatalf("SDK speak calls = %d, want 0", got)
	}
}

func TestSpeakFailureLeavesSessionActive(t *testing.T) {
	client := NewMockClient()
	sess := NewMockSession()
	sess.SpeakErr = errors.New("task rejected")
	client.UseSession(sess)
	c := newTestController(t, client, nil)

	if err := c.StartSession(context.Background(), "", ""); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if err := c.Speak(context.Background(), "hello there"); err == nil {
		t.Fatal("Speak() should propagate the SDK failure")
	}

	snap := c.Snapshot()
	if snap.State != StateActive {
		t.Fatalf("state after failed speak = %q, want active", snap.State)
	}
	if snap.Speaking {
		t.Fatal("speaking flag should clear after a failed speak")
	}
}

func TestSpeakRejectedWhileInFlight(t *testing.T) {
	client := NewMockClient()
	c := newTestController(t, client, nil)

	if err := c.StartSession(context.Background(), "", ""); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	// Flip the in-flight flag directly; the mock completes too fast to race.
	c.mu.Lock()
	c.speaking = true
	c.mu.Unlock()

	if err := c.Speak(context.Background(), "second"); !errors.Is(err, ErrSpeakBusy) {
		t.Fatalf("Speak() while busy error = %v, want ErrSpeakBusy", err)
	}
}

func TestEndSessionResetsModeAndStream(t *testing.T) {
	client := NewMockClient()
	sess := NewMockSession()
	client.UseSession(sess)
	c := newTestController(t, client, nil)

	if err := c.StartSession(context.Background(), "", ""); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	sess.Emit(Event{Kind: EventStreamReady, Stream: &MediaStream{URL: "wss://media", AccessToken: "at"}})
	waitFor(t, c, func(s Snapshot) bool { return s.Stream != nil })

	if err := c.StartVoiceChat(context.Background()); err != nil {
		t.Fatalf("StartVoiceChat() error = %v", err)
	}

	if err := c.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	snap := c.Snapshot()
	if snap.State != StateIdle {
		t.Fatalf("state = %q, want idle", snap.State)
	}
	if snap.ChatMode != ChatModeText {
		t.Fatalf("chat mode = %q, want text after end", snap.ChatMode)
	}
	if snap.Stream != nil {
		t.Fatal("stream should be cleared after end")
	}
	if sess.StopCalls() != 1 {
		t.Fatalf("SDK stop calls = %d, want 1", sess.StopCalls())
	}
}

type fixedSessionClient struct{ sess Session }

func (f fixedSessionClient) StartAvatar(context.Context, StartRequest) (Session, error) {
	return f.sess, nil
}

// slowStopSession mimics a provider that tears the realtime socket down
// (closing the event channel) before acknowledging the stop call.
type slowStopSession struct {
	events    chan Event
	closeOnce sync.Once

	mu    sync.Mutex
	stops int
}

func newSlowStopSession() *slowStopSession {
	return &slowStopSession{events: make(chan Event, 8)}
}

func (s *slowStopSession) Speak(context.Context, string) error { return nil }
func (s *slowStopSession) Interrupt(context.Context) error     { return nil }
func (s *slowStopSession) StartVoiceChat(context.Context) error {
	return nil
}
func (s *slowStopSession) CloseVoiceChat(context.Context) error {
	return nil
}

func (s *slowStopSession) Stop(context.Context) error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
	time.Sleep(150 * time.Millisecond)
	return nil
}

func (s *slowStopSession) Events() <-chan Event { return s.events }

func (s *slowStopSession) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func TestEndSessionStopsProviderOnce(t *testing.T) {
	sess := newSlowStopSession()
	c := NewController(Options{
		Tokens:      StaticTokenSource("tok-test"),
		NewClient:   func(string) Client { return fixedSessionClient{sess: sess} },
		CallTimeout: 2 * time.Second,
		Logger:      zerolog.Nop(),
	})

	if err := c.StartSession(context.Background(), "", ""); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if err := c.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	// The pump sees the channel close while Stop is still in flight; it
	// must not drive a second provider stop.
	time.Sleep(250 * time.Millisecond)
	if got := sess.StopCount(); got != 1 {
		t.Fatalf("provider stop calls = %d, want 1 for one user end", got)
	}
	if got := c.Snapshot().State; got != StateIdle {
		t.Fatalf("state = %q, want idle", got)
	}
}

func TestEndSessionWithoutHandleIsNoOp(t *testing.T) {
	client := NewMockClient()
	c := newTestController(t, client, nil)
	if err := c.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession() without handle error = %v", err)
	}
	if got := c.Snapshot().State; got != StateIdle {
		t.Fatalf("state = %q, want idle", got)
	}
}

func TestStreamReadyThenDisconnectEndsSession(t *testing.T) {
	client := NewMockClient()
	sess := NewMockSession()
	client.UseSession(sess)
	c := newTestController(t, client, nil)

	if err := c.StartSession(context.Background(), "", ""); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	sess.Emit(Event{Kind: EventStreamReady, Stream: &MediaStream{URL: "wss://media-x"}})
	waitFor(t, c, func(s Snapshot) bool { return s.Stream != nil && s.Stream.URL == "wss://media-x" })

	sess.Disconnect()

	snap := waitFor(t, c, func(s Snapshot) bool { return s.State == StateIdle })
	if snap.Stream != nil {
		t.Fatal("stream should be nil after disconnect-driven end")
	}
	if snap.ChatMode != ChatModeText {
		t.Fatalf("chat mode = %q, want text", snap.ChatMode)
	}
	if sess.StopCalls() == 0 {
		t.Fatal("disconnect should drive the stop path as if user-initiated")
	}
}

func TestVoiceChatToggleIssuesOneCallEach(t *testing.T) {
	client := NewMockClient()
	sess := NewMockSession()
	client.UseSession(sess)
	c := newTestController(t, client, nil)

	if err := c.StartSession(context.Background(), "", ""); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if err := c.StartVoiceChat(context.Background()); err != nil {
		t.Fatalf("StartVoiceChat() error = %v", err)
	}
	if got := c.Snapshot().ChatMode; got != ChatModeVoice {
		t.Fatalf("chat mode = %q, want voice", got)
	}
	if err := c.CloseVoiceChat(context.Background()); err != nil {
		t.Fatalf("CloseVoiceChat() error = %v", err)
	}
	if got := c.Snapshot().ChatMode; got != ChatModeText {
		t.Fatalf("chat mode = %q, want text", got)
	}
	if sess.StartVoiceCalls() != 1 || sess.CloseVoiceCalls() != 1 {
		t.Fatalf("voice chat calls = %d/%d, want exactly one each", sess.StartVoiceCalls(), sess.CloseVoiceCalls())
	}
}

func TestVoiceChatToggleFailureKeepsMode(t *testing.T) {
	client := NewMockClient()
	sess := NewMockSession()
	sess.StartVoiceErr = errors.New("transport refused")
	client.UseSession(sess)
	c := newTestController(t, client, nil)

	if err := c.StartSession(context.Background(), "", ""); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if err := c.StartVoiceChat(context.Background()); err == nil {
		t.Fatal("StartVoiceChat() should propagate the SDK failure")
	}
	if got := c.Snapshot().ChatMode; got != ChatModeText {
		t.Fatalf("chat mode = %q, want text unchanged after failure", got)
	}
}

func TestUserTalkingEventsToggleFlag(t *testing.T) {
	client := NewMockClient()
	sess := NewMockSession()
	client.UseSession(sess)
	c := newTestController(t, client, nil)

	if err := c.StartSession(context.Background(), "", ""); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	sess.Emit(Event{Kind: EventUserStartTalking})
	waitFor(t, c, func(s Snapshot) bool { return s.UserTalking })

	sess.Emit(Event{Kind: EventUserStopTalking})
	waitFor(t, c, func(s Snapshot) bool { return !s.UserTalking })
}

func TestUpdatesDeliverLatestSnapshot(t *testing.T) {
	client := NewMockClient()
	c := newTestController(t, client, nil)

	if err := c.StartSession(context.Background(), "", ""); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-c.Updates():
			if snap.State == StateActive {
				return
			}
		case <-deadline:
			t.Fatal("no active snapshot observed on Updates()")
		}
	}
}
