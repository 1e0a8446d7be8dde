package avatar

import (
	"context"
	"sync"
)

// StaticTokenSource issues a fixed token. Used in tests and in the
// credential-less demo mode, where no real provider is contacted.
type StaticTokenSource string

func (s StaticTokenSource) IssueToken(_ context.Context) (string, error) {
	return string(s), nil
}

// MockClient is a scripted SDK boundary used by tests and as the fallback
// provider when no credential is configured.
type MockClient struct {
	mu         sync.Mutex
	session    *MockSession
	startCalls int
	lastReq    StartRequest

	// StartErr fails StartAvatar when set.
	StartErr error
	// Demo makes started sessions emit a synthetic stream-ready event and
	// talking events around Speak, so the UI is usable without a credential.
	Demo bool
}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) StartAvatar(_ context.Context, req StartRequest) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startCalls++
	c.lastReq = req
	if c.StartErr != nil {
		return nil, c.StartErr
	}
	if c.session == nil {
		c.session = NewMockSession()
	}
	c.session.demo = c.Demo
	if c.Demo {
		c.session.Emit(Event{Kind: EventStreamReady, Stream: &MediaStream{URL: "mock://stream", AccessToken: "mock"}})
	}
	return c.session, nil
}

// UseSession pre-seeds the session StartAvatar hands out.
func (c *MockClient) UseSession(s *MockSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

func (c *MockClient) StartCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startCalls
}

func (c *MockClient) LastRequest() StartRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReq
}

// MockSession records SDK calls and lets tests inject inbound events.
type MockSession struct {
	mu     sync.Mutex
	events chan Event
	closed bool
	demo   bool

	speakTexts      []string
	interruptCalls  int
	startVoiceCalls int
	closeVoiceCalls int
	stopCalls       int

	SpeakErr      error
	InterruptErr  error
	StartVoiceErr error
	CloseVoiceErr error
	StopErr       error
}

func NewMockSession() *MockSession {
	return &MockSession{events: make(chan Event, 64)}
}

func (s *MockSession) Speak(_ context.Context, text string) error {
	s.mu.Lock()
	if s.SpeakErr != nil {
		err := s.SpeakErr
		s.mu.Unlock()
		return err
	}
	s.speakTexts = append(s.speakTexts, text)
	demo := s.demo && !s.closed
	s.mu.Unlock()
	if demo {
		s.Emit(Event{Kind: EventAvatarStartTalking})
		s.Emit(Event{Kind: EventAvatarStopTalking})
	}
	return nil
}

func (s *MockSession) Interrupt(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InterruptErr != nil {
		return s.InterruptErr
	}
	s.interruptCalls++
	return nil
}

func (s *MockSession) StartVoiceChat(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartVoiceErr != nil {
		return s.StartVoiceErr
	}
	s.startVoiceCalls++
	return nil
}

func (s *MockSession) CloseVoiceChat(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CloseVoiceErr != nil {
		return s.CloseVoiceErr
	}
	s.closeVoiceCalls++
	return nil
}

func (s *MockSession) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	if s.StopErr != nil {
		return s.StopErr
	}
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *MockSession) Events() <-chan Event { return s.events }

// Emit injects an inbound event as if the provider sent it. No-op once the
// session is stopped.
func (s *MockSession) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Disconnect simulates the provider dropping the stream.
func (s *MockSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- Event{Kind: EventStreamDisconnected}
	s.closed = true
	close(s.events)
}

func (s *MockSession) SpeakTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.speakTexts))
	copy(out, s.speakTexts)
	return out
}

func (s *MockSession) InterruptCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptCalls
}

func (s *MockSession) StartVoiceCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startVoiceCalls
}

func (s *MockSession) CloseVoiceCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeVoiceCalls
}

func (s *MockSession) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}
