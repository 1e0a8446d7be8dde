package avatar

import (
	"context"
	"errors"
)

// State is the session controller lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateEnding   State = "ending"
)

// ChatMode selects how user input reaches the avatar.
type ChatMode string

const (
	ChatModeText  ChatMode = "text"
	ChatModeVoice ChatMode = "voice"
)

// Identity fallbacks applied when no avatar or voice is configured.
const (
	DefaultAvatarID = "default"
	DefaultVoiceID  = "default"
)

// TransportWebSocket is the fixed voice-chat transport for started sessions.
const TransportWebSocket = "websocket"

// TaskTypeTalk is the provider task type for plain speech rendering.
const TaskTypeTalk = "talk"

var (
	// ErrInvalidState rejects operations issued outside their valid state,
	// including a second StartSession while one session exists.
	ErrInvalidState = errors.New("invalid session state")
	// ErrSpeakBusy rejects a Speak while another is still in flight.
	ErrSpeakBusy = errors.New("speak already in flight")
)

// MediaStream is the opaque playback descriptor the provider hands out once
// a session's stream is live. The presentation shell attaches it to a video
// surface; nothing here inspects it.
type MediaStream struct {
	URL         string `json:"url"`
	AccessToken string `json:"access_token"`
}

// EventKind enumerates the closed set of inbound session events.
type EventKind string

const (
	EventAvatarStartTalking EventKind = "avatar_start_talking"
	EventAvatarStopTalking  EventKind = "avatar_stop_talking"
	EventStreamReady        EventKind = "stream_ready"
	EventStreamDisconnected EventKind = "stream_disconnected"
	EventUserStartTalking   EventKind = "user_start_talking"
	EventUserStopTalking    EventKind = "user_stop_talking"
)

// Event is one inbound session event. Stream is set only for
// EventStreamReady; TaskID is set when the provider attributes talking
// events to a speak task.
type Event struct {
	Kind   EventKind
	Stream *MediaStream
	TaskID string
}

// StartRequest is the fixed configuration for one session start.
type StartRequest struct {
	Quality            string
	AvatarID           string
	VoiceID            string
	Language           string
	KnowledgeID        string
	VoiceChatTransport string
}

// Session is one live avatar session at the SDK boundary. Events delivers
// the closed event union in arrival order and is closed when the session
// ends for any reason.
type Session interface {
	Speak(ctx context.Context, text string) error
	Interrupt(ctx context.Context) error
	StartVoiceChat(ctx context.Context) error
	CloseVoiceChat(ctx context.Context) error
	Stop(ctx context.Context) error
	Events() <-chan Event
}

// Client starts avatar sessions. One Client is constructed per session from
// a freshly issued token.
type Client interface {
	StartAvatar(ctx context.Context, req StartRequest) (Session, error)
}

// ClientFactory builds a Client from a session token.
type ClientFactory func(token string) Client

// TokenSource issues short-lived session tokens.
type TokenSource interface {
	IssueToken(ctx context.Context) (string, error)
}

// Snapshot is the UI state the presentation shell renders. It is immutable
// once published.
type Snapshot struct {
	State          State        `json:"state"`
	ChatMode       ChatMode     `json:"chat_mode"`
	LoadingSession bool         `json:"loading_session"`
	Speaking       bool         `json:"speaking"`
	UserTalking    bool         `json:"user_talking"`
	LastError      string       `json:"last_error,omitempty"`
	Stream         *MediaStream `json:"stream,omitempty"`
}
