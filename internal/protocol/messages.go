package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marie909/avatard/internal/avatar"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientCommand MessageType = "client_command"
	TypeUIState       MessageType = "ui_state"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
)

// Action enumerates the user actions the presentation shell can emit.
type Action string

const (
	ActionStartSession   Action = "start_session"
	ActionSpeak          Action = "speak"
	ActionInterrupt      Action = "interrupt"
	ActionEndSession     Action = "end_session"
	ActionStartVoiceChat Action = "start_voice_chat"
	ActionCloseVoiceChat Action = "close_voice_chat"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientCommand is one user action relayed from the shell. AvatarID and
// VoiceID are only meaningful on start_session, where they override the
// server-configured identities.
type ClientCommand struct {
	Type     MessageType `json:"type"`
	Action   Action      `json:"action"`
	Text     string      `json:"text,omitempty"`
	AvatarID string      `json:"avatar_id,omitempty"`
	VoiceID  string      `json:"voice_id,omitempty"`
}

// UIState mirrors the controller snapshot for the shell to render.
type UIState struct {
	Type         MessageType         `json:"type"`
	ControllerID string              `json:"controller_id"`
	State        avatar.State        `json:"state"`
	ChatMode     avatar.ChatMode     `json:"chat_mode"`
	Loading      bool                `json:"loading_session"`
	Speaking     bool                `json:"speaking"`
	UserTalking  bool                `json:"user_talking"`
	LastError    string              `json:"last_error,omitempty"`
	Stream       *avatar.MediaStream `json:"stream,omitempty"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// NewUIState projects a controller snapshot into the wire shape.
func NewUIState(controllerID string, snap avatar.Snapshot) UIState {
	return UIState{
		Type:         TypeUIState,
		ControllerID: controllerID,
		State:        snap.State,
		ChatMode:     snap.ChatMode,
		Loading:      snap.LoadingSession,
		Speaking:     snap.Speaking,
		UserTalking:  snap.UserTalking,
		LastError:    snap.LastError,
		Stream:       snap.Stream,
	}
}

// ParseClientMessage decodes and validates one inbound shell message.
func ParseClientMessage(raw []byte) (ClientCommand, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientCommand{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type != TypeClientCommand {
		return ClientCommand{}, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}

	var msg ClientCommand
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientCommand{}, err
	}
	switch msg.Action {
	// Speak with empty text stays valid here; the controller treats it as a
	// no-op rather than the wire layer rejecting it.
	case ActionStartSession, ActionSpeak, ActionInterrupt, ActionEndSession,
		ActionStartVoiceChat, ActionCloseVoiceChat:
		return msg, nil
	default:
		return ClientCommand{}, fmt.Errorf("unknown action %q", msg.Action)
	}
}
