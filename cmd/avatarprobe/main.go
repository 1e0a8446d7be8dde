// Command avatarprobe drives one avatar session against a running avatard
// instance and reports how long the stream takes to come up.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marie909/avatard/internal/protocol"
)

type options struct {
	baseURL      string
	text         string
	startTimeout time.Duration
	speakTimeout time.Duration
	verbose      bool
}

type probeResult struct {
	StreamReady time.Duration
	SpeakDone   time.Duration
	StreamURL   string
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "avatarprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "avatarprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var startTimeoutMS int
	var speakTimeoutMS int

	fs := flag.NewFlagSet("avatarprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "avatard base URL")
	fs.StringVar(&cfg.text, "text", "Hello from the latency probe.", "utterance to speak once the stream is up (empty to skip)")
	fs.IntVar(&startTimeoutMS, "start-timeout-ms", 20000, "timeout waiting for a live stream in milliseconds")
	fs.IntVar(&speakTimeoutMS, "speak-timeout-ms", 15000, "timeout waiting for the speak round trip in milliseconds")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print probe progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if startTimeoutMS < 1000 {
		startTimeoutMS = 1000
	}
	if speakTimeoutMS < 1000 {
		speakTimeoutMS = 1000
	}
	cfg.startTimeout = time.Duration(startTimeoutMS) * time.Millisecond
	cfg.speakTimeout = time.Duration(speakTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	wsURL, err := sessionWSURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.startTimeout+cfg.speakTimeout+10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	var result probeResult

	if err := writeCommand(conn, protocol.ActionStartSession, ""); err != nil {
		return err
	}
	startAt := time.Now()

	state, err := waitFor(conn, cfg.startTimeout, func(s uiStateFrame) bool {
		return s.Stream != nil && s.Stream.URL != ""
	})
	if err != nil {
		return fmt.Errorf("waiting for stream: %w", err)
	}
	result.StreamReady = time.Since(startAt)
	result.StreamURL = state.Stream.URL
	if cfg.verbose {
		fmt.Printf("avatarprobe: stream ready in %v (url=%s)\n", result.StreamReady.Round(time.Millisecond), result.StreamURL)
	}

	if strings.TrimSpace(cfg.text) != "" {
		if err := writeCommand(conn, protocol.ActionSpeak, cfg.text); err != nil {
			return err
		}
		speakAt := time.Now()
		sawSpeaking := false
		_, err = waitFor(conn, cfg.speakTimeout, func(s uiStateFrame) bool {
			if s.Speaking {
				sawSpeaking = true
			}
			return sawSpeaking && !s.Speaking
		})
		if err != nil {
			return fmt.Errorf("waiting for speak round trip: %w", err)
		}
		result.SpeakDone = time.Since(speakAt)
		if cfg.verbose {
			fmt.Printf("avatarprobe: speak round trip in %v\n", result.SpeakDone.Round(time.Millisecond))
		}
	}

	if err := writeCommand(conn, protocol.ActionEndSession, ""); err != nil {
		return err
	}
	if _, err := waitFor(conn, cfg.startTimeout, func(s uiStateFrame) bool {
		return s.State == "idle" && s.Stream == nil
	}); err != nil {
		return fmt.Errorf("waiting for session end: %w", err)
	}

	fmt.Printf("avatarprobe: ok stream_ready=%v speak=%v\n",
		result.StreamReady.Round(time.Millisecond), result.SpeakDone.Round(time.Millisecond))
	return nil
}

type uiStateFrame struct {
	Type     string `json:"type"`
	State    string `json:"state"`
	Speaking bool   `json:"speaking"`
	Stream   *struct {
		URL string `json:"url"`
	} `json:"stream"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeCommand(conn *websocket.Conn, action protocol.Action, text string) error {
	cmd := protocol.ClientCommand{Type: protocol.TypeClientCommand, Action: action, Text: text}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func waitFor(conn *websocket.Conn, timeout time.Duration, pred func(uiStateFrame) bool) (uiStateFrame, error) {
	deadline := time.Now().Add(timeout)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return uiStateFrame{}, err
		}
		var frame uiStateFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Type == string(protocol.TypeErrorEvent) && frame.Code == "session_start_failed" {
			return uiStateFrame{}, fmt.Errorf("session start failed: %s", frame.Detail)
		}
		if frame.Type != string(protocol.TypeUIState) {
			continue
		}
		if pred(frame) {
			return frame, nil
		}
	}
	return uiStateFrame{}, fmt.Errorf("timed out after %v", timeout)
}

func sessionWSURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/session/ws"
	return u.String(), nil
}
