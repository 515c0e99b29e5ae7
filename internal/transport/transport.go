// Package transport owns the client side of one realtime voice connection:
// dialing the brokered endpoint, pumping captured audio out, playing engine
// audio back in arrival order, and tearing everything down exactly once.
package transport

import (
	"context"
	"time"
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
)

const (
	// DefaultDialTimeout bounds the websocket handshake.
	DefaultDialTimeout = 10 * time.Second
	// DefaultCaptureTimeout bounds microphone acquisition. A stuck device
	// fails the attempt instead of hanging the state machine.
	DefaultCaptureTimeout = 10 * time.Second
	// DefaultNudgeTTL is how long a guidance nudge stays visible.
	DefaultNudgeTTL = 8 * time.Second
)

// Conn is the subset of a websocket connection the session drives.
// *gorilla/websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the realtime link. The default implementation wraps
// gorilla/websocket; tests substitute in-process pipes.
type Dialer interface {
	Dial(ctx context.Context, endpointURL string) (Conn, error)
}

// CaptureSource is the local audio input device. Chunks delivers encoded
// audio frames until Stop; Stop must be safe to call more than once.
type CaptureSource interface {
	Start(ctx context.Context) (<-chan []byte, error)
	Stop() error
}

// Player renders one audio chunk to completion. Play is called from a
// single goroutine so implementations need no internal ordering. Stop
// discards anything queued or playing and must be idempotent.
type Player interface {
	Play(ctx context.Context, chunk []byte) error
	Stop() error
}

// Translator is the on-demand translation side channel. Best effort:
// failures fall back to showing the original text.
type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

// Speaker tags a message log entry.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Entry is one line of the session transcript.
type Entry struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// Reference is a detected cultural reference, de-duplicated by title.
type Reference struct {
	Title   string
	RefType string
	Source  string
	Context string
}

// Events are the session's only outward-facing channel: every failure and
// status change arrives through the same callbacks, so callers cannot
// forget to handle errors. Nil callbacks are skipped. Callbacks are invoked
// from session goroutines and must not block.
type Events struct {
	OnStatus       func(Status)
	OnMessage      func(Entry)
	OnError        func(message string)
	OnNudge        func(text string)
	OnNudgeExpired func()
	OnTranslation  func(original, translated string)
	OnReferences   func([]Reference)
	OnTick         func(elapsedSeconds int)
}

func (e Events) status(s Status) {
	if e.OnStatus != nil {
		e.OnStatus(s)
	}
}

func (e Events) errorf(msg string) {
	if e.OnError != nil {
		e.OnError(msg)
	}
}

// Options tune one session. Zero values take the package defaults.
type Options struct {
	DialTimeout    time.Duration
	CaptureTimeout time.Duration
	// MaxDuration self-terminates the session when elapsed time reaches
	// it. Zero disables the ceiling (credential expiry still bounds the
	// session server-side).
	MaxDuration    time.Duration
	NudgeTTL       time.Duration
	TickInterval   time.Duration
	TargetLanguage string
}

func (o *Options) applyDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.CaptureTimeout <= 0 {
		o.CaptureTimeout = DefaultCaptureTimeout
	}
	if o.NudgeTTL <= 0 {
		o.NudgeTTL = DefaultNudgeTTL
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.TargetLanguage == "" {
		o.TargetLanguage = "en"
	}
}
