package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType identifies websocket payload variants.
type FrameType string

const (
	TypeAudio              FrameType = "audio"
	TypeUserTranscript     FrameType = "user_transcript"
	TypeAgentResponse      FrameType = "agent_response"
	TypeError              FrameType = "error"
	TypeEnd                FrameType = "end"
	TypeGuidanceNudge      FrameType = "guidance_nudge"
	TypeReferenceContext   FrameType = "reference_context"
	TypeReferencesDetected FrameType = "references_detected"
)

// MaxAudioChunkBytes bounds the decoded size of one audio frame (1 MiB).
const MaxAudioChunkBytes = 1 << 20

// ErrUnknownType marks frame types this build does not understand. Callers
// must skip these frames rather than fail the connection, so the vocabulary
// can grow without breaking older decoders.
var ErrUnknownType = errors.New("unknown frame type")

type Envelope struct {
	Type FrameType `json:"type"`
}

// AudioFrame carries one opaque audio payload, base64 inside the JSON text
// so the whole protocol stays text-framed.
type AudioFrame struct {
	Type        FrameType `json:"type"`
	AudioBase64 string    `json:"data"`
}

// Payload decodes the transport encoding and enforces the chunk size bound.
func (f AudioFrame) Payload() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(f.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	if len(raw) > MaxAudioChunkBytes {
		return nil, fmt.Errorf("audio payload %d bytes exceeds limit %d", len(raw), MaxAudioChunkBytes)
	}
	return raw, nil
}

// NewAudioFrame wraps raw audio bytes for sending.
func NewAudioFrame(payload []byte) AudioFrame {
	return AudioFrame{Type: TypeAudio, AudioBase64: base64.StdEncoding.EncodeToString(payload)}
}

type UserTranscriptFrame struct {
	Type FrameType `json:"type"`
	Text string    `json:"text"`
}

type AgentResponseFrame struct {
	Type FrameType `json:"type"`
	Text string    `json:"text"`
}

type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

// EndFrame tells the peer the client is terminating on purpose. It is
// fire-and-forget; no reply is expected.
type EndFrame struct {
	Type FrameType `json:"type"`
}

type GuidanceNudgeFrame struct {
	Type FrameType `json:"type"`
	Text string    `json:"text"`
}

// ReferenceContextFrame injects out-of-band context for the engine's
// reasoning. No ack is expected.
type ReferenceContextFrame struct {
	Type    FrameType `json:"type"`
	Title   string    `json:"title"`
	Excerpt string    `json:"excerpt"`
}

type DetectedReference struct {
	Title   string `json:"title"`
	RefType string `json:"type"`
	Source  string `json:"source,omitempty"`
	Context string `json:"context,omitempty"`
}

type ReferencesDetectedFrame struct {
	Type       FrameType           `json:"type"`
	References []DetectedReference `json:"references"`
}

// ParseEngineFrame decodes one inbound frame from the voice engine. Unknown
// types return ErrUnknownType; malformed known types return a validation
// error describing the frame kind.
func ParseEngineFrame(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAudio:
		var f AudioFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		if f.AudioBase64 == "" {
			return nil, errors.New("invalid audio frame: empty payload")
		}
		return f, nil
	case TypeUserTranscript:
		var f UserTranscriptFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		if f.Text == "" {
			return nil, errors.New("invalid user_transcript frame: empty text")
		}
		return f, nil
	case TypeAgentResponse:
		var f AgentResponseFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		if f.Text == "" {
			return nil, errors.New("invalid agent_response frame: empty text")
		}
		return f, nil
	case TypeError:
		var f ErrorFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, nil
	case TypeGuidanceNudge:
		var f GuidanceNudgeFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		if f.Text == "" {
			return nil, errors.New("invalid guidance_nudge frame: empty text")
		}
		return f, nil
	case TypeReferencesDetected:
		var f ReferencesDetectedFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, ErrUnknownType
	}
}
