// Package codec encodes and decodes the JSON wire envelopes exchanged with
// clients over the duplex connection.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedMessage indicates a frame that could not be decoded.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnsupportedMimeKind indicates a frame whose kind the session does not
	// relay. Decoding still succeeds; the caller drops the message.
	ErrUnsupportedMimeKind = errors.New("unsupported mime kind")
)

// Kind classifies an envelope by payload family.
type Kind string

const (
	KindText        Kind = "text"
	KindAudio       Kind = "audio"
	KindImage       Kind = "image"
	KindVideo       Kind = "video"
	KindControl     Kind = "control"
	KindStateUpdate Kind = "state-update"
	KindUnknown     Kind = "unknown"
)

// Control signals turn boundaries, sent only server to client.
type Control struct {
	TurnComplete bool `json:"turn_complete"`
	Interrupted  bool `json:"interrupted"`
}

// StateUpdate is the optional diagnostic payload, sent only server to client.
type StateUpdate struct {
	Type    string `json:"type"`
	Stage   string `json:"stage"`
	Summary string `json:"summary"`
}

// Envelope is one decoded wire frame.
//
// Exactly one payload field is populated, selected by Kind: Text for text
// frames, Data for binary frames (audio/image/video), Control for control
// frames, State for state-update frames. Unknown mime types keep the raw
// data so nothing is lost before the caller decides to drop the frame.
type Envelope struct {
	Kind     Kind
	MimeType string

	Text    string
	Data    []byte
	Control *Control
	State   *StateUpdate
	Raw     json.RawMessage
}

type frame struct {
	MimeType     string          `json:"mime_type,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	TurnComplete *bool           `json:"turn_complete,omitempty"`
	Interrupted  *bool           `json:"interrupted,omitempty"`
}

// KindForMimeType maps a wire mime type to an envelope kind.
func KindForMimeType(mimeType string) Kind {
	switch {
	case mimeType == "text/plain" || strings.HasPrefix(mimeType, "text/"):
		return KindText
	case strings.HasPrefix(mimeType, "audio/"):
		return KindAudio
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo
	case mimeType == "application/json":
		return KindStateUpdate
	default:
		return KindUnknown
	}
}

// Decode parses a raw frame into an Envelope.
//
// Frames carrying turn_complete/interrupted keys are control frames; all
// others must carry a mime_type. Binary payloads arrive base64-encoded
// inside the JSON text frame and are returned as the exact original bytes.
func Decode(raw []byte) (*Envelope, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if f.TurnComplete != nil || f.Interrupted != nil {
		ctrl := &Control{}
		if f.TurnComplete != nil {
			ctrl.TurnComplete = *f.TurnComplete
		}
		if f.Interrupted != nil {
			ctrl.Interrupted = *f.Interrupted
		}
		return &Envelope{Kind: KindControl, Control: ctrl}, nil
	}

	if f.MimeType == "" {
		return nil, fmt.Errorf("%w: missing mime_type", ErrMalformedMessage)
	}

	env := &Envelope{Kind: KindForMimeType(f.MimeType), MimeType: f.MimeType}
	switch env.Kind {
	case KindText:
		var text string
		if err := json.Unmarshal(f.Data, &text); err != nil {
			return nil, fmt.Errorf("%w: text payload must be a string: %v", ErrMalformedMessage, err)
		}
		env.Text = text
	case KindAudio, KindImage, KindVideo:
		var encoded string
		if err := json.Unmarshal(f.Data, &encoded); err != nil {
			return nil, fmt.Errorf("%w: binary payload must be a base64 string: %v", ErrMalformedMessage, err)
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64 payload: %v", ErrMalformedMessage, err)
		}
		env.Data = data
	case KindStateUpdate:
		var state StateUpdate
		if err := json.Unmarshal(f.Data, &state); err != nil {
			return nil, fmt.Errorf("%w: invalid state payload: %v", ErrMalformedMessage, err)
		}
		env.State = &state
	default:
		// Unknown kinds decode successfully and are rejected downstream.
		env.Raw = append(json.RawMessage(nil), f.Data...)
	}

	return env, nil
}

// Encode serializes an Envelope back into its wire form. It is the inverse
// of Decode for every supported kind.
func Encode(env *Envelope) ([]byte, error) {
	switch env.Kind {
	case KindControl:
		if env.Control == nil {
			return nil, fmt.Errorf("%w: control envelope without payload", ErrMalformedMessage)
		}
		return json.Marshal(env.Control)
	case KindText:
		return marshalFrame(env.MimeType, env.Text)
	case KindAudio, KindImage, KindVideo:
		return marshalFrame(env.MimeType, base64.StdEncoding.EncodeToString(env.Data))
	case KindStateUpdate:
		if env.State == nil {
			return nil, fmt.Errorf("%w: state envelope without payload", ErrMalformedMessage)
		}
		return marshalFrame(env.MimeType, env.State)
	case KindUnknown:
		return json.Marshal(frame{MimeType: env.MimeType, Data: env.Raw})
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedMimeKind, env.Kind)
	}
}

func marshalFrame(mimeType string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope data: %w", err)
	}
	return json.Marshal(frame{MimeType: mimeType, Data: payload})
}

// Text builds a text envelope.
func Text(text string) *Envelope {
	return &Envelope{Kind: KindText, MimeType: "text/plain", Text: text}
}

// Audio builds a PCM audio envelope.
func Audio(data []byte) *Envelope {
	return &Envelope{Kind: KindAudio, MimeType: "audio/pcm", Data: data}
}

// TurnControl builds a control envelope.
func TurnControl(turnComplete, interrupted bool) *Envelope {
	return &Envelope{Kind: KindControl, Control: &Control{TurnComplete: turnComplete, Interrupted: interrupted}}
}

// StageUpdate builds the diagnostic state-update envelope.
func StageUpdate(stage, summary string) *Envelope {
	return &Envelope{
		Kind:     KindStateUpdate,
		MimeType: "application/json",
		State:    &StateUpdate{Type: "state_update", Stage: stage, Summary: summary},
	}
}
