package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Type is the envelope type tag.
type Type string

const (
	// TypeEvent carries a named lifecycle event, see Event.
	TypeEvent Type = "event"

	TypeInfo    Type = "info"
	TypeDebug   Type = "debug"
	TypeWarning Type = "warning"
	TypeError   Type = "error"
	TypeSuccess Type = "success"

	// TypeImage carries a base64-encoded image body.
	TypeImage Type = "image"
	// TypeVerdict is the terminal verdict of a test script.
	TypeVerdict Type = "testResult.finished"
	// TypeData is used for side channel messages that were not tagged with a type.
	TypeData Type = "data"
)

// IsLog reports whether t is one of the plain log levels.
func (t Type) IsLog() bool {
	switch t {
	case TypeInfo, TypeDebug, TypeWarning, TypeError, TypeSuccess:
		return true
	}
	return false
}

const (
	// MessageFinished and MessageCrashed are the only lines the server writes on its own, after the process exits.
	MessageFinished = "Test finished"
	MessageCrashed  = "Test crashed"
)

// Source identifies which output of the process a fragment was read from.
type Source int

const (
	SourceStdout Source = iota
	SourceStderr
	// SourceMessage is the side channel the script writes JSON messages to.
	SourceMessage
)

func (s Source) String() string {
	switch s {
	case SourceStdout:
		return "stdout"
	case SourceStderr:
		return "stderr"
	case SourceMessage:
		return "message"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Envelope is the unit of the wire protocol.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

var jsonNull = json.RawMessage("null")

// Text builds an envelope whose payload is a single string.
func Text(t Type, s string) Envelope {
	return Envelope{Type: t, Data: quote(s)}
}

// Frame wraps one fragment of process output into an envelope.
func Frame(src Source, b []byte) Envelope {
	switch src {
	case SourceStdout:
		return Text(TypeInfo, string(b))
	case SourceStderr:
		return Text(TypeError, string(b))
	default:
		return frameMessage(b)
	}
}

// frameMessage unwraps {"type": T, "data": D} messages. Anything else is forwarded whole as TypeData.
func frameMessage(b []byte) Envelope {
	b = bytes.TrimSpace(b)
	if !json.Valid(b) {
		return Text(TypeData, string(b))
	}
	var tagged struct {
		Type *string         `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &tagged); err != nil || tagged.Type == nil || *tagged.Type == "" {
		return Envelope{Type: TypeData, Data: json.RawMessage(b)}
	}
	data := tagged.Data
	if len(data) == 0 {
		data = jsonNull
	}
	return Envelope{Type: Type(*tagged.Type), Data: data}
}

// MarshalLine encodes the envelope as a single newline-terminated line.
// encoding/json compacts the raw payload and escapes control characters, so the line never contains an inner newline.
func (e Envelope) MarshalLine() ([]byte, error) {
	if len(e.Data) == 0 {
		e.Data = jsonNull
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling %q envelope: %w", e.Type, err)
	}
	return append(b, '\n'), nil
}

func quote(s string) json.RawMessage {
	// marshaling a string can't fail, invalid UTF-8 is coerced
	b, _ := json.Marshal(s)
	return b
}
