package stream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown envelope type")
)

const (
	// EventVerdict is the name given to an event that has no eventName but carries a boolean success field.
	// Older scripts report their verdict that way.
	EventVerdict = "testResult.finished"
	// EventUnknown is the name given to an event with neither an eventName nor a success field.
	EventUnknown = "unknown"
	// EventDone is emitted by readers once the stream has fully ended. It never appears on the wire.
	EventDone = "done"
)

// Message is a decoded envelope. The concrete type is one of Event, Log, Image, Verdict or Raw.
type Message interface {
	EnvelopeType() Type
}

// Event is a lifecycle event, such as "item.start" or "run.finished".
// The fields are forwarded opaquely to the caller.
type Event struct {
	Name   string
	Fields map[string]any
}

// Log is a renderable log message at one of the log levels.
type Log struct {
	Level Type
	Parts []any
}

type Image struct {
	Data []byte
}

// Verdict is the terminal pass/fail result of a script.
type Verdict struct {
	Success  bool
	Reason   any
	Settings any
}

// Raw is an untagged side channel message.
type Raw struct {
	Data json.RawMessage
}

func (Event) EnvelopeType() Type   { return TypeEvent }
func (l Log) EnvelopeType() Type   { return l.Level }
func (Image) EnvelopeType() Type   { return TypeImage }
func (Verdict) EnvelopeType() Type { return TypeVerdict }
func (Raw) EnvelopeType() Type     { return TypeData }

// Text joins the parts of the message with spaces. Non-string parts are rendered as compact JSON.
func (l Log) Text() string {
	strs := make([]string, 0, len(l.Parts))
	for _, p := range l.Parts {
		if s, ok := p.(string); ok {
			strs = append(strs, s)
			continue
		}
		b, err := json.Marshal(p)
		if err != nil {
			strs = append(strs, fmt.Sprint(p))
			continue
		}
		strs = append(strs, string(b))
	}
	return strings.Join(strs, " ")
}

// Decode parses one line into a Message.
// Errors wrap ErrMalformed or ErrUnknownType.
func Decode(line []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	switch env.Type {
	case TypeEvent:
		return decodeEvent(env.Data)
	case TypeInfo, TypeDebug, TypeWarning, TypeError, TypeSuccess:
		return decodeLog(env.Type, env.Data)
	case TypeImage:
		return decodeImage(env.Data)
	case TypeVerdict:
		return decodeVerdict(env.Data)
	case TypeData:
		return Raw{Data: env.Data}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, env.Type)
	}
}

func isNull(data json.RawMessage) bool {
	return len(data) == 0 || string(data) == "null"
}

func decodeEvent(data json.RawMessage) (Message, error) {
	fields := map[string]any{}
	if !isNull(data) {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("%w: event data: %s", ErrMalformed, err)
		}
	}
	name, _ := fields["eventName"].(string)
	if name == "" {
		if _, ok := fields["success"].(bool); ok {
			name = EventVerdict
		} else {
			name = EventUnknown
		}
	}
	return Event{Name: name, Fields: fields}, nil
}

func decodeLog(level Type, data json.RawMessage) (Message, error) {
	if isNull(data) {
		return Log{Level: level}, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %s data: %s", ErrMalformed, level, err)
	}
	if parts, ok := v.([]any); ok {
		return Log{Level: level, Parts: parts}, nil
	}
	return Log{Level: level, Parts: []any{v}}, nil
}

func decodeImage(data json.RawMessage) (Message, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: image data must be a base64 string", ErrMalformed)
	}
	// accept data URIs as well as bare base64
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: image data: %s", ErrMalformed, err)
	}
	return Image{Data: b}, nil
}

func decodeVerdict(data json.RawMessage) (Message, error) {
	var v struct {
		Success  *bool `json:"success"`
		Reason   any   `json:"reason"`
		Settings any   `json:"settings"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: verdict data: %s", ErrMalformed, err)
	}
	if v.Success == nil {
		return nil, fmt.Errorf("%w: verdict has no success field", ErrMalformed)
	}
	return Verdict{Success: *v.Success, Reason: v.Reason, Settings: v.Settings}, nil
}
