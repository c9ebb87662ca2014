package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// ErrEnvelopeDecode matches every *EnvelopeDecodeError via errors.Is.
var ErrEnvelopeDecode = errors.New("malformed task envelope")

// Envelope is the message body carried on the queue for one task invocation.
type Envelope struct {
	ID     string                     `json:"id,omitempty"`
	Task   string                     `json:"task"`
	Args   []json.RawMessage          `json:"args"`
	Kwargs map[string]json.RawMessage `json:"kwargs,omitempty"`
}

// EnvelopeDecodeError reports a message body that is not a valid envelope.
type EnvelopeDecodeError struct {
	Body string
	Err  error
}

func (e *EnvelopeDecodeError) Error() string {
	return fmt.Sprintf("decode envelope %q: %v", e.Body, e.Err)
}

func (e *EnvelopeDecodeError) Unwrap() error { return e.Err }

func (e *EnvelopeDecodeError) Is(target error) bool { return target == ErrEnvelopeDecode }

// NewEnvelope marshals positional and keyword arguments into an envelope.
func NewEnvelope(id, task string, args []any, kwargs map[string]any) (Envelope, error) {
	env := Envelope{ID: id, Task: task, Args: make([]json.RawMessage, 0, len(args))}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return Envelope{}, errors.Wrapf(err, "marshal arg %d", i)
		}
		env.Args = append(env.Args, raw)
	}
	if len(kwargs) > 0 {
		env.Kwargs = make(map[string]json.RawMessage, len(kwargs))
		for k, v := range kwargs {
			raw, err := json.Marshal(v)
			if err != nil {
				return Envelope{}, errors.Wrapf(err, "marshal kwarg %q", k)
			}
			env.Kwargs[k] = raw
		}
	}
	return env, nil
}

// Encode renders the envelope as a message body.
func (e Envelope) Encode() (string, error) {
	if e.Args == nil {
		e.Args = []json.RawMessage{}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return "", errors.Wrap(err, "encode envelope")
	}
	return string(b), nil
}

// DecodeEnvelope parses a message body. The task name may be empty; callers
// decide whether to reject it or substitute a default.
func DecodeEnvelope(body string) (Envelope, error) {
	trimmed := bytes.TrimSpace([]byte(body))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, &EnvelopeDecodeError{Body: clip(body), Err: errors.New("body is not a JSON object")}
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, &EnvelopeDecodeError{Body: clip(body), Err: err}
	}
	return env, nil
}

func clip(s string) string {
	const max = 256
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
