package queue

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// RedrivePolicy binds a source queue to its dead-letter target.
type RedrivePolicy struct {
	DeadLetterTargetArn string
	MaxReceiveCount     int
}

type redriveWire struct {
	DeadLetterTargetArn string          `json:"deadLetterTargetArn"`
	MaxReceiveCount     json.RawMessage `json:"maxReceiveCount"`
}

// Encode renders the policy in the attribute format SQS expects.
func (p RedrivePolicy) Encode() (string, error) {
	if p.DeadLetterTargetArn == "" {
		return "", errors.New("redrive policy: dead letter target is required")
	}
	if p.MaxReceiveCount < 1 {
		return "", errors.Errorf("redrive policy: maxReceiveCount must be >= 1, got %d", p.MaxReceiveCount)
	}
	b, err := json.Marshal(map[string]string{
		"deadLetterTargetArn": p.DeadLetterTargetArn,
		"maxReceiveCount":     strconv.Itoa(p.MaxReceiveCount),
	})
	if err != nil {
		return "", errors.Wrap(err, "encode redrive policy")
	}
	return string(b), nil
}

// ParseRedrivePolicy reads a RedrivePolicy attribute. maxReceiveCount may be a
// JSON number or a numeric string.
func ParseRedrivePolicy(s string) (RedrivePolicy, error) {
	var w redriveWire
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return RedrivePolicy{}, errors.Wrap(err, "parse redrive policy")
	}
	raw := string(w.MaxReceiveCount)
	if unq, err := strconv.Unquote(raw); err == nil {
		raw = unq
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return RedrivePolicy{}, errors.Wrapf(err, "parse redrive policy maxReceiveCount %q", string(w.MaxReceiveCount))
	}
	p := RedrivePolicy{DeadLetterTargetArn: w.DeadLetterTargetArn, MaxReceiveCount: n}
	if p.DeadLetterTargetArn == "" || p.MaxReceiveCount < 1 {
		return RedrivePolicy{}, errors.Errorf("invalid redrive policy %s", s)
	}
	return p, nil
}
