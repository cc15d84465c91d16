package contracts

import (
	"bytes"
	"encoding/json"
	"time"
)

const (
	// FieldTimestamp is the envelope field holding the creation time.
	FieldTimestamp = "timestamp"
	// FieldRequestID carries the correlation token on outbound requests.
	FieldRequestID = "requestId"
)

// TimestampLayout is RFC 3339 with millisecond precision, always in UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// correlationFields are the body fields that may carry a reply's token,
// in lookup order.
var correlationFields = []string{"requestId", "correlationId", "correlation_id"}

// Envelope is the JSON object sent to a back-end service
type Envelope map[string]any

// NewEnvelope creates an envelope stamped with the current time
func NewEnvelope() Envelope {
	e := Envelope{}
	e.Stamp(time.Now())
	return e
}

// FormatTimestamp renders t the way envelopes carry it
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Clone returns a shallow copy. Nested values are shared.
func (e Envelope) Clone() Envelope {
	out := make(Envelope, len(e)+2)
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Stamp sets the timestamp field unless one is already present
func (e Envelope) Stamp(now time.Time) {
	if ts, ok := e[FieldTimestamp].(string); ok && ts != "" {
		return
	}
	e[FieldTimestamp] = FormatTimestamp(now)
}

// Timestamp returns the timestamp field, or "" when absent
func (e Envelope) Timestamp() string {
	return e.String(FieldTimestamp)
}

// RequestID returns the requestId field, or "" when absent
func (e Envelope) RequestID() string {
	return e.String(FieldRequestID)
}

// String returns the field as a string. Numbers are rendered in their JSON
// form; other types yield "".
func (e Envelope) String(key string) string {
	switch v := e[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// CorrelationToken looks for a correlation token in the body fields a
// back-end may echo it in.
func (e Envelope) CorrelationToken() string {
	for _, field := range correlationFields {
		if token := e.String(field); token != "" {
			return token
		}
	}
	return ""
}

// Marshal encodes the envelope as JSON
func (e Envelope) Marshal() ([]byte, error) {
	if e == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(e))
}

// ParseEnvelope decodes a JSON object. Numbers are kept as json.Number so
// large identifiers survive a round trip through the gateway.
func ParseEnvelope(body []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &MalformedError{Reason: "empty body"}
	}
	if trimmed[0] != '{' {
		return nil, &MalformedError{Reason: "body is not a JSON object", Body: truncate(trimmed)}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, &MalformedError{Reason: "invalid JSON", Body: truncate(trimmed), Err: err}
	}
	if dec.More() {
		return nil, &MalformedError{Reason: "trailing data after JSON object", Body: truncate(trimmed)}
	}
	return env, nil
}
