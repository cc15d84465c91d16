package contracts

import (
	"encoding/json"
	"time"
)

// Reply is a message received on a reply destination
type Reply struct {
	// Destination the reply arrived on.
	Destination string
	// CorrelationID is the token the reply was matched by, if any.
	CorrelationID string
	MessageID     string
	Headers       map[string]string
	Body          Envelope
	Raw           json.RawMessage
	ReceivedAt    time.Time
}

// ParseReply decodes a delivery body into a Reply. The transport-level
// correlation id wins over any token found in the body.
func ParseReply(destination string, body []byte, headers map[string]string, correlationID string) (*Reply, error) {
	env, err := ParseEnvelope(body)
	if err != nil {
		return nil, err
	}

	if correlationID == "" {
		correlationID = env.CorrelationToken()
	}

	raw := make(json.RawMessage, len(body))
	copy(raw, body)

	return &Reply{
		Destination:   destination,
		CorrelationID: correlationID,
		MessageID:     headers["message-id"],
		Headers:       headers,
		Body:          env,
		Raw:           raw,
		ReceivedAt:    time.Now(),
	}, nil
}

// Decode unmarshals the raw reply body into v
func (r *Reply) Decode(v any) error {
	return json.Unmarshal(r.Raw, v)
}

// Has reports whether the reply body carries the given field
func (r *Reply) Has(field string) bool {
	_, ok := r.Body[field]
	return ok
}

// Field returns a body field, or nil when absent
func (r *Reply) Field(field string) any {
	return r.Body[field]
}
