package bus

import (
	"fmt"

	"github.com/morezero/service-gateway/pkg/commsutil"
)

// Kind is the messageType stamped on every typed send.
type Kind string

const (
	KindCommand  Kind = "COMMAND"
	KindQuery    Kind = "QUERY"
	KindEvent    Kind = "EVENT"
	KindRequest  Kind = "REQUEST"
	KindResponse Kind = "RESPONSE"
)

// Envelope field names. They share the object with the payload fields.
const (
	FieldTopic        = "topic"
	FieldMessageID    = "messageId"
	FieldMessageType  = "messageType"
	FieldCommandID    = "commandId"
	FieldQueryID      = "queryId"
	FieldEventID      = "eventId"
	FieldRouteID      = "routeId"
	FieldRequestID    = "requestId"
	FieldResponse     = "response"
	FieldResponseCode = "responseCode"
)

// idFields lists the per-kind correlation fields echoed back on a response.
var idFields = []string{FieldCommandID, FieldQueryID, FieldEventID, FieldRouteID, FieldRequestID}

var envelopeFields = append([]string{FieldTopic, FieldMessageID, FieldMessageType}, idFields...)

// Message is a decoded bus message: payload fields plus envelope fields in one object.
type Message map[string]interface{}

// Str returns a field as a string, or "" when missing or not a string.
func (m Message) Str(key string) string {
	s, _ := m[key].(string)
	return s
}

func (m Message) Topic() string     { return m.Str(FieldTopic) }
func (m Message) MessageID() string { return m.Str(FieldMessageID) }
func (m Message) Kind() Kind        { return Kind(m.Str(FieldMessageType)) }
func (m Message) CommandID() string { return m.Str(FieldCommandID) }
func (m Message) QueryID() string   { return m.Str(FieldQueryID) }
func (m Message) EventID() string   { return m.Str(FieldEventID) }
func (m Message) RouteID() string   { return m.Str(FieldRouteID) }
func (m Message) RequestID() string { return m.Str(FieldRequestID) }

// Payload returns a copy of the message without its envelope fields.
func (m Message) Payload() Message {
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, f := range envelopeFields {
		delete(out, f)
	}
	return out
}

// Decode copies the message into a typed struct through its JSON form.
func (m Message) Decode(v interface{}) error {
	data, err := commsutil.EncodePayload(m)
	if err != nil {
		return fmt.Errorf("bus:message - failed to encode message: %w", err)
	}
	if err := commsutil.DecodePayload(data, v); err != nil {
		return fmt.Errorf("bus:message - failed to decode message: %w", err)
	}
	return nil
}

// stamp converts payload to an envelope and adds the kind fields.
func stamp(payload interface{}, kind Kind, fields map[string]string) (Message, error) {
	m, err := commsutil.ToMap(payload)
	if err != nil {
		return nil, err
	}
	m[FieldMessageType] = string(kind)
	for k, v := range fields {
		m[k] = v
	}
	return Message(m), nil
}
