package commsutil

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidTopic is returned for topic names that cannot be used as a single
// subject token.
var ErrInvalidTopic = errors.New("invalid topic")

// Well-known bus topics.
const (
	TopicServiceRegistry = "service-registry"
	TopicSystemLogs      = "system-logs"
)

// Registry lifecycle identifiers carried in eventId / queryId.
const (
	EventServiceOnline  = "SERVICE_ONLINE"
	EventServiceOffline = "SERVICE_OFFLINE"
	QueryServiceList    = "SERVICE_LIST"
	EventLogAdd         = "ADD"
)

// DefaultSubjectPrefix namespaces bus topics inside the JetStream stream.
const DefaultSubjectPrefix = "bus"

// ValidateTopic rejects empty names and names containing the subject
// separator, wildcards or whitespace. Those would build a subject that is
// invalid or that matches other topics.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTopic)
	}
	for _, r := range topic {
		if r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidTopic, topic, r)
		}
	}
	return nil
}

// BuildTopicSubject maps a bus topic to its COMMS subject.
func BuildTopicSubject(prefix, topic string) string {
	return fmt.Sprintf("%s.%s", prefix, topic)
}

// TopicFromSubject strips the prefix from a subject built by BuildTopicSubject.
func TopicFromSubject(prefix, subject string) string {
	return strings.TrimPrefix(subject, prefix+".")
}

// StreamSubjects returns the subject filter covering every topic under prefix.
func StreamSubjects(prefix string) []string {
	return []string{prefix + ".>"}
}
