package commsutil

import (
	"errors"
	"testing"
)

func TestBuildTopicSubject(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		topic  string
		want   string
	}{
		{"registry", "bus", TopicServiceRegistry, "bus.service-registry"},
		{"custom prefix", "st", "exchange-service", "st.exchange-service"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildTopicSubject(tt.prefix, tt.topic)
			if got != tt.want {
				t.Errorf("BuildTopicSubject(%q, %q) = %q, want %q", tt.prefix, tt.topic, got, tt.want)
			}
			if back := TopicFromSubject(tt.prefix, got); back != tt.topic {
				t.Errorf("TopicFromSubject(%q, %q) = %q, want %q", tt.prefix, got, back, tt.topic)
			}
		})
	}
}

func TestStreamSubjects(t *testing.T) {
	got := StreamSubjects("bus")
	if len(got) != 1 || got[0] != "bus.>" {
		t.Errorf("StreamSubjects(bus) = %v, want [bus.>]", got)
	}
}

func TestValidateTopic(t *testing.T) {
	for _, topic := range []string{TopicServiceRegistry, "exchange-service", "bot_service", "Svc2"} {
		if err := ValidateTopic(topic); err != nil {
			t.Errorf("ValidateTopic(%q) = %v, want nil", topic, err)
		}
	}
	for _, topic := range []string{"", "exchange.service", "orders.*", "orders>", "*", "my topic", "tab\there", "line\n"} {
		err := ValidateTopic(topic)
		if !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("ValidateTopic(%q) = %v, want ErrInvalidTopic", topic, err)
		}
	}
}
