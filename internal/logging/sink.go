package logging

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	// SystemLogsTopic receives forwarded log entries.
	SystemLogsTopic = "system-logs"
	systemLogsEvent = "ADD"

	defaultSinkBuffer = 256
	sendTimeout       = 5 * time.Second
)

// EventSender publishes bus events. *bus.Client implements it.
type EventSender interface {
	SendEvent(ctx context.Context, channel, eventID string, payload interface{}) bool
}

// SystemLog is the payload of a forwarded entry.
type SystemLog struct {
	InstanceID string `json:"instanceId"`
	ServiceID  string `json:"serviceId"`
	Title      string `json:"title"`
	Category   string `json:"category"`
	Message    string `json:"message"`
	Level      string `json:"level"`
}

// SinkOptions configures NewBusSink.
type SinkOptions struct {
	ServiceID  string
	InstanceID string
	// Level is the minimum forwarded level. Info when zero.
	Level zapcore.Level
	// Buffer bounds queued entries. Entries beyond it are dropped.
	Buffer int
	// SkipCallers lists function name fragments whose entries are never
	// forwarded. The bus package is always skipped.
	SkipCallers []string
}

// BusSink forwards log entries to the system-logs topic from one goroutine.
type BusSink struct {
	sender  EventSender
	opts    SinkOptions
	entries chan SystemLog
	done    chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	mu        sync.Mutex
	started   bool
	dropped   int64
}

// NewBusSink creates a sink. Call Start to begin forwarding.
func NewBusSink(sender EventSender, opts SinkOptions) *BusSink {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultSinkBuffer
	}
	if opts.Level < zapcore.InfoLevel {
		opts.Level = zapcore.InfoLevel
	}
	opts.SkipCallers = append(opts.SkipCallers, "service-gateway/pkg/bus.", "service-gateway/internal/logging.")
	return &BusSink{
		sender:  sender,
		opts:    opts,
		entries: make(chan SystemLog, opts.Buffer),
		done:    make(chan struct{}),
	}
}

// Start forwards queued entries until Close.
func (s *BusSink) Start() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		entries := s.entries
		s.started = entries != nil
		s.mu.Unlock()
		if entries == nil {
			return
		}
		go func() {
			defer close(s.done)
			for entry := range entries {
				ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
				s.sender.SendEvent(ctx, SystemLogsTopic, systemLogsEvent, entry)
				cancel()
			}
		}()
	})
}

// Close stops accepting entries and waits for the queue to drain.
func (s *BusSink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.entries)
		s.entries = nil
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.done
		}
	})
}

// Dropped returns how many entries were discarded because the queue was full.
func (s *BusSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Core returns the zapcore.Core feeding the sink.
func (s *BusSink) Core() zapcore.Core {
	return &sinkCore{sink: s}
}

func (s *BusSink) enqueue(entry SystemLog) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		return false
	}
	select {
	case s.entries <- entry:
		return true
	default:
		s.dropped++
		return false
	}
}

func (s *BusSink) skipped(ent zapcore.Entry) bool {
	for _, fragment := range s.opts.SkipCallers {
		if fragment != "" && strings.Contains(ent.Caller.Function, fragment) {
			return true
		}
	}
	return false
}

func (s *BusSink) toSystemLog(ent zapcore.Entry) SystemLog {
	title, message, ok := strings.Cut(ent.Message, " - ")
	if !ok {
		title, message = "", ent.Message
	}
	category, _, _ := strings.Cut(title, ":")
	return SystemLog{
		InstanceID: s.opts.InstanceID,
		ServiceID:  s.opts.ServiceID,
		Title:      title,
		Category:   category,
		Message:    message,
		Level:      ent.Level.String(),
	}
}

// sinkCore adapts BusSink to zapcore. Structured fields are not forwarded.
type sinkCore struct {
	sink *BusSink
}

func (c *sinkCore) Enabled(level zapcore.Level) bool { return level >= c.sink.opts.Level }

func (c *sinkCore) With([]zapcore.Field) zapcore.Core { return c }

func (c *sinkCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *sinkCore) Write(ent zapcore.Entry, _ []zapcore.Field) error {
	if c.sink.skipped(ent) {
		return nil
	}
	c.sink.enqueue(c.sink.toSystemLog(ent))
	return nil
}

func (c *sinkCore) Sync() error { return nil }
