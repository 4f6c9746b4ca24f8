// Package report streams the progress of nested actions to the process
// logger and to live subscribers.
package report

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Level is the severity of a progress message
type Level string

const (
	LevelDebug   Level = "DEBUG"
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Message is a single progress entry
type Message struct {
	Level     Level     `json:"level"`
	Text      string    `json:"text"`
	Data      any       `json:"json,omitempty"`
	ContextID []string  `json:"contextId"`
	Action    string    `json:"action,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher receives every message emitted by a Reporter
type Publisher interface {
	Publish(msg Message)
}

// Reporter emits messages for one action. Child actions are created with
// Start and share the parent's context path as a prefix.
//
// All methods are safe on a nil *Reporter and do nothing.
type Reporter struct {
	logger    *zap.Logger
	publisher Publisher
	action    string
	path      []string
	started   time.Time
}

// New creates a root reporter
func New(logger *zap.Logger, publisher Publisher) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		logger:    logger,
		publisher: publisher,
		path:      []string{uuid.NewString()},
		started:   time.Now(),
	}
}

// Start opens a child action and emits its "started" message
func (r *Reporter) Start(action string, data any) *Reporter {
	if r == nil {
		return nil
	}
	child := &Reporter{
		logger:    r.logger.With(zap.String("action", action)),
		publisher: r.publisher,
		action:    action,
		path:      append(slices.Clone(r.path), uuid.NewString()),
		started:   time.Now(),
	}
	child.Info(action+" started", data)
	return child
}

// End closes the action: done when err is nil, aborted otherwise
func (r *Reporter) End(err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.emit(LevelError, fmt.Sprintf("Exception during %s: %v", r.action, err), map[string]string{"error": err.Error()})
		return
	}
	r.emit(LevelInfo, r.action+" done", map[string]string{"elapsed": time.Since(r.started).Round(time.Millisecond).String()})
}

// Action returns the name of the action, empty for a root reporter
func (r *Reporter) Action() string {
	if r == nil {
		return ""
	}
	return r.action
}

// ContextID returns the uuid path of the action
func (r *Reporter) ContextID() []string {
	if r == nil {
		return nil
	}
	return slices.Clone(r.path)
}

func (r *Reporter) Debug(text string, data any)   { r.emit(LevelDebug, text, data) }
func (r *Reporter) Info(text string, data any)    { r.emit(LevelInfo, text, data) }
func (r *Reporter) Warning(text string, data any) { r.emit(LevelWarning, text, data) }
func (r *Reporter) Error(text string, data any)   { r.emit(LevelError, text, data) }

func (r *Reporter) emit(level Level, text string, data any) {
	if r == nil {
		return
	}

	fields := []zap.Field{zap.Strings("contextId", r.path)}
	if data != nil {
		fields = append(fields, zap.Any("data", data))
	}
	switch level {
	case LevelDebug:
		r.logger.Debug(text, fields...)
	case LevelWarning:
		r.logger.Warn(text, fields...)
	case LevelError:
		r.logger.Error(text, fields...)
	default:
		r.logger.Info(text, fields...)
	}

	if r.publisher == nil {
		return
	}
	r.publisher.Publish(Message{
		Level:     level,
		Text:      text,
		Data:      data,
		ContextID: slices.Clone(r.path),
		Action:    r.action,
		Timestamp: time.Now(),
	})
}

// Recorder is a Publisher keeping every message in memory
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Publish stores the message
func (rec *Recorder) Publish(msg Message) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.messages = append(rec.messages, msg)
}

// Messages returns a copy of the recorded messages
func (rec *Recorder) Messages() []Message {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return slices.Clone(rec.messages)
}

// Texts returns the text of every recorded message
func (rec *Recorder) Texts() []string {
	msgs := rec.Messages()
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Text
	}
	return texts
}
