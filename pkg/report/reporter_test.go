package report

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestReporterNestedActions(t *testing.T) {
	rec := &Recorder{}
	root := New(zap.NewNop(), rec)

	child := root.Start("install redis", nil)
	child.Info("running helm", map[string]string{"chart": "redis"})
	child.End(nil)

	msgs := rec.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}

	if msgs[0].Text != "install redis started" {
		t.Errorf("unexpected first message: %s", msgs[0].Text)
	}
	if msgs[2].Text != "install redis done" {
		t.Errorf("unexpected last message: %s", msgs[2].Text)
	}

	if len(msgs[1].ContextID) != 2 {
		t.Errorf("expected context path of length 2, got %v", msgs[1].ContextID)
	}
	if msgs[1].ContextID[0] != root.ContextID()[0] {
		t.Error("child context must share the root prefix")
	}
	if msgs[1].Action != "install redis" {
		t.Errorf("expected action to be set, got %q", msgs[1].Action)
	}
}

func TestReporterAbort(t *testing.T) {
	rec := &Recorder{}
	r := New(zap.NewNop(), rec).Start("upgrade", nil)
	r.End(errors.New("helm exited with 1"))

	msgs := rec.Messages()
	last := msgs[len(msgs)-1]
	if last.Level != LevelError {
		t.Errorf("expected error level, got %s", last.Level)
	}
	if !strings.Contains(last.Text, "helm exited with 1") {
		t.Errorf("expected cause in message, got %s", last.Text)
	}
}

func TestNilReporter(t *testing.T) {
	var r *Reporter
	r.Info("ignored", nil)
	if child := r.Start("x", nil); child != nil {
		t.Error("expected nil child from nil reporter")
	}
	r.End(nil)
	if r.ContextID() != nil {
		t.Error("expected nil context id")
	}
}
