package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite:" + filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStartFinish(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, err := s.Start(ctx, OperationInstall, "infra/redis", "/conf/a.star")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusStarted || rec.FinishedAt != nil {
		t.Errorf("unexpected record %+v", rec)
	}

	if err := s.Finish(ctx, id, StatusFailed, "helm command failed"); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	rec, _ = s.Get(ctx, id)
	if rec.Status != StatusFailed || rec.Message != "helm command failed" || rec.FinishedAt == nil {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestFinishUnknown(t *testing.T) {
	s := openStore(t)
	if err := s.Finish(context.Background(), "nope", StatusSuccess, ""); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		now = now.Add(time.Minute)
		return now
	}

	entries := []struct{ op, target string }{
		{OperationSwitch, "/conf/a.star"},
		{OperationInstall, "infra/redis"},
		{OperationUpgrade, "infra/redis"},
		{OperationInstall, "infra/minio"},
	}
	for _, e := range entries {
		if _, err := s.Start(ctx, e.op, e.target, "/conf/a.star"); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name     string
		filter   Filter
		expected []string
	}{
		{"all", Filter{}, []string{"infra/minio", "infra/redis", "infra/redis", "/conf/a.star"}},
		{"by operation", Filter{Operation: OperationInstall}, []string{"infra/minio", "infra/redis"}},
		{"by target", Filter{Target: "infra/redis"}, []string{"infra/redis", "infra/redis"}},
		{"limit", Filter{Limit: 1}, []string{"infra/minio"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := s.List(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != len(tt.expected) {
				t.Fatalf("expected %d records, got %d", len(tt.expected), len(recs))
			}
			for i, rec := range recs {
				if rec.Target != tt.expected[i] {
					t.Errorf("record %d: expected %s, got %s", i, tt.expected[i], rec.Target)
				}
			}
		})
	}
}

func TestOpenUnsupportedScheme(t *testing.T) {
	if _, err := Open("postgres://localhost/db"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}
