package logging

import (
	"errors"
	"io"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWrapNil(t *testing.T) {
	if err := Wrap("model.run", "", "", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorMessage(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"full", Wrap("imageload.fetch", "req-1", "http://example.com/cat.png", io.ErrUnexpectedEOF), "imageload.fetch http://example.com/cat.png [req-1]: unexpected EOF"},
		{"no target", Wrap("page.classify", "req-2", "", errors.New("boom")), "page.classify [req-2]: boom"},
		{"bare", Wrap("model.load", "", "", errors.New("boom")), "model.load: boom"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestOperationErrorUnwrap(t *testing.T) {
	err := Wrap("model.download_artifact", "", "models/config.json", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("expected errors.Is to reach the wrapped error")
	}
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Target != "models/config.json" {
		t.Fatalf("expected OperationError with target, got %T %v", err, err)
	}
}

func TestOperationErrorLogsFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	opErr := &OperationError{Op: "page.classify", RequestID: "req-3", Target: "upload", Err: errors.New("session run failed")}

	zap.New(core).Error("classification failed", zap.Object("failure", opErr))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	failure, ok := entries[0].ContextMap()["failure"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected failure object, got %#v", entries[0].ContextMap()["failure"])
	}
	if failure["operation"] != "page.classify" || failure["target"] != "upload" || failure["request_id"] != "req-3" || failure["cause"] != "session run failed" {
		t.Fatalf("unexpected fields: %v", failure)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewLoggerAcceptsLevels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		logger, err := NewLogger(level)
		if err != nil {
			t.Fatalf("level %q: unexpected error: %v", level, err)
		}
		_ = logger.Sync()
	}
}
