package logging

import (
	"errors"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewOperationErrorNilPassthrough(t *testing.T) {
	if err := NewOperationError("op", "s-1", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorUnwrapsAndFormats(t *testing.T) {
	base := errors.New("boom")
	err := NewOperationError("upload.http", "s-1", base)
	if !errors.Is(err, base) {
		t.Fatal("expected wrapped error to match base")
	}
	if got, want := err.Error(), "upload.http (session_id=s-1): boom"; got != want {
		t.Fatalf("unexpected message %q, want %q", got, want)
	}

	plain := NewOperationError("cache.get", "", base)
	if got, want := plain.Error(), "cache.get: boom"; got != want {
		t.Fatalf("unexpected message %q, want %q", got, want)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	logger, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be enabled")
	}

	fallback, err := NewLogger("chatty")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fallback.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected unknown level to fall back to info")
	}
}
