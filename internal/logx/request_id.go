package logx

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	sandboxIDKey
)

// ValidRequestID accepts any UUID or ULID. Background jobs use ULIDs so their
// ids sort by start time.
func ValidRequestID(value string) bool {
	if _, err := uuid.Parse(value); err == nil {
		return true
	}
	_, err := ulid.ParseStrict(value)
	return err == nil
}

// NormalizeRequestID keeps a caller-supplied id when valid and mints a v4 UUID otherwise.
func NormalizeRequestID(value string) string {
	if ValidRequestID(value) {
		return value
	}
	return uuid.NewString()
}

// NewJobID returns a ULID for work not started by a request.
func NewJobID() string {
	return ulid.Make().String()
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	requestID, _ := ctx.Value(requestIDKey).(string)
	return requestID
}

// WithSandboxID tags ctx with the sandbox a request acts on.
func WithSandboxID(ctx context.Context, sandboxID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sandboxIDKey, sandboxID)
}

func SandboxIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	sandboxID, _ := ctx.Value(sandboxIDKey).(string)
	return sandboxID
}

// LoggerWithRequestID returns the default logger carrying the request and
// sandbox ids found in ctx.
func LoggerWithRequestID(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		logger = logger.With("request_id", requestID)
	}
	if sandboxID := SandboxIDFromContext(ctx); sandboxID != "" {
		logger = logger.With("sandbox_id", sandboxID)
	}
	return logger
}
