package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// OperationError records the step that failed, the request it served and the
// thing it was working on: an artifact path, a URL or an image source.
type OperationError struct {
	Op        string
	RequestID string
	Target    string
	Err       error
}

// Wrap returns nil for a nil err.
func Wrap(op, requestID, target string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Op: op, RequestID: requestID, Target: target, Err: err}
}

// Error reads "op target [request]: cause", omitting empty parts.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Target != "" {
		b.WriteString(" ")
		b.WriteString(e.Target)
	}
	if e.RequestID != "" {
		b.WriteString(" [")
		b.WriteString(e.RequestID)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// MarshalLogObject lets the error be logged as structured fields with
// zap.Object.
func (e *OperationError) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("operation", e.Op)
	if e.Target != "" {
		enc.AddString("target", e.Target)
	}
	if e.RequestID != "" {
		enc.AddString("request_id", e.RequestID)
	}
	if e.Err != nil {
		enc.AddString("cause", e.Err.Error())
	}
	return nil
}
