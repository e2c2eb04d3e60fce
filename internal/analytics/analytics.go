// Package analytics defines the Sink the Lifecycle Controller
// emits subjob lifecycle events to; analytics sinks are thin I/O glue,
// so the default here just logs structurally.
package analytics

import "go.uber.org/zap"

// Event names emitted around subjob execution.
const (
	EventSubjobExecutionStart  = "SUBJOB_EXECUTION_START"
	EventSubjobExecutionFinish = "SUBJOB_EXECUTION_FINISH"
)

// Sink receives named analytics events with arbitrary structured fields.
type Sink interface {
	Emit(event string, fields map[string]interface{})
}

// loggingSink emits events as structured log lines.
type loggingSink struct {
	logger *zap.Logger
}

// NewLoggingSink returns the default Sink, which logs every event.
func NewLoggingSink(logger *zap.Logger) Sink {
	return &loggingSink{logger: logger}
}

func (s *loggingSink) Emit(event string, fields map[string]interface{}) {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	s.logger.Info(event, zapFields...)
}
