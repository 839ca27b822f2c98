package logging

import (
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// Logger is the collaborator interface the core consumes. Implementations
// wrap whatever structured logger the host process uses.
type Logger interface {
	Info(msg string, metadata Fields)
	Warn(msg string, metadata Fields)
	Error(msg string, metadata Fields)
}

// zapLogger adapts a zap-backed logr.Logger to the Fields-based Logger
// interface, matching the teacher's go.uber.org/zap + go-logr/zapr stack.
type zapLogger struct {
	base zapr.Logger
}

// NewZapLogger builds a production zap logger (JSON encoding, epoch-seconds
// timestamps) and wraps it as a Logger.
func NewZapLogger() (Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &zapLogger{base: zapr.NewLogger(z)}, nil
}

// NewZapLoggerFrom wraps an already-configured *zap.Logger.
func NewZapLoggerFrom(z *zap.Logger) Logger {
	return &zapLogger{base: zapr.NewLogger(z)}
}

func (l *zapLogger) Info(msg string, metadata Fields) {
	l.base.Info(msg, flatten(metadata)...)
}

func (l *zapLogger) Warn(msg string, metadata Fields) {
	// logr has no Warn; instead of V(1), the conventional stand-in, this
	// logs at the default verbosity with a level=warn field so warnings
	// are never silently dropped.
	l.base.Info(msg, append(flatten(metadata), "level", "warn")...)
}

func (l *zapLogger) Error(msg string, metadata Fields) {
	var err error
	if e, ok := metadata["error"]; ok {
		if asErr, ok := e.(error); ok {
			err = asErr
		}
	}
	l.base.Error(err, msg, flatten(metadata)...)
}

func flatten(f Fields) []interface{} {
	out := make([]interface{}, 0, len(f)*2)
	for k, v := range f {
		out = append(out, k, v)
	}
	return out
}
