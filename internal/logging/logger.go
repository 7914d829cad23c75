// Package logging builds the structured logger used across delayq.
//
// Records are single JSON lines with the keys id, time, level and msg.
// The id field carries a correlation id: the message id for per-message
// events, or a component name such as "amqp" for connection events.
// Error and fatal records also carry the caller under "line".
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// TimeLayout is the layout of the time field
	TimeLayout = "2006-01-02 15:04:05.000"

	// ComponentAMQP is the correlation id of broker connection events
	ComponentAMQP = "amqp"
)

// New returns a JSON logger writing to stdout at the given level
func New(level string) (*zap.Logger, error) {
	return NewWriter(os.Stdout, level)
}

// NewWriter returns a JSON logger writing to w at the given level
func NewWriter(w io.Writer, level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		lvl = parsed
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(EncoderConfig()),
		zapcore.Lock(zapcore.AddSync(w)),
		lvl,
	)

	return zap.New(&errorCallerCore{Core: core}, zap.AddCaller()), nil
}

// EncoderConfig returns the encoder configuration for delayq records
func EncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		MessageKey:     "msg",
		CallerKey:      "line",
		NameKey:        zapcore.OmitKey,
		StacktraceKey:  zapcore.OmitKey,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(TimeLayout),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// WithID returns a child logger whose records carry the correlation id
func WithID(logger *zap.Logger, id string) *zap.Logger {
	return logger.With(zap.String("id", id))
}

// errorCallerCore drops the caller from records below error level
type errorCallerCore struct {
	zapcore.Core
}

func (c *errorCallerCore) With(fields []zapcore.Field) zapcore.Core {
	return &errorCallerCore{Core: c.Core.With(fields)}
}

func (c *errorCallerCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *errorCallerCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if ent.Level < zapcore.ErrorLevel {
		ent.Caller = zapcore.EntryCaller{}
	}
	return c.Core.Write(ent, fields)
}
