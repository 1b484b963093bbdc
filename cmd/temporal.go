package main

import (
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// temporalLogger routes SDK logs into zap.
type temporalLogger struct {
	l *zap.Logger
}

var _ log.Logger = temporalLogger{}

func (t temporalLogger) Debug(msg string, keyvals ...interface{}) {
	t.l.Sugar().Debugw(msg, keyvals...)
}

func (t temporalLogger) Info(msg string, keyvals ...interface{}) {
	t.l.Sugar().Infow(msg, keyvals...)
}

func (t temporalLogger) Warn(msg string, keyvals ...interface{}) {
	t.l.Sugar().Warnw(msg, keyvals...)
}

func (t temporalLogger) Error(msg string, keyvals ...interface{}) {
	t.l.Sugar().Errorw(msg, keyvals...)
}
