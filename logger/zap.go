// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package logger

import (
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// zapLogger adapts a *zap.Logger to Logger. Prefixes become a "component"
// field instead of being glued onto the message.
type zapLogger struct {
	z      *zap.SugaredLogger
	prefix string
}

// NewZapLogger returns a Logger writing through z.
func NewZapLogger(z *zap.Logger) Logger {
	return &zapLogger{z: z.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *zapLogger) Printf(format string, v ...interface{}) { l.z.Infof(format, v...) }
func (l *zapLogger) Debugf(format string, v ...interface{}) { l.z.Debugf(format, v...) }
func (l *zapLogger) Infof(format string, v ...interface{})  { l.z.Infof(format, v...) }
func (l *zapLogger) Warnf(format string, v ...interface{})  { l.z.Warnf(format, v...) }
func (l *zapLogger) Errorf(format string, v ...interface{}) { l.z.Errorf(format, v...) }

// Panicf logs at DPanic so production loggers don't take the process down.
func (l *zapLogger) Panicf(format string, v ...interface{}) { l.z.DPanicf(format, v...) }

func (l *zapLogger) WithPrefix(prefix string) Logger {
	p := l.prefix + prefix
	return &zapLogger{
		z:      l.z.Desugar().With(zap.String("component", strings.TrimSpace(p))).Sugar(),
		prefix: p,
	}
}

// NewJSONLogger builds a zap-backed Logger writing JSON lines to w.
func NewJSONLogger(w io.Writer, verbose bool) Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(w), level)
	return NewZapLogger(zap.New(core, zap.AddCaller()))
}

// NewRotatingWriter returns a writer appending to path which rotates the
// file once it grows past maxSizeMB.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		LocalTime:  false,
		Compress:   true,
	}
}
