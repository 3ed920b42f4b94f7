package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestConstructors(t *testing.T) {
	assert.IsType(t, &ZapLogger{}, NewDevLogger())
	assert.IsType(t, &ZapLogger{}, NewProdLogger())
	assert.IsType(t, &ZapLogger{}, NewLogger(true, "debug"))
	assert.IsType(t, &ZapLogger{}, NewLogger(false, "not-a-level"))
}

func TestZapLoggerLevels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l Logger)
		level zapcore.Level
		msg   string
		field *zap.Field
	}{
		{"Debug", func(l Logger) { l.Debug("debug message") }, zap.DebugLevel, "debug message", nil},
		{"Debugw", func(l Logger) { l.Debugw("debug message", "key", "value") }, zap.DebugLevel, "debug message", fieldPtr(zap.String("key", "value"))},
		{"Debugf", func(l Logger) { l.Debugf("debug: %s %d", "test", 42) }, zap.DebugLevel, "debug: test 42", nil},
		{"Info", func(l Logger) { l.Info("info message") }, zap.InfoLevel, "info message", nil},
		{"Infow", func(l Logger) { l.Infow("info message", "openid", "o-1") }, zap.InfoLevel, "info message", fieldPtr(zap.String("openid", "o-1"))},
		{"Infof", func(l Logger) { l.Infof("removed %d", 3) }, zap.InfoLevel, "removed 3", nil},
		{"Warn", func(l Logger) { l.Warn("warn message") }, zap.WarnLevel, "warn message", nil},
		{"Warnw", func(l Logger) { l.Warnw("warn message", "key", "value") }, zap.WarnLevel, "warn message", fieldPtr(zap.String("key", "value"))},
		{"Warnf", func(l Logger) { l.Warnf("warn: %s", "x") }, zap.WarnLevel, "warn: x", nil},
		{"Error", func(l Logger) { l.Error("error message") }, zap.ErrorLevel, "error message", nil},
		{"Errorw", func(l Logger) { l.Errorw("error message", "key", "value") }, zap.ErrorLevel, "error message", fieldPtr(zap.String("key", "value"))},
		{"Errorf", func(l Logger) { l.Errorf("error: %v", "y") }, zap.ErrorLevel, "error: y", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, obs := observer.New(zap.DebugLevel)
			tt.log(NewZapLogger(zap.New(core)))

			require.Equal(t, 1, obs.Len())
			entry := obs.All()[0]
			assert.Equal(t, tt.msg, entry.Message)
			assert.Equal(t, tt.level, entry.Level)
			if tt.field != nil {
				assert.Contains(t, entry.Context, *tt.field)
			}
		})
	}
}

func TestZapLoggerNamed(t *testing.T) {
	core, obs := observer.New(zap.InfoLevel)
	logger := NewZapLogger(zap.New(core)).Named("wechat")

	logger.Info("named message")
	require.Equal(t, 1, obs.Len())
	assert.Equal(t, "wechat", obs.All()[0].LoggerName)
}

func TestZapLoggerWith(t *testing.T) {
	core, obs := observer.New(zap.InfoLevel)
	logger := NewZapLogger(zap.New(core)).With("account", "acct-1")

	logger.Info("with message")
	require.Equal(t, 1, obs.Len())
	assert.Contains(t, obs.All()[0].Context, zap.String("account", "acct-1"))
}

func fieldPtr(f zap.Field) *zap.Field {
	return &f
}
