// Package logging builds the zap logger used by vaultd.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing to stdout. Production mode encodes JSON,
// development mode a console format. Entries below error level are written
// without caller; error and above carry the caller and a stack trace.
func New(production bool) *zap.Logger {
	var base zap.Config
	if production {
		base = zap.NewProductionConfig()
	} else {
		base = zap.NewDevelopmentConfig()
	}

	enc := base.EncoderConfig
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.EncodeCaller = zapcore.ShortCallerEncoder

	encNoCaller := enc
	encNoCaller.CallerKey = ""

	encWithCaller := enc
	encWithCaller.CallerKey = "caller"

	newEncoder := zapcore.NewConsoleEncoder
	if production {
		newEncoder = zapcore.NewJSONEncoder
	}

	minLevel := zapcore.DebugLevel
	if production {
		minLevel = zapcore.InfoLevel
	}

	ws := zapcore.Lock(zapcore.AddSync(os.Stdout))

	below := zapcore.NewCore(newEncoder(encNoCaller), ws,
		zap.LevelEnablerFunc(func(lvl zapcore.Level) bool { return lvl >= minLevel && lvl < zapcore.ErrorLevel }),
	)
	above := zapcore.NewCore(newEncoder(encWithCaller), ws,
		zap.LevelEnablerFunc(func(lvl zapcore.Level) bool { return lvl >= zapcore.ErrorLevel }),
	)

	return zap.New(
		zapcore.NewTee(below, above),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
}
