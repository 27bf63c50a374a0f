package mlog

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level, See also zapcore.ParseLevel.
	Level string `yaml:"level"`

	// File that logger will be writen into.
	// Default is stderr.
	File string `yaml:"file"`

	// Production enables json output.
	Production bool `yaml:"production"`
}

var (
	stderr = zapcore.Lock(os.Stderr)

	l = new(atomic.Pointer[zap.Logger])
	s = new(atomic.Pointer[zap.SugaredLogger])
)

func init() {
	lg := zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), stderr, zap.InfoLevel))
	SetLogger(lg)
}

func NewLogger(lc *LogConfig) (*zap.Logger, error) {
	lvl, err := parseLevel(lc.Level)
	if err != nil {
		return nil, err
	}

	out := stderr
	if len(lc.File) > 0 {
		f, _, err := zap.Open(lc.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s, %w", lc.File, err)
		}
		out = zapcore.Lock(f)
	}

	if lc.Production {
		return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), out, lvl)), nil
	}
	return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), out, lvl)), nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if len(s) == 0 {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q, %w", s, err)
	}
	return lvl, nil
}

// L is a global logger. It is only used by the command line bootstrap
// before the configured logger exists.
func L() *zap.Logger {
	return l.Load()
}

// S is the sugared form of L.
func S() *zap.SugaredLogger {
	return s.Load()
}

// SetLogger replaces the global logger.
func SetLogger(lg *zap.Logger) {
	l.Store(lg)
	s.Store(lg.Sugar())
}
