package log

import (
	"strings"

	"github.com/tacusci/logging/v2"
	"github.com/tauraamui/xerror"
)

// Func is the shape shared by every package level logger. Tests capture
// output by swapping one out and restoring it afterwards.
type Func func(format string, a ...interface{})

func through(write func(string, ...interface{}) (int, error)) Func {
	return func(format string, a ...interface{}) {
		write(format, a...) //nolint
	}
}

var (
	Debug = through(logging.Debug)
	Info  = through(logging.Info)
	Warn  = through(logging.Warn)
	Error = through(logging.Error)
)

// SetLevel switches the global logging level by name. An empty name
// leaves warn, the daemon default.
func SetLevel(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "silent":
		logging.SetLevel(logging.SilentLevel)
	case "debug":
		logging.SetLevel(logging.DebugLevel)
	case "", "warn":
		logging.SetLevel(logging.WarnLevel)
	case "info":
		logging.SetLevel(logging.InfoLevel)
	default:
		return xerror.Errorf("unknown logging level: %s", name)
	}
	return nil
}

// Scoped prefixes every message with the pipeline or stage it was created
// for. It looks the package loggers up on every call so overloads made
// later still apply.
type Scoped struct {
	prefix string
}

func Scope(name string) Scoped {
	return Scoped{prefix: "[" + name + "] "}
}

func (s Scoped) Debug(format string, a ...interface{}) { Debug(s.prefix+format, a...) }

func (s Scoped) Info(format string, a ...interface{}) { Info(s.prefix+format, a...) }

func (s Scoped) Warn(format string, a ...interface{}) { Warn(s.prefix+format, a...) }

func (s Scoped) Error(format string, a ...interface{}) { Error(s.prefix+format, a...) }
