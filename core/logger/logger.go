// Package logger declares the minimal logging sink the core consumes. The
// host supplies an implementation; producing or configuring one (files,
// syslog, a structured sink) is outside this module's scope.
package logger

import "github.com/juju/loggo"

// Logger is the four-level sink spec §6 requires collaborators to supply.
// github.com/juju/loggo.Logger already implements this shape; NewLoggo
// below adapts it so callers are not forced to depend on loggo directly.
type Logger interface {
	Errorf(format string, args ...any)
	Warningf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)
}

// NewLoggo adapts a github.com/juju/loggo.Logger, obtained the usual way
// (loggo.GetLogger(name)), to the Logger interface.
func NewLoggo(name string) Logger {
	l := loggo.GetLogger(name)
	return loggoLogger{l}
}

type loggoLogger struct {
	loggo.Logger
}
