// Package xlog provides the per-package named loggers used throughout
// alphastream, backed by github.com/op/go-logging. The library never calls
// logging.SetBackend itself; callers wire up formatting/level filtering the
// way any op/go-logging consumer does.
package xlog

import "github.com/op/go-logging"

// Get returns the named logger for a package, e.g. xlog.Get("scheduler")
// yields a logger reporting as "alphastream/scheduler".
func Get(component string) *logging.Logger {
	return logging.MustGetLogger("alphastream/" + component)
}
