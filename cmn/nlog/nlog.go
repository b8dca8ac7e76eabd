// Package nlog provides the package-scoped structured logger used across
// every PMD package, mirroring the call-site shape of the teacher's
// cmn/nlog (Infof/Warningf/Errorf/Fatalf) over a real third-party backend.
/*
 * Copyright (c) 2026 The mpool-io/pmd Authors.
 */
package nlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts verbosity at runtime (config reload, debug builds).
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.Warnf("nlog: unknown level %q, keeping %s", level, log.GetLevel())
		return
	}
	log.SetLevel(lvl)
}

func Infof(format string, args ...any)    { log.Infof(format, args...) }
func Warningf(format string, args ...any) { log.Warnf(format, args...) }
func Errorf(format string, args ...any)   { log.Errorf(format, args...) }
func Fatalf(format string, args ...any)   { log.Fatalf(format, args...) }

// InfofCond logs only when cond is true — used on hot paths (append,
// lookup) where unconditional formatting would be wasteful.
func InfofCond(cond bool, format string, args ...any) {
	if cond {
		log.Infof(format, args...)
	}
}

// WithField returns a structured entry, for call sites that want to
// attach the slot/objid/MDC under consistent keys.
func WithField(key string, value any) *logrus.Entry {
	return log.WithField(key, value)
}
