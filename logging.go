package main

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. format "json" selects structured output,
// anything else coloured text.
func NewLogger(level, format string) *logrus.Logger {
	lg := logrus.New()
	if format == "json" {
		lg.Formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	} else {
		lg.Formatter = &logrus.TextFormatter{ForceColors: true, FullTimestamp: true}
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lg.Warnf("unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	lg.Level = lvl
	return lg
}

// InitSentry enables panic reporting when a DSN is configured
func InitSentry(dsn, env string, log logrus.FieldLogger) bool {
	if dsn == "" {
		return false
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Environment: env}); err != nil {
		log.WithError(err).Warn("sentry disabled")
		return false
	}
	return true
}

// reportPanic forwards a recovered value to sentry and logs it
func reportPanic(log logrus.FieldLogger, v any) {
	err, ok := v.(error)
	if !ok {
		err = fmt.Errorf("%v", v)
	}
	hub := sentry.CurrentHub().Clone()
	hub.Recover(err)
	hub.Flush(2 * time.Second)
	log.WithError(err).Error("recovered panic")
}
