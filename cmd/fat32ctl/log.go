package main

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var defaultLogFormatter = &log.TextFormatter{}

// infoFormatter prints Info events as bare messages and everything else in the
// default text format.
type infoFormatter struct{}

func (f *infoFormatter) Format(entry *log.Entry) ([]byte, error) {
	if entry.Level == log.InfoLevel {
		return append([]byte(entry.Message), '\n'), nil
	}
	return defaultLogFormatter.Format(entry)
}

func setupLogging(quiet, verbose bool) error {
	if quiet && verbose {
		return errors.New("can't set quiet and verbose flag at the same time")
	}
	log.SetFormatter(new(infoFormatter))
	log.SetLevel(log.InfoLevel)
	if quiet {
		log.SetLevel(log.WarnLevel)
	}
	if verbose {
		log.SetFormatter(defaultLogFormatter)
		log.SetLevel(log.DebugLevel)
	}
	return nil
}

// logrusHandler is a slog.Handler that forwards driver records to logrus.
type logrusHandler struct {
	logger *log.Logger
	attrs  []slog.Attr
	prefix string
}

func newSlogger(l *log.Logger) *slog.Logger {
	return slog.New(&logrusHandler{logger: l})
}

func toLogrus(level slog.Level) log.Level {
	switch {
	case level >= slog.LevelError:
		return log.ErrorLevel
	case level >= slog.LevelWarn:
		return log.WarnLevel
	case level >= slog.LevelInfo:
		return log.InfoLevel
	}
	return log.DebugLevel
}

func (h *logrusHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.IsLevelEnabled(toLogrus(level))
}

func (h *logrusHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(log.Fields, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[h.prefix+a.Key] = a.Value.Any()
		return true
	})
	h.logger.WithFields(fields).Log(toLogrus(r.Level), r.Message)
	return nil
}

func (h *logrusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *logrusHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.prefix = h.prefix + name + "."
	return &nh
}
