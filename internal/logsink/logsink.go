// Package logsink defines the diagnostic logging surface every core
// component writes through, and adapters onto it. Log formatting and
// destination selection are the daemon's own concern, kept external to
// the components that emit diagnostics.
package logsink

import (
	"fmt"

	"go.uber.org/zap"
)

// Sink is the narrow logging surface components depend on. Each
// component requests a category-scoped Sink via For(component).
type Sink interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	For(category string) Sink
}

// Zap wraps a *zap.SugaredLogger, tagging every line with a category
// field.
type Zap struct {
	logger *zap.SugaredLogger
}

// NewZap builds a Sink from an existing zap logger.
func NewZap(logger *zap.Logger) *Zap {
	return &Zap{logger: logger.Sugar()}
}

func (z *Zap) Debugf(format string, args ...any) { z.logger.Debugf(format, args...) }
func (z *Zap) Infof(format string, args ...any)  { z.logger.Infof(format, args...) }
func (z *Zap) Warnf(format string, args ...any)  { z.logger.Warnf(format, args...) }
func (z *Zap) Errorf(format string, args ...any) { z.logger.Errorf(format, args...) }

// For returns a child Sink with category attached as a structured
// field on every line.
func (z *Zap) For(category string) Sink {
	return &Zap{logger: z.logger.With("category", category)}
}

// Entry is one recorded line, for tests that assert on logging
// behavior without standing up a real sink.
type Entry struct {
	Level    string
	Category string
	Message  string
}

// Memory is an in-process Sink that records every line instead of
// writing it anywhere, for test assertions.
type Memory struct {
	category string
	entries  *[]Entry
}

// NewMemory constructs a root Memory sink.
func NewMemory() *Memory {
	return &Memory{entries: &[]Entry{}}
}

// Entries returns every line recorded by this sink or any of its
// descendants obtained via For.
func (m *Memory) Entries() []Entry {
	return *m.entries
}

func (m *Memory) record(level, format string, args ...any) {
	*m.entries = append(*m.entries, Entry{Level: level, Category: m.category, Message: fmt.Sprintf(format, args...)})
}

func (m *Memory) Debugf(format string, args ...any) { m.record("debug", format, args...) }
func (m *Memory) Infof(format string, args ...any)  { m.record("info", format, args...) }
func (m *Memory) Warnf(format string, args ...any)  { m.record("warn", format, args...) }
func (m *Memory) Errorf(format string, args ...any) { m.record("error", format, args...) }

func (m *Memory) For(category string) Sink {
	return &Memory{category: category, entries: m.entries}
}
