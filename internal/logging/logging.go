// Package logging provides the structured-ish logging helpers used across
// the service. There is no correctness dependency on any of this: logging
// is an external collaborator, not part of the replicated register itself.
package logging

import "log"

// Logger tags every line with a component name so that interleaved output
// from many concurrent workers stays readable.
type Logger struct {
	component string
}

// New returns a Logger tagged with component.
func New(component string) *Logger {
	return &Logger{component: component}
}

// With returns a child Logger with an additional tag appended, e.g.
// logging.New("register").With("rank=2").With("sector=5").
func (l *Logger) With(tag string) *Logger {
	return &Logger{component: l.component + " " + tag}
}

func (l *Logger) Debugf(format string, args ...any) {
	log.Printf("[debug] [%s] "+format, append([]any{l.component}, args...)...)
}

func (l *Logger) Infof(format string, args ...any) {
	log.Printf("[info] [%s] "+format, append([]any{l.component}, args...)...)
}

func (l *Logger) Errorf(format string, args ...any) {
	log.Printf("[error] [%s] "+format, append([]any{l.component}, args...)...)
}
