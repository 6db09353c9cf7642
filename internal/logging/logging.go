// Package logging provides a thin per-component wrapper around the
// standard log package, matching the teacher's own logging style
// (bare log.Printf/log.Println throughout verification.go, filestore.go,
// migration/encrypt.go) rather than introducing a structured-logging
// dependency the teacher never uses.
package logging

import (
	"log"
	"os"
)

// Logger prefixes every line with a component tag, e.g. "[derivation] ".
type Logger struct {
	prefix string
	std    *log.Logger
}

// New returns a Logger for component, writing to stderr exactly as the
// standard library's default logger does.
func New(component string) *Logger {
	return &Logger{
		prefix: "[" + component + "] ",
		std:    log.New(os.Stderr, "", log.LstdFlags),
	}
}

// Printf logs a formatted message.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.std.Printf(l.prefix+format, args...)
}

// Println logs a message built from its arguments, space-separated.
func (l *Logger) Println(args ...interface{}) {
	l.std.Println(append([]interface{}{l.prefix}, args...)...)
}
