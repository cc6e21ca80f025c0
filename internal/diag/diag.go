// Package diag provides a minimal leveled logger injected into the Reader,
// Provider, and BloomFilterCoordinator so diagnostic output is never
// hardcoded to fmt.Printf.
package diag

import (
	"fmt"
	"log"
	"os"
)

// Logger is the small leveled surface Reader/Provider/Bloom depend on.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Std wraps a stdlib *log.Logger with level prefixes.
type Std struct {
	l     *log.Logger
	debug bool
}

// New returns a Std logger writing to stderr. debug controls whether
// Debugf lines are emitted.
func New(debug bool) *Std {
	return &Std{l: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds), debug: debug}
}

func (s *Std) Debugf(format string, args ...any) {
	if !s.debug {
		return
	}
	s.l.Output(2, "DEBUG "+fmt.Sprintf(format, args...))
}

func (s *Std) Warnf(format string, args ...any) {
	s.l.Output(2, "WARN  "+fmt.Sprintf(format, args...))
}

func (s *Std) Errorf(format string, args ...any) {
	s.l.Output(2, "ERROR "+fmt.Sprintf(format, args...))
}

// Noop discards everything; useful as a default / test double.
type Noop struct{}

func (Noop) Debugf(string, ...any) {}
func (Noop) Warnf(string, ...any)  {}
func (Noop) Errorf(string, ...any) {}
