// Package elog wires the engine's components to zerolog while
// keeping the call-site shape every component here already uses:
// a field of type func(format string, v ...interface{}) set once at
// construction and called like log.Printf. New returns one bound to
// a given component name; tests can substitute their own to capture
// output.
package elog

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logf is the shape every background task in this module logs
// through. It is deliberately the same signature as log.Printf so
// components written against the standard logger port over with no
// call-site changes, but New backs it with structured zerolog output.
type Logf func(format string, v ...interface{})

var base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// SetOutput redirects every Logf produced by New. Tests call this
// with a buffer so they can assert on log content; production wires
// it to os.Stderr (the default) or a rotated file.
func SetOutput(w zerolog.ConsoleWriter) {
	base = zerolog.New(w).With().Timestamp().Logger()
}

// New returns a Logf that tags every line with component, e.g.
// "scheduler", "jobqueue", "receive".
func New(component string) Logf {
	l := base.With().Str("component", component).Logger()
	return func(format string, v ...interface{}) {
		msg := format
		if len(v) > 0 {
			msg = fmt.Sprintf(format, v...)
		}
		level := zerolog.InfoLevel
		if strings.Contains(strings.ToLower(msg), "error") || strings.Contains(strings.ToLower(msg), "err:") {
			level = zerolog.ErrorLevel
		}
		l.WithLevel(level).Msg(msg)
	}
}

// Entry is a structured record for events worth more than a single
// log line: a job that failed N times, a message that failed to
// parse. Components build one of these and log it with Logf("%s", e)
// the same way spilldb's janitor and auth code log their own Log
// type; String renders it as a single JSON-style line so it is both
// human-readable in a terminal and greppable. Data values are written
// with %v, so a string value there is not quoted.
type Entry struct {
	Where    string
	What     string
	When     time.Time
	Duration time.Duration
	Err      error
	Data     map[string]interface{}
}

func (e Entry) String() string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, `{"where": %q, "what": %q`, e.Where, e.What)
	if !e.When.IsZero() {
		buf.WriteString(`, "when": "`)
		buf.Write(e.When.AppendFormat(nil, time.RFC3339Nano))
		buf.WriteString(`"`)
	}
	if e.Duration != 0 {
		fmt.Fprintf(buf, `, "duration": %q`, e.Duration.String())
	}
	if e.Err != nil {
		fmt.Fprintf(buf, `, "err": %q`, e.Err.Error())
	}
	for k, val := range e.Data {
		fmt.Fprintf(buf, `, %q: %v`, k, val)
	}
	buf.WriteByte('}')
	return buf.String()
}
