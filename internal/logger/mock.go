package logger

import (
	"io"

	"github.com/rs/zerolog"
)

// Mock returns a logger that discards everything.
func Mock() Logger {
	l := &DefaultLogger{
		writers:     []io.Writer{io.Discard},
		level:       zerolog.Disabled,
		currentDate: "2006-01-02",
	}
	l.rebuild()
	l.log = l.log.Level(zerolog.Disabled)

	return l
}
