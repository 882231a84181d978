package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"

	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger interface
type Logger interface {
	Log() *zerolog.Event
	Fatal() *zerolog.Event
	Err(err error) *zerolog.Event
	Error() *zerolog.Event
	Warn() *zerolog.Event
	Info() *zerolog.Event
	Trace() *zerolog.Event
	Debug() *zerolog.Event
	With() zerolog.Context
	RegisterSSEWriter(sse *sse.Server)
	SetLogLevel(level string)
}

const filePrefix = "fieldsync"

// DefaultLogger default logging controller
type DefaultLogger struct {
	mu            sync.RWMutex
	log           zerolog.Logger
	level         zerolog.Level
	writers       []io.Writer
	logDir        string
	currentDate   string
	lumberjackLog *lumberjack.Logger
}

func New(cfg *domain.Config) Logger {
	l := &DefaultLogger{
		writers:     make([]io.Writer, 0),
		level:       zerolog.DebugLevel,
		currentDate: time.Now().Format("2006-01-02"),
	}

	l.SetLogLevel(cfg.Logging.Level)

	// use pretty logging for dev only
	if cfg.Version == "dev" {
		l.writers = append(l.writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		l.writers = append(l.writers, os.Stderr)
	}

	if cfg.Logging.Path != "" {
		l.logDir = cfg.Logging.Path
		if err := os.MkdirAll(l.logDir, 0755); err != nil {
			fmt.Printf("could not create log directory: %v\n", err)
		}

		l.lumberjackLog = &lumberjack.Logger{
			Filename:   l.filename(l.currentDate),
			MaxSize:    cfg.Logging.MaxFileSize,
			MaxBackups: cfg.Logging.MaxBackupCount,
		}

		l.writers = append(l.writers, l.lumberjackLog)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	l.rebuild()

	return l
}

func (l *DefaultLogger) filename(date string) string {
	return filepath.Join(l.logDir, fmt.Sprintf("%s-%s.log", filePrefix, date))
}

// rebuild must be called with mu held for writing, or before l is shared. Filtering is
// done by the global level so loggers derived with With() follow SetLogLevel.
func (l *DefaultLogger) rebuild() {
	l.log = zerolog.New(io.MultiWriter(l.writers...)).With().Stack().Logger()
}

func (l *DefaultLogger) RegisterSSEWriter(server *sse.Server) {
	l.mu.Lock()
	l.writers = append(l.writers, NewSSEWriter(server))
	l.rebuild()
	l.mu.Unlock()

	l.Debug().Msg("sse log writer registered")
}

// checkRotate switches to a new dated log file after midnight.
func (l *DefaultLogger) checkRotate() {
	if l.lumberjackLog == nil {
		return
	}

	today := time.Now().Format("2006-01-02")

	l.mu.RLock()
	same := today == l.currentDate
	l.mu.RUnlock()
	if same {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if today == l.currentDate {
		return
	}

	l.currentDate = today
	_ = l.lumberjackLog.Close()
	l.lumberjackLog.Filename = l.filename(today)
	l.rebuild()
}

func (l *DefaultLogger) SetLogLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch level {
	case "INFO":
		l.level = zerolog.InfoLevel
	case "DEBUG":
		l.level = zerolog.DebugLevel
	case "ERROR":
		l.level = zerolog.ErrorLevel
	case "WARN":
		l.level = zerolog.WarnLevel
	case "TRACE":
		l.level = zerolog.TraceLevel
	default:
		l.level = zerolog.Disabled
		return
	}

	zerolog.SetGlobalLevel(l.level)
}

func (l *DefaultLogger) logger() *zerolog.Logger {
	l.checkRotate()

	l.mu.RLock()
	defer l.mu.RUnlock()
	lg := l.log
	return &lg
}

// Log logs without a level.
func (l *DefaultLogger) Log() *zerolog.Event {
	return l.logger().Log().Timestamp()
}

// Fatal logs at fatal level and exits.
func (l *DefaultLogger) Fatal() *zerolog.Event {
	return l.logger().Fatal().Timestamp()
}

func (l *DefaultLogger) Error() *zerolog.Event {
	return l.logger().Error().Timestamp()
}

func (l *DefaultLogger) Err(err error) *zerolog.Event {
	return l.logger().Err(err).Timestamp()
}

func (l *DefaultLogger) Warn() *zerolog.Event {
	return l.logger().Warn().Timestamp()
}

func (l *DefaultLogger) Info() *zerolog.Event {
	return l.logger().Info().Timestamp()
}

func (l *DefaultLogger) Debug() *zerolog.Event {
	return l.logger().Debug().Timestamp()
}

func (l *DefaultLogger) Trace() *zerolog.Event {
	return l.logger().Trace().Timestamp()
}

// With log with context
func (l *DefaultLogger) With() zerolog.Context {
	return l.logger().With().Timestamp()
}
