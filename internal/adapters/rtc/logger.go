package rtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerFactory routes pion's internal logs into zerolog.
type loggerFactory struct{}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{log: log.With().Str("module", "pion").Str("scope", scope).Logger()}
}

type pionLogger struct {
	log zerolog.Logger
}

func (l *pionLogger) Trace(msg string) { l.log.Trace().Msg(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) {
	l.log.Trace().Msgf(format, args...)
}
func (l *pionLogger) Debug(msg string) { l.log.Debug().Msg(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}
func (l *pionLogger) Info(msg string) { l.log.Info().Msg(msg) }
func (l *pionLogger) Infof(format string, args ...interface{}) {
	l.log.Info().Msgf(format, args...)
}
func (l *pionLogger) Warn(msg string) { l.log.Warn().Msg(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}
func (l *pionLogger) Error(msg string) { l.log.Error().Msg(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}
