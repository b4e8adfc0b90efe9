package logging

import (
	"time"

	"github.com/rs/zerolog"
	gormlogger "gorm.io/gorm/logger"
)

const slowQuery = 200 * time.Millisecond

// gormWriter prints gorm's messages as zerolog warnings.
type gormWriter struct {
	logger *zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.logger.Warn().Msgf(format, args...)
}

// NewGormLogger reports failed and slow queries to logger. A missing record is an ordinary
// result for lookups, so it is not reported.
func NewGormLogger(logger *zerolog.Logger) gormlogger.Interface {
	return gormlogger.New(gormWriter{logger: logger}, gormlogger.Config{
		SlowThreshold:             slowQuery,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}
