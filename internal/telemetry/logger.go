package telemetry

import (
	"context"
	"io"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/log"
)

// otelWriter forwards zerolog output to an OpenTelemetry logger.
type otelWriter struct {
	logger log.Logger
}

var _ zerolog.LevelWriter = (*otelWriter)(nil)

func (w *otelWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *otelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	rec := log.Record{}
	rec.SetBody(log.StringValue(string(p)))
	rec.SetSeverity(severity(level))
	rec.SetSeverityText(level.String())
	w.logger.Emit(context.Background(), rec)
	return len(p), nil
}

func severity(level zerolog.Level) log.Severity {
	switch level {
	case zerolog.TraceLevel:
		return log.SeverityTrace
	case zerolog.DebugLevel:
		return log.SeverityDebug
	case zerolog.InfoLevel:
		return log.SeverityInfo
	case zerolog.WarnLevel:
		return log.SeverityWarn
	case zerolog.ErrorLevel:
		return log.SeverityError
	case zerolog.FatalLevel:
		return log.SeverityFatal
	case zerolog.PanicLevel:
		return log.SeverityFatal4
	default:
		return log.SeverityUndefined
	}
}

func NewOtelLogWriter(logger log.Logger) io.Writer {
	return &otelWriter{logger: logger}
}
