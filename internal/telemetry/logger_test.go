package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/embedded"
)

type recordingLogger struct {
	embedded.Logger
	records []log.Record
}

func (l *recordingLogger) Emit(ctx context.Context, rec log.Record) {
	l.records = append(l.records, rec)
}

func (l *recordingLogger) Enabled(ctx context.Context, param log.EnabledParameters) bool {
	return true
}

func TestOtelLogWriter(t *testing.T) {
	rec := &recordingLogger{}
	logger := zerolog.New(NewOtelLogWriter(rec))

	logger.Warn().Str("did", "did:plc:alice123").Msg("refresh failed")
	logger.Log().Msg("no level")

	require.Len(t, rec.records, 2)
	require.Equal(t, log.SeverityWarn, rec.records[0].Severity())
	require.Equal(t, "warn", rec.records[0].SeverityText())
	require.Contains(t, rec.records[0].Body().AsString(), "refresh failed")
	require.Equal(t, log.SeverityUndefined, rec.records[1].Severity())
}
