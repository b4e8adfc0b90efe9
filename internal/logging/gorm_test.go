package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestGormLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	gl := NewGormLogger(&logger)
	query := func() (string, int64) { return "SELECT * FROM pending_authorizations", 0 }

	gl.Trace(context.Background(), time.Now(), query, gorm.ErrRecordNotFound)
	require.Empty(t, buf.String())

	gl.Trace(context.Background(), time.Now(), query, nil)
	require.Empty(t, buf.String())

	gl.Trace(context.Background(), time.Now(), query, errors.New("database is locked"))
	require.Contains(t, buf.String(), "database is locked")
	require.Contains(t, buf.String(), `"level":"warn"`)
}
