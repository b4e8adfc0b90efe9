package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	var buf bytes.Buffer
	NewLogger(zerolog.WarnLevel, &buf)

	log.Info().Msg("dropped")
	log.Warn().Str("did", "did:plc:alice123").Msg("kept")

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	require.Equal(t, "kept", event["message"])
	require.Equal(t, "did:plc:alice123", event["did"])
	require.Equal(t, "warn", event["level"])
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("")
	require.NoError(t, err)
	require.Equal(t, zerolog.InfoLevel, level)

	level, err = ParseLevel("debug")
	require.NoError(t, err)
	require.Equal(t, zerolog.DebugLevel, level)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}
