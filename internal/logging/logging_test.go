package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanlan-server/quanlan-server/internal/config"
)

func TestSetupJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	logger := SetupWriter(&buf, config.LogConfig{Level: "warn", Format: "json"}, "quanlan-server")

	logger.Info().Msg("hidden")
	logger.Warn().Str("method", "connectDevice").Msg("visible")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "quanlan-server", entry["service"])
	assert.Equal(t, "connectDevice", entry["method"])
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestSetupFallbacks(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	logger := SetupWriter(&buf, config.LogConfig{Level: "loud"}, "quanlan-bridge")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	logger.Info().Msg("console line")
	assert.Contains(t, buf.String(), "console line")
	assert.False(t, json.Valid(buf.Bytes()))
}
