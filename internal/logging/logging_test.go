package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "json", &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("document_id", "doc-1").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "doc-1", line["document_id"])
	assert.Equal(t, "planboard", line["service"])
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New("loud", "", &buf)

	logger.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	logger.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}
