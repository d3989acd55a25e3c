package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	root, err := New(Options{Level: "debug", Format: FormatJSON, Output: &buf})
	require.NoError(t, err)

	log := Component(root, "ledger")
	log.Debug().Uint64("epoch", 7).Msg("appended")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ledger", line["component"])
	assert.Equal(t, "appended", line["message"])
	assert.EqualValues(t, 7, line["epoch"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	root, err := New(Options{Level: "warn", Format: FormatJSON, Output: &buf})
	require.NoError(t, err)
	root.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
}

func TestInvalidOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}
