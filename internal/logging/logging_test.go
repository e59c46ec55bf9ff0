package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restore() func() {
	level, logger := zerolog.GlobalLevel(), log.Logger
	return func() {
		zerolog.SetGlobalLevel(level)
		log.Logger = logger
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		raw   string
		level zerolog.Level
		ok    bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, true},
		{" WARNING ", zerolog.WarnLevel, true},
		{"off", zerolog.Disabled, true},
		{"loud", zerolog.InfoLevel, false},
	}
	for _, tc := range cases {
		level, ok := parseLevel(tc.raw)
		assert.Equal(t, tc.level, level, tc.raw)
		assert.Equal(t, tc.ok, ok, tc.raw)
	}
}

func TestConfigureJSON(t *testing.T) {
	defer restore()()

	var buf bytes.Buffer
	configure(&buf, "warn", FormatJSON)

	log.Info().Msg("hidden")
	log.Warn().Str("document", "42").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "42", entry["document"])
	assert.Equal(t, "cellsync", entry["app"])
}

func TestConfigureConsole(t *testing.T) {
	defer restore()()

	var buf bytes.Buffer
	configure(&buf, "info", FormatConsole)
	log.Info().Msg("hello")

	assert.Contains(t, buf.String(), "hello")
	assert.NotContains(t, buf.String(), `"message"`)
}
