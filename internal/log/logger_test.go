package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestWithComponentCarriesServiceAndComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "hdhub-test"})

	logger := WithComponent("sweeper")
	logger.Info().Msg("pass complete")

	line := buf.String()
	assert.True(t, strings.Contains(line, `"service":"hdhub-test"`), line)
	assert.True(t, strings.Contains(line, `"component":"sweeper"`), line)
	assert.True(t, strings.Contains(line, "pass complete"), line)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("not-a-level"))
	t.Setenv("HDHUB_LOG_LEVEL", "debug")
	assert.Equal(t, zerolog.DebugLevel, parseLevel(""))
}
