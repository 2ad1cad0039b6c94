package logx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithComponentReturnsUsableLogger(t *testing.T) {
	l := WithComponent("pipeline")
	assert.NotPanics(t, func() { l.Info().Msg("test") })
}

func TestWithResourceIDReturnsUsableLogger(t *testing.T) {
	l := WithResourceID("synchronizer", "res-1")
	assert.NotPanics(t, func() { l.Warn().Msg("test") })
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, "info", parseLevel("bogus").String())
	assert.Equal(t, "debug", parseLevel("debug").String())
	assert.Equal(t, "warn", parseLevel("warn").String())
	assert.Equal(t, "error", parseLevel("error").String())
}
