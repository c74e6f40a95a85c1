package main

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--config", "moonraker.conf", "-a", "127.0.0.1:7126", "--flash", "all", "-v"})
	require.NoError(t, err)
	assert.Equal(t, "moonraker.conf", opts.configFile)
	assert.Equal(t, "127.0.0.1:7126", opts.address)
	assert.Equal(t, "all", opts.flash)
	assert.True(t, opts.debug)
}

func TestParseFlagsErrors(t *testing.T) {
	_, err := parseFlags(nil)
	assert.EqualError(t, err, "--config is required")

	_, err = parseFlags([]string{"-c", "moonraker.conf", "extra"})
	assert.EqualError(t, err, "unexpected argument: extra")

	_, err = parseFlags([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}
