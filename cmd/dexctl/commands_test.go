package main

import (
	"flag"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	market := keyVar(fs, "market", "")
	payer := keyVar(fs, "payer", "")

	require.NoError(t, fs.Parse([]string{"-market", "9xQeWvG816bX4fWhUosZfqLB4yJBWvtWnjvbb6NxEPaX"}))
	assert.Equal(t, "9xQeWvG816bX4fWhUosZfqLB4yJBWvtWnjvbb6NxEPaX", market.String())
	assert.NoError(t, required("market", market))
	assert.EqualError(t, required("payer", payer), "-payer is required")
	assert.Equal(t, "", payer.String())

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	keyVar(fs, "market", "")
	assert.Error(t, fs.Parse([]string{"-market", "not-a-key"}))
}

func TestCommandsRegisterFlags(t *testing.T) {
	for name, cmd := range commands {
		fs := flag.NewFlagSet(name, flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		require.NotNil(t, cmd.register(fs), name)
		assert.NotEmpty(t, cmd.help, name)
	}
}
