// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package cfgstruct

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keystorm.io/keystorm/internal/memory"
)

type mode string

type nestedConfig struct {
	PollInterval time.Duration `help:"poll cadence" default:"250ms"`
	MaxMemory    memory.Size   `help:"byte budget" default:"1048576"`
}

type testConfig struct {
	Address   string       `help:"listen address" default:":8080"`
	MaxConns  int          `help:"connection limit" default:"100" devDefault:"5"`
	Verbose   bool         `help:"chatty logging" default:"true"`
	Threshold float64      `help:"error fraction" default:"0.05"`
	Mode      mode         `help:"run mode" default:"quick"`
	Nested    nestedConfig `help:"nested settings"`
}

func TestBindDefaults(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var config testConfig
	Bind(flags, &config)

	assert.Equal(t, ":8080", config.Address)
	assert.Equal(t, 100, config.MaxConns)
	assert.True(t, config.Verbose)
	assert.Equal(t, 0.05, config.Threshold)
	assert.Equal(t, mode("quick"), config.Mode)
	assert.Equal(t, 250*time.Millisecond, config.Nested.PollInterval)
	assert.Equal(t, memory.Size(1048576), config.Nested.MaxMemory)
}

func TestBindFlagNames(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var config testConfig
	Bind(flags, &config)

	for _, name := range []string{
		"address", "max-conns", "verbose", "threshold", "mode",
		"nested.poll-interval", "nested.max-memory",
	} {
		assert.NotNil(t, flags.Lookup(name), "missing flag %q", name)
	}
}

func TestBindParsesValues(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var config testConfig
	Bind(flags, &config)

	require.NoError(t, flags.Parse([]string{
		"--address", ":9090",
		"--max-conns", "42",
		"--mode", "stress",
		"--nested.poll-interval", "1s",
		"--nested.max-memory", "64MiB",
	}))

	assert.Equal(t, ":9090", config.Address)
	assert.Equal(t, 42, config.MaxConns)
	assert.Equal(t, mode("stress"), config.Mode)
	assert.Equal(t, time.Second, config.Nested.PollInterval)
	assert.Equal(t, 64*memory.MiB, config.Nested.MaxMemory)
}

func TestBindDevDefaults(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var config testConfig
	Bind(flags, &config, UseDev())

	assert.Equal(t, 5, config.MaxConns)
}

func TestSnakeCase(t *testing.T) {
	for input, expected := range map[string]string{
		"MaxConns":     "max_conns",
		"Address":      "address",
		"TopNSize":     "top_n_size",
		"TTLSeconds":   "ttl_seconds",
		"HTTPAddress":  "http_address",
		"PollInterval": "poll_interval",
	} {
		assert.Equal(t, expected, snakeCase(input), input)
	}
}
