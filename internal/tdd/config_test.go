package tdd

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannels(t *testing.T) {
	cases := map[string][]int{
		"0":        {0},
		"0,1":      {0, 1},
		`"0","1"`:  {0, 1},
		"'2', 3":   {2, 3},
		"1,,0":     {1, 0},
		" 4 ":      {4},
		",0":       {0},
		"0,":       {0},
		`"0",,'1'`: {0, 1},
	}
	for in, want := range cases {
		got, err := ParseChannels(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", ",", `""`, "a", "0,x", "-1"} {
		_, err := ParseChannels(in)
		require.Error(t, err, in)
		assert.True(t, IsConfigurationError(err), in)
	}
}

func TestValidateChannels(t *testing.T) {
	assert.NoError(t, ValidateChannels([]int{0, 1}, 2, 4))
	for _, chs := range [][]int{nil, {2}, {0, 0}, {-1}, {3}} {
		err := ValidateChannels(chs, 2, 4)
		require.Error(t, err, "%v", chs)
		assert.True(t, IsConfigurationError(err))
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"strict": Strict, "V1": Strict, "concurrent": Concurrent, "v2": Concurrent, "": Concurrent} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("duplex")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	mutate := []func(*Config){
		func(c *Config) { c.Rate = 0 },
		func(c *Config) { c.RxSamples = 0 },
		func(c *Config) { c.TxSamples = 0 },
		func(c *Config) { c.LeadTime = -time.Second },
		func(c *Config) { c.Cadence = -1 },
		func(c *Config) { c.Amplitude = 1.5 },
		func(c *Config) { c.Channels = nil },
	}
	for i, m := range mutate {
		cfg := DefaultConfig()
		m(&cfg)
		err := cfg.Validate()
		require.Error(t, err, "case %d", i)
		assert.True(t, IsConfigurationError(err), "case %d", i)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{GPIO: GPIOConfig{Bank: "FP0", Shift: 4}}.withDefaults()
	assert.Equal(t, DefaultChunkTimeout, cfg.ChunkTimeout)
	assert.Equal(t, "fc32", cfg.Format)
	assert.Equal(t, uint32(0x70), cfg.GPIO.Mask)
}

func TestErrorKindNames(t *testing.T) {
	text, err := ShortRead.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "short_read", string(text))
	assert.Equal(t, "kind(42)", ErrorKind(42).String())
}

func TestResultJSONRoundTrip(t *testing.T) {
	in := CycleResult{Direction: TX, Index: 3, Err: PartialSend, Frame: Ending, GPIOCode: 5}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"frame":"ending"`)

	var out CycleResult
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)

	assert.Error(t, json.Unmarshal([]byte(`{"err":"meltdown"}`), &out))
}
