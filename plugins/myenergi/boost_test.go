package myenergi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBoostTime(t *testing.T) {
	cases := map[string]string{
		"0907":  "0900",
		"0908":  "0915",
		"09:22": "0915",
		"09:23": "0930",
		"2353":  "0000",
		"7:45":  "0745",
		"":      "0000",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeBoostTime(in), "input %q", in)
	}
}

func TestFormatBoostTime(t *testing.T) {
	assert.Equal(t, "09:00", FormatBoostTime(NormalizeBoostTime("0907")))
	assert.Equal(t, "09:15", FormatBoostTime(NormalizeBoostTime("0908")))
	assert.Equal(t, "00:30", FormatBoostTime("30"))
}

func TestParseBoostMode(t *testing.T) {
	mode, err := ParseBoostMode("Smart")
	require.NoError(t, err)
	assert.Equal(t, BoostSmart, mode)

	mode, err = ParseBoostMode("")
	require.NoError(t, err)
	assert.Equal(t, BoostStop, mode)

	_, err = ParseBoostMode("turbo")
	assert.Error(t, err)
}

func TestZappiBoostValidate(t *testing.T) {
	assert.NoError(t, ZappiBoost{Mode: BoostStop}.Validate())
	assert.NoError(t, ZappiBoost{Mode: BoostManual, KWh: 10}.Validate())
	assert.Error(t, ZappiBoost{Mode: BoostManual}.Validate())
	assert.Error(t, ZappiBoost{Mode: BoostSmart, KWh: 100}.Validate())
}
