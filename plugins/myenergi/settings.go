package myenergi

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

const (
	PowerAutomatic = "automatic"
	PowerManual    = "manual"
)

// ZappiSettings is an immutable view of a zappi's settings bag.
type ZappiSettings struct {
	PowerCalculationMode string  `mapstructure:"powerCalculationMode"`
	IncludeCT1           bool    `mapstructure:"includeCT1"`
	IncludeCT2           bool    `mapstructure:"includeCT2"`
	IncludeCT3           bool    `mapstructure:"includeCT3"`
	IncludeCT4           bool    `mapstructure:"includeCT4"`
	IncludeCT5           bool    `mapstructure:"includeCT5"`
	IncludeCT6           bool    `mapstructure:"includeCT6"`
	ShowNegativeValues   bool    `mapstructure:"showNegativeValues"`
	TotalEnergyOffset    float64 `mapstructure:"totalEnergyOffset"`
	SiteName             string  `mapstructure:"siteName"`
	HubSerial            string  `mapstructure:"hubSerial"`
	ZappiSerial          string  `mapstructure:"zappiSerial"`
}

func (s ZappiSettings) inclusion() inclusion {
	return inclusion{
		automatic:    s.PowerCalculationMode != PowerManual,
		include:      []bool{s.IncludeCT1, s.IncludeCT2, s.IncludeCT3, s.IncludeCT4, s.IncludeCT5, s.IncludeCT6},
		showNegative: s.ShowNegativeValues,
	}
}

type EddiSettings struct {
	PowerCalculationMode    string  `mapstructure:"powerCalculationMode"`
	IncludeCT1              bool    `mapstructure:"includeCT1"`
	IncludeCT2              bool    `mapstructure:"includeCT2"`
	IncludeCT3              bool    `mapstructure:"includeCT3"`
	ShowNegativeValues      bool    `mapstructure:"showNegativeValues"`
	SubtractGeneratedEnergy bool    `mapstructure:"subtractGeneratedEnergy"`
	EnergyOffsetTotal       float64 `mapstructure:"energyOffsetTotal"`
	EnergyOffsetCT1         float64 `mapstructure:"energyOffsetCT1"`
	EnergyOffsetCT2         float64 `mapstructure:"energyOffsetCT2"`
	EnergyOffsetCT3         float64 `mapstructure:"energyOffsetCT3"`
	EnergyOffsetGenerated   float64 `mapstructure:"energyOffsetGenerated"`
	SiteName                string  `mapstructure:"siteName"`
	HubSerial               string  `mapstructure:"hubSerial"`
	EddiSerial              string  `mapstructure:"eddiSerial"`
}

func (s EddiSettings) inclusion() inclusion {
	return inclusion{
		automatic:    s.PowerCalculationMode != PowerManual,
		include:      []bool{s.IncludeCT1, s.IncludeCT2, s.IncludeCT3},
		showNegative: s.ShowNegativeValues,
	}
}

type HarviSettings struct {
	PowerCalculationMode string  `mapstructure:"powerCalculationMode"`
	IncludeCT1           bool    `mapstructure:"includeCT1"`
	IncludeCT2           bool    `mapstructure:"includeCT2"`
	IncludeCT3           bool    `mapstructure:"includeCT3"`
	ShowNegativeValues   bool    `mapstructure:"showNegativeValues"`
	TotalEnergyOffset    float64 `mapstructure:"totalEnergyOffset"`
	SiteName             string  `mapstructure:"siteName"`
	HubSerial            string  `mapstructure:"hubSerial"`
	HarviSerial          string  `mapstructure:"harviSerial"`
}

func (s HarviSettings) inclusion() inclusion {
	return inclusion{
		automatic:    s.PowerCalculationMode != PowerManual,
		include:      []bool{s.IncludeCT1, s.IncludeCT2, s.IncludeCT3},
		showNegative: s.ShowNegativeValues,
	}
}

// DecodeSettings reads a settings bag into T. Missing keys keep T's zero
// value; an empty powerCalculationMode means automatic.
func DecodeSettings[T any](raw map[string]any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(raw); err != nil {
		return out, fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

// inclusion selects which CT channels count toward derived power.
type inclusion struct {
	automatic    bool
	include      []bool
	showNegative bool
}

// Included reports whether channel i (zero based) counts. Automatic mode
// follows the hub's channel label, manual mode the includeCT flags.
func (in inclusion) Included(i int, ct CTReading) bool {
	if in.automatic {
		return ct.Label == InternalLoad
	}
	return i < len(in.include) && in.include[i]
}

// Power sums the included channels, clamped at zero unless negative
// values are shown.
func (in inclusion) Power(cts []CTReading) float64 {
	return in.clamp(in.sum(cts))
}

func (in inclusion) sum(cts []CTReading) float64 {
	var total float64
	for i, ct := range cts {
		if in.Included(i, ct) {
			total += ct.Power
		}
	}
	return total
}

func (in inclusion) clamp(power float64) float64 {
	if !in.showNegative && power < 0 {
		return 0
	}
	return power
}

// detectedIncludes mirrors automatic detection into includeCTn keys.
func detectedIncludes(cts []CTReading) map[string]any {
	out := make(map[string]any, len(cts))
	for i, ct := range cts {
		out[fmt.Sprintf("includeCT%d", i+1)] = ct.Label == InternalLoad
	}
	return out
}

func defaultSettings(channels int) map[string]any {
	out := map[string]any{
		"powerCalculationMode": PowerAutomatic,
		"showNegativeValues":   false,
	}
	for i := 1; i <= channels; i++ {
		out[fmt.Sprintf("includeCT%d", i)] = false
	}
	return out
}
