package myenergi

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type BoostMode string

const (
	BoostStop   BoostMode = "Stop"
	BoostManual BoostMode = "Manual"
	BoostSmart  BoostMode = "Smart"
)

func ParseBoostMode(s string) (BoostMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stop", "off", "":
		return BoostStop, nil
	case "manual":
		return BoostManual, nil
	case "smart":
		return BoostSmart, nil
	}
	return "", fmt.Errorf("invalid boost mode %q", s)
}

// ZappiBoost is a boost request. Time is only used by smart boost.
type ZappiBoost struct {
	Mode BoostMode
	KWh  int
	Time string
}

func (b ZappiBoost) Validate() error {
	switch b.Mode {
	case BoostStop:
		return nil
	case BoostManual, BoostSmart:
		if b.KWh <= 0 || b.KWh > 99 {
			return fmt.Errorf("boost energy %d kWh out of range", b.KWh)
		}
		return nil
	}
	return fmt.Errorf("invalid boost mode %q", b.Mode)
}

// NormalizeBoostTime turns free-form input into an HHMM string the zappi
// accepts. Minutes snap to the nearest quarter hour, rounding 7.5 up, which
// integer minutes never hit: 07 rounds down, 08 rounds up.
func NormalizeBoostTime(s string) string {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
	if len(digits) < 4 {
		digits = strings.Repeat("0", 4-len(digits)) + digits
	}
	digits = digits[len(digits)-4:]

	hours, _ := strconv.Atoi(digits[:2])
	minutes, _ := strconv.Atoi(digits[2:])
	total := hours*60 + minutes
	hours, minutes = total/60, total%60

	minutes = (minutes + 7) / 15 * 15
	if minutes == 60 {
		hours++
		minutes = 0
	}
	return fmt.Sprintf("%02d%02d", hours%24, minutes)
}

// FormatBoostTime renders HHMM as HH:MM.
func FormatBoostTime(hhmm string) string {
	if len(hhmm) < 4 {
		hhmm = strings.Repeat("0", 4-len(hhmm)) + hhmm
	}
	return hhmm[:2] + ":" + hhmm[2:4]
}
