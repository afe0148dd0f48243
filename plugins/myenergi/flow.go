package myenergi

import (
	"context"
	"fmt"
	"strconv"

	"github.com/joshp123/gohome-myenergi/internal/host"
)

var (
	zappiTriggers = []string{
		"charging_started",
		"charging_stopped",
		"ev_connected",
		"ev_disconnected",
		"charge_mode_changed",
		"boost_mode_changed",
	}
	eddiTriggers = []string{
		"heater_status_changed",
		"boost_mode_changed",
	}
)

// hookResolver finds the live hooks of a paired device.
type hookResolver func(deviceID string) (host.DeviceHooks, bool)

func resolve[T host.DeviceHooks](hooks hookResolver, dev *host.Device) (T, error) {
	var zero T
	h, ok := hooks(dev.ID())
	if !ok {
		return zero, fmt.Errorf("%s: %w", dev.ID(), host.ErrNoDevice)
	}
	typed, ok := h.(T)
	if !ok {
		return zero, fmt.Errorf("%s is a %s device", dev.ID(), dev.DriverID())
	}
	return typed, nil
}

// registerFlows adds the trigger, condition and action cards of every kind.
func registerFlows(flows *host.Flows, hooks hookResolver) {
	zappi := string(KindZappi)
	for _, id := range zappiTriggers {
		flows.RegisterTrigger(zappi, id)
	}
	flows.RegisterCondition(zappi, "is_charging", nil, func(_ context.Context, dev *host.Device, _ map[string]any) (bool, error) {
		z, err := resolve[*ZappiDevice](hooks, dev)
		if err != nil {
			return false, err
		}
		return z.IsCharging(), nil
	})
	flows.RegisterCondition(zappi, "is_ev_connected", nil, func(_ context.Context, dev *host.Device, _ map[string]any) (bool, error) {
		z, err := resolve[*ZappiDevice](hooks, dev)
		if err != nil {
			return false, err
		}
		return z.IsEVConnected(), nil
	})
	flows.RegisterAction(zappi, "start_charging", nil, func(ctx context.Context, dev *host.Device, _ map[string]any) error {
		z, err := resolve[*ZappiDevice](hooks, dev)
		if err != nil {
			return err
		}
		return z.SetOnOff(ctx, true)
	})
	flows.RegisterAction(zappi, "stop_charging", nil, func(ctx context.Context, dev *host.Device, _ map[string]any) error {
		z, err := resolve[*ZappiDevice](hooks, dev)
		if err != nil {
			return err
		}
		return z.SetOnOff(ctx, false)
	})
	flows.RegisterAction(zappi, "set_charge_mode", []string{"charge_mode"}, func(ctx context.Context, dev *host.Device, args map[string]any) error {
		z, err := resolve[*ZappiDevice](hooks, dev)
		if err != nil {
			return err
		}
		mode, err := ParseZappiMode(args["charge_mode"])
		if err != nil {
			return err
		}
		return z.SetMode(ctx, mode)
	})
	flows.RegisterAction(zappi, "set_boost_mode", []string{"boost_mode", "kwh", "time"}, func(ctx context.Context, dev *host.Device, args map[string]any) error {
		z, err := resolve[*ZappiDevice](hooks, dev)
		if err != nil {
			return err
		}
		boost, err := boostFromArgs(args)
		if err != nil {
			return err
		}
		return z.SetBoost(ctx, boost)
	})
	flows.RegisterAction(zappi, "set_minimum_green_level", []string{"level"}, func(ctx context.Context, dev *host.Device, args map[string]any) error {
		z, err := resolve[*ZappiDevice](hooks, dev)
		if err != nil {
			return err
		}
		level, err := toInt(args["level"])
		if err != nil {
			return err
		}
		return z.SetGreenLevel(ctx, level)
	})

	eddi := string(KindEddi)
	for _, id := range eddiTriggers {
		flows.RegisterTrigger(eddi, id)
	}
	flows.RegisterCondition(eddi, "is_heater_on", nil, func(_ context.Context, dev *host.Device, _ map[string]any) (bool, error) {
		e, err := resolve[*EddiDevice](hooks, dev)
		if err != nil {
			return false, err
		}
		return e.IsOn(), nil
	})
	flows.RegisterAction(eddi, "heater_on", nil, func(ctx context.Context, dev *host.Device, _ map[string]any) error {
		e, err := resolve[*EddiDevice](hooks, dev)
		if err != nil {
			return err
		}
		return e.SetOnOff(ctx, true)
	})
	flows.RegisterAction(eddi, "heater_off", nil, func(ctx context.Context, dev *host.Device, _ map[string]any) error {
		e, err := resolve[*EddiDevice](hooks, dev)
		if err != nil {
			return err
		}
		return e.SetOnOff(ctx, false)
	})
	flows.RegisterAction(eddi, "set_heater_boost", []string{"heater", "minutes"}, func(ctx context.Context, dev *host.Device, args map[string]any) error {
		e, err := resolve[*EddiDevice](hooks, dev)
		if err != nil {
			return err
		}
		heater, err := toInt(args["heater"])
		if err != nil {
			return err
		}
		minutes, err := toInt(args["minutes"])
		if err != nil {
			return err
		}
		return e.SetBoost(ctx, heater, minutes)
	})
}

func boostFromArgs(args map[string]any) (ZappiBoost, error) {
	mode, ok := args["boost_mode"].(string)
	if !ok {
		return ZappiBoost{}, fmt.Errorf("boost_mode is required")
	}
	parsed, err := ParseBoostMode(mode)
	if err != nil {
		return ZappiBoost{}, err
	}
	boost := ZappiBoost{Mode: parsed}
	if v, ok := args["kwh"]; ok {
		if boost.KWh, err = toInt(v); err != nil {
			return ZappiBoost{}, err
		}
	}
	switch t := args["time"].(type) {
	case string:
		boost.Time = t
	case float64:
		boost.Time = strconv.Itoa(int(t))
	}
	return boost, nil
}
