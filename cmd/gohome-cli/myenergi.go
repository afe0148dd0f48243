package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"google.golang.org/grpc"

	"github.com/joshp123/gohome-myenergi/internal/rpc"
	"github.com/joshp123/gohome-myenergi/plugins/myenergi"
)

func myenergiCmd(ctx context.Context, conn *grpc.ClientConn, args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}
	if len(args) == 0 {
		myenergiUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "hubs":
		resp, err := rpc.Invoke[myenergi.ListHubsRequest, myenergi.ListHubsResponse](ctx, conn, myenergi.MethodPath("ListHubs"), myenergi.ListHubsRequest{})
		if err != nil {
			fatal("myenergi hubs", err)
		}
		if out.json {
			out.printJSON(resp)
			return
		}
		rows := [][]string{{"CLIENT", "HUB", "POLLS", "FAILURES", "LAST SUCCESS", "LAST ERROR"}}
		for _, hub := range resp.Hubs {
			rows = append(rows, []string{
				hub.ClientID,
				hub.Hubname,
				strconv.FormatUint(hub.Polls, 10),
				strconv.FormatUint(hub.Failures, 10),
				hub.LastSuccess,
				hub.LastError,
			})
		}
		out.table(rows)
	case "validate":
		flags := flag.NewFlagSet("myenergi validate", flag.ExitOnError)
		hubname := flags.String("hubname", "", "Hub display name")
		username := flags.String("username", "", "Hub serial")
		password := flags.String("password", "", "Hub password")
		baseURL := flags.String("api-base-url", "", "Override the director URL")
		_ = flags.Parse(args[1:])
		resp, err := rpc.Invoke[myenergi.ValidateCredentialsRequest, myenergi.ValidateCredentialsResponse](ctx, conn, myenergi.MethodPath("ValidateCredentials"), myenergi.ValidateCredentialsRequest{
			Hubname:    *hubname,
			Username:   *username,
			Password:   *password,
			APIBaseURL: *baseURL,
		})
		if err != nil {
			fatal("myenergi validate", err)
		}
		if out.json {
			out.printJSON(resp)
			return
		}
		if !resp.OK {
			fatal("myenergi validate", fmt.Errorf("%s", resp.Error))
		}
		fmt.Println("ok")
	case "pairable":
		requireArgs(args, 2, "myenergi pairable <zappi|eddi|harvi>")
		resp, err := rpc.Invoke[myenergi.KindRequest, myenergi.ListPairableResponse](ctx, conn, myenergi.MethodPath("ListPairable"), myenergi.KindRequest{Kind: args[1]})
		if err != nil {
			fatal("myenergi pairable", err)
		}
		if out.json {
			out.printJSON(resp)
			return
		}
		rows := [][]string{{"NAME", "SERIAL", "CLIENT"}}
		for _, dev := range resp.Devices {
			rows = append(rows, []string{dev.Name, dev.Serial, dev.ClientID})
		}
		out.table(rows)
	case "pair":
		requireArgs(args, 3, "myenergi pair <kind> <serial> [name]")
		req := myenergi.PairDeviceRequest{Kind: args[1], Serial: args[2]}
		if len(args) > 3 {
			req.Name = strings.Join(args[3:], " ")
		}
		resp, err := rpc.Invoke[myenergi.PairDeviceRequest, myenergi.DeviceResponse](ctx, conn, myenergi.MethodPath("PairDevice"), req)
		if err != nil {
			fatal("myenergi pair", err)
		}
		printDevice(out, resp.Device)
	case "devices":
		req := myenergi.KindRequest{}
		if len(args) > 1 {
			req.Kind = args[1]
		}
		resp, err := listDevices(ctx, conn, req)
		if err != nil {
			fatal("myenergi devices", err)
		}
		if out.json {
			out.printJSON(resp)
			return
		}
		rows := [][]string{{"ID", "KIND", "NAME", "AVAILABLE", "POWER"}}
		for _, dev := range resp.Devices {
			rows = append(rows, []string{dev.ID, dev.Kind, dev.Name, strconv.FormatBool(dev.Available), formatValue(dev.Values["measure_power"])})
		}
		out.table(rows)
	case "device", "show":
		requireArgs(args, 2, "myenergi device <device>")
		id := resolveDevice(ctx, conn, args[1])
		resp, err := rpc.Invoke[myenergi.DeviceRequest, myenergi.DeviceResponse](ctx, conn, myenergi.MethodPath("GetDevice"), myenergi.DeviceRequest{DeviceID: id})
		if err != nil {
			fatal("myenergi device", err)
		}
		printDevice(out, resp.Device)
	case "remove":
		requireArgs(args, 2, "myenergi remove <device>")
		id := resolveDevice(ctx, conn, args[1])
		if _, err := rpc.Invoke[myenergi.DeviceRequest, myenergi.Empty](ctx, conn, myenergi.MethodPath("RemoveDevice"), myenergi.DeviceRequest{DeviceID: id}); err != nil {
			fatal("myenergi remove", err)
		}
		fmt.Printf("removed %s\n", id)
	case "mode":
		requireArgs(args, 3, "myenergi mode <device> <fast|eco|eco_plus|off>")
		id := resolveDevice(ctx, conn, args[1])
		deviceCall(ctx, conn, out, "SetChargeMode", myenergi.SetChargeModeRequest{DeviceID: id, Mode: args[2]})
	case "boost":
		requireArgs(args, 3, "myenergi boost <device> <mode> [--kwh n] [--time HH:MM]")
		flags := flag.NewFlagSet("myenergi boost", flag.ExitOnError)
		kwh := flags.Int("kwh", 0, "Energy to add in kWh")
		at := flags.String("time", "", "Smart boost completion time")
		_ = flags.Parse(args[3:])
		id := resolveDevice(ctx, conn, args[1])
		deviceCall(ctx, conn, out, "SetBoost", myenergi.SetBoostRequest{DeviceID: id, Mode: args[2], KWh: *kwh, Time: *at})
	case "green":
		requireArgs(args, 3, "myenergi green <device> <percent>")
		level, err := strconv.Atoi(args[2])
		if err != nil {
			fatal("myenergi green", fmt.Errorf("invalid level %q", args[2]))
		}
		id := resolveDevice(ctx, conn, args[1])
		deviceCall(ctx, conn, out, "SetGreenLevel", myenergi.SetGreenLevelRequest{DeviceID: id, Level: level})
	case "heater":
		requireArgs(args, 3, "myenergi heater <device> <on|off>")
		on, err := parseOnOff(args[2])
		if err != nil {
			fatal("myenergi heater", err)
		}
		id := resolveDevice(ctx, conn, args[1])
		deviceCall(ctx, conn, out, "SetHeater", myenergi.SetHeaterRequest{DeviceID: id, On: on})
	case "heater-boost":
		requireArgs(args, 4, "myenergi heater-boost <device> <heater> <minutes>")
		heater, err := strconv.Atoi(args[2])
		if err != nil {
			fatal("myenergi heater-boost", fmt.Errorf("invalid heater %q", args[2]))
		}
		minutes, err := strconv.Atoi(args[3])
		if err != nil {
			fatal("myenergi heater-boost", fmt.Errorf("invalid minutes %q", args[3]))
		}
		id := resolveDevice(ctx, conn, args[1])
		deviceCall(ctx, conn, out, "SetHeaterBoost", myenergi.SetHeaterBoostRequest{DeviceID: id, Heater: heater, Minutes: minutes})
	case "rename":
		requireArgs(args, 3, "myenergi rename <device> <name>")
		id := resolveDevice(ctx, conn, args[1])
		deviceCall(ctx, conn, out, "Rename", myenergi.RenameRequest{DeviceID: id, Name: strings.Join(args[2:], " ")})
	case "settings":
		requireArgs(args, 3, "myenergi settings <device> key=value...")
		patch, err := parseAssignments(args[2:])
		if err != nil {
			fatal("myenergi settings", err)
		}
		id := resolveDevice(ctx, conn, args[1])
		resp, err := rpc.Invoke[myenergi.UpdateSettingsRequest, myenergi.UpdateSettingsResponse](ctx, conn, myenergi.MethodPath("UpdateSettings"), myenergi.UpdateSettingsRequest{DeviceID: id, Settings: patch})
		if err != nil {
			fatal("myenergi settings", err)
		}
		if out.json {
			out.printJSON(resp)
			return
		}
		printMap(out, "SETTING", resp.Settings)
	case "reset-meter":
		requireArgs(args, 2, "myenergi reset-meter <device>")
		id := resolveDevice(ctx, conn, args[1])
		deviceCall(ctx, conn, out, "ResetMeter", myenergi.DeviceRequest{DeviceID: id})
	case "reload-capabilities":
		requireArgs(args, 2, "myenergi reload-capabilities <device>")
		id := resolveDevice(ctx, conn, args[1])
		deviceCall(ctx, conn, out, "ReloadCapabilities", myenergi.DeviceRequest{DeviceID: id})
	case "poll":
		resp, err := rpc.Invoke[myenergi.Empty, myenergi.PollResponse](ctx, conn, myenergi.MethodPath("Poll"), myenergi.Empty{})
		if err != nil {
			fatal("myenergi poll", err)
		}
		if out.json {
			out.printJSON(resp)
			return
		}
		fmt.Printf("generation %d: polled %d, skipped %d, delivered %d\n", resp.Generation, len(resp.Polled), len(resp.Skipped), resp.Delivered)
		if resp.Discarded {
			fmt.Println("results discarded: hubs were reconfigured during the poll")
		}
	case "flows":
		flowsCmd(ctx, conn, out, args[1:])
	default:
		myenergiUsage()
		os.Exit(2)
	}
}

func flowsCmd(ctx context.Context, conn *grpc.ClientConn, out outputMode, args []string) {
	if len(args) == 0 {
		myenergiUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "cards":
		resp, err := rpc.Invoke[myenergi.Empty, myenergi.ListFlowCardsResponse](ctx, conn, myenergi.MethodPath("ListFlowCards"), myenergi.Empty{})
		if err != nil {
			fatal("myenergi flows cards", err)
		}
		if out.json {
			out.printJSON(resp)
			return
		}
		rows := [][]string{{"CARD", "KIND", "DRIVER", "ARGS"}}
		for _, card := range resp.Cards {
			rows = append(rows, []string{card.ID, string(card.Kind), card.DriverID, strings.Join(card.Args, ",")})
		}
		out.table(rows)
	case "run", "check":
		requireArgs(args, 3, "myenergi flows run|check <device> <card> [key=value...]")
		flowArgs, err := parseAssignments(args[3:])
		if err != nil {
			fatal("myenergi flows", err)
		}
		req := myenergi.RunFlowCardRequest{DeviceID: resolveDevice(ctx, conn, args[1]), Card: args[2], Args: flowArgs}
		if args[0] == "run" {
			if _, err := rpc.Invoke[myenergi.RunFlowCardRequest, myenergi.Empty](ctx, conn, myenergi.MethodPath("RunFlowAction"), req); err != nil {
				fatal("myenergi flows run", err)
			}
			fmt.Println("ok")
			return
		}
		resp, err := rpc.Invoke[myenergi.RunFlowCardRequest, myenergi.EvaluateFlowConditionResponse](ctx, conn, myenergi.MethodPath("EvaluateFlowCondition"), req)
		if err != nil {
			fatal("myenergi flows check", err)
		}
		if out.json {
			out.printJSON(resp)
			return
		}
		fmt.Println(resp.Result)
	case "events":
		flags := flag.NewFlagSet("myenergi flows events", flag.ExitOnError)
		limit := flags.Int("limit", 20, "Number of recent events")
		_ = flags.Parse(args[1:])
		resp, err := rpc.Invoke[myenergi.ListFlowEventsRequest, myenergi.ListFlowEventsResponse](ctx, conn, myenergi.MethodPath("ListFlowEvents"), myenergi.ListFlowEventsRequest{Limit: *limit})
		if err != nil {
			fatal("myenergi flows events", err)
		}
		if out.json {
			out.printJSON(resp)
			return
		}
		rows := [][]string{{"AT", "CARD", "DEVICE"}}
		for _, ev := range resp.Events {
			rows = append(rows, []string{ev.At.Format("2006-01-02 15:04:05"), ev.Card, ev.DeviceID})
		}
		out.table(rows)
	default:
		myenergiUsage()
		os.Exit(2)
	}
}

func deviceCall[Req any](ctx context.Context, conn *grpc.ClientConn, out outputMode, method string, req Req) {
	resp, err := rpc.Invoke[Req, myenergi.DeviceResponse](ctx, conn, myenergi.MethodPath(method), req)
	if err != nil {
		fatal("myenergi "+strings.ToLower(method), err)
	}
	printDevice(out, resp.Device)
}

func listDevices(ctx context.Context, conn *grpc.ClientConn, req myenergi.KindRequest) (myenergi.ListDevicesResponse, error) {
	return rpc.Invoke[myenergi.KindRequest, myenergi.ListDevicesResponse](ctx, conn, myenergi.MethodPath("ListDevices"), req)
}

// resolveDevice accepts a device id, a serial, or a device name.
func resolveDevice(ctx context.Context, conn *grpc.ClientConn, ref string) string {
	resp, err := listDevices(ctx, conn, myenergi.KindRequest{})
	if err != nil {
		fatal("myenergi list devices", err)
	}
	byName := make(map[string]string, len(resp.Devices))
	for _, dev := range resp.Devices {
		if dev.ID == ref || dev.Serial == ref {
			return dev.ID
		}
		byName[dev.Name] = dev.ID
	}
	id, err := resolveNamedID("device", ref, byName)
	if err != nil {
		fatal("myenergi", err)
	}
	return id
}

func printDevice(out outputMode, dev myenergi.DeviceView) {
	if out.json {
		out.printJSON(dev)
		return
	}
	fmt.Printf("id: %s\n", dev.ID)
	fmt.Printf("name: %s\n", dev.Name)
	fmt.Printf("kind: %s\n", dev.Kind)
	fmt.Printf("serial: %s\n", dev.Serial)
	fmt.Printf("hub: %s\n", dev.ClientID)
	if dev.Available {
		fmt.Println("available: true")
	} else {
		fmt.Printf("available: false (%s)\n", dev.UnavailableReason)
	}
	rows := [][]string{{"CAPABILITY", "VALUE"}}
	for _, capability := range dev.Capabilities {
		rows = append(rows, []string{capability, formatValue(dev.Values[capability])})
	}
	out.table(rows)
}

func printMap(out outputMode, header string, values map[string]any) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rows := [][]string{{header, "VALUE"}}
	for _, key := range keys {
		rows = append(rows, []string{key, formatValue(values[key])})
	}
	out.table(rows)
}

func formatValue(v any) string {
	switch value := v.(type) {
	case nil:
		return "-"
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprint(value)
	}
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func requireArgs(args []string, n int, usageLine string) {
	if len(args) < n {
		fatal("usage", fmt.Errorf("gohome-cli %s", usageLine))
	}
}

func myenergiUsage() {
	fmt.Println("gohome-cli myenergi <command>")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  hubs")
	fmt.Println("  validate --username <serial> --password <password> [--hubname name]")
	fmt.Println("  pairable <zappi|eddi|harvi>")
	fmt.Println("  pair <kind> <serial> [name]")
	fmt.Println("  devices [kind]")
	fmt.Println("  device <device>")
	fmt.Println("  remove <device>")
	fmt.Println("  mode <device> <fast|eco|eco_plus|off>")
	fmt.Println("  boost <device> <manual|smart|stop> [--kwh n] [--time HH:MM]")
	fmt.Println("  green <device> <percent>")
	fmt.Println("  heater <device> <on|off>")
	fmt.Println("  heater-boost <device> <heater> <minutes>")
	fmt.Println("  rename <device> <name>")
	fmt.Println("  settings <device> key=value...")
	fmt.Println("  reset-meter <device>")
	fmt.Println("  reload-capabilities <device>")
	fmt.Println("  poll")
	fmt.Println("  flows cards")
	fmt.Println("  flows run <device> <card> [key=value...]")
	fmt.Println("  flows check <device> <card> [key=value...]")
	fmt.Println("  flows events [--limit n]")
}
