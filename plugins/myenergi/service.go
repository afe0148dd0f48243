package myenergi

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joshp123/gohome-myenergi/internal/host"
	"github.com/joshp123/gohome-myenergi/internal/rate"
	"github.com/joshp123/gohome-myenergi/internal/rpc"
)

type HubView struct {
	ClientID       string  `json:"client_id"`
	Hubname        string  `json:"hubname"`
	LastSuccess    string  `json:"last_success,omitempty"`
	LastError      string  `json:"last_error,omitempty"`
	LastDurationMS float64 `json:"last_duration_ms"`
	Polls          uint64  `json:"polls"`
	Failures       uint64  `json:"failures"`
	InFlight       bool    `json:"in_flight"`
}

type DeviceView struct {
	ID                string         `json:"id"`
	Kind              string         `json:"kind"`
	Serial            string         `json:"serial"`
	Name              string         `json:"name"`
	ClientID          string         `json:"client_id"`
	Available         bool           `json:"available"`
	UnavailableReason string         `json:"unavailable_reason,omitempty"`
	Capabilities      []string       `json:"capabilities"`
	Values            map[string]any `json:"values"`
	Settings          map[string]any `json:"settings"`
}

type PairableDevice struct {
	Name         string         `json:"name"`
	Serial       string         `json:"serial"`
	ClientID     string         `json:"client_id"`
	Capabilities []string       `json:"capabilities"`
	Settings     map[string]any `json:"settings"`
}

type ListHubsRequest struct{}

type ListHubsResponse struct {
	Hubs                []HubView `json:"hubs"`
	PollIntervalSeconds float64   `json:"poll_interval_seconds"`
	Generation          uint64    `json:"generation"`
}

type ValidateCredentialsRequest struct {
	Hubname    string `json:"hubname"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	APIBaseURL string `json:"api_base_url"`
}

type ValidateCredentialsResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type KindRequest struct {
	Kind string `json:"kind"`
}

type ListPairableResponse struct {
	Devices []PairableDevice `json:"devices"`
}

type PairDeviceRequest struct {
	Kind   string `json:"kind"`
	Serial string `json:"serial"`
	Name   string `json:"name"`
}

type DeviceRequest struct {
	DeviceID string `json:"device_id"`
}

type DeviceResponse struct {
	Device DeviceView `json:"device"`
}

type ListDevicesResponse struct {
	Devices []DeviceView `json:"devices"`
}

type Empty struct{}

type SetChargeModeRequest struct {
	DeviceID string `json:"device_id"`
	Mode     string `json:"mode"`
}

type SetBoostRequest struct {
	DeviceID string `json:"device_id"`
	Mode     string `json:"mode"`
	KWh      int    `json:"kwh"`
	Time     string `json:"time"`
}

type SetGreenLevelRequest struct {
	DeviceID string `json:"device_id"`
	Level    int    `json:"level"`
}

type SetHeaterRequest struct {
	DeviceID string `json:"device_id"`
	On       bool   `json:"on"`
}

type SetHeaterBoostRequest struct {
	DeviceID string `json:"device_id"`
	Heater   int    `json:"heater"`
	Minutes  int    `json:"minutes"`
}

type RenameRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
}

type UpdateSettingsRequest struct {
	DeviceID string         `json:"device_id"`
	Settings map[string]any `json:"settings"`
}

type UpdateSettingsResponse struct {
	Settings map[string]any `json:"settings"`
}

type PollResponse struct {
	Generation uint64   `json:"generation"`
	Polled     []string `json:"polled"`
	Skipped    []string `json:"skipped"`
	Delivered  int      `json:"delivered"`
	Discarded  bool     `json:"discarded"`
}

type ListFlowCardsResponse struct {
	Cards []host.FlowCard `json:"cards"`
}

type RunFlowCardRequest struct {
	DeviceID string         `json:"device_id"`
	Card     string         `json:"card"`
	Args     map[string]any `json:"args"`
}

type EvaluateFlowConditionResponse struct {
	Result bool `json:"result"`
}

type ListFlowEventsRequest struct {
	Limit int `json:"limit"`
}

type ListFlowEventsResponse struct {
	Events []host.FlowEvent `json:"events"`
}

type service struct {
	plugin *Plugin
}

// serviceDefinition describes gohome.myenergi.v1.MyEnergiService.
func serviceDefinition(p *Plugin) rpc.Service {
	s := &service{plugin: p}
	return rpc.Service{
		Package: "gohome.myenergi.v1",
		Name:    "MyEnergiService",
		Methods: []rpc.Method{
			{Name: "ListHubs", Handler: rpc.Unary(s.ListHubs)},
			{Name: "ValidateCredentials", Handler: rpc.Unary(s.ValidateCredentials)},
			{Name: "ListPairable", Handler: rpc.Unary(s.ListPairable)},
			{Name: "PairDevice", Handler: rpc.Unary(s.PairDevice)},
			{Name: "ListDevices", Handler: rpc.Unary(s.ListDevices)},
			{Name: "GetDevice", Handler: rpc.Unary(s.GetDevice)},
			{Name: "RemoveDevice", Handler: rpc.Unary(s.RemoveDevice)},
			{Name: "SetChargeMode", Handler: rpc.Unary(s.SetChargeMode)},
			{Name: "SetBoost", Handler: rpc.Unary(s.SetBoost)},
			{Name: "SetGreenLevel", Handler: rpc.Unary(s.SetGreenLevel)},
			{Name: "SetHeater", Handler: rpc.Unary(s.SetHeater)},
			{Name: "SetHeaterBoost", Handler: rpc.Unary(s.SetHeaterBoost)},
			{Name: "Rename", Handler: rpc.Unary(s.Rename)},
			{Name: "UpdateSettings", Handler: rpc.Unary(s.UpdateSettings)},
			{Name: "ResetMeter", Handler: rpc.Unary(s.ResetMeter)},
			{Name: "ReloadCapabilities", Handler: rpc.Unary(s.ReloadCapabilities)},
			{Name: "Poll", Handler: rpc.Unary(s.Poll)},
			{Name: "ListFlowCards", Handler: rpc.Unary(s.ListFlowCards)},
			{Name: "RunFlowAction", Handler: rpc.Unary(s.RunFlowAction)},
			{Name: "EvaluateFlowCondition", Handler: rpc.Unary(s.EvaluateFlowCondition)},
			{Name: "ListFlowEvents", Handler: rpc.Unary(s.ListFlowEvents)},
		},
	}
}

// MethodPath returns the wire path of a MyEnergiService method.
func MethodPath(method string) string {
	return serviceDefinition(nil).MethodPath(method)
}

func (s *service) ready() error {
	if s.plugin == nil || s.plugin.scheduler == nil {
		msg := "myenergi plugin not configured"
		if s.plugin != nil && s.plugin.healthMessage != "" {
			msg += ": " + s.plugin.healthMessage
		}
		return status.Error(codes.FailedPrecondition, msg)
	}
	return nil
}

func (s *service) ListHubs(ctx context.Context, _ ListHubsRequest) (ListHubsResponse, error) {
	_ = ctx
	if err := s.ready(); err != nil {
		return ListHubsResponse{}, err
	}
	sched := s.plugin.scheduler
	resp := ListHubsResponse{
		Hubs:                []HubView{},
		PollIntervalSeconds: sched.Interval().Seconds(),
		Generation:          sched.Generation(),
	}
	for _, st := range sched.Statuses() {
		view := HubView{
			ClientID:       st.ClientID,
			Hubname:        st.Hubname,
			LastError:      st.LastError,
			LastDurationMS: float64(st.LastDuration) / float64(time.Millisecond),
			Polls:          st.Polls,
			Failures:       st.Failures,
			InFlight:       st.InFlight,
		}
		if !st.LastSuccess.IsZero() {
			view.LastSuccess = st.LastSuccess.UTC().Format(time.RFC3339)
		}
		resp.Hubs = append(resp.Hubs, view)
	}
	return resp, nil
}

func (s *service) ValidateCredentials(ctx context.Context, req ValidateCredentialsRequest) (ValidateCredentialsResponse, error) {
	if err := s.ready(); err != nil {
		return ValidateCredentialsResponse{}, err
	}
	if req.Username == "" || req.Password == "" {
		return ValidateCredentialsResponse{}, status.Error(codes.InvalidArgument, "username and password are required")
	}
	baseURL := req.APIBaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := s.plugin.newClient(HubCredential{Hubname: req.Hubname, Username: req.Username, Password: req.Password}, baseURL)
	if err := Validate(ctx, client); err != nil {
		return ValidateCredentialsResponse{OK: false, Error: err.Error()}, nil
	}
	return ValidateCredentialsResponse{OK: true}, nil
}

func (s *service) driver(kind string) (host.Driver, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	switch k {
	case KindZappi:
		return s.plugin.zappi, nil
	case KindEddi:
		return s.plugin.eddi, nil
	default:
		return s.plugin.harvi, nil
	}
}

func (s *service) ListPairable(ctx context.Context, req KindRequest) (ListPairableResponse, error) {
	if err := s.ready(); err != nil {
		return ListPairableResponse{}, err
	}
	drv, err := s.driver(req.Kind)
	if err != nil {
		return ListPairableResponse{}, err
	}
	records, err := drv.ListPairable(ctx)
	if err != nil {
		return ListPairableResponse{}, statusFromError("list pairable", err)
	}
	resp := ListPairableResponse{Devices: []PairableDevice{}}
	for _, rec := range records {
		resp.Devices = append(resp.Devices, PairableDevice{
			Name:         rec.Name,
			Serial:       asSerial(rec.Data["id"]),
			ClientID:     asSerial(rec.Store["myenergiClientId"]),
			Capabilities: rec.Capabilities,
			Settings:     rec.Settings,
		})
	}
	return resp, nil
}

func (s *service) PairDevice(ctx context.Context, req PairDeviceRequest) (DeviceResponse, error) {
	if err := s.ready(); err != nil {
		return DeviceResponse{}, err
	}
	serial, err := parseSerial(req.Serial)
	if err != nil {
		return DeviceResponse{}, status.Error(codes.InvalidArgument, err.Error())
	}
	drv, err := s.driver(req.Kind)
	if err != nil {
		return DeviceResponse{}, err
	}
	records, err := drv.ListPairable(ctx)
	if err != nil {
		return DeviceResponse{}, statusFromError("list pairable", err)
	}
	for _, rec := range records {
		if asSerial(rec.Data["id"]) != serial {
			continue
		}
		if req.Name != "" {
			rec.Name = req.Name
		}
		dev, err := s.plugin.runtime.AddDevice(ctx, drv.ID(), rec)
		if err != nil {
			return DeviceResponse{}, statusFromError("pair", err)
		}
		return DeviceResponse{Device: deviceView(dev)}, nil
	}
	return DeviceResponse{}, status.Errorf(codes.NotFound, "%s %s not found on any hub", req.Kind, serial)
}

func (s *service) ListDevices(ctx context.Context, req KindRequest) (ListDevicesResponse, error) {
	_ = ctx
	if err := s.ready(); err != nil {
		return ListDevicesResponse{}, err
	}
	if req.Kind != "" {
		if _, err := ParseKind(req.Kind); err != nil {
			return ListDevicesResponse{}, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	resp := ListDevicesResponse{Devices: []DeviceView{}}
	for _, dev := range s.plugin.runtime.Devices() {
		if _, err := ParseKind(dev.DriverID()); err != nil {
			continue
		}
		if req.Kind != "" && dev.DriverID() != req.Kind {
			continue
		}
		resp.Devices = append(resp.Devices, deviceView(dev))
	}
	return resp, nil
}

func (s *service) GetDevice(ctx context.Context, req DeviceRequest) (DeviceResponse, error) {
	_ = ctx
	if err := s.ready(); err != nil {
		return DeviceResponse{}, err
	}
	dev, err := s.device(req.DeviceID)
	if err != nil {
		return DeviceResponse{}, err
	}
	return DeviceResponse{Device: deviceView(dev)}, nil
}

func (s *service) RemoveDevice(ctx context.Context, req DeviceRequest) (Empty, error) {
	if err := s.ready(); err != nil {
		return Empty{}, err
	}
	dev, err := s.device(req.DeviceID)
	if err != nil {
		return Empty{}, err
	}
	if err := s.plugin.runtime.RemoveDevice(ctx, dev.ID()); err != nil {
		return Empty{}, statusFromError("remove", err)
	}
	return Empty{}, nil
}

func (s *service) SetChargeMode(ctx context.Context, req SetChargeModeRequest) (DeviceResponse, error) {
	z, dev, err := hooksFor[*ZappiDevice](s, req.DeviceID)
	if err != nil {
		return DeviceResponse{}, err
	}
	mode, err := ParseZappiMode(req.Mode)
	if err != nil {
		return DeviceResponse{}, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := z.SetMode(ctx, mode); err != nil {
		return DeviceResponse{}, statusFromError("set charge mode", err)
	}
	return DeviceResponse{Device: deviceView(dev)}, nil
}

func (s *service) SetBoost(ctx context.Context, req SetBoostRequest) (DeviceResponse, error) {
	z, dev, err := hooksFor[*ZappiDevice](s, req.DeviceID)
	if err != nil {
		return DeviceResponse{}, err
	}
	mode, err := ParseBoostMode(req.Mode)
	if err != nil {
		return DeviceResponse{}, status.Error(codes.InvalidArgument, err.Error())
	}
	boost := ZappiBoost{Mode: mode, KWh: req.KWh, Time: req.Time}
	if err := boost.Validate(); err != nil {
		return DeviceResponse{}, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := z.SetBoost(ctx, boost); err != nil {
		return DeviceResponse{}, statusFromError("set boost", err)
	}
	return DeviceResponse{Device: deviceView(dev)}, nil
}

func (s *service) SetGreenLevel(ctx context.Context, req SetGreenLevelRequest) (DeviceResponse, error) {
	z, dev, err := hooksFor[*ZappiDevice](s, req.DeviceID)
	if err != nil {
		return DeviceResponse{}, err
	}
	if req.Level < 0 || req.Level > 100 {
		return DeviceResponse{}, status.Errorf(codes.InvalidArgument, "level %d out of range 0-100", req.Level)
	}
	if err := z.SetGreenLevel(ctx, req.Level); err != nil {
		return DeviceResponse{}, statusFromError("set green level", err)
	}
	return DeviceResponse{Device: deviceView(dev)}, nil
}

func (s *service) SetHeater(ctx context.Context, req SetHeaterRequest) (DeviceResponse, error) {
	e, dev, err := hooksFor[*EddiDevice](s, req.DeviceID)
	if err != nil {
		return DeviceResponse{}, err
	}
	if err := e.SetOnOff(ctx, req.On); err != nil {
		return DeviceResponse{}, statusFromError("set heater", err)
	}
	return DeviceResponse{Device: deviceView(dev)}, nil
}

func (s *service) SetHeaterBoost(ctx context.Context, req SetHeaterBoostRequest) (DeviceResponse, error) {
	e, dev, err := hooksFor[*EddiDevice](s, req.DeviceID)
	if err != nil {
		return DeviceResponse{}, err
	}
	if req.Heater != 1 && req.Heater != 2 {
		return DeviceResponse{}, status.Errorf(codes.InvalidArgument, "heater must be 1 or 2, got %d", req.Heater)
	}
	if req.Minutes < 0 || req.Minutes > 99*60 {
		return DeviceResponse{}, status.Errorf(codes.InvalidArgument, "minutes %d out of range", req.Minutes)
	}
	if err := e.SetBoost(ctx, req.Heater, req.Minutes); err != nil {
		return DeviceResponse{}, statusFromError("set heater boost", err)
	}
	return DeviceResponse{Device: deviceView(dev)}, nil
}

func (s *service) Rename(ctx context.Context, req RenameRequest) (DeviceResponse, error) {
	if err := s.ready(); err != nil {
		return DeviceResponse{}, err
	}
	if req.Name == "" {
		return DeviceResponse{}, status.Error(codes.InvalidArgument, "name is required")
	}
	dev, err := s.device(req.DeviceID)
	if err != nil {
		return DeviceResponse{}, err
	}
	if err := s.plugin.runtime.Rename(ctx, dev.ID(), req.Name); err != nil {
		return DeviceResponse{}, statusFromError("rename", err)
	}
	return DeviceResponse{Device: deviceView(dev)}, nil
}

func (s *service) UpdateSettings(ctx context.Context, req UpdateSettingsRequest) (UpdateSettingsResponse, error) {
	if err := s.ready(); err != nil {
		return UpdateSettingsResponse{}, err
	}
	if len(req.Settings) == 0 {
		return UpdateSettingsResponse{}, status.Error(codes.InvalidArgument, "settings are required")
	}
	dev, err := s.device(req.DeviceID)
	if err != nil {
		return UpdateSettingsResponse{}, err
	}
	settings, err := s.plugin.runtime.UpdateSettings(ctx, dev.ID(), req.Settings)
	if errors.Is(err, host.ErrNoDevice) {
		return UpdateSettingsResponse{}, statusFromError("update settings", err)
	}
	if err != nil {
		return UpdateSettingsResponse{}, status.Errorf(codes.InvalidArgument, "update settings: %v", err)
	}
	return UpdateSettingsResponse{Settings: settings}, nil
}

type meterDevice interface {
	ResetMeter(ctx context.Context)
	ReloadCapabilities(ctx context.Context)
}

func (s *service) ResetMeter(ctx context.Context, req DeviceRequest) (DeviceResponse, error) {
	m, dev, err := hooksFor[meterDevice](s, req.DeviceID)
	if err != nil {
		return DeviceResponse{}, err
	}
	m.ResetMeter(ctx)
	return DeviceResponse{Device: deviceView(dev)}, nil
}

func (s *service) ReloadCapabilities(ctx context.Context, req DeviceRequest) (DeviceResponse, error) {
	m, dev, err := hooksFor[meterDevice](s, req.DeviceID)
	if err != nil {
		return DeviceResponse{}, err
	}
	m.ReloadCapabilities(ctx)
	return DeviceResponse{Device: deviceView(dev)}, nil
}

func (s *service) Poll(ctx context.Context, _ Empty) (PollResponse, error) {
	if err := s.ready(); err != nil {
		return PollResponse{}, err
	}
	res := s.plugin.scheduler.RunPollCycle(ctx)
	return PollResponse{
		Generation: res.Generation,
		Polled:     nonNil(res.Polled),
		Skipped:    nonNil(res.Skipped),
		Delivered:  res.Delivered,
		Discarded:  res.Discarded,
	}, nil
}

func (s *service) ListFlowCards(ctx context.Context, _ Empty) (ListFlowCardsResponse, error) {
	_ = ctx
	if err := s.ready(); err != nil {
		return ListFlowCardsResponse{}, err
	}
	resp := ListFlowCardsResponse{Cards: []host.FlowCard{}}
	for _, card := range s.plugin.runtime.Flows().Cards() {
		if _, err := ParseKind(card.DriverID); err == nil {
			resp.Cards = append(resp.Cards, card)
		}
	}
	return resp, nil
}

func (s *service) RunFlowAction(ctx context.Context, req RunFlowCardRequest) (Empty, error) {
	if err := s.ready(); err != nil {
		return Empty{}, err
	}
	dev, err := s.device(req.DeviceID)
	if err != nil {
		return Empty{}, err
	}
	if err := s.plugin.runtime.Flows().RunAction(ctx, dev, req.Card, req.Args); err != nil {
		return Empty{}, statusFromError("run "+req.Card, err)
	}
	return Empty{}, nil
}

func (s *service) EvaluateFlowCondition(ctx context.Context, req RunFlowCardRequest) (EvaluateFlowConditionResponse, error) {
	if err := s.ready(); err != nil {
		return EvaluateFlowConditionResponse{}, err
	}
	dev, err := s.device(req.DeviceID)
	if err != nil {
		return EvaluateFlowConditionResponse{}, err
	}
	ok, err := s.plugin.runtime.Flows().EvaluateCondition(ctx, dev, req.Card, req.Args)
	if err != nil {
		return EvaluateFlowConditionResponse{}, statusFromError("evaluate "+req.Card, err)
	}
	return EvaluateFlowConditionResponse{Result: ok}, nil
}

func (s *service) ListFlowEvents(ctx context.Context, req ListFlowEventsRequest) (ListFlowEventsResponse, error) {
	_ = ctx
	if err := s.ready(); err != nil {
		return ListFlowEventsResponse{}, err
	}
	resp := ListFlowEventsResponse{Events: []host.FlowEvent{}}
	for _, ev := range s.plugin.runtime.Flows().Recent(req.Limit) {
		if _, err := ParseKind(ev.DriverID); err == nil {
			resp.Events = append(resp.Events, ev)
		}
	}
	return resp, nil
}

// device resolves a runtime device id or a bare serial to a myenergi device.
func (s *service) device(ref string) (*host.Device, error) {
	if ref == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id is required")
	}
	rt := s.plugin.runtime
	if dev, ok := rt.Device(ref); ok {
		if _, err := ParseKind(dev.DriverID()); err == nil {
			return dev, nil
		}
	}
	for _, dev := range rt.Devices() {
		if _, err := ParseKind(dev.DriverID()); err != nil {
			continue
		}
		if dev.DataString("id") == ref {
			return dev, nil
		}
	}
	return nil, status.Errorf(codes.NotFound, "device %s not found", ref)
}

func hooksFor[T any](s *service, ref string) (T, *host.Device, error) {
	var zero T
	if err := s.ready(); err != nil {
		return zero, nil, err
	}
	dev, err := s.device(ref)
	if err != nil {
		return zero, nil, err
	}
	hooks, ok := s.plugin.runtime.Hooks(dev.ID())
	if !ok {
		return zero, nil, status.Errorf(codes.NotFound, "device %s not found", ref)
	}
	typed, ok := hooks.(T)
	if !ok {
		return zero, nil, status.Errorf(codes.InvalidArgument, "%s does not support this operation", dev.DriverID())
	}
	return typed, dev, nil
}

func deviceView(dev *host.Device) DeviceView {
	return DeviceView{
		ID:                dev.ID(),
		Kind:              dev.DriverID(),
		Serial:            dev.DataString("id"),
		Name:              dev.Name(),
		ClientID:          dev.StoreString("myenergiClientId"),
		Available:         dev.Available(),
		UnavailableReason: dev.UnavailableReason(),
		Capabilities:      dev.Capabilities(),
		Values:            dev.CapabilityValues(),
		Settings:          dev.Settings(),
	}
}

// statusFromError maps plugin errors to gRPC codes.
func statusFromError(action string, err error) error {
	var (
		cmdErr  CommandError
		httpErr HTTPStatusError
		rateErr rate.RateLimitError
		netErr  net.Error
	)
	code := codes.Internal
	switch {
	case errors.Is(err, ErrNoHubs), errors.Is(err, ErrNoClient):
		code = codes.FailedPrecondition
	case errors.Is(err, host.ErrNoDevice), errors.Is(err, ErrDeviceNotFound):
		code = codes.NotFound
	case errors.Is(err, host.ErrDeviceExists):
		code = codes.AlreadyExists
	case errors.Is(err, host.ErrUnknownFlowCard):
		code = codes.InvalidArgument
	case errors.Is(err, ErrPairingFailed), errors.As(err, &rateErr), errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded):
		code = codes.Unavailable
	case errors.As(err, &httpErr):
		code = codes.Unavailable
		if httpErr.Status == 401 {
			code = codes.Unauthenticated
		}
	case errors.As(err, &cmdErr):
		code = codes.Internal
	}
	return status.Errorf(code, "%s: %v", action, err)
}

func asSerial(v any) string {
	s, _ := v.(string)
	return s
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
