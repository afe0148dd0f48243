package myenergi

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

const (
	fakeEddiSerial  = "99999997"
	fakeZappiSerial = "99999998"
	fakeHarviSerial = "99999999"
	fakeHubSerial   = "H00000000"
)

// FakeClient is an in-memory hub with one device of each kind. Commands
// mutate the records the status endpoints return.
type FakeClient struct {
	mu      sync.Mutex
	zappi   []ZappiTelemetry
	eddi    []EddiTelemetry
	harvi   []HarviTelemetry
	keys    map[string]string
	failErr error
	calls   []string
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		zappi: []ZappiTelemetry{{
			SerialNumber:  fakeZappiSerial,
			Mode:          int(ZappiEco),
			PlugStatus:    string(StatusCharging),
			Status:        3,
			CTPower1:      3600,
			CTType1:       InternalLoad,
			CTPower2:      -1200,
			CTType2:       "Grid",
			Voltage:       2300,
			Frequency:     50,
			ChargeAdded:   4.2,
			MinGreenLevel: 50,
		}},
		eddi: []EddiTelemetry{{
			SerialNumber: fakeEddiSerial,
			Status:       int(HeaterDiverting),
			CTPower1:     1800,
			CTType1:      InternalLoad,
			CTPower2:     900,
			CTType2:      "Generation",
			Voltage:      2310,
			Frequency:    50,
			Generation:   900,
			Heater1Name:  "Tank 1",
			Heater2Name:  "Tank 2",
			Temperature1: 48,
			Temperature2: 35,
		}},
		harvi: []HarviTelemetry{{
			SerialNumber: fakeHarviSerial,
			CTPower1:     -2500,
			CTType1:      "Grid",
			CTPower2:     2100,
			CTType2:      "Generation",
			Firmware:     "3170",
		}},
		keys: map[string]string{
			"siteName":            "Fake site",
			"Z" + fakeZappiSerial: "Fake zappi",
			"E" + fakeEddiSerial:  "Fake eddi",
			"H" + fakeHarviSerial: "Fake harvi",
		},
	}
}

// Fail makes every following call return err until Fail(nil).
func (f *FakeClient) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

// Calls lists the method names received so far.
func (f *FakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// UpdateZappi edits the stored zappi record with serial.
func (f *FakeClient) UpdateZappi(serial string, fn func(*ZappiTelemetry)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.zappi {
		if f.zappi[i].ID() == serial {
			fn(&f.zappi[i])
		}
	}
}

func (f *FakeClient) UpdateEddi(serial string, fn func(*EddiTelemetry)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.eddi {
		if f.eddi[i].ID() == serial {
			fn(&f.eddi[i])
		}
	}
}

func (f *FakeClient) UpdateHarvi(serial string, fn func(*HarviTelemetry)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.harvi {
		if f.harvi[i].ID() == serial {
			fn(&f.harvi[i])
		}
	}
}

// enter records the call and returns the injected failure. Callers hold f.mu.
func (f *FakeClient) enter(name string) error {
	f.calls = append(f.calls, name)
	return f.failErr
}

func (f *FakeClient) StatusAll(context.Context) ([]StatusEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("StatusAll"); err != nil {
		return nil, err
	}
	return []StatusEnvelope{
		{Eddi: append([]EddiTelemetry(nil), f.eddi...)},
		{Zappi: append([]ZappiTelemetry(nil), f.zappi...)},
		{Harvi: append([]HarviTelemetry(nil), f.harvi...)},
		{ASN: "fake.myenergi.net"},
	}, nil
}

func (f *FakeClient) ZappiStatusAll(context.Context) ([]ZappiTelemetry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ZappiStatusAll"); err != nil {
		return nil, err
	}
	return append([]ZappiTelemetry(nil), f.zappi...), nil
}

func (f *FakeClient) ZappiStatus(_ context.Context, serial string) (ZappiTelemetry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ZappiStatus"); err != nil {
		return ZappiTelemetry{}, err
	}
	return findRecord(f.zappi, serial)
}

func (f *FakeClient) EddiStatusAll(context.Context) ([]EddiTelemetry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("EddiStatusAll"); err != nil {
		return nil, err
	}
	return append([]EddiTelemetry(nil), f.eddi...), nil
}

func (f *FakeClient) EddiStatus(_ context.Context, serial string) (EddiTelemetry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("EddiStatus"); err != nil {
		return EddiTelemetry{}, err
	}
	return findRecord(f.eddi, serial)
}

func (f *FakeClient) HarviStatusAll(context.Context) ([]HarviTelemetry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HarviStatusAll"); err != nil {
		return nil, err
	}
	return append([]HarviTelemetry(nil), f.harvi...), nil
}

func (f *FakeClient) HarviStatus(_ context.Context, serial string) (HarviTelemetry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HarviStatus"); err != nil {
		return HarviTelemetry{}, err
	}
	return findRecord(f.harvi, serial)
}

func (f *FakeClient) SetZappiChargeMode(_ context.Context, serial string, mode ZappiMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetZappiChargeMode"); err != nil {
		return err
	}
	for i := range f.zappi {
		if f.zappi[i].ID() == serial {
			f.zappi[i].Mode = int(mode)
			return nil
		}
	}
	return fmt.Errorf("zappi %s: %w", serial, ErrDeviceNotFound)
}

func (f *FakeClient) SetZappiBoost(_ context.Context, serial string, boost ZappiBoost) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetZappiBoost"); err != nil {
		return err
	}
	for i := range f.zappi {
		z := &f.zappi[i]
		if z.ID() != serial {
			continue
		}
		z.BoostManual, z.BoostSmart = 0, 0
		z.BoostManualKWh, z.BoostSmartKWh = 0, 0
		z.BoostHour, z.BoostMinute = 0, 0
		switch boost.Mode {
		case BoostManual:
			z.BoostManual = 1
			z.BoostManualKWh = float64(boost.KWh)
		case BoostSmart:
			hhmm := NormalizeBoostTime(boost.Time)
			z.BoostSmart = 1
			z.BoostSmartKWh = float64(boost.KWh)
			z.BoostHour, _ = strconv.Atoi(hhmm[:2])
			z.BoostMinute, _ = strconv.Atoi(hhmm[2:])
		}
		return nil
	}
	return fmt.Errorf("zappi %s: %w", serial, ErrDeviceNotFound)
}

func (f *FakeClient) SetZappiGreenLevel(_ context.Context, serial string, percent int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetZappiGreenLevel"); err != nil {
		return 0, err
	}
	for i := range f.zappi {
		if f.zappi[i].ID() == serial {
			f.zappi[i].MinGreenLevel = percent
			return percent, nil
		}
	}
	return 0, fmt.Errorf("zappi %s: %w", serial, ErrDeviceNotFound)
}

func (f *FakeClient) SetEddiMode(_ context.Context, serial string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetEddiMode"); err != nil {
		return err
	}
	for i := range f.eddi {
		if f.eddi[i].ID() == serial {
			f.eddi[i].Status = int(HeaterStopped)
			if on {
				f.eddi[i].Status = int(HeaterPaused)
			}
			return nil
		}
	}
	return fmt.Errorf("eddi %s: %w", serial, ErrDeviceNotFound)
}

func (f *FakeClient) SetEddiBoost(_ context.Context, serial string, heater, minutes int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetEddiBoost"); err != nil {
		return err
	}
	for i := range f.eddi {
		e := &f.eddi[i]
		if e.ID() != serial {
			continue
		}
		if minutes == 0 {
			e.Status = int(HeaterDiverting)
			e.ActiveHeater, e.BoostRemaining = 0, 0
			return nil
		}
		e.Status = int(HeaterBoost)
		e.ActiveHeater = heater
		e.BoostRemaining = minutes * 60
		return nil
	}
	return fmt.Errorf("eddi %s: %w", serial, ErrDeviceNotFound)
}

func (f *FakeClient) AppKey(_ context.Context, key string) ([]KeyValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AppKey"); err != nil {
		return nil, err
	}
	return f.keyValues(key), nil
}

func (f *FakeClient) AppKeyFull(_ context.Context, key string) (AppKeyValues, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AppKeyFull"); err != nil {
		return nil, err
	}
	return AppKeyValues{fakeHubSerial: f.keyValues(key)}, nil
}

func (f *FakeClient) SetAppKey(_ context.Context, key, value string) ([]KeyValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetAppKey"); err != nil {
		return nil, err
	}
	f.keys[key] = value
	return f.keyValues(key), nil
}

func (f *FakeClient) keyValues(key string) []KeyValue {
	val, ok := f.keys[key]
	if !ok {
		return []KeyValue{}
	}
	return []KeyValue{{Key: key, Val: val}}
}
