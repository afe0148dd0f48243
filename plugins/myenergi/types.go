package myenergi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
)

// InternalLoad is the CT label that marks a channel for automatic inclusion.
const InternalLoad = "Internal Load"

// Serial is a device serial number. The API sends it as a number or a string.
type Serial string

func (s *Serial) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = Serial(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	*s = Serial(n.String())
	return nil
}

func (s Serial) String() string { return string(s) }

// CTReading is one current-transformer channel.
type CTReading struct {
	Power float64
	Label string
}

// ZappiTelemetry is one zappi record from the status endpoints.
type ZappiTelemetry struct {
	SerialNumber   Serial  `json:"sno"`
	Mode           int     `json:"zmo"`
	PlugStatus     string  `json:"pst"`
	Status         int     `json:"sta"`
	CTPower1       float64 `json:"ectp1"`
	CTPower2       float64 `json:"ectp2"`
	CTPower3       float64 `json:"ectp3"`
	CTPower4       float64 `json:"ectp4"`
	CTPower5       float64 `json:"ectp5"`
	CTPower6       float64 `json:"ectp6"`
	CTType1        string  `json:"ectt1"`
	CTType2        string  `json:"ectt2"`
	CTType3        string  `json:"ectt3"`
	CTType4        string  `json:"ectt4"`
	CTType5        string  `json:"ectt5"`
	CTType6        string  `json:"ectt6"`
	Voltage        float64 `json:"vol"`
	Frequency      float64 `json:"frq"`
	ChargeAdded    float64 `json:"che"`
	MinGreenLevel  int     `json:"mgl"`
	BoostManual    int     `json:"bsm"`
	BoostSmart     int     `json:"bss"`
	BoostManualKWh float64 `json:"tbk"`
	BoostSmartKWh  float64 `json:"sbk"`
	BoostHour      int     `json:"sbh"`
	BoostMinute    int     `json:"sbm"`
	Diversion      float64 `json:"div"`
	Generation     float64 `json:"gen"`
	Grid           float64 `json:"grd"`
	Date           string  `json:"dat"`
	Time           string  `json:"tim"`
}

func (z ZappiTelemetry) ID() string { return string(z.SerialNumber) }

func (z ZappiTelemetry) CTs() []CTReading {
	return []CTReading{
		{z.CTPower1, z.CTType1},
		{z.CTPower2, z.CTType2},
		{z.CTPower3, z.CTType3},
		{z.CTPower4, z.CTType4},
		{z.CTPower5, z.CTType5},
		{z.CTPower6, z.CTType6},
	}
}

// EddiTelemetry is one eddi record.
type EddiTelemetry struct {
	SerialNumber   Serial  `json:"sno"`
	Status         int     `json:"sta"`
	CTPower1       float64 `json:"ectp1"`
	CTPower2       float64 `json:"ectp2"`
	CTPower3       float64 `json:"ectp3"`
	CTType1        string  `json:"ectt1"`
	CTType2        string  `json:"ectt2"`
	CTType3        string  `json:"ectt3"`
	Voltage        float64 `json:"vol"`
	Frequency      float64 `json:"frq"`
	Generation     float64 `json:"gen"`
	Grid           float64 `json:"grd"`
	EnergyTransfer float64 `json:"che"`
	Heater1Name    string  `json:"ht1"`
	Heater2Name    string  `json:"ht2"`
	ActiveHeater   int     `json:"hno"`
	BoostManual    int     `json:"bsm"`
	BoostRemaining int     `json:"rbt"`
	Temperature1   float64 `json:"tp1"`
	Temperature2   float64 `json:"tp2"`
	Diversion      float64 `json:"div"`
	Date           string  `json:"dat"`
	Time           string  `json:"tim"`
}

func (e EddiTelemetry) ID() string { return string(e.SerialNumber) }

func (e EddiTelemetry) CTs() []CTReading {
	return []CTReading{
		{e.CTPower1, e.CTType1},
		{e.CTPower2, e.CTType2},
		{e.CTPower3, e.CTType3},
	}
}

// HarviTelemetry is one harvi record. Harvi only reports CT channels.
type HarviTelemetry struct {
	SerialNumber Serial  `json:"sno"`
	CTPower1     float64 `json:"ectp1"`
	CTPower2     float64 `json:"ectp2"`
	CTPower3     float64 `json:"ectp3"`
	CTType1      string  `json:"ectt1"`
	CTType2      string  `json:"ectt2"`
	CTType3      string  `json:"ectt3"`
	Firmware     string  `json:"fwv"`
}

func (h HarviTelemetry) ID() string { return string(h.SerialNumber) }

func (h HarviTelemetry) CTs() []CTReading {
	return []CTReading{
		{h.CTPower1, h.CTType1},
		{h.CTPower2, h.CTType2},
		{h.CTPower3, h.CTType3},
	}
}

// StatusEnvelope is one element of the status-all array. Exactly one of the
// kind slices is set, or ASN for the trailing server element.
type StatusEnvelope struct {
	Eddi  []EddiTelemetry  `json:"eddi,omitempty"`
	Zappi []ZappiTelemetry `json:"zappi,omitempty"`
	Harvi []HarviTelemetry `json:"harvi,omitempty"`
	ASN   string           `json:"asn,omitempty"`
	FWV   string           `json:"fwv,omitempty"`
}

// UnmarshalJSON decodes records one by one so a malformed record only
// drops itself.
func (e *StatusEnvelope) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		switch key {
		case "eddi":
			e.Eddi = decodeRecords[EddiTelemetry](key, val)
		case "zappi":
			e.Zappi = decodeRecords[ZappiTelemetry](key, val)
		case "harvi":
			e.Harvi = decodeRecords[HarviTelemetry](key, val)
		case "asn":
			_ = json.Unmarshal(val, &e.ASN)
		case "fwv":
			_ = json.Unmarshal(val, &e.FWV)
		}
	}
	return nil
}

func decodeRecords[T any](kind string, raw json.RawMessage) []T {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		log.Printf("myenergi: drop malformed %s list: %v", kind, err)
		return nil
	}
	out := make([]T, 0, len(items))
	for i, item := range items {
		var rec T
		if err := json.Unmarshal(item, &rec); err != nil {
			log.Printf("myenergi: drop malformed %s record %d: %v", kind, i, err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// KeyValue is an app key entry.
type KeyValue struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// AppKeyValues maps a hub serial to its key entries.
type AppKeyValues map[string][]KeyValue

type commandResult struct {
	Status     int    `json:"status"`
	StatusText string `json:"statustext"`
}
