package model

import "time"

// Below this apparent power the gateway's power factor is noise.
const minApparentPower = 10.0

// PowerSample is one line of an EIM (integrated meter) reading.
type PowerSample struct {
	// Instantaneous
	WNow       float64 `json:"wNow"`
	RmsCurrent float64 `json:"rmsCurrent"`
	RmsVoltage float64 `json:"rmsVoltage"`
	ReactPwr   float64 `json:"reactPwr"`
	ApprntPwr  float64 `json:"apprntPwr"`

	// Today
	WhToday       float64 `json:"whToday"`
	VahToday      float64 `json:"vahToday"`
	VarhLagToday  float64 `json:"varhLagToday"`
	VarhLeadToday float64 `json:"varhLeadToday"`

	// Lifetime
	WhLifetime       float64 `json:"whLifetime"`
	VahLifetime      float64 `json:"vahLifetime"`
	VarhLagLifetime  float64 `json:"varhLagLifetime"`
	VarhLeadLifetime float64 `json:"varhLeadLifetime"`

	WhLastSevenDays float64 `json:"whLastSevenDays"`
}

// PowerFactor is computed locally; the value reported by the gateway is
// less precise.
func (s PowerSample) PowerFactor() float64 {
	return powerFactor(s.WNow, s.ApprntPwr)
}

func powerFactor(w, va float64) float64 {
	if va < minApparentPower {
		return 1.0
	}
	return w / va
}

// EIMSample is a multi-line meter reading. Totals reported by the gateway
// are ignored because its firmware miscalculates apparent power; they are
// summed from the lines instead.
type EIMSample struct {
	Time  time.Time
	Lines []PowerSample
}

func (e *EIMSample) sum(f func(PowerSample) float64) float64 {
	var x float64
	for _, l := range e.Lines {
		x += f(l)
	}
	return x
}

func (e *EIMSample) WNow() float64 {
	return e.sum(func(s PowerSample) float64 { return s.WNow })
}

func (e *EIMSample) ReactPwr() float64 {
	return e.sum(func(s PowerSample) float64 { return s.ReactPwr })
}

func (e *EIMSample) ApprntPwr() float64 {
	return e.sum(func(s PowerSample) float64 { return s.ApprntPwr })
}

func (e *EIMSample) WhToday() float64 {
	return e.sum(func(s PowerSample) float64 { return s.WhToday })
}

func (e *EIMSample) VahToday() float64 {
	return e.sum(func(s PowerSample) float64 { return s.VahToday })
}

func (e *EIMSample) VarhLagToday() float64 {
	return e.sum(func(s PowerSample) float64 { return s.VarhLagToday })
}

func (e *EIMSample) VarhLeadToday() float64 {
	return e.sum(func(s PowerSample) float64 { return s.VarhLeadToday })
}

func (e *EIMSample) WhLifetime() float64 {
	return e.sum(func(s PowerSample) float64 { return s.WhLifetime })
}

func (e *EIMSample) VahLifetime() float64 {
	return e.sum(func(s PowerSample) float64 { return s.VahLifetime })
}

func (e *EIMSample) VarhLagLifetime() float64 {
	return e.sum(func(s PowerSample) float64 { return s.VarhLagLifetime })
}

func (e *EIMSample) VarhLeadLifetime() float64 {
	return e.sum(func(s PowerSample) float64 { return s.VarhLeadLifetime })
}

func (e *EIMSample) WhLastSevenDays() float64 {
	return e.sum(func(s PowerSample) float64 { return s.WhLastSevenDays })
}

func (e *EIMSample) PowerFactor() float64 {
	return powerFactor(e.WNow(), e.ApprntPwr())
}

// Measurement types as reported in production.json.
const (
	TypeEIM       = "eim"
	TypeInverters = "inverters"

	MeasurementNetConsumption   = "net-consumption"
	MeasurementTotalConsumption = "total-consumption"
	MeasurementProduction       = "production"
)

// SampleData is one production.json reading. Any of the three meters may
// be nil when the gateway has no consumption CTs installed.
type SampleData struct {
	// Receive time. The gateway's own clock is unreliable.
	Time time.Time

	NetConsumption   *EIMSample
	TotalConsumption *EIMSample
	TotalProduction  *EIMSample
}
