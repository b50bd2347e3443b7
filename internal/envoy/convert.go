package envoy

import (
	"time"

	"github.com/chrisv1180/envoy-logger/internal/model"
)

const batteryGroupType = "ENCHARGE"

// ToSampleData keeps the EIM meters of a production reading. Inverter
// totals are read from the dedicated inverter endpoint instead.
func (r *ProductionResponse) ToSampleData(ts time.Time) *model.SampleData {
	data := &model.SampleData{Time: ts}

	eim := func(m Measurement) *model.EIMSample {
		return &model.EIMSample{Time: ts, Lines: m.Lines}
	}

	for _, m := range r.Consumption {
		if m.Type != model.TypeEIM {
			continue
		}
		switch m.MeasurementType {
		case model.MeasurementNetConsumption:
			data.NetConsumption = eim(m)
		case model.MeasurementTotalConsumption:
			data.TotalConsumption = eim(m)
		}
	}

	for _, m := range r.Production {
		if m.Type == model.TypeEIM && m.MeasurementType == model.MeasurementProduction {
			data.TotalProduction = eim(m)
		}
	}

	return data
}

func inverterSamples(reports []InverterReport) map[string]model.InverterSample {
	out := make(map[string]model.InverterSample, len(reports))
	for _, r := range reports {
		out[r.SerialNumber] = model.InverterSample{
			Serial:     r.SerialNumber,
			ReportTime: time.Unix(r.LastReportDate, 0),
			Watts:      r.LastReportWatts,
			MaxWatts:   r.MaxReportWatts,
		}
	}
	return out
}

func (r InventoryResponse) ToBatteriesSample(ts time.Time) *model.BatteriesSample {
	sample := &model.BatteriesSample{Time: ts}
	for _, group := range r {
		if group.Type != batteryGroupType {
			continue
		}
		for _, b := range group.Devices {
			sample.Batteries = append(sample.Batteries, model.Battery{
				Serial:      b.SerialNum,
				Capacity:    b.EnchargeCapacity,
				PercentFull: b.PercentFull,
				Temperature: b.Temperature,
				MaxCellTemp: b.MaxCellTemp,
				LedStatus:   b.LedStatus,
			})
		}
	}
	return sample
}
