package sampling

import (
	"fmt"
	"strconv"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chrisv1180/envoy-logger/internal/model"
)

// Tag keys shared by every point.
const (
	tagSource          = "source"
	tagMeasurementType = "measurement-type"
	tagLineIdx         = "line-idx"
	tagSerial          = "serial"
	tagInterval        = "interval"
)

const (
	typeConsumption = "consumption"
	typeProduction  = "production"
	typeNet         = "net"
	typeInverter    = "inverter"
	typeBattery     = "battery"
)

// HighRatePoints turns one sampling iteration into points. Meters missing
// from data and a nil batteries sample are skipped.
func (l *Loop) HighRatePoints(data *model.SampleData, inverters map[string]model.InverterSample, batteries *model.BatteriesSample) []*write.Point {
	var points []*write.Point

	meters := []struct {
		kind   string
		sample *model.EIMSample
	}{
		{typeConsumption, data.TotalConsumption},
		{typeProduction, data.TotalProduction},
		{typeNet, data.NetConsumption},
	}
	for _, m := range meters {
		if m.sample == nil {
			continue
		}
		for i, line := range m.sample.Lines {
			points = append(points, l.linePoint(m.kind, i, line, m.sample))
		}
	}

	for _, serial := range sortedKeys(inverters) {
		points = append(points, l.inverterPoint(inverters[serial]))
	}

	if batteries != nil {
		points = append(points, l.batteryPoints(batteries)...)
	}

	return points
}

func (l *Loop) linePoint(kind string, idx int, line model.PowerSample, parent *model.EIMSample) *write.Point {
	return write.NewPointWithMeasurement(fmt.Sprintf("%s-line%d", kind, idx)).
		SetTime(parent.Time).
		AddTag(tagSource, l.cfg.Envoy.Tag).
		AddTag(tagMeasurementType, kind).
		AddTag(tagLineIdx, strconv.Itoa(idx)).
		AddField("P", line.WNow).
		AddField("Q", line.ReactPwr).
		AddField("S", line.ApprntPwr).
		AddField("I_rms", line.RmsCurrent).
		AddField("V_rms", line.RmsVoltage).
		AddField("whToday", line.WhToday).
		AddField("whLifetime", line.WhLifetime)
}

func (l *Loop) inverterPoint(inv model.InverterSample) *write.Point {
	p := write.NewPointWithMeasurement("inverter-production-"+inv.Serial).
		SetTime(inv.ReportTime).
		AddTag(tagSource, l.cfg.Envoy.Tag).
		AddTag(tagMeasurementType, typeInverter).
		AddTag(tagSerial, inv.Serial).
		AddField("P", inv.Watts)
	l.applyInverterTags(p, inv.Serial)
	return p
}

func (l *Loop) batteryPoints(b *model.BatteriesSample) []*write.Point {
	points := make([]*write.Point, 0, len(b.Batteries))
	for _, battery := range b.Batteries {
		p := write.NewPointWithMeasurement(fmt.Sprintf("battery-%d-%s", battery.Capacity, battery.Serial)).
			SetTime(b.Time).
			AddTag(tagSource, l.cfg.Envoy.Tag).
			AddTag(tagMeasurementType, typeBattery).
			AddTag(tagSerial, battery.Serial).
			AddField("percentFull", battery.PercentFull).
			AddField("temperature", battery.Temperature).
			AddField("maxCellTemp", battery.MaxCellTemp).
			AddField("led_status", battery.LedStatus)
		points = append(points, p)
	}
	return points
}

func (l *Loop) applyInverterTags(p *write.Point, serial string) {
	tags := l.cfg.InverterTags(serial)
	for _, k := range sortedKeys(tags) {
		if k == "" || tags[k] == "" {
			continue
		}
		p.AddTag(k, tags[k])
	}
}
