package sampling

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chrisv1180/envoy-logger/internal/config"
	"github.com/chrisv1180/envoy-logger/internal/lib/logger/sl"
	"github.com/chrisv1180/envoy-logger/internal/model"
)

// Window describes one rollup rate.
type Window struct {
	// Used in measurement names: "<type>-<Name>-summary-..."
	Name string
	// Value of the interval tag, also the aggregation period.
	Every string
	// How far back the Envoy data is read.
	Range string
	// How far back external meters are read. Wider than Range so that the
	// last reading of the previous window is included.
	MeterRange string
}

var (
	Hourly = Window{Name: "hourly", Every: "1h", Range: "-1h", MeterRange: "-2h"}
	Daily  = Window{Name: "daily", Every: "24h", Range: "-24h", MeterRange: "-24h"}
)

// Not using integral(interpolate: "linear"); without it the integral is
// already linearly interpolated. https://github.com/influxdata/flux/issues/4782
const energyQuery = `from(bucket: %[1]s)
    |> range(start: %[2]s, stop: now())
    |> filter(fn: (r) => r["source"] == %[3]s)
    |> filter(fn: (r) => r["_field"] == "P")
    |> integral(unit: 1h)
    |> keep(columns: ["_value", "line-idx", "measurement-type", "serial"])
    |> yield(name: "total")`

const batteryQuery = `from(bucket: %[1]s)
    |> range(start: %[2]s, stop: now())
    |> filter(fn: (r) => r["source"] == %[3]s)
    |> filter(fn: (r) => r["measurement-type"] == "battery")
    |> filter(fn: (r) => r["_field"] == %[4]s)
    |> %[5]s()
    |> keep(columns: ["_value", "measurement-type", "serial"])
    |> yield(name: %[6]s)`

// Battery aggregates: result name -> field and Flux function.
var batteryAggregates = []struct {
	result string
	field  string
	fn     string
}{
	{"mean_soc", "percentFull", "mean"},
	{"max_soc", "percentFull", "max"},
	{"min_soc", "percentFull", "min"},
	{"mean_temperature", "temperature", "mean"},
}

func (l *Loop) energyFlux(w Window) string {
	return fmt.Sprintf(energyQuery, fluxString(l.cfg.HighRateBucket()), w.Range, fluxString(l.cfg.Envoy.Tag))
}

func (l *Loop) batteryFlux(w Window) string {
	queries := make([]string, 0, len(batteryAggregates))
	for _, a := range batteryAggregates {
		queries = append(queries, fmt.Sprintf(batteryQuery,
			fluxString(l.cfg.HighRateBucket()), w.Range, fluxString(l.cfg.Envoy.Tag),
			fluxString(a.field), a.fn, fluxString(a.result)))
	}
	return strings.Join(queries, "\n\n")
}

func meterFlux(m config.MeterConfig, w Window) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", fluxString(m.Bucket))
	fmt.Fprintf(&b, "    |> range(start: %s, stop: now())\n", w.MeterRange)
	fmt.Fprintf(&b, "    |> filter(fn: (r) => r[\"_measurement\"] == %s)\n", fluxString(m.Measurement))
	for _, tag := range sortedKeys(m.Filters) {
		values := m.Filters[tag]
		if len(values) == 0 {
			continue
		}
		conds := make([]string, 0, len(values))
		for _, v := range values {
			conds = append(conds, fmt.Sprintf("r[%s] == %s", fluxString(tag), fluxString(v)))
		}
		fmt.Fprintf(&b, "    |> filter(fn: (r) => %s)\n", strings.Join(conds, " or "))
	}
	if m.Field != "" {
		fmt.Fprintf(&b, "    |> filter(fn: (r) => r[\"_field\"] == %s)\n", fluxString(m.Field))
	}
	fmt.Fprintf(&b, "    |> aggregateWindow(every: %s, fn: last)\n", w.Every)
	b.WriteString("    |> spread()\n")
	fmt.Fprintf(&b, "    |> map(fn: (r) => ({r with _value: float(v: r._value) * %s}))", formatFloat(m.Scale))
	return b.String()
}

func formatFloat(f float64) string {
	s := fmt.Sprintf("%g", f)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// RollupPoints summarizes the window that just ended. A failing query only
// drops its own part of the rollup.
func (l *Loop) RollupPoints(ctx context.Context, w Window) []*write.Point {
	ts := l.now().Truncate(time.Second)

	var points []*write.Point
	points = append(points, l.energyPoints(ctx, w, ts)...)
	points = append(points, l.batterySummaryPoints(ctx, w, ts)...)
	for _, m := range l.cfg.Meters {
		points = append(points, l.meterPoints(ctx, m, w, ts)...)
	}
	return points
}

func (l *Loop) query(ctx context.Context, what string, w Window, flux string) []model.Record {
	records, err := l.querier.Query(ctx, flux)
	if err != nil {
		l.log.Error("rollup query failed",
			slog.String("rollup", what),
			slog.String("window", w.Name),
			sl.Err(err),
		)
		return nil
	}
	return records
}

func (l *Loop) energyPoints(ctx context.Context, w Window, ts time.Time) []*write.Point {
	records := l.query(ctx, "energy", w, l.energyFlux(w))

	unreported := make(map[string]bool, len(l.cfg.Inverters))
	for _, serial := range l.cfg.InverterSerials() {
		unreported[serial] = true
	}

	var points []*write.Point
	for _, r := range records {
		kind := r.String(tagMeasurementType)
		if kind == "" {
			continue
		}
		wh, ok := r.Float()
		if !ok {
			continue
		}

		var p *write.Point
		if kind == typeInverter {
			serial := r.String(tagSerial)
			if serial == "" {
				continue
			}
			delete(unreported, serial)
			p = write.NewPointWithMeasurement(fmt.Sprintf("inverter-%s-summary-%s", w.Name, serial)).
				AddTag(tagSerial, serial)
			l.applyInverterTags(p, serial)
		} else {
			idx := r.String(tagLineIdx)
			if idx == "" {
				continue
			}
			p = write.NewPointWithMeasurement(fmt.Sprintf("%s-%s-summary-line%s", kind, w.Name, idx)).
				AddTag(tagLineIdx, idx)
		}
		p.SetTime(ts).
			AddTag(tagSource, l.cfg.Envoy.Tag).
			AddTag(tagMeasurementType, kind).
			AddTag(tagInterval, w.Every).
			AddField("Wh", wh)
		points = append(points, p)
	}

	// Inverters that did not report during the window produced nothing.
	for _, serial := range sortedKeys(unreported) {
		p := write.NewPointWithMeasurement(fmt.Sprintf("inverter-%s-summary-%s", w.Name, serial)).
			AddTag(tagSerial, serial)
		l.applyInverterTags(p, serial)
		p.SetTime(ts).
			AddTag(tagSource, l.cfg.Envoy.Tag).
			AddTag(tagMeasurementType, typeInverter).
			AddTag(tagInterval, w.Every).
			AddField("Wh", 0.0)
		points = append(points, p)
	}

	return points
}

func (l *Loop) batterySummaryPoints(ctx context.Context, w Window, ts time.Time) []*write.Point {
	records := l.query(ctx, "battery", w, l.batteryFlux(w))

	bySerial := make(map[string]*write.Point)
	for _, r := range records {
		if r.String(tagMeasurementType) != typeBattery {
			continue
		}
		v, ok := r.Float()
		if !ok || r.Result == "" {
			continue
		}
		serial := r.String(tagSerial)
		if serial == "" {
			continue
		}
		p, ok := bySerial[serial]
		if !ok {
			p = write.NewPointWithMeasurement(fmt.Sprintf("battery-%s-summary-%s", w.Name, serial)).
				SetTime(ts).
				AddTag(tagSerial, serial).
				AddTag(tagSource, l.cfg.Envoy.Tag).
				AddTag(tagMeasurementType, typeBattery).
				AddTag(tagInterval, w.Every)
			bySerial[serial] = p
		}
		p.AddField(r.Result, v)
	}

	points := make([]*write.Point, 0, len(bySerial))
	for _, serial := range sortedKeys(bySerial) {
		points = append(points, bySerial[serial])
	}
	return points
}

func (l *Loop) meterPoints(ctx context.Context, m config.MeterConfig, w Window, ts time.Time) []*write.Point {
	records := l.query(ctx, "meter "+m.Name, w, meterFlux(m, w))

	var points []*write.Point
	for _, r := range records {
		wh, ok := r.Float()
		if !ok {
			continue
		}
		kind := r.String(m.TypeTag)
		serial := r.String(m.SerialTag)
		// Empty tag values make the whole batch unparsable for InfluxDB.
		if kind == "" || serial == "" {
			l.log.Warn("skipping meter record without type or serial",
				slog.String("meter", m.Name),
				slog.String("type_tag", m.TypeTag),
				slog.String("serial_tag", m.SerialTag),
			)
			continue
		}
		source := m.Source
		if source == "" {
			source = serial
		}
		p := write.NewPointWithMeasurement(fmt.Sprintf("%s-%s-summary-%s", kind, w.Name, serial)).
			SetTime(ts).
			AddTag(tagSerial, serial).
			AddTag(tagSource, source).
			AddTag(tagMeasurementType, kind).
			AddTag(tagInterval, w.Every).
			AddField("Wh", wh)
		points = append(points, p)
	}
	return points
}
