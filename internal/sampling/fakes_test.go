package sampling

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chrisv1180/envoy-logger/internal/config"
	"github.com/chrisv1180/envoy-logger/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		Envoy: config.EnvoyConfig{Serial: "122212345678", Tag: "envoy"},
		InfluxDB: config.InfluxDBConfig{
			BucketHR: "hr",
			BucketMR: "mr",
			BucketLR: "lr",
		},
		Inverters: map[config.Serial]config.TagSet{
			"A1": {"row": "1", "col": "1"},
			"A3": {"row": "2", "col": "1"},
		},
		Sampling: config.SamplingConfig{
			Interval:     10 * time.Second,
			BatteryEvery: 6,
			MaxFailures:  3,
			WriteBackoff: 50 * time.Second,
		},
	}
}

// fakeClock advances on every sleep and cancels the run after a number of
// sleeps.
type fakeClock struct {
	t        time.Time
	sleeps   []time.Duration
	maxSleep int
	cancel   context.CancelFunc
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if c.maxSleep > 0 && len(c.sleeps) >= c.maxSleep {
		c.cancel()
		return ctx.Err()
	}
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return nil
}

type fakeSource struct {
	clock *fakeClock

	powerErr  error
	powerHits int

	inverterHits int
	batteryHits  int
}

func (s *fakeSource) PowerData(context.Context) (*model.SampleData, error) {
	s.powerHits++
	if s.powerErr != nil {
		return nil, s.powerErr
	}
	ts := s.clock.now()
	return &model.SampleData{
		Time: ts,
		TotalProduction: &model.EIMSample{Time: ts, Lines: []model.PowerSample{
			{WNow: 100, ReactPwr: 1, ApprntPwr: 110, RmsCurrent: 0.5, RmsVoltage: 230, WhToday: 10, WhLifetime: 1000},
			{WNow: 200},
		}},
		TotalConsumption: &model.EIMSample{Time: ts, Lines: []model.PowerSample{{WNow: 300}}},
	}, nil
}

// Every call reports A1 as fresh; A2 never changes.
func (s *fakeSource) InverterData(context.Context) (map[string]model.InverterSample, error) {
	s.inverterHits++
	base := time.Unix(1700000000, 0)
	return map[string]model.InverterSample{
		"A1": {Serial: "A1", ReportTime: base.Add(time.Duration(s.inverterHits) * time.Minute), Watts: 120},
		"A2": {Serial: "A2", ReportTime: base, Watts: 80},
	}, nil
}

func (s *fakeSource) BatteryData(context.Context) (*model.BatteriesSample, error) {
	s.batteryHits++
	return &model.BatteriesSample{
		Time: s.clock.now(),
		Batteries: []model.Battery{
			{Serial: "B1", Capacity: 3500, PercentFull: 80, Temperature: 21, MaxCellTemp: 23, LedStatus: 17},
			{Serial: "B2", Capacity: 3500, PercentFull: 75, Temperature: 22, MaxCellTemp: 24, LedStatus: 17},
		},
	}, nil
}

type written struct {
	bucket string
	points []*write.Point
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []written
	calls  int
	err    error
	// Per bucket errors, checked first.
	bucketErr map[string]error
	// failCall fails the n-th call (1 based) when it returns true.
	failCall func(n int) bool
}

func (w *fakeWriter) Write(_ context.Context, bucket string, points []*write.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if err := w.bucketErr[bucket]; err != nil {
		return err
	}
	if w.failCall != nil && w.failCall(w.calls) {
		return errors.New("influxdb unavailable")
	}
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, written{bucket: bucket, points: points})
	return nil
}

func (w *fakeWriter) bucket(name string) [][]*write.Point {
	var out [][]*write.Point
	for _, wr := range w.writes {
		if wr.bucket == name {
			out = append(out, wr.points)
		}
	}
	return out
}

// fakeQuerier answers the first registered response whose key is part of
// the query.
type fakeQuerier struct {
	responses map[string][]model.Record
	queries   []string
	err       error
}

func (q *fakeQuerier) Query(_ context.Context, flux string) ([]model.Record, error) {
	q.queries = append(q.queries, flux)
	if q.err != nil {
		return nil, q.err
	}
	for key, records := range q.responses {
		if strings.Contains(flux, key) {
			return records, nil
		}
	}
	return nil, nil
}

type fakeBuffer struct {
	batches []*model.Batch
}

func (b *fakeBuffer) Store(_ context.Context, batch *model.Batch) error {
	b.batches = append(b.batches, batch)
	return nil
}

type fakePublisher struct {
	count int
}

func (p *fakePublisher) Publish(_ context.Context, points []*write.Point) error {
	p.count += len(points)
	return errors.New("broker down")
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func byName(points []*write.Point) map[string]*write.Point {
	out := make(map[string]*write.Point, len(points))
	for _, p := range points {
		out[p.Name()] = p
	}
	return out
}
