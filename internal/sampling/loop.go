package sampling

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chrisv1180/envoy-logger/internal/config"
	"github.com/chrisv1180/envoy-logger/internal/envoy"
	"github.com/chrisv1180/envoy-logger/internal/influx"
	"github.com/chrisv1180/envoy-logger/internal/lib/logger/sl"
	"github.com/chrisv1180/envoy-logger/internal/model"
)

type Source interface {
	PowerData(ctx context.Context) (*model.SampleData, error)
	InverterData(ctx context.Context) (map[string]model.InverterSample, error)
	BatteryData(ctx context.Context) (*model.BatteriesSample, error)
}

type Writer interface {
	Write(ctx context.Context, bucket string, points []*write.Point) error
}

type Querier interface {
	Query(ctx context.Context, flux string) ([]model.Record, error)
}

type Buffer interface {
	Store(ctx context.Context, batch *model.Batch) error
}

type Publisher interface {
	Publish(ctx context.Context, points []*write.Point) error
}

// Status records the time of the last successful sample. It outlives
// individual loops so health checks see through restarts.
type Status struct {
	last atomic.Int64
}

func (s *Status) Mark(t time.Time) {
	s.last.Store(t.UnixNano())
}

func (s *Status) Last() time.Time {
	n := s.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

type Loop struct {
	log       *slog.Logger
	cfg       *config.Config
	source    Source
	writer    Writer
	querier   Querier
	buffer    Buffer
	publisher Publisher
	status    *Status

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	prevInverters  map[string]model.InverterSample
	batteryCounter int
	hour           int
	day            string
}

type OptionFunc func(*Loop)

func WithBuffer(b Buffer) OptionFunc {
	return func(l *Loop) {
		l.buffer = b
	}
}

func WithPublisher(p Publisher) OptionFunc {
	return func(l *Loop) {
		l.publisher = p
	}
}

func WithStatus(s *Status) OptionFunc {
	return func(l *Loop) {
		l.status = s
	}
}

// WithClock replaces wall clock time and sleeping, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) OptionFunc {
	return func(l *Loop) {
		l.now = now
		l.sleep = sleep
	}
}

func New(log *slog.Logger, cfg *config.Config, source Source, writer Writer, querier Querier, opts ...OptionFunc) *Loop {
	l := &Loop{
		log:     log,
		cfg:     cfg,
		source:  source,
		writer:  writer,
		querier: querier,
		status:  &Status{},
		now:     time.Now,
		sleep:   sleepContext,
		// Fetch batteries on the first iteration.
		batteryCounter: cfg.Sampling.BatteryEvery,
	}
	for _, o := range opts {
		o(l)
	}

	now := l.now()
	l.hour = now.Hour()
	l.day = now.Format(time.DateOnly)

	return l
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run samples until ctx is cancelled or too many consecutive failures
// occur. Gateway timeouts and write failures are tolerated up to
// max_failures times in a row; any other gateway error ends the run.
func (l *Loop) Run(ctx context.Context) error {
	maxFailures := l.cfg.Sampling.MaxFailures
	failures := 0

	l.log.Info("sampling loop started",
		slog.Duration("interval", l.cfg.Sampling.Interval),
		slog.String("bucket_hr", l.cfg.HighRateBucket()),
	)

	for {
		if err := l.sleep(ctx, nextSampleDelay(l.now(), l.cfg.Sampling.Interval)); err != nil {
			return err
		}

		data, inverters, batteries, err := l.sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !envoy.IsTimeout(err) {
				return err
			}
			failures++
			l.log.Warn("gateway request timed out",
				slog.Int("failures", failures),
				slog.Int("max_failures", maxFailures),
			)
			if failures >= maxFailures {
				return fmt.Errorf("giving up after %d timeouts: %w", failures, err)
			}
			continue
		}

		if err := l.write(ctx, data, inverters, batteries); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			l.log.Warn("failed to write to influxdb",
				slog.Int("failures", failures),
				slog.Int("max_failures", maxFailures),
				sl.Err(err),
			)
			if failures >= maxFailures {
				return fmt.Errorf("giving up after %d write failures: %w", failures, err)
			}
			// Give the database time to recover.
			if err := l.sleep(ctx, l.cfg.Sampling.WriteBackoff); err != nil {
				return err
			}
			continue
		}

		failures = 0
	}
}

func (l *Loop) sample(ctx context.Context) (*model.SampleData, map[string]model.InverterSample, *model.BatteriesSample, error) {
	data, err := l.source.PowerData(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	inverters, err := l.inverterData(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	batteries, err := l.batteryData(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	l.status.Mark(data.Time)
	return data, inverters, batteries, nil
}

// inverterData returns only reports that changed since the previous poll.
// The very first poll is remembered but not returned, since there is no way
// to tell how old those reports are.
func (l *Loop) inverterData(ctx context.Context) (map[string]model.InverterSample, error) {
	cur, err := l.source.InverterData(ctx)
	if err != nil {
		return nil, err
	}

	if l.prevInverters == nil {
		l.prevInverters = cur
		return map[string]model.InverterSample{}, nil
	}

	fresh := model.FilterNewInverterData(cur, l.prevInverters)
	if len(fresh) > 0 {
		l.log.Debug("new inverter reports", slog.Int("count", len(fresh)))
	}
	l.prevInverters = cur
	return fresh, nil
}

func (l *Loop) batteryData(ctx context.Context) (*model.BatteriesSample, error) {
	if l.batteryCounter < l.cfg.Sampling.BatteryEvery-1 {
		l.batteryCounter++
		return nil, nil
	}
	l.batteryCounter = 0
	return l.source.BatteryData(ctx)
}

func (l *Loop) write(ctx context.Context, data *model.SampleData, inverters map[string]model.InverterSample, batteries *model.BatteriesSample) error {
	points := l.HighRatePoints(data, inverters, batteries)

	if err := l.writeBatch(ctx, l.cfg.HighRateBucket(), points); err != nil {
		return err
	}

	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, points); err != nil {
			l.log.Warn("failed to publish points", sl.Err(err))
		}
	}

	return l.writeRollups(ctx)
}

// writeRollups writes the hourly and daily summaries once the local hour or
// date has rolled over.
func (l *Loop) writeRollups(ctx context.Context) error {
	now := l.now()

	if l.cfg.InfluxDB.CalcHourlyData && now.Hour() != l.hour {
		l.hour = now.Hour()
		l.log.Info("computing hourly rollup")
		if err := l.writeBatch(ctx, l.cfg.MediumRateBucket(), l.RollupPoints(ctx, Hourly)); err != nil {
			return fmt.Errorf("hourly rollup: %w", err)
		}
	}

	day := now.Format(time.DateOnly)
	if l.cfg.InfluxDB.CalcDailyData && day != l.day {
		l.day = day
		l.log.Info("computing daily rollup")
		if err := l.writeBatch(ctx, l.cfg.LowRateBucket(), l.RollupPoints(ctx, Daily)); err != nil {
			return fmt.Errorf("daily rollup: %w", err)
		}
	}

	return nil
}

// writeBatch writes points, falling back to the buffer on failure. The
// write error is returned either way so that failures are still counted.
func (l *Loop) writeBatch(ctx context.Context, bucket string, points []*write.Point) error {
	if len(points) == 0 {
		return nil
	}

	err := l.writer.Write(ctx, bucket, points)
	if err == nil {
		return nil
	}

	if influx.IsPermanent(err) {
		l.log.Error("influxdb rejected points, dropping them",
			slog.String("bucket", bucket),
			slog.Int("count", len(points)),
			sl.Err(err),
		)
		return err
	}

	if l.buffer != nil {
		batch := model.NewBatch(bucket, influx.Lines(points))
		if bufErr := l.buffer.Store(ctx, batch); bufErr != nil {
			l.log.Error("failed to buffer points", slog.String("bucket", bucket), sl.Err(bufErr))
		} else {
			l.log.Info("points buffered for later retry",
				slog.String("bucket", bucket),
				slog.Int("count", len(points)),
			)
		}
	}

	return err
}
