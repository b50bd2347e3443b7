package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chrisv1180/envoy-logger/internal/buffer"
	"github.com/chrisv1180/envoy-logger/internal/config"
	"github.com/chrisv1180/envoy-logger/internal/envoy"
	"github.com/chrisv1180/envoy-logger/internal/influx"
	"github.com/chrisv1180/envoy-logger/internal/lib/logger/sl"
	"github.com/chrisv1180/envoy-logger/internal/sampling"
)

const (
	replayInterval = 30 * time.Second
	replayBatch    = 100
)

// Manager keeps a sampling loop running. Whenever a run ends with an error
// it fetches a token, logs into the gateway again and starts a new loop.
type Manager struct {
	log       *slog.Logger
	cfg       *config.Config
	tokens    TokenProvider
	gateway   Gateway
	writer    LineWriter
	querier   sampling.Querier
	buffer    buffer.Buffer
	publisher sampling.Publisher
	status    *sampling.Status
	backoff   *influx.ExponentialBackoff
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewManager wires a manager. buf and publisher may be nil.
func NewManager(
	log *slog.Logger,
	cfg *config.Config,
	tokens TokenProvider,
	gateway Gateway,
	writer LineWriter,
	querier sampling.Querier,
	buf buffer.Buffer,
	publisher sampling.Publisher,
	status *sampling.Status,
) *Manager {
	if status == nil {
		status = &sampling.Status{}
	}
	return &Manager{
		log:       log,
		cfg:       cfg,
		tokens:    tokens,
		gateway:   gateway,
		writer:    writer,
		querier:   querier,
		buffer:    buf,
		publisher: publisher,
		status:    status,
		backoff:   influx.NewExponentialBackoff(cfg.Sampling.RestartDelay, cfg.Sampling.RestartMaxDelay),
		stopCh:    make(chan struct{}),
	}
}

// Start blocks until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.log.Info("starting envoy logger",
		slog.String("serial", m.cfg.Envoy.Serial.String()),
		slog.Duration("interval", m.cfg.Sampling.Interval),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.wg.Add(1)
	go m.retryBufferedData(ctx)

	attempt := 0
	for {
		started := time.Now()
		err := m.runOnce(ctx)
		if ctx.Err() != nil {
			m.log.Info("context cancelled, stopping manager")
			return
		}

		// A run that got as far as sampling starts the backoff over.
		if m.status.Last().After(started) {
			attempt = 0
		}

		m.log.Error("sampling stopped, restarting",
			slog.Int("attempt", attempt+1),
			sl.Err(err),
		)
		if err := m.backoff.Sleep(ctx, attempt); err != nil {
			m.log.Info("context cancelled, stopping manager")
			return
		}
		attempt++
	}
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) runOnce(ctx context.Context) error {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return err
	}

	if err := m.gateway.Login(ctx, token); err != nil {
		if errors.Is(err, envoy.ErrUnauthorized) {
			m.log.Warn("gateway rejected token, discarding it")
			m.tokens.Invalidate()
		}
		return fmt.Errorf("gateway login: %w", err)
	}

	opts := []sampling.OptionFunc{sampling.WithStatus(m.status)}
	if m.buffer != nil {
		opts = append(opts, sampling.WithBuffer(m.buffer))
	}
	if m.publisher != nil {
		opts = append(opts, sampling.WithPublisher(m.publisher))
	}

	loop := sampling.New(m.log, m.cfg, m.gateway, m.writer, m.querier, opts...)
	return loop.Run(ctx)
}

func (m *Manager) retryBufferedData(ctx context.Context) {
	defer m.wg.Done()

	if m.buffer == nil {
		return
	}

	ticker := time.NewTicker(replayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.processBufferedData(ctx)
		}
	}
}

// processBufferedData replays buffered batches oldest first and stops at
// the first failure that may go away. Rejected batches are dropped.
func (m *Manager) processBufferedData(ctx context.Context) {
	pending, err := m.buffer.GetPending(ctx, replayBatch)
	if err != nil {
		m.log.Error("failed to get pending data from buffer", sl.Err(err))
		return
	}

	if len(pending) > 0 {
		m.log.Info("processing buffered data", slog.Int("count", len(pending)))
	}

	var sentIDs []string
	for _, batch := range pending {
		if err := m.writer.WriteLines(ctx, batch.Bucket, batch.Lines); err != nil {
			if influx.IsPermanent(err) {
				// Would block every later batch until it expires.
				m.log.Error("influxdb rejected buffered data, dropping it",
					slog.String("id", batch.ID),
					slog.String("bucket", batch.Bucket),
					sl.Err(err),
				)
				sentIDs = append(sentIDs, batch.ID)
				continue
			}
			m.log.Debug("failed to send buffered data",
				slog.String("id", batch.ID),
				sl.Err(err),
			)
			break
		}
		sentIDs = append(sentIDs, batch.ID)
	}

	if len(sentIDs) > 0 {
		if err := m.buffer.MarkSent(ctx, sentIDs); err != nil {
			m.log.Error("failed to mark buffered data as sent", sl.Err(err))
		} else {
			m.log.Info("buffered data sent successfully", slog.Int("count", len(sentIDs)))
		}
	}

	if err := m.buffer.Cleanup(ctx, m.cfg.Buffer.MaxAge); err != nil {
		m.log.Error("failed to cleanup old buffer data", sl.Err(err))
	}
}
