package influx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chrisv1180/envoy-logger/internal/config"
	"github.com/chrisv1180/envoy-logger/internal/lib/logger/sl"
	"github.com/chrisv1180/envoy-logger/internal/model"
)

// Precision of every point this service writes.
const Precision = time.Second

// Client writes points to and queries an InfluxDB 2.x server.
type Client struct {
	log     *slog.Logger
	client  influxdb2.Client
	org     string
	query   api.QueryAPI
	backoff *ExponentialBackoff
	retries int

	mu      sync.Mutex
	writers map[string]api.WriteAPIBlocking
}

func NewClient(log *slog.Logger, cfg *config.InfluxDBConfig) *Client {
	opts := influxdb2.DefaultOptions().
		SetPrecision(Precision).
		SetHTTPRequestTimeout(uint(cfg.Timeout / time.Second))

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	return &Client{
		log:     log,
		client:  client,
		org:     cfg.Org,
		query:   client.QueryAPI(cfg.Org),
		backoff: NewExponentialBackoff(cfg.Retry.InitialDelay, cfg.Retry.MaxDelay),
		retries: cfg.Retry.MaxAttempts,
		writers: make(map[string]api.WriteAPIBlocking),
	}
}

func (c *Client) writer(bucket string) api.WriteAPIBlocking {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.writers[bucket]
	if !ok {
		w = c.client.WriteAPIBlocking(c.org, bucket)
		c.writers[bucket] = w
	}
	return w
}

func (c *Client) Write(ctx context.Context, bucket string, points []*write.Point) error {
	return c.WriteLines(ctx, bucket, Lines(points))
}

func (c *Client) WriteLines(ctx context.Context, bucket string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	w := c.writer(bucket)

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		err := w.WriteRecord(ctx, lines...)
		if err == nil {
			c.log.Debug("points written",
				slog.String("bucket", bucket),
				slog.Int("count", len(lines)),
			)
			return nil
		}

		if IsPermanent(err) {
			return fmt.Errorf("write rejected: %w", err)
		}

		lastErr = err
		c.log.Warn("write attempt failed",
			slog.String("bucket", bucket),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.retries),
			sl.Err(err),
		)

		if attempt < c.retries {
			if err := c.backoff.Sleep(ctx, attempt-1); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", c.retries, lastErr)
}

// IsPermanent reports whether InfluxDB refused the data itself, e.g.
// unparsable line protocol. Sending the same lines again cannot succeed.
// Auth and missing bucket errors are not permanent: the data is fine and
// goes through once the configuration is fixed.
func IsPermanent(err error) bool {
	var herr *ihttp.Error
	if !errors.As(err, &herr) {
		return false
	}
	switch herr.StatusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func (c *Client) Query(ctx context.Context, flux string) ([]model.Record, error) {
	result, err := c.query.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer result.Close()

	var records []model.Record
	for result.Next() {
		r := result.Record()
		records = append(records, model.Record{
			Result: r.Result(),
			Value:  r.Value(),
			Values: r.Values(),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("query result: %w", err)
	}

	return records, nil
}

func (c *Client) Health(ctx context.Context) error {
	ok, err := c.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("server not ready")
	}
	return nil
}

func (c *Client) Close() {
	c.client.Close()
}

// Lines encodes points as line protocol at Precision.
func Lines(points []*write.Point) []string {
	lines := make([]string, 0, len(points))
	for _, p := range points {
		lines = append(lines, strings.TrimSuffix(write.PointToLineProtocol(p, Precision), "\n"))
	}
	return lines
}

// LogWriter logs points instead of writing them (dry run).
type LogWriter struct {
	log *slog.Logger
}

func NewLogWriter(log *slog.Logger) *LogWriter {
	return &LogWriter{log: log}
}

func (w *LogWriter) Write(ctx context.Context, bucket string, points []*write.Point) error {
	return w.WriteLines(ctx, bucket, Lines(points))
}

func (w *LogWriter) WriteLines(_ context.Context, bucket string, lines []string) error {
	for _, line := range lines {
		w.log.Info("WRITE",
			slog.String("bucket", bucket),
			slog.String("line", line),
		)
	}
	return nil
}
