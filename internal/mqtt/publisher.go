package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chrisv1180/envoy-logger/internal/config"
	"github.com/chrisv1180/envoy-logger/internal/lib/logger/sl"
)

const publishTimeout = 5 * time.Second

var ErrNotConnected = errors.New("not connected to mqtt broker")

// Message is the JSON payload published for every point.
type Message struct {
	Measurement string            `json:"measurement"`
	Time        time.Time         `json:"time"`
	Tags        map[string]string `json:"tags"`
	Fields      map[string]any    `json:"fields"`
}

// Publisher mirrors high rate points to an MQTT broker, one message per
// point on "<topic_prefix>/<measurement>".
type Publisher struct {
	log     *slog.Logger
	client  paho.Client
	prefix  string
	qos     byte
	timeout time.Duration
}

func NewPublisher(log *slog.Logger, cfg *config.MQTTConfig) *Publisher {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(paho.Client) {
		log.Info("connected to mqtt broker", slog.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Warn("mqtt connection lost", sl.Err(err))
	}

	return newPublisher(log, paho.NewClient(opts), cfg.TopicPrefix, cfg.QoS)
}

func newPublisher(log *slog.Logger, client paho.Client, prefix string, qos byte) *Publisher {
	return &Publisher{
		log:     log,
		client:  client,
		prefix:  prefix,
		qos:     qos,
		timeout: publishTimeout,
	}
}

// Connect starts the connection. With connect retry enabled the client
// keeps trying in the background, so this only waits until ctx is done or
// the first attempt settles.
func (p *Publisher) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.wait(ctx, p.client.Connect())
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

// Publish sends every point and then waits for all of them with a single
// deadline, so a slow broker costs at most one timeout per sample. Nothing
// is sent while the client is disconnected.
func (p *Publisher) Publish(ctx context.Context, points []*write.Point) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	var errs []error
	topics := make([]string, 0, len(points))
	tokens := make([]paho.Token, 0, len(points))
	for _, point := range points {
		payload, err := json.Marshal(NewMessage(point))
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal %s: %w", point.Name(), err))
			continue
		}
		topic := Topic(p.prefix, point.Name())
		topics = append(topics, topic)
		tokens = append(tokens, p.client.Publish(topic, p.qos, false, payload))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	for i, token := range tokens {
		if err := p.wait(ctx, token); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", topics[i], err))
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.New("timed out waiting for broker")
		}
		return ctx.Err()
	}
}

func Topic(prefix, measurement string) string {
	if prefix == "" {
		return measurement
	}
	return prefix + "/" + measurement
}

func NewMessage(p *write.Point) Message {
	m := Message{
		Measurement: p.Name(),
		Time:        p.Time().UTC(),
		Tags:        make(map[string]string, len(p.TagList())),
		Fields:      make(map[string]any, len(p.FieldList())),
	}
	for _, t := range p.TagList() {
		m.Tags[t.Key] = t.Value
	}
	for _, f := range p.FieldList() {
		m.Fields[f.Key] = f.Value
	}
	return m
}
