package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"golang.org/x/time/rate"

	"github.com/nugget/aerie/internal/config"
	"github.com/nugget/aerie/internal/metrics"
	"github.com/nugget/aerie/internal/sensors"
)

// Sink receives accepted readings. *sensors.LiveCache satisfies it.
type Sink interface {
	Put(r sensors.Reading)
}

// Subscriber manages the broker connection and turns inbound messages
// into readings.
type Subscriber struct {
	cfg     config.MQTTConfig
	sink    Sink
	metrics *metrics.Collector
	logger  *slog.Logger
	limiter *messageRateLimiter
	now     func() time.Time

	// cm is written once by Start before started is closed.
	cm          *autopaho.ConnectionManager
	started     chan struct{}
	startedOnce sync.Once
}

// NewSubscriber creates a Subscriber but does not connect. Call
// [Subscriber.Start] to connect and begin receiving.
func NewSubscriber(cfg config.MQTTConfig, sink Sink, m *metrics.Collector, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		cfg:     cfg,
		sink:    sink,
		metrics: m,
		logger:  logger,
		limiter: newMessageRateLimiter(cfg.RateLimit, time.Minute, logger),
		now:     time.Now,
		started: make(chan struct{}),
	}
}

func (s *Subscriber) statusTopic() string {
	return "aerie/" + s.cfg.ClientID + "/status"
}

// Start connects to the broker and processes messages until ctx is
// cancelled, then disconnects.
func (s *Subscriber) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   s.statusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
			s.subscribe(ctx, cm)
			s.publishStatus(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					s.handle(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				s.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.startedOnce.Do(func() {
		s.cm = cm
		close(s.started)
	})

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := cm.AwaitConnection(connCtx); err != nil && ctx.Err() == nil {
		// autopaho keeps retrying in the background.
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	connCancel()

	go s.limiter.start(ctx)

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer stopCancel()
	s.publishStatus(stopCtx, cm, "offline")
	if err := cm.Disconnect(stopCtx); err != nil {
		s.logger.Debug("mqtt disconnect", "error", err)
	}
	return nil
}

// AwaitConnection blocks until Start has a live broker connection or
// ctx ends. autopaho reconnects on its own, so this doubles as the
// health check for the broker.
func (s *Subscriber) AwaitConnection(ctx context.Context) error {
	select {
	case <-s.started:
	case <-ctx.Done():
		return fmt.Errorf("mqtt subscriber not started: %w", ctx.Err())
	}
	return s.cm.AwaitConnection(ctx)
}

func (s *Subscriber) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: s.cfg.Topic, QoS: 0}},
	}); err != nil {
		s.logger.Warn("mqtt subscribe failed", "topic", s.cfg.Topic, "error", err)
		return
	}
	s.logger.Info("mqtt subscribed", "topic", s.cfg.Topic)
}

func (s *Subscriber) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   s.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Debug("mqtt status publish failed", "status", status, "error", err)
	}
}

// handle processes one inbound message. It must be safe for
// concurrent use.
func (s *Subscriber) handle(topic string, payload []byte) {
	if !s.limiter.allow() {
		s.metrics.DroppedMessage("rate_limited")
		return
	}

	id, param, err := parseTopic(topic)
	if err != nil {
		s.metrics.DroppedMessage("topic")
		s.logger.Debug("mqtt message ignored", "topic", topic, "error", err)
		return
	}

	value, unit, at, err := parsePayload(payload, param, s.now())
	if err != nil {
		s.metrics.DroppedMessage("payload")
		s.logger.Debug("mqtt payload rejected",
			"topic", topic,
			"payload_size", len(payload),
			"error", err,
		)
		return
	}

	s.sink.Put(sensors.Reading{
		Sensor:    id,
		Parameter: param,
		Value:     value,
		Unit:      unit,
		Time:      at,
	})
	s.metrics.LiveReading(param)

	s.logger.Log(context.Background(), config.LevelTrace, "mqtt reading",
		"sensor", id,
		"parameter", param,
		"value", value,
	)
}

// messageRateLimiter admits inbound messages at a steady rate with a
// one-second burst, and periodically reports how many were dropped.
type messageRateLimiter struct {
	limiter  *rate.Limiter
	count    atomic.Int64
	dropped  atomic.Int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter allows perSecond messages per second. A
// non-positive rate disables limiting.
func newMessageRateLimiter(perSecond float64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	limit, burst := rate.Inf, 0
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}
	return &messageRateLimiter{
		limiter:  rate.NewLimiter(limit, burst),
		interval: interval,
		logger:   logger,
	}
}

// start logs a warning at each interval in which messages were
// dropped. It blocks until ctx is cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", float64(r.limiter.Limit()),
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	r.count.Add(1)
	if !r.limiter.Allow() {
		r.dropped.Add(1)
		return false
	}
	return true
}
