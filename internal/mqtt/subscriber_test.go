package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/aerie/internal/config"
	"github.com/nugget/aerie/internal/metrics"
	"github.com/nugget/aerie/internal/sensors"
)

type recordingSink struct {
	mu       sync.Mutex
	readings []sensors.Reading
}

func (s *recordingSink) Put(r sensors.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubscriberHandle(t *testing.T) {
	now := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	col := metrics.New()

	s := NewSubscriber(config.MQTTConfig{Topic: "sensors/+/+"}, sink, col, testLogger())
	s.now = func() time.Time { return now }

	s.handle("sensors/2/co2", []byte("812"))
	s.handle("sensors/2/pressure", []byte("1013"))
	s.handle("sensors/2/co2", []byte("n/a"))

	if sink.len() != 1 {
		t.Fatalf("sink got %d readings, want 1", sink.len())
	}
	got := sink.readings[0]
	want := sensors.Reading{Sensor: 2, Parameter: sensors.CO2, Value: 812, Unit: "ppm", Time: now}
	if got != want {
		t.Errorf("reading = %+v, want %+v", got, want)
	}
}

func TestSubscriberHandle_FeedsLiveCache(t *testing.T) {
	live := sensors.NewLiveCache(time.Hour)
	s := NewSubscriber(config.MQTTConfig{}, live, nil, testLogger())

	s.handle("sensors/5/humidity", []byte(`{"value": 44.5}`))

	r, ok := live.Get(5, sensors.Humidity)
	if !ok {
		t.Fatal("reading not in live cache")
	}
	if r.Value != 44.5 || r.Unit != "%" {
		t.Errorf("cached reading = %+v", r)
	}
}

func TestSubscriberHandle_Metrics(t *testing.T) {
	col := metrics.New()
	s := NewSubscriber(config.MQTTConfig{}, &recordingSink{}, col, testLogger())

	s.handle("sensors/1/tvoc", []byte("120"))
	s.handle("sensors/1/tvoc", []byte("121"))
	s.handle("nonsense", []byte("1"))

	if n := testutil.CollectAndCount(col.Registry(), "aerie_live_readings_total"); n != 1 {
		t.Errorf("live_readings_total series = %d, want 1", n)
	}
	if n := testutil.CollectAndCount(col.Registry(), "aerie_mqtt_dropped_messages_total"); n != 1 {
		t.Errorf("dropped series = %d, want 1", n)
	}
}

func TestSubscriberHandle_RateLimited(t *testing.T) {
	sink := &recordingSink{}
	s := NewSubscriber(config.MQTTConfig{RateLimit: 3}, sink, nil, testLogger())

	for range 10 {
		s.handle("sensors/1/co2", []byte("600"))
	}

	// Burst equals the per-second rate; the rest are dropped.
	if sink.len() != 3 {
		t.Errorf("accepted %d messages, want 3", sink.len())
	}
	if d := s.limiter.dropped.Load(); d != 7 {
		t.Errorf("dropped = %d, want 7", d)
	}
}

func TestMessageRateLimiter_Unlimited(t *testing.T) {
	rl := newMessageRateLimiter(0, time.Second, testLogger())
	for i := range 1000 {
		if !rl.allow() {
			t.Fatalf("message %d rejected with limiting disabled", i)
		}
	}
	if rl.count.Load() != 1000 {
		t.Errorf("count = %d, want 1000", rl.count.Load())
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	rl := newMessageRateLimiter(1000, time.Second, testLogger())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				rl.allow()
			}
		}()
	}
	wg.Wait()

	if count := rl.count.Load(); count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	// The burst admits roughly 1000; refill during the test may add a few.
	if dropped := rl.dropped.Load(); dropped < 800 || dropped > 1000 {
		t.Errorf("dropped = %d, want about 1000", dropped)
	}
}

func TestStatusTopic(t *testing.T) {
	s := NewSubscriber(config.MQTTConfig{ClientID: "aerie-lab"}, &recordingSink{}, nil, testLogger())
	if got := s.statusTopic(); got != "aerie/aerie-lab/status" {
		t.Errorf("statusTopic = %q", got)
	}
}

func TestAwaitConnection_BeforeStart(t *testing.T) {
	s := NewSubscriber(config.MQTTConfig{}, &recordingSink{}, nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.AwaitConnection(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AwaitConnection() = %v, want deadline exceeded", err)
	}
}

func TestAwaitConnection_BrokerUnreachable(t *testing.T) {
	s := NewSubscriber(config.MQTTConfig{
		Broker:   "mqtt://127.0.0.1:1",
		ClientID: "aerie-test",
		Topic:    "sensors/+/+",
	}, &recordingSink{}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	// Callers racing Start must see an error, never a half-built client.
	for range 5 {
		wctx, wcancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := s.AwaitConnection(wctx)
		wcancel()
		if err == nil {
			t.Fatal("AwaitConnection() = nil with no broker listening")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() = %v, want nil after cancel", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
