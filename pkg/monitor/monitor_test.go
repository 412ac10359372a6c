package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
	lk  sync.Mutex
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.now = c.now.Add(d)
}

var latencyKey = []string{"noodlenet", "link", "latency"}

func TestCollectorRetention(t *testing.T) {
	clock := newClock()
	c, err := NewCollector(WithRetention(3), WithCollectorClock(clock.Now))
	require.NoError(t, err)

	for i := range 5 {
		c.AddSample(latencyKey, float32(i))
		clock.Advance(time.Second)
	}
	c.IncrCounterWithLabels(latencyKey, 9, []metrics.Label{mesh.LabelPeer.M("b")})

	series := c.Series("noodlenet.link.latency")
	require.Len(t, series, 4)
	require.Equal(t, []float64{2, 3, 4, 9}, []float64{series[0].Value, series[1].Value, series[2].Value, series[3].Value})
	require.Equal(t, "b", series[3].Labels["peer"])
	require.Equal(t, KindCounter, series[3].Kind)

	latest, ok := c.Latest("noodlenet.link.latency")
	require.True(t, ok)
	require.Equal(t, 9.0, latest.Value)
	require.Equal(t, []string{"noodlenet.link.latency"}, c.Names())

	_, err = NewCollector(WithRetention(0))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestSummarize(t *testing.T) {
	clock := newClock()
	c, err := NewCollector(WithCollectorClock(clock.Now))
	require.NoError(t, err)

	start := clock.Now()
	for i := 1; i <= 100; i++ {
		c.AddSample(latencyKey, float32(i))
		clock.Advance(time.Millisecond)
	}

	s := c.Summarize("noodlenet.link.latency", start)
	require.Equal(t, 100, s.Count)
	require.Equal(t, 1.0, s.Min)
	require.Equal(t, 100.0, s.Max)
	require.Equal(t, 50.5, s.Avg)
	require.Equal(t, 95.0, s.P95)
	require.True(t, s.From.Equal(start))

	recent := c.Summarize("noodlenet.link.latency", start.Add(90*time.Millisecond))
	require.Equal(t, 10, recent.Count)
	require.Equal(t, 91.0, recent.Min)

	require.Equal(t, Summary{}, c.Summarize("missing", start))
}

type recorder struct {
	events []Event
	lk     sync.Mutex
}

func (r *recorder) Notify(_ context.Context, ev Event) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []EventKind {
	r.lk.Lock()
	defer r.lk.Unlock()
	var out []EventKind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newAlerts(t *testing.T, clock *fakeClock, rules ...Rule) (*AlertManager, *Collector) {
	t.Helper()
	am, err := NewAlertManager(
		WithAlertClock(clock.Now),
		WithAlertMetricSink(&metrics.BlackholeSink{}),
	)
	require.NoError(t, err)
	for _, r := range rules {
		require.NoError(t, am.AddRule(r))
	}
	c, err := NewCollector(WithCollectorClock(clock.Now))
	require.NoError(t, err)
	c.Observe(am.Observe)
	return am, c
}

func drained(am *AlertManager) []Event {
	var out []Event
	for {
		select {
		case ev := <-am.queue:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestAlertRaiseOnceAndClear(t *testing.T) {
	clock := newClock()
	am, c := newAlerts(t, clock, Rule{
		Name:      "slow-link",
		Metric:    "noodlenet.link.latency",
		Op:        Above,
		Threshold: 100,
		Level:     LevelWarning,
		ClearFor:  10 * time.Second,
	})

	c.AddSample(latencyKey, 50)
	require.Empty(t, am.Active())

	c.AddSample(latencyKey, 150)
	c.AddSample(latencyKey, 200)
	active := am.Active()
	require.Len(t, active, 1)
	require.Equal(t, LevelWarning, active[0].Level)
	require.Equal(t, 200.0, active[0].Value)

	// Clear, but not for long enough.
	c.AddSample(latencyKey, 10)
	clock.Advance(5 * time.Second)
	c.AddSample(latencyKey, 10)
	require.Len(t, am.Active(), 1)

	// A breach resets the clear window.
	c.AddSample(latencyKey, 300)
	c.AddSample(latencyKey, 10)
	clock.Advance(9 * time.Second)
	c.AddSample(latencyKey, 10)
	require.Len(t, am.Active(), 1)

	clock.Advance(time.Second)
	c.AddSample(latencyKey, 10)
	require.Empty(t, am.Active())

	events := drained(am)
	require.Len(t, events, 2)
	require.Equal(t, AlertRaised, events[0].Kind)
	require.Equal(t, AlertResolved, events[1].Kind)
	require.Equal(t, events[0].Alert.ID, events[1].Alert.ID)
	require.False(t, events[1].Alert.Active())

	history := am.History()
	require.Len(t, history, 1)
}

func TestAlertTickResolves(t *testing.T) {
	clock := newClock()
	am, c := newAlerts(t, clock,
		Rule{Name: "low-capacity", Metric: "noodlenet.capacity", Op: Below, Threshold: 1, ClearFor: time.Minute},
		Rule{Name: "denials", Metric: "noodlenet.denied", Op: Above, Threshold: 0, AutoResolveAfter: 30 * time.Second},
	)

	c.SetGauge([]string{"noodlenet", "capacity"}, 0)
	c.IncrCounter([]string{"noodlenet", "denied"}, 1)
	require.Len(t, am.Active(), 2)

	c.SetGauge([]string{"noodlenet", "capacity"}, 5)
	clock.Advance(30 * time.Second)
	am.Tick()
	active := am.Active()
	require.Len(t, active, 1)
	require.Equal(t, "low-capacity", active[0].Rule)

	clock.Advance(30 * time.Second)
	am.Tick()
	require.Empty(t, am.Active())
	require.Len(t, drained(am), 4)
}

func TestAlertLabelMatch(t *testing.T) {
	clock := newClock()
	am, c := newAlerts(t, clock, Rule{
		Name:      "b-slow",
		Metric:    "noodlenet.link.latency",
		Labels:    map[string]string{"peer": "b"},
		Op:        Above,
		Threshold: 10,
	})
	c.AddSampleWithLabels(latencyKey, 50, []metrics.Label{mesh.LabelPeer.M("c")})
	require.Empty(t, am.Active())
	c.AddSampleWithLabels(latencyKey, 50, []metrics.Label{mesh.LabelPeer.M("b")})
	require.Len(t, am.Active(), 1)
}

func TestAlertRules(t *testing.T) {
	am, err := NewAlertManager()
	require.NoError(t, err)
	require.ErrorIs(t, am.AddRule(Rule{Name: "x", Metric: "m", Op: ">="}), ErrInvalidCfg)
	require.ErrorIs(t, am.AddRule(Rule{Metric: "m", Op: Above}), ErrInvalidCfg)
	require.NoError(t, am.AddRule(Rule{Name: "x", Metric: "m", Op: Above}))
	require.True(t, am.RemoveRule("x"))
	require.False(t, am.RemoveRule("x"))

	var l Level
	require.NoError(t, l.UnmarshalText([]byte("critical")))
	require.Equal(t, LevelCritical, l)
	require.ErrorIs(t, l.UnmarshalText([]byte("panic")), ErrInvalidCfg)
}

func TestAlertRunDelivers(t *testing.T) {
	clock := newClock()
	am, c := newAlerts(t, clock, Rule{Name: "hot", Metric: "noodlenet.load", Op: Above, Threshold: 0.9})

	rec := &recorder{}
	unsubscribe := am.Subscribe(rec)
	failing := am.Subscribe(SinkFunc(func(context.Context, Event) error {
		return errors.New("sink down")
	}))
	defer failing()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- am.Run(ctx, 0) }()

	c.SetGauge([]string{"noodlenet", "load"}, 0.95)
	c.SetGauge([]string{"noodlenet", "load"}, 0.5)
	require.Eventually(t, func() bool {
		return len(rec.kinds()) == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []EventKind{AlertRaised, AlertResolved}, rec.kinds())

	unsubscribe()
	c.SetGauge([]string{"noodlenet", "load"}, 0.99)
	cancel()
	require.NoError(t, <-done)
	require.Len(t, rec.kinds(), 2)
}

func TestWebhookSink(t *testing.T) {
	var calls atomic.Int32
	got := make(chan webhookPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret", r.Header.Get("X-Token"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var p webhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		got <- p
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, WithHeader("X-Token", "secret"))
	raised := time.Unix(1_700_000_000, 0)
	err := sink.Notify(context.Background(), Event{
		Kind: AlertResolved,
		Alert: Alert{
			Rule:       "hot",
			Level:      LevelCritical,
			RaisedAt:   raised,
			ResolvedAt: raised.Add(90 * time.Second),
		},
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())

	p := <-got
	require.Equal(t, "resolved", p.Event)
	require.Equal(t, LevelCritical, p.Alert.Level)
	require.Equal(t, 90.0, p.Duration)
}

func TestWebhookClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL).Notify(context.Background(), Event{Alert: Alert{Rule: "x"}})
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestHealthChecker(t *testing.T) {
	hc := NewHealthChecker(50 * time.Millisecond)
	require.ErrorIs(t, hc.Register(Check{Name: "nil"}), ErrInvalidCfg)

	require.NoError(t, hc.Register(Check{Name: "peers", Probe: func(context.Context) error { return nil }}))
	require.Equal(t, StatusHealthy, hc.Check(context.Background()).Status)

	require.NoError(t, hc.Register(Check{Name: "checkpoint", Probe: func(context.Context) error {
		return errors.New("disk full")
	}}))
	report := hc.Check(context.Background())
	require.Equal(t, StatusDegraded, report.Status)
	require.Equal(t, "checkpoint", report.Checks[0].Name)
	require.Equal(t, "disk full", report.Checks[0].Error)

	require.NoError(t, hc.Register(Check{Name: "transport", Critical: true, Probe: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	report = hc.Check(context.Background())
	require.Equal(t, StatusUnhealthy, report.Status)
	require.Equal(t, report, hc.Last())

	hc.Unregister("transport")
	hc.Unregister("checkpoint")
	require.Equal(t, StatusHealthy, hc.Check(context.Background()).Status)
}
