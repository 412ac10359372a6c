package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/mesh"
)

const (
	DefaultQueueSize   = 256
	DefaultHistorySize = 128
)

var (
	MetricAlertRaised   = []string{"noodlenet", "monitor", "alert", "raised"}
	MetricAlertResolved = []string{"noodlenet", "monitor", "alert", "resolved"}
	MetricAlertDropped  = []string{"noodlenet", "monitor", "alert", "dropped"}
	MetricSinkFailed    = []string{"noodlenet", "monitor", "sink", "failed"}
)

type Level uint8

const (
	LevelInfo Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "info"
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "info", "":
		*l = LevelInfo
	case "warning", "warn":
		*l = LevelWarning
	case "critical", "crit":
		*l = LevelCritical
	default:
		return fmt.Errorf("%w: unknown alert level %q", ErrInvalidCfg, text)
	}
	return nil
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelWarning:
		return slog.LevelWarn
	case LevelCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type Op string

const (
	Above Op = ">"
	Below Op = "<"
)

// Rule raises an alert when a sample of Metric crosses Threshold.
type Rule struct {
	Name   string            `yaml:"name" json:"name"`
	Metric string            `yaml:"metric" json:"metric"`
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Op     Op                `yaml:"op" json:"op"`
	// Threshold is compared with the sample value using Op.
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Level     Level   `yaml:"level" json:"level"`
	// ClearFor is how long the metric must stay on the safe side before
	// the alert resolves. Zero resolves on the first clear sample.
	ClearFor time.Duration `yaml:"clear_for" json:"clear_for"`
	// AutoResolveAfter resolves the alert after that long whatever the
	// metric does. Zero disables it.
	AutoResolveAfter time.Duration `yaml:"auto_resolve_after" json:"auto_resolve_after"`
}

func (r *Rule) validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: rule without a name", ErrInvalidCfg)
	case r.Metric == "":
		return fmt.Errorf("%w: rule %q has no metric", ErrInvalidCfg, r.Name)
	case r.Op != Above && r.Op != Below:
		return fmt.Errorf("%w: rule %q has unknown operator %q", ErrInvalidCfg, r.Name, r.Op)
	case r.ClearFor < 0 || r.AutoResolveAfter < 0:
		return fmt.Errorf("%w: rule %q has a negative duration", ErrInvalidCfg, r.Name)
	}
	return nil
}

func (r *Rule) matches(s Sample) bool {
	if s.Name != r.Metric {
		return false
	}
	for k, v := range r.Labels {
		if s.Labels[k] != v {
			return false
		}
	}
	return true
}

func (r *Rule) breached(v float64) bool {
	if r.Op == Below {
		return v < r.Threshold
	}
	return v > r.Threshold
}

type Alert struct {
	ID         uuid.UUID `json:"id"`
	Rule       string    `json:"rule"`
	Level      Level     `json:"level"`
	Message    string    `json:"message"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	RaisedAt   time.Time `json:"raised_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

func (a *Alert) Active() bool {
	return a.ResolvedAt.IsZero()
}

func (a *Alert) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", a.ID.String()),
		slog.String("rule", a.Rule),
		slog.String("level", a.Level.String()),
		slog.Float64("value", a.Value),
	)
}

type EventKind uint8

const (
	AlertRaised EventKind = iota
	AlertResolved
)

func (k EventKind) String() string {
	if k == AlertResolved {
		return "resolved"
	}
	return "raised"
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is what notification sinks receive.
type Event struct {
	Kind  EventKind `json:"kind"`
	Alert Alert     `json:"alert"`
}

// Sink is a notification channel. Sinks are called one event at a time
// from the dispatch goroutine.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

type ruleState struct {
	rule       Rule
	active     *Alert
	clearSince time.Time
}

type AlertOption func(*alertConfig) error

type alertConfig struct {
	queueSize   int
	historySize int
	sinkTimeout time.Duration
	now         func() time.Time
	logHandler  slog.Handler
	msink       metrics.MetricSink
}

func WithQueueSize(n int) AlertOption {
	return func(c *alertConfig) error {
		if n < 1 {
			return fmt.Errorf("%w: queue size must be at least 1", ErrInvalidCfg)
		}
		c.queueSize = n
		return nil
	}
}

func WithHistorySize(n int) AlertOption {
	return func(c *alertConfig) error {
		if n < 0 {
			return fmt.Errorf("%w: negative history size", ErrInvalidCfg)
		}
		c.historySize = n
		return nil
	}
}

// WithSinkTimeout bounds each sink notification.
func WithSinkTimeout(d time.Duration) AlertOption {
	return func(c *alertConfig) error {
		c.sinkTimeout = d
		return nil
	}
}

func WithAlertClock(now func() time.Time) AlertOption {
	return func(c *alertConfig) error {
		c.now = now
		return nil
	}
}

func WithAlertLog(handler slog.Handler) AlertOption {
	return func(c *alertConfig) error {
		c.logHandler = handler
		return nil
	}
}

// WithAlertMetricSink sets where the manager reports about itself. It
// must not be the Collector the manager observes.
func WithAlertMetricSink(ms metrics.MetricSink) AlertOption {
	return func(c *alertConfig) error {
		c.msink = ms
		return nil
	}
}

// AlertManager evaluates rules on every sample it observes. A rule never
// raises a second alert while its first one is active. Raises and
// resolutions are queued and delivered to every sink by Run.
type AlertManager struct {
	cfg    alertConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	queue  chan Event

	rules   map[string]*ruleState
	sinks   map[uuid.UUID]Sink
	history []Alert
	lk      sync.Mutex
}

func NewAlertManager(opts ...AlertOption) (*AlertManager, error) {
	cfg := alertConfig{
		queueSize:   DefaultQueueSize,
		historySize: DefaultHistorySize,
		sinkTimeout: 5 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &AlertManager{
		cfg:    cfg,
		logger: mesh.Logger(cfg.logHandler).With("component", "alerts"),
		msink:  mesh.Sink(cfg.msink),
		queue:  make(chan Event, cfg.queueSize),
		rules:  make(map[string]*ruleState),
		sinks:  make(map[uuid.UUID]Sink),
	}, nil
}

// AddRule installs or replaces a rule. Replacing a rule drops its active
// alert without a resolution notice.
func (am *AlertManager) AddRule(rule Rule) error {
	if err := rule.validate(); err != nil {
		return err
	}
	rule.Labels = maps.Clone(rule.Labels)
	am.lk.Lock()
	defer am.lk.Unlock()
	am.rules[rule.Name] = &ruleState{rule: rule}
	return nil
}

func (am *AlertManager) RemoveRule(name string) bool {
	am.lk.Lock()
	defer am.lk.Unlock()
	_, ok := am.rules[name]
	delete(am.rules, name)
	return ok
}

// Subscribe registers sink and returns the function removing it.
func (am *AlertManager) Subscribe(sink Sink) func() {
	id := uuid.New()
	am.lk.Lock()
	am.sinks[id] = sink
	am.lk.Unlock()
	return func() {
		am.lk.Lock()
		defer am.lk.Unlock()
		delete(am.sinks, id)
	}
}

// Observe evaluates every rule matching s.
func (am *AlertManager) Observe(s Sample) {
	var events []Event

	am.lk.Lock()
	for _, st := range am.rules {
		if !st.rule.matches(s) {
			continue
		}
		breached := st.rule.breached(s.Value)
		switch {
		case breached && st.active == nil:
			st.active = &Alert{
				ID:    uuid.New(),
				Rule:  st.rule.Name,
				Level: st.rule.Level,
				Message: fmt.Sprintf("%s: %s is %g, threshold %s %g",
					st.rule.Name, s.Name, s.Value, st.rule.Op, st.rule.Threshold),
				Metric:   s.Name,
				Value:    s.Value,
				RaisedAt: s.Timestamp,
			}
			st.clearSince = time.Time{}
			events = append(events, Event{Kind: AlertRaised, Alert: *st.active})
		case breached:
			st.clearSince = time.Time{}
			st.active.Value = s.Value
		case st.active != nil:
			if st.clearSince.IsZero() {
				st.clearSince = s.Timestamp
			}
			if s.Timestamp.Sub(st.clearSince) >= st.rule.ClearFor {
				events = append(events, am.resolve(st, s.Timestamp))
			}
		}
	}
	am.lk.Unlock()

	am.publish(events)
}

// resolve closes the active alert of st. Caller holds am.lk.
func (am *AlertManager) resolve(st *ruleState, at time.Time) Event {
	st.active.ResolvedAt = at
	resolved := *st.active
	st.active = nil
	st.clearSince = time.Time{}
	if am.cfg.historySize > 0 {
		am.history = append(am.history, resolved)
		if over := len(am.history) - am.cfg.historySize; over > 0 {
			am.history = slices.Delete(am.history, 0, over)
		}
	}
	return Event{Kind: AlertResolved, Alert: resolved}
}

// Tick resolves alerts whose clear window elapsed without new samples and
// alerts past their auto resolution timeout.
func (am *AlertManager) Tick() {
	now := am.cfg.now()
	var events []Event

	am.lk.Lock()
	for _, st := range am.rules {
		if st.active == nil {
			continue
		}
		cleared := !st.clearSince.IsZero() && now.Sub(st.clearSince) >= st.rule.ClearFor
		expired := st.rule.AutoResolveAfter > 0 && now.Sub(st.active.RaisedAt) >= st.rule.AutoResolveAfter
		if cleared || expired {
			events = append(events, am.resolve(st, now))
		}
	}
	am.lk.Unlock()

	am.publish(events)
}

func (am *AlertManager) publish(events []Event) {
	for _, ev := range events {
		labels := []metrics.Label{
			mesh.LabelAlert.M(ev.Alert.Rule),
			{Name: "level", Value: ev.Alert.Level.String()},
		}
		if ev.Kind == AlertRaised {
			am.msink.IncrCounterWithLabels(MetricAlertRaised, 1.0, labels)
			am.logger.Log(context.Background(), ev.Alert.Level.slog(), "alert raised", slog.Any("alert", &ev.Alert))
		} else {
			am.msink.IncrCounterWithLabels(MetricAlertResolved, 1.0, labels)
			am.logger.Info("alert resolved", slog.Any("alert", &ev.Alert))
		}

		select {
		case am.queue <- ev:
		default:
			am.msink.IncrCounter(MetricAlertDropped, 1.0)
			am.logger.Warn("alert queue full, notification dropped", mesh.LabelAlert.L(ev.Alert.Rule))
		}
	}
}

// Active returns the alerts currently raised.
func (am *AlertManager) Active() []Alert {
	am.lk.Lock()
	defer am.lk.Unlock()
	var out []Alert
	for _, st := range am.rules {
		if st.active != nil {
			out = append(out, *st.active)
		}
	}
	slices.SortFunc(out, func(a, b Alert) int {
		return a.RaisedAt.Compare(b.RaisedAt)
	})
	return out
}

// History returns the last resolved alerts, oldest first.
func (am *AlertManager) History() []Alert {
	am.lk.Lock()
	defer am.lk.Unlock()
	return slices.Clone(am.history)
}

func (am *AlertManager) deliver(ctx context.Context, ev Event) {
	am.lk.Lock()
	sinks := slices.Collect(maps.Values(am.sinks))
	am.lk.Unlock()

	for _, sink := range sinks {
		sctx, cancel := ctx, context.CancelFunc(func() {})
		if am.cfg.sinkTimeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, am.cfg.sinkTimeout)
		}
		err := sink.Notify(sctx, ev)
		cancel()
		if err != nil {
			am.msink.IncrCounter(MetricSinkFailed, 1.0)
			am.logger.Warn("alert sink failed", mesh.LabelAlert.L(ev.Alert.Rule), mesh.LabelError.L(err))
		}
	}
}

// Run delivers queued events to the sinks and ticks every interval until
// ctx is done. Events still queued then are delivered before returning.
func (am *AlertManager) Run(ctx context.Context, interval time.Duration) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			am.drain()
			return nil
		case <-tick:
			am.Tick()
		case ev := <-am.queue:
			am.deliver(ctx, ev)
		}
	}
}

func (am *AlertManager) drain() {
	ctx := context.Background()
	if am.cfg.sinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, am.cfg.sinkTimeout)
		defer cancel()
	}
	for {
		select {
		case ev := <-am.queue:
			am.deliver(ctx, ev)
		default:
			return
		}
	}
}
