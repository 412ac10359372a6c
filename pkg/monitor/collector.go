// Package monitor aggregates the metrics every component emits through
// go-metrics, evaluates alert rules on each sample and reports node health.
package monitor

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

const DefaultRetention = 512

var ErrInvalidCfg = errors.New("monitor: invalid options")

type Kind uint8

const (
	KindGauge Kind = iota
	KindCounter
	KindSample
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindSample:
		return "sample"
	default:
		return "gauge"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Sample is one metric value as received by the Collector.
type Sample struct {
	Name      string            `json:"name"`
	Kind      Kind              `json:"kind"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// MetricName joins a go-metrics key the way sinks usually flatten it.
func MetricName(key []string) string {
	return strings.Join(key, ".")
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		fmt.Fprintf(&b, ";%s=%s", k, labels[k])
	}
	return b.String()
}

// ring is a fixed capacity buffer keeping the newest samples.
type ring struct {
	name string
	buf  []Sample
	next int
	full bool
}

func (r *ring) push(s Sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// samples returns the content oldest first.
func (r *ring) samples() []Sample {
	if !r.full {
		return slices.Clone(r.buf[:r.next])
	}
	out := make([]Sample, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

type CollectorOption func(*collectorConfig) error

type collectorConfig struct {
	retention int
	now       func() time.Time
}

// WithRetention bounds how many samples are kept per series.
func WithRetention(n int) CollectorOption {
	return func(c *collectorConfig) error {
		if n < 1 {
			return fmt.Errorf("%w: retention must be at least 1", ErrInvalidCfg)
		}
		c.retention = n
		return nil
	}
}

func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *collectorConfig) error {
		c.now = now
		return nil
	}
}

// Collector is a go-metrics MetricSink keeping the latest samples of every
// series in a ring buffer. Observers see each sample as it arrives.
type Collector struct {
	cfg       collectorConfig
	series    map[string]*ring
	observers []func(Sample)
	lk        sync.Mutex
}

var _ metrics.MetricSink = (*Collector)(nil)

func NewCollector(opts ...CollectorOption) (*Collector, error) {
	cfg := collectorConfig{
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Collector{
		cfg:    cfg,
		series: make(map[string]*ring),
	}, nil
}

// Observe registers fn for every new sample. It runs on the goroutine
// emitting the metric so it must not block.
func (c *Collector) Observe(fn func(Sample)) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Collector) record(kind Kind, key []string, val float32, labels []metrics.Label) {
	s := Sample{
		Name:      MetricName(key),
		Kind:      kind,
		Value:     float64(val),
		Timestamp: c.cfg.now(),
	}
	if len(labels) > 0 {
		s.Labels = make(map[string]string, len(labels))
		for _, l := range labels {
			s.Labels[l.Name] = l.Value
		}
	}
	sk := seriesKey(s.Name, s.Labels)

	c.lk.Lock()
	r, ok := c.series[sk]
	if !ok {
		r = &ring{name: s.Name, buf: make([]Sample, c.cfg.retention)}
		c.series[sk] = r
	}
	r.push(s)
	observers := c.observers
	c.lk.Unlock()

	for _, fn := range observers {
		fn(s)
	}
}

func (c *Collector) SetGauge(key []string, val float32) {
	c.record(KindGauge, key, val, nil)
}

func (c *Collector) SetGaugeWithLabels(key []string, val float32, labels []metrics.Label) {
	c.record(KindGauge, key, val, labels)
}

func (c *Collector) EmitKey(key []string, val float32) {
	c.record(KindGauge, key, val, nil)
}

func (c *Collector) IncrCounter(key []string, val float32) {
	c.record(KindCounter, key, val, nil)
}

func (c *Collector) IncrCounterWithLabels(key []string, val float32, labels []metrics.Label) {
	c.record(KindCounter, key, val, labels)
}

func (c *Collector) AddSample(key []string, val float32) {
	c.record(KindSample, key, val, nil)
}

func (c *Collector) AddSampleWithLabels(key []string, val float32, labels []metrics.Label) {
	c.record(KindSample, key, val, labels)
}

// Names lists the names of every series seen.
func (c *Collector) Names() []string {
	c.lk.Lock()
	defer c.lk.Unlock()
	seen := make(map[string]struct{})
	for _, r := range c.series {
		seen[r.name] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Series returns the retained samples of name across all label sets,
// oldest first.
func (c *Collector) Series(name string) []Sample {
	c.lk.Lock()
	var out []Sample
	for _, r := range c.series {
		if r.name == name {
			out = append(out, r.samples()...)
		}
	}
	c.lk.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Latest returns the newest sample of name, if any.
func (c *Collector) Latest(name string) (Sample, bool) {
	series := c.Series(name)
	if len(series) == 0 {
		return Sample{}, false
	}
	return series[len(series)-1], true
}

// Summary aggregates the retained samples of a series.
type Summary struct {
	Count int       `json:"count"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Sum   float64   `json:"sum"`
	Avg   float64   `json:"avg"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
	P95   float64   `json:"p95"`
}

// Summarize computes a Summary of name over the samples taken since since.
func (c *Collector) Summarize(name string, since time.Time) Summary {
	return Summarize(c.Series(name), since)
}

func Summarize(samples []Sample, since time.Time) Summary {
	values := make([]float64, 0, len(samples))
	sum := Summary{Min: math.MaxFloat64}
	for _, s := range samples {
		if s.Timestamp.Before(since) {
			continue
		}
		if sum.Count == 0 || s.Timestamp.Before(sum.From) {
			sum.From = s.Timestamp
		}
		if s.Timestamp.After(sum.To) {
			sum.To = s.Timestamp
		}
		sum.Count++
		sum.Sum += s.Value
		sum.Min = min(sum.Min, s.Value)
		sum.Max = max(sum.Max, s.Value)
		values = append(values, s.Value)
	}
	if sum.Count == 0 {
		return Summary{}
	}
	sum.Avg = sum.Sum / float64(sum.Count)
	slices.Sort(values)
	sum.P95 = percentile(values, 0.95)
	return sum
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
