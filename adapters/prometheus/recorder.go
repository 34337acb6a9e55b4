package prometheus

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliatone/go-appclient/core"
)

// DefaultNamespace is empty: observer metric names already carry the
// service prefix.
const DefaultNamespace = ""

// DefaultBuckets cover millisecond durations from a local cache hit to a
// slow credential mint.
var DefaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

type Option func(*Recorder)

// WithErrorHandler receives collector registration failures, such as a name
// clash with a collector registered outside the recorder.
func WithErrorHandler(handler func(error)) Option {
	return func(r *Recorder) {
		if handler != nil {
			r.errHandler = handler
		}
	}
}

func WithNamespace(namespace string) Option {
	return func(r *Recorder) {
		r.namespace = sanitize(namespace)
	}
}

func WithBuckets(buckets []float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

// Recorder implements core.MetricsRecorder on Prometheus collectors.
// Collectors are created on first use; the label set of a metric is fixed
// by the tags it was first recorded with. Later tags outside that set are
// dropped and missing ones are recorded as empty.
type Recorder struct {
	registry   *prometheus.Registry
	namespace  string
	buckets    []float64
	mu         sync.Mutex
	counters   map[string]*vec[*prometheus.CounterVec]
	histograms map[string]*vec[*prometheus.HistogramVec]
	errHandler func(error)
}

type vec[T any] struct {
	collector T
	labels    []string
}

// NewRecorder registers collectors on registry, creating a private registry
// when registry is nil.
func NewRecorder(registry *prometheus.Registry, opts ...Option) *Recorder {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	recorder := &Recorder{
		registry:   registry,
		namespace:  DefaultNamespace,
		buckets:    append([]float64(nil), DefaultBuckets...),
		counters:   map[string]*vec[*prometheus.CounterVec]{},
		histograms: map[string]*vec[*prometheus.HistogramVec]{},
		errHandler: func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(recorder)
		}
	}
	return recorder
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	r.mu.Lock()
	entry, ok := r.counters[name]
	if !ok {
		labels := labelNames(tags)
		collector := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      metricName(name, "total"),
			Help:      fmt.Sprintf("Counter for %s.", name),
		}, labels)
		if err := r.registry.Register(collector); err != nil {
			r.mu.Unlock()
			r.errHandler(err)
			return
		}
		entry = &vec[*prometheus.CounterVec]{collector: collector, labels: labels}
		r.counters[name] = entry
	}
	r.mu.Unlock()
	entry.collector.With(labelValues(entry.labels, tags)).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	entry, ok := r.histograms[name]
	if !ok {
		labels := labelNames(tags)
		collector := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: r.namespace,
			Name:      metricName(name, ""),
			Help:      fmt.Sprintf("Histogram for %s.", name),
			Buckets:   r.buckets,
		}, labels)
		if err := r.registry.Register(collector); err != nil {
			r.mu.Unlock()
			r.errHandler(err)
			return
		}
		entry = &vec[*prometheus.HistogramVec]{collector: collector, labels: labels}
		r.histograms[name] = entry
	}
	r.mu.Unlock()
	entry.collector.With(labelValues(entry.labels, tags)).Observe(value)
}

// metricName maps "appclient.credentials.refresh.total" style names to
// Prometheus names. The suffix is appended when missing.
func metricName(name string, suffix string) string {
	name = sanitize(name)
	if suffix != "" && !strings.HasSuffix(name, "_"+suffix) {
		name += "_" + suffix
	}
	return name
}

func sanitize(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "m_" + out
	}
	return out
}

func labelNames(tags map[string]string) []string {
	labels := make([]string, 0, len(tags))
	seen := map[string]struct{}{}
	for key := range tags {
		label := sanitize(key)
		if label == "" {
			continue
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

func labelValues(labels []string, tags map[string]string) prometheus.Labels {
	byLabel := make(map[string]string, len(tags))
	for key, value := range tags {
		byLabel[sanitize(key)] = value
	}
	values := make(prometheus.Labels, len(labels))
	for _, label := range labels {
		values[label] = byLabel[label]
	}
	return values
}

var _ core.MetricsRecorder = (*Recorder)(nil)
