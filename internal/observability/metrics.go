package observability

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
)

type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	llmRequests *CounterVec
	llmLatency  *HistogramVec
	llmTokens   *CounterVec
	publishOps  *CounterVec
	courseRuns  *CounterVec
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	v := strings.TrimSpace(os.Getenv("METRICS_ENABLED"))
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func Current() *Metrics {
	return instance
}

func Init(log *logger.Logger) *Metrics {
	initOnce.Do(func() {
		if !Enabled() {
			return
		}
		instance = &Metrics{
			apiRequests: NewCounterVec("coursebuilder_api_requests_total", "method", "route", "status"),
			apiLatency:  NewHistogramVec("coursebuilder_api_latency_seconds", defaultBuckets, "method", "route"),
			llmRequests: NewCounterVec("coursebuilder_llm_requests_total", "model", "endpoint", "status"),
			llmLatency:  NewHistogramVec("coursebuilder_llm_latency_seconds", llmBuckets, "model", "endpoint"),
			llmTokens:   NewCounterVec("coursebuilder_llm_tokens_total", "model", "direction"),
			publishOps:  NewCounterVec("coursebuilder_lms_creates_total", "entity", "status"),
			courseRuns:  NewCounterVec("coursebuilder_runs_total", "status"),
		}
		if log != nil {
			log.Info("Metrics registry initialized")
		}
	})
	return instance
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	for _, c := range []*CounterVec{m.apiRequests, m.llmRequests, m.llmTokens, m.publishOps, m.courseRuns} {
		if err := c.WritePrometheus(w); err != nil {
			return err
		}
	}
	for _, h := range []*HistogramVec{m.apiLatency, m.llmLatency} {
		if err := h.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.Inc(method, route, status)
	if dur > 0 {
		m.apiLatency.Observe(dur.Seconds(), method, route)
	}
}

func (m *Metrics) ObserveLLMRequest(model, endpoint, status string, dur time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = "unknown"
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = "unknown"
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = "0"
	}
	m.llmRequests.Inc(model, endpoint, status)
	if dur > 0 {
		m.llmLatency.Observe(dur.Seconds(), model, endpoint)
	}
	if inputTokens > 0 {
		m.llmTokens.Add(float64(inputTokens), model, "input")
	}
	if outputTokens > 0 {
		m.llmTokens.Add(float64(outputTokens), model, "output")
	}
}

func (m *Metrics) ObservePublishCall(entity, status string) {
	if m == nil {
		return
	}
	m.publishOps.Inc(entity, status)
}

func (m *Metrics) IncCourseRun(status string) {
	if m == nil {
		return
	}
	m.courseRuns.Inc(status)
}

// -------------------- minimal registry primitives --------------------

var defaultBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
var llmBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

type CounterVec struct {
	name   string
	labels []string
	mu     sync.Mutex
	vals   map[string]float64
}

func NewCounterVec(name string, labels ...string) *CounterVec {
	return &CounterVec{name: name, labels: labels, vals: map[string]float64{}}
}

func (c *CounterVec) Inc(labelValues ...string) { c.Add(1, labelValues...) }

func (c *CounterVec) Add(v float64, labelValues ...string) {
	if c == nil || v <= 0 {
		return
	}
	key := labelKey(c.labels, labelValues)
	c.mu.Lock()
	c.vals[key] += v
	c.mu.Unlock()
}

func (c *CounterVec) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	keys := make([]string, 0, len(c.vals))
	for k := range c.vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s%s %g", c.name, k, c.vals[k]))
	}
	c.mu.Unlock()
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

type HistogramVec struct {
	name    string
	labels  []string
	buckets []float64
	mu      sync.Mutex
	series  map[string]*histogram
}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func NewHistogramVec(name string, buckets []float64, labels ...string) *HistogramVec {
	return &HistogramVec{name: name, labels: labels, buckets: buckets, series: map[string]*histogram{}}
}

func (h *HistogramVec) Observe(v float64, labelValues ...string) {
	if h == nil || v < 0 {
		return
	}
	key := labelKey(h.labels, labelValues)
	h.mu.Lock()
	s, ok := h.series[key]
	if !ok {
		s = &histogram{counts: make([]uint64, len(h.buckets))}
		h.series[key] = s
	}
	for i, ub := range h.buckets {
		if v <= ub {
			s.counts[i]++
		}
	}
	s.sum += v
	s.count++
	h.mu.Unlock()
}

func (h *HistogramVec) WritePrometheus(w io.Writer) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	keys := make([]string, 0, len(h.series))
	for k := range h.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var lines []string
	for _, k := range keys {
		s := h.series[k]
		for i, ub := range h.buckets {
			lines = append(lines, fmt.Sprintf("%s_bucket%s %d", h.name, mergeLabelKey(k, fmt.Sprintf("le=%q", trimFloat(ub))), s.counts[i]))
		}
		lines = append(lines, fmt.Sprintf("%s_bucket%s %d", h.name, mergeLabelKey(k, `le="+Inf"`), s.count))
		lines = append(lines, fmt.Sprintf("%s_sum%s %g", h.name, k, s.sum))
		lines = append(lines, fmt.Sprintf("%s_count%s %d", h.name, k, s.count))
	}
	h.mu.Unlock()
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func labelKey(labels, values []string) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for i, l := range labels {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		parts = append(parts, fmt.Sprintf("%s=%q", l, v))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func mergeLabelKey(key, extra string) string {
	if key == "" {
		return "{" + extra + "}"
	}
	return strings.TrimSuffix(key, "}") + "," + extra + "}"
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%g", v)
	return s
}
