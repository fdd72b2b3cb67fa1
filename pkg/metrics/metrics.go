package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	decision       map[string]int64
	reason         map[string]int64
	decisionReason map[string]int64
	jobState       map[string]int64
	breaker        map[string]int64
	confirm        map[string]int64
	gauges         map[string]float64
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Decisions       map[string]int64        `json:"decisions"`
	Reasons         map[string]int64        `json:"reasons"`
	DecisionReasons map[string]int64        `json:"decision_reasons"`
	JobStates       map[string]int64        `json:"job_states"`
	BreakerEvents   map[string]int64        `json:"breaker_events"`
	ConfirmEvents   map[string]int64        `json:"confirm_events"`
	Gauges          map[string]float64      `json:"gauges"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		decision:       map[string]int64{},
		reason:         map[string]int64{},
		decisionReason: map[string]int64{},
		jobState:       map[string]int64{},
		breaker:        map[string]int64{},
		confirm:        map[string]int64{},
		gauges:         map[string]float64{},
		Histograms:     NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncDecision records one gate outcome, counting the decision, the
// reason, and the decision|reason pair.
func (r *Registry) IncDecision(decision, reason string) {
	decision = strings.TrimSpace(decision)
	if decision == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decision[decision]++
	if reason != "" {
		r.reason[reason]++
		r.decisionReason[decision+"|"+reason]++
	}
}

func (r *Registry) IncJobState(state string) {
	if state == "" {
		return
	}
	r.mu.Lock()
	r.jobState[state]++
	r.mu.Unlock()
}

// IncBreakerEvent counts circuit-breaker transitions and trips,
// e.g. "opened", "closed", "half_open", "short_circuited".
func (r *Registry) IncBreakerEvent(event string) {
	if event == "" {
		return
	}
	r.mu.Lock()
	r.breaker[event]++
	r.mu.Unlock()
}

// IncConfirmEvent counts confirmation token lifecycle events,
// e.g. "issued", "consumed", "expired", "mismatch".
func (r *Registry) IncConfirmEvent(event string) {
	if event == "" {
		return
	}
	r.mu.Lock()
	r.confirm[event]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:       make(map[string]int64, len(r.decision)),
		Reasons:         make(map[string]int64, len(r.reason)),
		DecisionReasons: make(map[string]int64, len(r.decisionReason)),
		JobStates:       make(map[string]int64, len(r.jobState)),
		BreakerEvents:   make(map[string]int64, len(r.breaker)),
		ConfirmEvents:   make(map[string]int64, len(r.confirm)),
		Gauges:          make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.decisionReason {
		out.DecisionReasons[k] = v
	}
	for k, v := range r.jobState {
		out.JobStates[k] = v
	}
	for k, v := range r.breaker {
		out.BreakerEvents[k] = v
	}
	for k, v := range r.confirm {
		out.ConfirmEvents[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP gatekeeper_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE gatekeeper_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gatekeeper_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP gatekeeper_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE gatekeeper_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gatekeeper_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP gatekeeper_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE gatekeeper_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gatekeeper_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP gatekeeper_decision_total gate outcomes by decision\n")
		b.WriteString("# TYPE gatekeeper_decision_total counter\n")
		for _, decision := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "gatekeeper_decision_total{decision=%q} %d\n", decision, snap.Decisions[decision])
		}
		b.WriteString("# HELP gatekeeper_reason_total gate outcomes by reason code\n")
		b.WriteString("# TYPE gatekeeper_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "gatekeeper_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP gatekeeper_decision_reason_total gate outcomes by decision and reason\n")
		b.WriteString("# TYPE gatekeeper_decision_reason_total counter\n")
		for _, key := range SortedKeys(snap.DecisionReasons) {
			parts := strings.SplitN(key, "|", 2)
			decision := parts[0]
			reason := ""
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "gatekeeper_decision_reason_total{decision=%q,reason=%q} %d\n", decision, reason, snap.DecisionReasons[key])
		}
		b.WriteString("# HELP gatekeeper_job_state_total jobs reaching each state\n")
		b.WriteString("# TYPE gatekeeper_job_state_total counter\n")
		for _, state := range SortedKeys(snap.JobStates) {
			fmt.Fprintf(b, "gatekeeper_job_state_total{state=%q} %d\n", state, snap.JobStates[state])
		}
		b.WriteString("# HELP gatekeeper_breaker_event_total circuit breaker transitions and trips\n")
		b.WriteString("# TYPE gatekeeper_breaker_event_total counter\n")
		for _, event := range SortedKeys(snap.BreakerEvents) {
			fmt.Fprintf(b, "gatekeeper_breaker_event_total{event=%q} %d\n", event, snap.BreakerEvents[event])
		}
		b.WriteString("# HELP gatekeeper_confirm_event_total confirmation token lifecycle events\n")
		b.WriteString("# TYPE gatekeeper_confirm_event_total counter\n")
		for _, event := range SortedKeys(snap.ConfirmEvents) {
			fmt.Fprintf(b, "gatekeeper_confirm_event_total{event=%q} %d\n", event, snap.ConfirmEvents[event])
		}
		b.WriteString("# HELP gatekeeper_gauge operational gauge metrics\n")
		b.WriteString("# TYPE gatekeeper_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "gatekeeper_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP gatekeeper_latency_seconds latency histogram\n")
			b.WriteString("# TYPE gatekeeper_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "gatekeeper_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "gatekeeper_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "gatekeeper_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "gatekeeper_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "gatekeeper_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "gatekeeper_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "gatekeeper_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
