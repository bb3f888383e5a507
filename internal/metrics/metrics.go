// Package metrics is the gateway's labelled counter registry.
//
// Counters are keyed as name{k1=v1,k2=v2} with label keys sorted, so the same
// label set always produces the same key regardless of map iteration order.
// Every counter is mirrored into a Prometheus registry for scraping.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Labels is a set of label name/value pairs.
type Labels map[string]string

// Registry holds labelled counters.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]float64

	promMu  sync.Mutex
	prom    *prometheus.Registry
	promVec map[string]*promVec
}

type promVec struct {
	vec  *prometheus.CounterVec
	keys []string
}

// NewRegistry creates an empty registry with its own Prometheus registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]float64),
		prom:     prometheus.NewRegistry(),
		promVec:  make(map[string]*promVec),
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Key renders the canonical counter key for name and labels.
func Key(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	keys := sortedKeys(labels)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Inc adds one to the counter.
func (r *Registry) Inc(name string, labels Labels) {
	r.Add(name, labels, 1)
}

// Add adds value to the counter. Negative values are ignored.
func (r *Registry) Add(name string, labels Labels, value float64) {
	if value < 0 {
		return
	}
	key := Key(name, labels)
	r.mu.Lock()
	r.counters[key] += value
	r.mu.Unlock()

	r.mirror(name, labels, value)
}

// Get returns the current value of one counter.
func (r *Registry) Get(name string, labels Labels) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[Key(name, labels)]
}

// Snapshot returns a copy of all counters.
func (r *Registry) Snapshot() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// Handler serves the Prometheus text exposition of the mirrored counters.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// mirror forwards an increment to the Prometheus side. A counter's label keys
// are fixed by its first use; later uses with different keys are only kept in
// the in-memory map.
func (r *Registry) mirror(name string, labels Labels, value float64) {
	keys := sortedKeys(labels)

	r.promMu.Lock()
	pv, ok := r.promVec[name]
	if !ok {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: promName(name),
			Help: "Gateway counter " + name,
		}, keys)
		if err := r.prom.Register(vec); err != nil {
			r.promMu.Unlock()
			log.Debug().Err(err).Str("metric", name).Msg("Prometheus mirror registration failed")
			return
		}
		pv = &promVec{vec: vec, keys: keys}
		r.promVec[name] = pv
	}
	r.promMu.Unlock()

	if !sameKeys(pv.keys, keys) {
		return
	}
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	pv.vec.WithLabelValues(values...).Add(value)
}

func sortedKeys(labels Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// promName maps a counter name onto the Prometheus metric name charset.
func promName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
