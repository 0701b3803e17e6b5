package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector tracks named counters for IAM lifecycle events. Counters are
// mirrored into a private Prometheus registry so the cmd can serve them.
type Collector struct {
	namespace string
	counters  map[string]float64
	promVecs  map[string]prometheus.Counter
	registry  *prometheus.Registry
	shutdown  bool
	mu        sync.RWMutex
}

// NewCollector creates a collector. Counter names are prefixed with the
// namespace in the Prometheus export.
func NewCollector(namespace string) *Collector {
	return &Collector{
		namespace: namespace,
		counters:  make(map[string]float64),
		promVecs:  make(map[string]prometheus.Counter),
		registry:  prometheus.NewRegistry(),
	}
}

// Inc increments a counter by 1.
func (c *Collector) Inc(name string) {
	c.Add(name, 1)
}

// Add adds a value to a counter, registering it on first use.
func (c *Collector) Add(name string, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return
	}
	c.counters[name] += v
	counter, ok := c.promVecs[name]
	if !ok {
		counter = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: c.namespace,
			Name:      sanitize(name),
			Help:      "IAM core counter " + name,
		})
		c.registry.MustRegister(counter)
		c.promVecs[name] = counter
	}
	counter.Add(v)
}

// Value returns the current value of a counter.
func (c *Collector) Value(name string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

// Snapshot returns all counter values.
func (c *Collector) Snapshot() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]float64, len(c.counters))
	for name, v := range c.counters {
		out[name] = v
	}
	return out
}

// Handler returns an HTTP handler exposing the Prometheus registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Shutdown stops accepting updates.
func (c *Collector) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
}

// sanitize maps counter names like "auth.login_success" onto valid
// Prometheus metric names.
func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_':
			out[i] = ch
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// Timer measures a duration against the wall clock for callers that want
// coarse operation timing in snapshots.
type Timer struct {
	collector *Collector
	name      string
	start     time.Time
}

// StartTimer starts a timer; Stop adds elapsed milliseconds to the counter.
func (c *Collector) StartTimer(name string) *Timer {
	return &Timer{collector: c, name: name, start: time.Now()}
}

// Stop records the elapsed time in milliseconds.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.collector.Add(t.name, float64(elapsed.Milliseconds()))
	return elapsed
}
