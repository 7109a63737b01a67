package isleimg

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type WorkerMetrics struct {
	RequestTotal      prometheus.Counter
	MemoryHits        prometheus.Counter
	PersistentHits    prometheus.Counter
	PersistentCorrupt prometheus.Counter
	FetchTotal        prometheus.Counter
	FetchErrors       prometheus.Counter
	FetchBytes        prometheus.Counter
	FetchLatency      prometheus.Histogram
	DecodeTotal       prometheus.Counter
	DecodeErrors      prometheus.Counter
	DecodeLatency     prometheus.Histogram
	FailuresShown     prometheus.Counter
	Cancellations     prometheus.Counter
	Suppressed        prometheus.Counter
	PausedWaits       prometheus.Counter
}

func (m *WorkerMetrics) incCounter(counter prometheus.Counter) {
	if m == nil || counter == nil {
		return
	}
	counter.Inc()
}

func (m *WorkerMetrics) addCounter(counter prometheus.Counter, value float64) {
	if m == nil || counter == nil || value == 0 {
		return
	}
	counter.Add(value)
}

func (m *WorkerMetrics) observeHistogram(histogram prometheus.Histogram, value float64) {
	if m == nil || histogram == nil {
		return
	}
	histogram.Observe(value)
}

func (m *WorkerMetrics) ObserveRequest(memoryHit bool) {
	if m == nil {
		return
	}
	m.incCounter(m.RequestTotal)
	if memoryHit {
		m.incCounter(m.MemoryHits)
	}
}

func (m *WorkerMetrics) ObservePersistentHit() {
	if m == nil {
		return
	}
	m.incCounter(m.PersistentHits)
}

func (m *WorkerMetrics) ObservePersistentCorrupt() {
	if m == nil {
		return
	}
	m.incCounter(m.PersistentCorrupt)
}

func (m *WorkerMetrics) ObserveFetch(d time.Duration, sizeBytes int64, err error) {
	if m == nil {
		return
	}
	m.incCounter(m.FetchTotal)
	m.observeHistogram(m.FetchLatency, d.Seconds())
	if err != nil {
		m.incCounter(m.FetchErrors)
		return
	}
	if sizeBytes > 0 {
		m.addCounter(m.FetchBytes, float64(sizeBytes))
	}
}

func (m *WorkerMetrics) ObserveDecode(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.incCounter(m.DecodeTotal)
	m.observeHistogram(m.DecodeLatency, d.Seconds())
	if err != nil {
		m.incCounter(m.DecodeErrors)
	}
}

func (m *WorkerMetrics) ObserveFailureShown() {
	if m == nil {
		return
	}
	m.incCounter(m.FailuresShown)
}

func (m *WorkerMetrics) ObserveCancel() {
	if m == nil {
		return
	}
	m.incCounter(m.Cancellations)
}

func (m *WorkerMetrics) ObserveSuppressed() {
	if m == nil {
		return
	}
	m.incCounter(m.Suppressed)
}

func (m *WorkerMetrics) ObservePausedWait() {
	if m == nil {
		return
	}
	m.incCounter(m.PausedWaits)
}

// Collectors returns every non-nil metric for registration.
func (m *WorkerMetrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	all := []prometheus.Collector{
		m.RequestTotal, m.MemoryHits, m.PersistentHits, m.PersistentCorrupt,
		m.FetchTotal, m.FetchErrors, m.FetchBytes, m.FetchLatency,
		m.DecodeTotal, m.DecodeErrors, m.DecodeLatency,
		m.FailuresShown, m.Cancellations, m.Suppressed, m.PausedWaits,
	}
	out := all[:0]
	for _, c := range all {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func counter(name, help string, constLabels prometheus.Labels) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "isleimg",
		Subsystem:   "worker",
		Name:        name,
		Help:        help,
		ConstLabels: constLabels,
	})
}

func histogram(name, help string, constLabels prometheus.Labels) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "isleimg",
		Subsystem:   "worker",
		Name:        name,
		Help:        help,
		ConstLabels: constLabels,
	})
}

func DefaultWorkerMetrics(constLabels prometheus.Labels) *WorkerMetrics {
	return &WorkerMetrics{
		RequestTotal:      counter("request_total", "Total image requests.", constLabels),
		MemoryHits:        counter("memory_hits_total", "Requests served synchronously from the memory tier.", constLabels),
		PersistentHits:    counter("persistent_hits_total", "Loads served from the persistent tier.", constLabels),
		PersistentCorrupt: counter("persistent_corrupt_total", "Persistent entries dropped because they failed to decode.", constLabels),
		FetchTotal:        counter("fetch_total", "Source fetches staged to disk.", constLabels),
		FetchErrors:       counter("fetch_errors_total", "Source fetches that failed.", constLabels),
		FetchBytes:        counter("fetch_bytes_total", "Bytes staged from sources.", constLabels),
		FetchLatency:      histogram("fetch_latency_seconds", "Histogram of source fetch latency in seconds.", constLabels),
		DecodeTotal:       counter("decode_total", "Decodes performed.", constLabels),
		DecodeErrors:      counter("decode_errors_total", "Decodes that failed.", constLabels),
		DecodeLatency:     histogram("decode_latency_seconds", "Histogram of decode latency in seconds.", constLabels),
		FailuresShown:     counter("failures_shown_total", "Failure placeholders delivered to targets.", constLabels),
		Cancellations:     counter("cancellations_total", "In-flight tasks cancelled by rebinding or Cancel.", constLabels),
		Suppressed:        counter("suppressed_total", "Finished tasks whose result was discarded.", constLabels),
		PausedWaits:       counter("paused_waits_total", "Tasks that parked while work was paused.", constLabels),
	}
}
