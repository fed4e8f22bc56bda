package remotefile

import (
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/atomic"
)

// Metrics accumulates counters for a Reader's lifetime: bytes the
// prefetch worker pulled off the wire, how many times a Read had to
// block waiting on the worker (a "ring stall"), and how many times the
// worker's Recovering state had to retry a fetch. It is a domain
// add-on (SPEC_FULL.md's DOMAIN STACK): spec.md itself defines no
// metrics surface, but the worker and reader already carry exactly the
// counters a Prometheus-shaped view would want, so it costs nothing to
// expose them.
type Metrics struct {
	bytesPrefetched atomic.Uint64
	ringStalls      atomic.Uint64
	retries         atomic.Uint64
}

func newMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) addBytes(n int) { m.bytesPrefetched.Add(uint64(n)) }
func (m *Metrics) incStall()      { m.ringStalls.Inc() }
func (m *Metrics) incRetry()      { m.retries.Inc() }

// Gather renders the accumulated counters as Prometheus MetricFamily
// values, suitable for a caller's own registry or for text rendering
// via prometheus/common/expfmt, as cmd/remotefile-cat's `probe`
// subcommand does. No HTTP exporter is started here: spec.md §6 scopes
// this module to having no extra network surface of its own.
func (m *Metrics) Gather(urlLabel string) []*dto.MetricFamily {
	counter := func(name, help string, value uint64) *dto.MetricFamily {
		fam := dto.MetricFamily{
			Name: strPtr(name),
			Help: strPtr(help),
			Type: typePtr(dto.MetricType_COUNTER),
		}
		fam.Metric = []*dto.Metric{
			{
				Label: []*dto.LabelPair{
					{Name: strPtr("url"), Value: strPtr(urlLabel)},
				},
				Counter: &dto.Counter{Value: floatPtr(float64(value))},
			},
		}
		return &fam
	}

	return []*dto.MetricFamily{
		counter("remotefile_bytes_prefetched_total", "Bytes pulled from the origin by the prefetch worker.", m.bytesPrefetched.Load()),
		counter("remotefile_ring_stalls_total", "Times a Read blocked waiting for the prefetch worker.", m.ringStalls.Load()),
		counter("remotefile_fetch_retries_total", "Times the prefetch worker retried a failed range fetch.", m.retries.Load()),
	}
}

func strPtr(s string) *string                 { return &s }
func floatPtr(f float64) *float64             { return &f }
func typePtr(t dto.MetricType) *dto.MetricType { return &t }
