package dhcp6

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector is a prometheus.Collector reporting live state across every
// Device a Manager owns: FSM state, retransmission counts, and lease
// validity. Grounded on pkg/api/metrics.go's bpfrxCollector: a handful
// of *prometheus.Desc fields plus Describe/Collect methods that compute
// constant metrics at scrape time, with no global registration — the
// caller decides whether and where to register it.
type Collector struct {
	manager *Manager

	stateDesc      *prometheus.Desc
	retransDesc    *prometheus.Desc
	leaseValidDesc *prometheus.Desc
	sentDesc       *prometheus.Desc
}

// NewCollector returns a Collector reporting on every Device m
// currently owns. Register it with a prometheus.Registry to expose it.
func NewCollector(m *Manager) *Collector {
	return &Collector{
		manager: m,
		stateDesc: prometheus.NewDesc(
			"dhcp6_fsm_state", "Current FSM state (1=Init..13=Stopped).",
			[]string{"interface"}, nil,
		),
		retransDesc: prometheus.NewDesc(
			"dhcp6_retransmissions_total", "Transmissions sent for the current exchange, including the first.",
			[]string{"interface"}, nil,
		),
		leaseValidDesc: prometheus.NewDesc(
			"dhcp6_lease_valid", "1 if the device currently holds a valid lease.",
			[]string{"interface"}, nil,
		),
		sentDesc: prometheus.NewDesc(
			"dhcp6_messages_sent_total", "DHCPv6 messages sent, by message type.",
			[]string{"interface", "type"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.retransDesc
	ch <- c.leaseValidDesc
	ch <- c.sentDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	now := c.manager.clock.Now()
	for _, d := range c.manager.registry.snapshot() {
		d.mu.Lock()
		state := d.state
		count := d.retrans.count
		lease := d.lease
		ifname := d.ifname
		sent := make(map[MessageType]uint64, len(d.sentCounts))
		for t, n := range d.sentCounts {
			sent[t] = n
		}
		d.mu.Unlock()

		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, float64(state)+1, ifname)
		ch <- prometheus.MustNewConstMetric(c.retransDesc, prometheus.CounterValue, float64(count), ifname)
		validVal := 0.0
		if lease.Valid(now) {
			validVal = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.leaseValidDesc, prometheus.GaugeValue, validVal, ifname)
		for msgType, n := range sent {
			ch <- prometheus.MustNewConstMetric(c.sentDesc, prometheus.CounterValue, float64(n), ifname, msgType.String())
		}
	}
}
