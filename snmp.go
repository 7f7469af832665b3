package kcpclient

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Snmp defines network statistics indicators for the whole process
type Snmp struct {
	BytesSent        uint64 // payload bytes accepted from callers
	BytesReceived    uint64 // payload bytes delivered to callers
	MaxConn          uint64
	ActiveOpens      uint64
	PassiveOpens     uint64
	CurrEstab        uint64
	InErrs           uint64 // too-short datagrams from the socket
	InSegs           uint64
	OutSegs          uint64
	InBytes          uint64 // udp bytes received
	OutBytes         uint64 // udp bytes sent
	WireErrors       uint64 // datagrams rejected by the engine
	RetransSegs      uint64
	FastRetransSegs  uint64
	EarlyRetransSegs uint64
	LostSegs         uint64 // segments retransmitted on timeout
	RepeatSegs       uint64 // duplicate segments received
}

func newSnmp() *Snmp {
	return new(Snmp)
}

// Header returns the field names of all indicators
func (s *Snmp) Header() []string {
	return []string{
		"BytesSent",
		"BytesReceived",
		"MaxConn",
		"ActiveOpens",
		"PassiveOpens",
		"CurrEstab",
		"InErrs",
		"InSegs",
		"OutSegs",
		"InBytes",
		"OutBytes",
		"WireErrors",
		"RetransSegs",
		"FastRetransSegs",
		"EarlyRetransSegs",
		"LostSegs",
		"RepeatSegs",
	}
}

// ToSlice returns the current values of all indicators
func (s *Snmp) ToSlice() []string {
	snmp := s.Copy()
	return []string{
		fmt.Sprint(snmp.BytesSent),
		fmt.Sprint(snmp.BytesReceived),
		fmt.Sprint(snmp.MaxConn),
		fmt.Sprint(snmp.ActiveOpens),
		fmt.Sprint(snmp.PassiveOpens),
		fmt.Sprint(snmp.CurrEstab),
		fmt.Sprint(snmp.InErrs),
		fmt.Sprint(snmp.InSegs),
		fmt.Sprint(snmp.OutSegs),
		fmt.Sprint(snmp.InBytes),
		fmt.Sprint(snmp.OutBytes),
		fmt.Sprint(snmp.WireErrors),
		fmt.Sprint(snmp.RetransSegs),
		fmt.Sprint(snmp.FastRetransSegs),
		fmt.Sprint(snmp.EarlyRetransSegs),
		fmt.Sprint(snmp.LostSegs),
		fmt.Sprint(snmp.RepeatSegs),
	}
}

// Copy makes a snapshot of the counters; each one is loaded atomically
// on its own, the set as a whole is not read in one step
func (s *Snmp) Copy() *Snmp {
	d := newSnmp()
	d.BytesSent = atomic.LoadUint64(&s.BytesSent)
	d.BytesReceived = atomic.LoadUint64(&s.BytesReceived)
	d.MaxConn = atomic.LoadUint64(&s.MaxConn)
	d.ActiveOpens = atomic.LoadUint64(&s.ActiveOpens)
	d.PassiveOpens = atomic.LoadUint64(&s.PassiveOpens)
	d.CurrEstab = atomic.LoadUint64(&s.CurrEstab)
	d.InErrs = atomic.LoadUint64(&s.InErrs)
	d.InSegs = atomic.LoadUint64(&s.InSegs)
	d.OutSegs = atomic.LoadUint64(&s.OutSegs)
	d.InBytes = atomic.LoadUint64(&s.InBytes)
	d.OutBytes = atomic.LoadUint64(&s.OutBytes)
	d.WireErrors = atomic.LoadUint64(&s.WireErrors)
	d.RetransSegs = atomic.LoadUint64(&s.RetransSegs)
	d.FastRetransSegs = atomic.LoadUint64(&s.FastRetransSegs)
	d.EarlyRetransSegs = atomic.LoadUint64(&s.EarlyRetransSegs)
	d.LostSegs = atomic.LoadUint64(&s.LostSegs)
	d.RepeatSegs = atomic.LoadUint64(&s.RepeatSegs)
	return d
}

// Reset zeroes all counters
func (s *Snmp) Reset() {
	atomic.StoreUint64(&s.BytesSent, 0)
	atomic.StoreUint64(&s.BytesReceived, 0)
	atomic.StoreUint64(&s.MaxConn, 0)
	atomic.StoreUint64(&s.ActiveOpens, 0)
	atomic.StoreUint64(&s.PassiveOpens, 0)
	atomic.StoreUint64(&s.CurrEstab, 0)
	atomic.StoreUint64(&s.InErrs, 0)
	atomic.StoreUint64(&s.InSegs, 0)
	atomic.StoreUint64(&s.OutSegs, 0)
	atomic.StoreUint64(&s.InBytes, 0)
	atomic.StoreUint64(&s.OutBytes, 0)
	atomic.StoreUint64(&s.WireErrors, 0)
	atomic.StoreUint64(&s.RetransSegs, 0)
	atomic.StoreUint64(&s.FastRetransSegs, 0)
	atomic.StoreUint64(&s.EarlyRetransSegs, 0)
	atomic.StoreUint64(&s.LostSegs, 0)
	atomic.StoreUint64(&s.RepeatSegs, 0)
}

// DefaultSnmp is the global statistics instance
var DefaultSnmp *Snmp

func init() {
	DefaultSnmp = newSnmp()
}

// SnmpCollector exposes a Snmp as prometheus counters
type SnmpCollector struct {
	snmp  *Snmp
	descs []*prometheus.Desc
}

// NewSnmpCollector builds a prometheus collector over snmp; metric
// names are "<prefix>_<indicator>" with the given constant labels
func NewSnmpCollector(prefix string, snmp *Snmp, constLabels prometheus.Labels) *SnmpCollector {
	header := snmp.Header()
	descs := make([]*prometheus.Desc, 0, len(header))
	for _, name := range header {
		descs = append(descs, prometheus.NewDesc(
			prometheus.BuildFQName(prefix, "", toSnakeCase(name)),
			name+" transport indicator",
			nil, constLabels,
		))
	}
	return &SnmpCollector{snmp: snmp, descs: descs}
}

// --- impl prometheus.Collector for *SnmpCollector
func (c *SnmpCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		descs <- d
	}
}

func (c *SnmpCollector) Collect(metrics chan<- prometheus.Metric) {
	snap := c.snmp.Copy()
	values := []uint64{
		snap.BytesSent,
		snap.BytesReceived,
		snap.MaxConn,
		snap.ActiveOpens,
		snap.PassiveOpens,
		snap.CurrEstab,
		snap.InErrs,
		snap.InSegs,
		snap.OutSegs,
		snap.InBytes,
		snap.OutBytes,
		snap.WireErrors,
		snap.RetransSegs,
		snap.FastRetransSegs,
		snap.EarlyRetransSegs,
		snap.LostSegs,
		snap.RepeatSegs,
	}
	for i, d := range c.descs {
		metrics <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(values[i]))
	}
}

func toSnakeCase(name string) string {
	out := make([]byte, 0, len(name)+4)
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			if i > 0 {
				out = append(out, '_')
			}
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
