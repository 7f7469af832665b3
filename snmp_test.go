package kcpclient

import (
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSnmpCopyAndReset(t *testing.T) {
	s := newSnmp()
	atomic.AddUint64(&s.OutSegs, 3)
	atomic.AddUint64(&s.RetransSegs, 1)

	snap := s.Copy()
	if snap.OutSegs != 3 || snap.RetransSegs != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(s.Header()) != len(s.ToSlice()) {
		t.Fatal("header and value columns disagree")
	}

	s.Reset()
	if got := s.Copy(); got.OutSegs != 0 || got.RetransSegs != 0 {
		t.Fatalf("reset left counters behind: %+v", got)
	}
	if snap.OutSegs != 3 {
		t.Fatal("reset must not touch earlier snapshots")
	}
}

func TestSnmpCollector(t *testing.T) {
	s := newSnmp()
	atomic.AddUint64(&s.InSegs, 7)
	c := NewSnmpCollector("kcptest", s, prometheus.Labels{"conv": "1"})

	descs := make(chan *prometheus.Desc, 64)
	c.Describe(descs)
	if len(descs) != len(s.Header()) {
		t.Fatalf("described %d metrics, want %d", len(descs), len(s.Header()))
	}

	metrics := make(chan prometheus.Metric, 64)
	c.Collect(metrics)
	if len(metrics) != len(s.Header()) {
		t.Fatalf("collected %d metrics, want %d", len(metrics), len(s.Header()))
	}

	// the collector must be registerable
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestSnakeCase(t *testing.T) {
	cases := map[string]string{
		"BytesSent":   "bytes_sent",
		"InSegs":      "in_segs",
		"MaxConn":     "max_conn",
		"CurrEstab":   "curr_estab",
		"RetransSegs": "retrans_segs",
	}
	for in, want := range cases {
		if got := toSnakeCase(in); got != want {
			t.Errorf("toSnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
