// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package telemetry exports driver counters to Prometheus.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Thermoquad/wapilink/pkg/dmaring"
	"github.com/Thermoquad/wapilink/pkg/wapi"
)

// DefaultNamespace prefixes every metric name when none is given.
const DefaultNamespace = "wapilink"

// Sources are the snapshot functions scraped on each collection. Ring may
// be nil when the transport has no receive ring.
type Sources struct {
	Driver func() wapi.Stats
	Ring   func() dmaring.Stats
}

type counter struct {
	desc  *prometheus.Desc
	value func(*wapi.Stats) uint64
}

// Collector is a prometheus.Collector over driver snapshots plus the
// process outcome counters recorded through the driver callbacks.
type Collector struct {
	registry *prometheus.Registry
	src      Sources

	counters []counter
	ready    *prometheus.Desc
	mode     *prometheus.Desc
	ringIn   *prometheus.Desc
	ringOut  *prometheus.Desc
	ringErrs *prometheus.Desc

	processResults *prometheus.CounterVec
}

// NewCollector creates a collector and registers it with a fresh registry.
func NewCollector(namespace string, src Sources) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		src:      src,
		ready: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "link", "ready"),
			"Whether the module socket is up (1) or not (0)",
			nil, nil,
		),
		mode: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "link", "mode"),
			"Authentication of the last connection (0=none, 1=cert, 2=pwd)",
			nil, nil,
		),
		ringIn: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "uart", "bytes_in_total"),
			"Bytes fed into the receive ring",
			nil, nil,
		),
		ringOut: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "uart", "bytes_out_total"),
			"Bytes written to the module",
			nil, nil,
		),
		ringErrs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "uart", "read_errors_total"),
			"Transport read errors",
			nil, nil,
		),
		processResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "process",
				Name:      "results_total",
				Help:      "Pipeline stage outcomes reported to the application",
			},
			[]string{"process", "result"},
		),
	}

	add := func(subsystem, name, help string, value func(*wapi.Stats) uint64) {
		c.counters = append(c.counters, counter{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil),
			value: value,
		})
	}

	add("framing", "notifications_total", "Receive notifications that saw new bytes",
		func(s *wapi.Stats) uint64 { return s.AT.Framing.Notifications })
	add("framing", "frames_total", "Frames queued for dispatch",
		func(s *wapi.Stats) uint64 { return s.AT.Framing.Frames })
	add("framing", "delivered_total", "Frame handler invocations",
		func(s *wapi.Stats) uint64 { return s.AT.Framing.Delivered })
	add("framing", "crc_errors_total", "Frames rejected by checksum",
		func(s *wapi.Stats) uint64 { return s.AT.Framing.CRCErrors })
	add("framing", "length_errors_total", "Frames rejected by length",
		func(s *wapi.Stats) uint64 { return s.AT.Framing.LengthErrors })
	add("framing", "noise_bytes_total", "Bytes skipped outside any frame",
		func(s *wapi.Stats) uint64 { return s.AT.Framing.NoiseBytes })
	add("framing", "discarded_bytes_total", "Bytes dropped by a fatal parse",
		func(s *wapi.Stats) uint64 { return s.AT.Framing.Discarded })
	add("framing", "overruns_total", "Receive ring overruns",
		func(s *wapi.Stats) uint64 { return s.AT.Framing.Overruns })
	add("framing", "parse_resets_total", "Resets forced by the parse failure limit",
		func(s *wapi.Stats) uint64 { return s.AT.Framing.ParseResets })
	add("framing", "dropped_frames_total", "Frames lost to a full dispatch queue",
		func(s *wapi.Stats) uint64 { return s.AT.Framing.Dropped })

	add("at", "sent_total", "Commands written to the module",
		func(s *wapi.Stats) uint64 { return s.AT.Sent })
	add("at", "completed_total", "Commands that received every response",
		func(s *wapi.Stats) uint64 { return s.AT.Completed })
	add("at", "timeouts_total", "Commands abandoned on timeout",
		func(s *wapi.Stats) uint64 { return s.AT.Timeouts })
	add("at", "not_consumed_total", "Transactions dropped with responses outstanding",
		func(s *wapi.Stats) uint64 { return s.AT.NotConsumed })
	add("at", "unmatched_total", "Frames with no transaction waiting",
		func(s *wapi.Stats) uint64 { return s.AT.Unmatched })
	add("at", "parse_errors_total", "Response parser failures",
		func(s *wapi.Stats) uint64 { return s.AT.ParseErrors })
	add("at", "resets_total", "Send state resets",
		func(s *wapi.Stats) uint64 { return s.AT.Resets })

	add("process", "step_attempts_total", "Step attempts",
		func(s *wapi.Stats) uint64 { return s.Engine.StepAttempts })
	add("process", "step_failures_total", "Steps that failed every attempt",
		func(s *wapi.Stats) uint64 { return s.Engine.StepFailures })
	add("process", "runs_total", "Step table runs",
		func(s *wapi.Stats) uint64 { return s.Engine.ProcessRuns })
	add("process", "failures_total", "Processes that failed every retry",
		func(s *wapi.Stats) uint64 { return s.Engine.ProcessFailures })
	add("process", "stage_successes_total", "Stage successes",
		func(s *wapi.Stats) uint64 { return s.Engine.StageSuccesses })
	add("process", "stage_retries_total", "Stage retries below the failure limit",
		func(s *wapi.Stats) uint64 { return s.Engine.StageRetries })
	add("process", "stage_failures_total", "Stages that reached the failure limit",
		func(s *wapi.Stats) uint64 { return s.Engine.StageFailures })

	c.registry.MustRegister(c, c.processResults)
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.counters {
		ch <- m.desc
	}
	ch <- c.ready
	ch <- c.mode
	ch <- c.ringIn
	ch <- c.ringOut
	ch <- c.ringErrs
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Driver != nil {
		s := c.src.Driver()
		for _, m := range c.counters {
			ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.value(&s)))
		}
		ready := 0.0
		if s.Ready {
			ready = 1
		}
		ch <- prometheus.MustNewConstMetric(c.ready, prometheus.GaugeValue, ready)
		ch <- prometheus.MustNewConstMetric(c.mode, prometheus.GaugeValue, float64(s.Mode))
	}

	if c.src.Ring != nil {
		r := c.src.Ring()
		ch <- prometheus.MustNewConstMetric(c.ringIn, prometheus.CounterValue, float64(r.BytesIn))
		ch <- prometheus.MustNewConstMetric(c.ringOut, prometheus.CounterValue, float64(r.BytesOut))
		ch <- prometheus.MustNewConstMetric(c.ringErrs, prometheus.CounterValue, float64(r.ReadErrors))
	}
}

// RecordProcess counts one stage outcome.
func (c *Collector) RecordProcess(p wapi.ProcessType, ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	c.processResults.WithLabelValues(p.String(), result).Inc()
}

// Callbacks wraps next so that every stage outcome is also counted.
func (c *Collector) Callbacks(next wapi.Callbacks) wapi.Callbacks {
	return wapi.Callbacks{
		OnProcessSuccess: func(p wapi.ProcessType) {
			c.RecordProcess(p, true)
			if next.OnProcessSuccess != nil {
				next.OnProcessSuccess(p)
			}
		},
		OnProcessError: func(p wapi.ProcessType) {
			c.RecordProcess(p, false)
			if next.OnProcessError != nil {
				next.OnProcessError(p)
			}
		},
	}
}

// Registry returns the registry holding the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
