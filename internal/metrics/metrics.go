// Package metrics exposes the daemon's counters to Prometheus. Collection
// happens at scrape time from snapshots handed over by the supervisor and
// the protocol server; nothing here keeps its own state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"gpstimed/internal/correlator"
	"gpstimed/internal/nmea"
	"gpstimed/internal/ntpshm"
	"gpstimed/internal/pps"
)

// DeviceHealth is one device pipeline's counters at a point in time.
type DeviceHealth struct {
	Device   string
	State    string
	Restarts uint64

	Decoder    nmea.Stats
	PPS        pps.Stats
	Correlator correlator.Stats
	Shm        ntpshm.PublisherStats
}

// ServerHealth is the protocol server's counters.
type ServerHealth struct {
	ActiveSessions int64
	Accepted       uint64
	BadCommands    uint64
	SamplesDropped uint64
}

var (
	labelDevice      = []string{"device"}
	labelDeviceClass = []string{"device", "class"}
	labelDeviceState = []string{"device", "state"}

	descSyncState = prometheus.NewDesc("gpstimed_sync_state",
		"Device synchronization state, 1 for the current state.", labelDeviceState, nil)
	descRestarts = prometheus.NewDesc("gpstimed_device_restarts_total",
		"Device pipeline restarts.", labelDevice, nil)

	descFrames = prometheus.NewDesc("gpstimed_nmea_frames_total",
		"Checksummed sentences decoded.", labelDevice, nil)
	descGarbage = prometheus.NewDesc("gpstimed_nmea_garbage_bytes_total",
		"Bytes skipped while hunting for a frame start.", labelDevice, nil)
	descBadChecksum = prometheus.NewDesc("gpstimed_nmea_bad_checksums_total",
		"Frames dropped for checksum mismatch.", labelDevice, nil)
	descParseErrors = prometheus.NewDesc("gpstimed_nmea_parse_errors_total",
		"Frames dropped for unparseable fields.", labelDevice, nil)
	descFixes = prometheus.NewDesc("gpstimed_nmea_fixes_total",
		"Timestamped fixes assembled from sentences.", labelDevice, nil)
	descAckRetries = prometheus.NewDesc("gpstimed_nmea_ack_retries_total",
		"Receiver setup commands resent for missing acknowledgments.", labelDevice, nil)

	descEdges = prometheus.NewDesc("gpstimed_pps_edges_total",
		"Pulse edges captured.", labelDevice, nil)
	descEdgeGaps = prometheus.NewDesc("gpstimed_pps_gaps_total",
		"Pulses missed according to edge sequence numbers.", labelDevice, nil)
	descEdgesInvalid = prometheus.NewDesc("gpstimed_pps_invalid_total",
		"Edges discarded for invalid timestamps.", labelDevice, nil)
	descEdgesDropped = prometheus.NewDesc("gpstimed_pps_dropped_total",
		"Edges dropped on a full capture queue.", labelDevice, nil)

	descPairs = prometheus.NewDesc("gpstimed_correlator_pairs_total",
		"Fix/edge pairs correlated to the same second.", labelDevice, nil)
	descSamples = prometheus.NewDesc("gpstimed_correlator_samples_total",
		"Time samples emitted by class.", labelDeviceClass, nil)
	descGated = prometheus.NewDesc("gpstimed_correlator_quality_gated_total",
		"Fixes dropped by the quality gates.", labelDevice, nil)
	descStale = prometheus.NewDesc("gpstimed_correlator_stale_dropped_total",
		"Fixes and edges expired unpaired.", labelDevice, nil)
	descToleranceMisses = prometheus.NewDesc("gpstimed_correlator_tolerance_misses_total",
		"Pairs rejected for pulse offset outside tolerance.", labelDevice, nil)
	descSynthesized = prometheus.NewDesc("gpstimed_correlator_synthesized_total",
		"Samples synthesized during holdover.", labelDevice, nil)

	descShmWrites = prometheus.NewDesc("gpstimed_shm_writes_total",
		"Samples written to ntp shared memory by class.", labelDeviceClass, nil)

	descSessionsActive = prometheus.NewDesc("gpstimed_gpsd_sessions_active",
		"Connected protocol clients.", nil, nil)
	descSessionsTotal = prometheus.NewDesc("gpstimed_gpsd_sessions_total",
		"Protocol clients accepted since start.", nil, nil)
	descBadCommands = prometheus.NewDesc("gpstimed_gpsd_bad_commands_total",
		"Client commands rejected.", nil, nil)
	descSamplesDropped = prometheus.NewDesc("gpstimed_gpsd_samples_dropped_total",
		"Samples dropped on slow client sessions.", nil, nil)
)

var allDescs = []*prometheus.Desc{
	descSyncState, descRestarts,
	descFrames, descGarbage, descBadChecksum, descParseErrors, descFixes, descAckRetries,
	descEdges, descEdgeGaps, descEdgesInvalid, descEdgesDropped,
	descPairs, descSamples, descGated, descStale, descToleranceMisses, descSynthesized,
	descShmWrites,
	descSessionsActive, descSessionsTotal, descBadCommands, descSamplesDropped,
}

var syncStates = []correlator.State{
	correlator.Unsynced, correlator.Acquiring, correlator.Synced, correlator.Holdover,
}

// Collector renders health snapshots as Prometheus metrics at scrape time.
type Collector struct {
	devices func() []DeviceHealth
	server  func() ServerHealth
}

// NewCollector wires the snapshot sources. Either may be nil, dropping its
// metric group.
func NewCollector(devices func() []DeviceHealth, server func() ServerHealth) *Collector {
	return &Collector{devices: devices, server: server}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range allDescs {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	if c.devices != nil {
		for _, d := range c.devices() {
			for _, s := range syncStates {
				v := 0.0
				if d.State == s.String() {
					v = 1.0
				}
				ch <- prometheus.MustNewConstMetric(descSyncState, prometheus.GaugeValue, v, d.Device, s.String())
			}
			counter(descRestarts, d.Restarts, d.Device)

			counter(descFrames, d.Decoder.Frames, d.Device)
			counter(descGarbage, d.Decoder.GarbageBytes, d.Device)
			counter(descBadChecksum, d.Decoder.BadChecksum, d.Device)
			counter(descParseErrors, d.Decoder.ParseErrors, d.Device)
			counter(descFixes, d.Decoder.Fixes, d.Device)
			counter(descAckRetries, d.Decoder.AckRetries, d.Device)

			counter(descEdges, d.PPS.Edges, d.Device)
			counter(descEdgeGaps, d.PPS.Gaps, d.Device)
			counter(descEdgesInvalid, d.PPS.Invalid, d.Device)
			counter(descEdgesDropped, d.PPS.Dropped, d.Device)

			counter(descPairs, d.Correlator.Pairs, d.Device)
			counter(descSamples, d.Correlator.ReceiptSamples, d.Device, correlator.ClassReceipt.String())
			counter(descSamples, d.Correlator.PulseSamples, d.Device, correlator.ClassPulse.String())
			counter(descGated, d.Correlator.QualityGated, d.Device)
			counter(descStale, d.Correlator.StaleDropped, d.Device)
			counter(descToleranceMisses, d.Correlator.ToleranceMisses, d.Device)
			counter(descSynthesized, d.Correlator.Synthesized, d.Device)

			counter(descShmWrites, d.Shm.ReceiptWrites, d.Device, correlator.ClassReceipt.String())
			counter(descShmWrites, d.Shm.PulseWrites, d.Device, correlator.ClassPulse.String())
		}
	}

	if c.server != nil {
		s := c.server()
		ch <- prometheus.MustNewConstMetric(descSessionsActive, prometheus.GaugeValue, float64(s.ActiveSessions))
		counter(descSessionsTotal, s.Accepted)
		counter(descBadCommands, s.BadCommands)
		counter(descSamplesDropped, s.SamplesDropped)
	}
}

// NewRegistry returns a registry carrying the daemon collector plus the
// standard Go runtime and process collectors.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, nil
}
