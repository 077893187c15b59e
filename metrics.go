package camaudio

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "camaudio"

// MetricsSources are the snapshot functions read at scrape time. Nil
// functions are skipped; the bool results report whether a component is
// currently running.
type MetricsSources struct {
	Ring     func() RingStats
	Tap      func() uint64
	Channel  func() (ChannelReaderStats, bool)
	Playback func() (PlaybackStats, bool)
	Voice    func() (VoiceBufferStats, bool)
}

// MetricsCollector exposes bridge counters to Prometheus. Values are read
// from the components when scraped, so the audio hot paths never touch
// Prometheus.
type MetricsCollector struct {
	src MetricsSources

	ringFill      *prometheus.Desc
	ringWritten   *prometheus.Desc
	ringRead      *prometheus.Desc
	ringOverflow  *prometheus.Desc
	ringUnderflow *prometheus.Desc
	tapFrames     *prometheus.Desc
	chReads       *prometheus.Desc
	chBytes       *prometheus.Desc
	chTimeouts    *prometheus.Desc
	chErrors      *prometheus.Desc
	chSilent      *prometheus.Desc
	chSinkErrors  *prometheus.Desc
	playFrames    *prometheus.Desc
	vbAllocated   *prometheus.Desc
	vbChanges     *prometheus.Desc

	transitions *prometheus.CounterVec
}

// NewMetricsCollector creates a collector over src.
func NewMetricsCollector(src MetricsSources) *MetricsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, nil)
	}
	return &MetricsCollector{
		src:           src,
		ringFill:      desc("ring_fill_ratio", "Occupied fraction of the sample ring"),
		ringWritten:   desc("ring_samples_written_total", "Samples written into the ring"),
		ringRead:      desc("ring_samples_read_total", "Samples read from the ring"),
		ringOverflow:  desc("ring_overflow_samples_total", "Unread samples discarded on overflow"),
		ringUnderflow: desc("ring_underflow_samples_total", "Samples zero-filled on underflow"),
		tapFrames:     desc("tap_captured_frames_total", "Samples captured by the render tap"),
		chReads:       desc("channel_reads_total", "P2P voice channel reads"),
		chBytes:       desc("channel_bytes_total", "Bytes read from the P2P voice channel"),
		chTimeouts:    desc("channel_timeouts_total", "P2P voice channel read timeouts"),
		chErrors:      desc("channel_errors_total", "P2P voice channel hard read errors"),
		chSilent:      desc("channel_silent_payloads_total", "Voice payloads recognized as G.711a silence"),
		chSinkErrors:  desc("channel_sink_errors_total", "Raw payload sink writes that failed"),
		playFrames:    desc("playback_rendered_frames_total", "Frames rendered to the output device"),
		vbAllocated:   desc("voice_buffer_allocated", "Whether the vendor voice output buffer is allocated"),
		vbChanges:     desc("voice_buffer_changes_total", "Observed changes of the vendor voice output buffer"),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "strategy_transitions_total",
			Help:      "Strategy state transitions by strategy and target state",
		}, []string{"strategy", "state"}),
	}
}

// ObserveTransition counts a negotiator state change. It matches
// TransitionFunc.
func (c *MetricsCollector) ObserveTransition(strategy string, from, to StrategyState) {
	c.transitions.WithLabelValues(strategy, to.String()).Inc()
}

// Describe implements prometheus.Collector.
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.ringFill, c.ringWritten, c.ringRead, c.ringOverflow, c.ringUnderflow,
		c.tapFrames, c.chReads, c.chBytes, c.chTimeouts, c.chErrors, c.chSilent,
		c.chSinkErrors, c.playFrames, c.vbAllocated, c.vbChanges,
	} {
		ch <- d
	}
	c.transitions.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	if c.src.Ring != nil {
		st := c.src.Ring()
		ch <- prometheus.MustNewConstMetric(c.ringFill, prometheus.GaugeValue, st.FillLevel())
		counter(c.ringWritten, st.TotalWritten)
		counter(c.ringRead, st.TotalRead)
		counter(c.ringOverflow, st.OverflowCount)
		counter(c.ringUnderflow, st.UnderflowCount)
	}
	if c.src.Tap != nil {
		counter(c.tapFrames, c.src.Tap())
	}
	if c.src.Channel != nil {
		if st, ok := c.src.Channel(); ok {
			counter(c.chReads, st.Reads)
			counter(c.chBytes, st.BytesRead)
			counter(c.chTimeouts, st.Timeouts)
			counter(c.chErrors, st.Errors)
			counter(c.chSilent, st.SilentPayloads)
			counter(c.chSinkErrors, st.SinkErrors)
		}
	}
	if c.src.Playback != nil {
		if st, ok := c.src.Playback(); ok {
			counter(c.playFrames, st.RenderedFrames)
		}
	}
	if c.src.Voice != nil {
		if st, ok := c.src.Voice(); ok {
			allocated := 0.0
			if st.Pointer != 0 {
				allocated = 1
			}
			ch <- prometheus.MustNewConstMetric(c.vbAllocated, prometheus.GaugeValue, allocated)
			counter(c.vbChanges, st.Changes)
		}
	}
	c.transitions.Collect(ch)
}
