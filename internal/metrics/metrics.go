// Package metrics exports a channel's published health counters (spec
// §4.2/§6) as Prometheus gauges, so the housekeeper's view of the bus can
// be scraped the way the rest of this ecosystem's services are.
package metrics

import (
	"github.com/patrickcortez/cortezmesh/pkg/channel"
	"github.com/prometheus/client_golang/prometheus"
)

// ChannelCollector adapts a single channel.Channel's Stats() snapshot
// into prometheus.Collector, re-sampling on every scrape rather than
// caching, since Stats() itself is just a handful of atomic loads.
type ChannelCollector struct {
	ch   *channel.Channel
	name string

	messagesWritten       *prometheus.Desc
	messagesRead          *prometheus.Desc
	bytesWritten          *prometheus.Desc
	bytesRead             *prometheus.Desc
	writeContentionCount  *prometheus.Desc
	channelRecoveredCount *prometheus.Desc
	activeConnections     *prometheus.Desc
	bufferCapacity        *prometheus.Desc
	bufferBytesUsed       *prometheus.Desc
}

// NewChannelCollector builds a collector for ch, labeled with name (the
// channel's segment name).
func NewChannelCollector(ch *channel.Channel, name string) *ChannelCollector {
	constLabels := prometheus.Labels{"channel": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc("cortez_channel_"+metric, help, nil, constLabels)
	}
	return &ChannelCollector{
		ch:                    ch,
		name:                  name,
		messagesWritten:       desc("messages_written_total", "Frames committed to the channel."),
		messagesRead:          desc("messages_read_total", "Frames released from the channel."),
		bytesWritten:          desc("bytes_written_total", "Frame bytes (header plus payload) committed to the channel."),
		bytesRead:             desc("bytes_read_total", "Frame bytes (header plus payload) released from the channel."),
		writeContentionCount:  desc("write_contention_total", "Reservations that failed due to a full buffer."),
		channelRecoveredCount: desc("recovered_total", "Times this channel has been recovered from a dead owner."),
		activeConnections:     desc("active_connections", "Joined handles other than the creator."),
		bufferCapacity:        desc("buffer_capacity_bytes", "Ring buffer capacity."),
		bufferBytesUsed:       desc("buffer_bytes_used", "Bytes currently between tail and head."),
	}
}

// Describe implements prometheus.Collector.
func (c *ChannelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messagesWritten
	ch <- c.messagesRead
	ch <- c.bytesWritten
	ch <- c.bytesRead
	ch <- c.writeContentionCount
	ch <- c.channelRecoveredCount
	ch <- c.activeConnections
	ch <- c.bufferCapacity
	ch <- c.bufferBytesUsed
}

// Collect implements prometheus.Collector.
func (c *ChannelCollector) Collect(out chan<- prometheus.Metric) {
	s := c.ch.Stats()
	out <- prometheus.MustNewConstMetric(c.messagesWritten, prometheus.CounterValue, float64(s.MessagesWritten))
	out <- prometheus.MustNewConstMetric(c.messagesRead, prometheus.CounterValue, float64(s.MessagesRead))
	out <- prometheus.MustNewConstMetric(c.bytesWritten, prometheus.CounterValue, float64(s.BytesWritten))
	out <- prometheus.MustNewConstMetric(c.bytesRead, prometheus.CounterValue, float64(s.BytesRead))
	out <- prometheus.MustNewConstMetric(c.writeContentionCount, prometheus.CounterValue, float64(s.WriteContentionCount))
	out <- prometheus.MustNewConstMetric(c.channelRecoveredCount, prometheus.CounterValue, float64(s.ChannelRecoveredCount))
	out <- prometheus.MustNewConstMetric(c.activeConnections, prometheus.GaugeValue, float64(s.ActiveConnections))
	out <- prometheus.MustNewConstMetric(c.bufferCapacity, prometheus.GaugeValue, float64(s.BufferCapacity))
	out <- prometheus.MustNewConstMetric(c.bufferBytesUsed, prometheus.GaugeValue, float64(s.BufferBytesUsed))
}

// PeerCount is a simple gauge the mesh's housekeeper refreshes with the
// current peer table size.
var PeerCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "cortez_mesh_peers",
	Help: "Number of peers currently tracked by this process's mesh.",
})

func init() {
	prometheus.MustRegister(PeerCount)
}
