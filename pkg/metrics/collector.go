package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wg-telemetry/pkg/logging"
	"github.com/wg-telemetry/pkg/snapshot"
	"github.com/wg-telemetry/pkg/stream"
	"github.com/wg-telemetry/pkg/types"
)

// Collector Prometheus metrics collector
type Collector struct {
	GetSnapshot   func() *snapshot.ConnectionData
	GetGeneration func() uint64

	// Info metric (always 1)
	info *prometheus.Desc

	// Snapshot metrics
	networks          *prometheus.Desc
	peers             *prometheus.Desc
	generation        *prometheus.Desc
	networkListenPort *prometheus.Desc
	peerReceiveBytes  *prometheus.Desc
	peerTransmitBytes *prometheus.Desc
	peerHandshake     *prometheus.Desc

	// Refresh metrics
	refreshTotal       *prometheus.Desc
	refreshLastSuccess *prometheus.Desc
	refreshDuration    *prometheus.Desc

	// Stream metrics
	subscriptionsActive *prometheus.Desc
	subscriptionsTotal  *prometheus.Desc
	terminationsTotal   *prometheus.Desc
	eventsTotal         *prometheus.Desc

	// Counters (protected by mutex)
	metricsLock        sync.RWMutex
	refreshByResult    map[string]float64
	lastSuccessUnix    float64
	lastRefreshSeconds float64
	activeByKind       map[string]float64
	openedByKind       map[string]float64
	// keyed by "kind:reason"
	terminationsByKey map[string]float64
	// keyed by "kind:event"
	eventsByKey map[string]float64
}

// NewCollector creates a new metrics collector
func NewCollector(getSnapshot func() *snapshot.ConnectionData, getGeneration func() uint64) *Collector {
	return &Collector{
		GetSnapshot:   getSnapshot,
		GetGeneration: getGeneration,
		info: prometheus.NewDesc(
			"wg_telemetry_info",
			"Telemetry process info metric (always 1).",
			[]string{"node"},
			nil,
		),
		networks: prometheus.NewDesc(
			"wg_telemetry_networks",
			"Number of interfaces in the current snapshot",
			nil,
			nil,
		),
		peers: prometheus.NewDesc(
			"wg_telemetry_peers",
			"Number of peers in the current snapshot",
			nil,
			nil,
		),
		generation: prometheus.NewDesc(
			"wg_telemetry_snapshot_generation",
			"Number of snapshots published since start",
			nil,
			nil,
		),
		networkListenPort: prometheus.NewDesc(
			"wg_telemetry_network_listen_port",
			"Listening port of an interface",
			[]string{"interface", "public_key"},
			nil,
		),
		peerReceiveBytes: prometheus.NewDesc(
			"wg_telemetry_peer_receive_bytes",
			"Bytes received from a peer as last reported",
			[]string{"interface", "public_key", "allowed_ips"},
			nil,
		),
		peerTransmitBytes: prometheus.NewDesc(
			"wg_telemetry_peer_transmit_bytes",
			"Bytes sent to a peer as last reported",
			[]string{"interface", "public_key", "allowed_ips"},
			nil,
		),
		peerHandshake: prometheus.NewDesc(
			"wg_telemetry_peer_latest_handshake_seconds",
			"Unix time of the latest handshake with a peer",
			[]string{"interface", "public_key", "allowed_ips"},
			nil,
		),
		refreshTotal: prometheus.NewDesc(
			"wg_telemetry_refresh_total",
			"Total refresh cycles by result (success, failure)",
			[]string{"result"},
			nil,
		),
		refreshLastSuccess: prometheus.NewDesc(
			"wg_telemetry_refresh_last_success_timestamp_seconds",
			"Unix time of the last successful refresh",
			nil,
			nil,
		),
		refreshDuration: prometheus.NewDesc(
			"wg_telemetry_refresh_duration_seconds",
			"Duration of the last refresh cycle",
			nil,
			nil,
		),
		subscriptionsActive: prometheus.NewDesc(
			"wg_telemetry_stream_subscriptions_active",
			"Number of active subscriptions by kind",
			[]string{"kind"},
			nil,
		),
		subscriptionsTotal: prometheus.NewDesc(
			"wg_telemetry_stream_subscriptions_total",
			"Total subscriptions opened by kind",
			[]string{"kind"},
			nil,
		),
		terminationsTotal: prometheus.NewDesc(
			"wg_telemetry_stream_terminations_total",
			"Total subscriptions ended by kind and reason",
			[]string{"kind", "reason"},
			nil,
		),
		eventsTotal: prometheus.NewDesc(
			"wg_telemetry_stream_events_total",
			"Total events delivered by kind and event name",
			[]string{"kind", "event"},
			nil,
		),
		refreshByResult:   map[string]float64{"success": 0, "failure": 0},
		activeByKind:      make(map[string]float64),
		openedByKind:      make(map[string]float64),
		terminationsByKey: make(map[string]float64),
		eventsByKey:       make(map[string]float64),
	}
}

// ObserveRefresh records the outcome of one refresh cycle. Its signature
// matches refresh.Options.OnRefresh.
func (c *Collector) ObserveRefresh(data *snapshot.ConnectionData, err error, took time.Duration) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.lastRefreshSeconds = took.Seconds()
	if err != nil || data == nil {
		c.refreshByResult["failure"]++
		return
	}
	c.refreshByResult["success"]++
	c.lastSuccessUnix = float64(time.Now().UnixNano()) / 1e9
}

// SubscriptionOpened implements stream.Metrics.
func (c *Collector) SubscriptionOpened(kind stream.Kind) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.openedByKind[kind.String()]++
	c.activeByKind[kind.String()]++
}

// SubscriptionClosed implements stream.Metrics.
func (c *Collector) SubscriptionClosed(kind stream.Kind, reason stream.Reason) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	if c.activeByKind[kind.String()] > 0 {
		c.activeByKind[kind.String()]--
	}
	c.terminationsByKey[fmt.Sprintf("%s:%s", kind, reason)]++
}

// EventEmitted implements stream.Metrics.
func (c *Collector) EventEmitted(kind stream.Kind, event string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.eventsByKey[fmt.Sprintf("%s:%s", kind, event)]++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.info
	ch <- c.networks
	ch <- c.peers
	ch <- c.generation
	ch <- c.networkListenPort
	ch <- c.peerReceiveBytes
	ch <- c.peerTransmitBytes
	ch <- c.peerHandshake
	ch <- c.refreshTotal
	ch <- c.refreshLastSuccess
	ch <- c.refreshDuration
	ch <- c.subscriptionsActive
	ch <- c.subscriptionsTotal
	ch <- c.terminationsTotal
	ch <- c.eventsTotal
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		c.info,
		prometheus.GaugeValue,
		1,
		logging.GetNodeID(),
	)

	if c.GetGeneration != nil {
		ch <- prometheus.MustNewConstMetric(
			c.generation,
			prometheus.CounterValue,
			float64(c.GetGeneration()),
		)
	}

	if c.GetSnapshot != nil {
		c.collectSnapshot(ch, c.GetSnapshot())
	}

	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	for result, value := range c.refreshByResult {
		ch <- prometheus.MustNewConstMetric(
			c.refreshTotal,
			prometheus.CounterValue,
			value,
			result,
		)
	}
	if c.lastSuccessUnix > 0 {
		ch <- prometheus.MustNewConstMetric(
			c.refreshLastSuccess,
			prometheus.GaugeValue,
			c.lastSuccessUnix,
		)
	}
	ch <- prometheus.MustNewConstMetric(
		c.refreshDuration,
		prometheus.GaugeValue,
		c.lastRefreshSeconds,
	)

	for kind, value := range c.activeByKind {
		ch <- prometheus.MustNewConstMetric(
			c.subscriptionsActive,
			prometheus.GaugeValue,
			value,
			kind,
		)
	}
	for kind, value := range c.openedByKind {
		ch <- prometheus.MustNewConstMetric(
			c.subscriptionsTotal,
			prometheus.CounterValue,
			value,
			kind,
		)
	}
	for key, value := range c.terminationsByKey {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) == 2 {
			ch <- prometheus.MustNewConstMetric(
				c.terminationsTotal,
				prometheus.CounterValue,
				value,
				parts[0], parts[1],
			)
		}
	}
	for key, value := range c.eventsByKey {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) == 2 {
			ch <- prometheus.MustNewConstMetric(
				c.eventsTotal,
				prometheus.CounterValue,
				value,
				parts[0], parts[1],
			)
		}
	}
}

func (c *Collector) collectSnapshot(ch chan<- prometheus.Metric, data *snapshot.ConnectionData) {
	if data == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.networks, prometheus.GaugeValue, float64(data.NetworkCount()))
	ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(data.PeerCount()))

	for _, n := range data.Networks() {
		ch <- prometheus.MustNewConstMetric(
			c.networkListenPort,
			prometheus.GaugeValue,
			float64(n.ListeningPort),
			n.InterfaceName, n.PublicKey,
		)
		for _, p := range n.Peers {
			c.collectPeer(ch, n.InterfaceName, p)
		}
	}
	// peers whose interface line was missing
	for _, p := range data.OrphanPeers() {
		c.collectPeer(ch, "", p)
	}
}

func (c *Collector) collectPeer(ch chan<- prometheus.Metric, iface string, p *types.PeerSnapshot) {
	labels := []string{iface, p.PublicKey, p.AllowedIPs}
	if p.BytesReceived != nil {
		ch <- prometheus.MustNewConstMetric(c.peerReceiveBytes, prometheus.GaugeValue, float64(*p.BytesReceived), labels...)
	}
	if p.BytesSent != nil {
		ch <- prometheus.MustNewConstMetric(c.peerTransmitBytes, prometheus.GaugeValue, float64(*p.BytesSent), labels...)
	}
	if p.LatestHandshakeEpochSeconds != nil {
		ch <- prometheus.MustNewConstMetric(c.peerHandshake, prometheus.GaugeValue, float64(*p.LatestHandshakeEpochSeconds), labels...)
	}
}
