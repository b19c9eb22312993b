package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wg-telemetry/pkg/protocol"
	"github.com/wg-telemetry/pkg/snapshot"
	"github.com/wg-telemetry/pkg/stream"
)

const dump = "wg0\tpriv\tpubA\t51820\toff\n" +
	"wg0\tpeer1\t(none)\t203.0.113.5:51820\t10.0.0.2/32\t1700000000\t100\t200\toff\n" +
	"wg0\tpeer2\t(none)\t(none)\t10.0.0.3/32\t0\t0\t0\toff\n" +
	"wg9\tpeer9\t(none)\t(none)\t10.9.0.2/32\t0\t5\t0\n"

func newTestCollector() (*Collector, *snapshot.Store) {
	store := snapshot.NewStore()
	store.Publish(protocol.ParseDump(dump))
	return NewCollector(store.Current, store.Generation), store
}

func TestCollectorSnapshotMetrics(t *testing.T) {
	c, _ := newTestCollector()

	expected := `
# HELP wg_telemetry_networks Number of interfaces in the current snapshot
# TYPE wg_telemetry_networks gauge
wg_telemetry_networks 1
# HELP wg_telemetry_peers Number of peers in the current snapshot
# TYPE wg_telemetry_peers gauge
wg_telemetry_peers 3
# HELP wg_telemetry_network_listen_port Listening port of an interface
# TYPE wg_telemetry_network_listen_port gauge
wg_telemetry_network_listen_port{interface="wg0",public_key="pubA"} 51820
# HELP wg_telemetry_peer_receive_bytes Bytes received from a peer as last reported
# TYPE wg_telemetry_peer_receive_bytes gauge
wg_telemetry_peer_receive_bytes{allowed_ips="10.0.0.2/32",interface="wg0",public_key="peer1"} 100
wg_telemetry_peer_receive_bytes{allowed_ips="10.9.0.2/32",interface="",public_key="peer9"} 5
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"wg_telemetry_networks",
		"wg_telemetry_peers",
		"wg_telemetry_network_listen_port",
		"wg_telemetry_peer_receive_bytes",
	)
	require.NoError(t, err)

	// absent counters are not exported
	assert.Equal(t, 1, testutil.CollectAndCount(c, "wg_telemetry_peer_latest_handshake_seconds"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "wg_telemetry_peer_transmit_bytes"))
}

func TestCollectorRefreshMetrics(t *testing.T) {
	c, _ := newTestCollector()

	c.ObserveRefresh(snapshot.Empty(), nil, 20*time.Millisecond)
	c.ObserveRefresh(nil, errors.New("exit 1"), time.Millisecond)
	c.ObserveRefresh(nil, errors.New("exit 1"), time.Millisecond)

	expected := `
# HELP wg_telemetry_refresh_total Total refresh cycles by result (success, failure)
# TYPE wg_telemetry_refresh_total counter
wg_telemetry_refresh_total{result="failure"} 2
wg_telemetry_refresh_total{result="success"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "wg_telemetry_refresh_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "wg_telemetry_refresh_last_success_timestamp_seconds"))
}

func TestCollectorStreamMetrics(t *testing.T) {
	c, _ := newTestCollector()

	c.SubscriptionOpened(stream.KindNetwork)
	c.SubscriptionOpened(stream.KindNetwork)
	c.SubscriptionOpened(stream.KindPeer)
	c.EventEmitted(stream.KindNetwork, stream.EventNetworkInfoUpdate)
	c.EventEmitted(stream.KindPeer, stream.EventError)
	c.SubscriptionClosed(stream.KindNetwork, stream.ReasonDisconnect)

	expected := `
# HELP wg_telemetry_stream_subscriptions_active Number of active subscriptions by kind
# TYPE wg_telemetry_stream_subscriptions_active gauge
wg_telemetry_stream_subscriptions_active{kind="network"} 1
wg_telemetry_stream_subscriptions_active{kind="peer"} 1
# HELP wg_telemetry_stream_subscriptions_total Total subscriptions opened by kind
# TYPE wg_telemetry_stream_subscriptions_total counter
wg_telemetry_stream_subscriptions_total{kind="network"} 2
wg_telemetry_stream_subscriptions_total{kind="peer"} 1
# HELP wg_telemetry_stream_terminations_total Total subscriptions ended by kind and reason
# TYPE wg_telemetry_stream_terminations_total counter
wg_telemetry_stream_terminations_total{kind="network",reason="disconnect"} 1
# HELP wg_telemetry_stream_events_total Total events delivered by kind and event name
# TYPE wg_telemetry_stream_events_total counter
wg_telemetry_stream_events_total{event="error",kind="peer"} 1
wg_telemetry_stream_events_total{event="network-info-update",kind="network"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"wg_telemetry_stream_subscriptions_active",
		"wg_telemetry_stream_subscriptions_total",
		"wg_telemetry_stream_terminations_total",
		"wg_telemetry_stream_events_total",
	))
}

func TestCollectorFollowsPublishedSnapshot(t *testing.T) {
	c, store := newTestCollector()
	store.Publish(snapshot.Empty())

	assert.Equal(t, 0, testutil.CollectAndCount(c, "wg_telemetry_peer_receive_bytes"))
	expected := `
# HELP wg_telemetry_peers Number of peers in the current snapshot
# TYPE wg_telemetry_peers gauge
wg_telemetry_peers 0
# HELP wg_telemetry_snapshot_generation Number of snapshots published since start
# TYPE wg_telemetry_snapshot_generation counter
wg_telemetry_snapshot_generation 2
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"wg_telemetry_peers", "wg_telemetry_snapshot_generation"))
}
