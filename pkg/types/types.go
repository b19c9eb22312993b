package types

// NetworkSnapshot is one WireGuard interface as seen in a single poll.
// Identity is PublicKey.
type NetworkSnapshot struct {
	InterfaceName string                   `json:"interfaceName"`
	PublicKey     string                   `json:"publicKey"`
	ListeningPort uint16                   `json:"listeningPort"`
	Peers         map[string]*PeerSnapshot `json:"peers"` // peer public key -> peer
}

// PeerSnapshot is one peer line of a dump.
// Optional counters are nil when the dump reported them as empty or "0".
type PeerSnapshot struct {
	PublicKey                   string `json:"publicKey"`
	PresharedKey                string `json:"presharedKey"`
	Endpoint                    string `json:"endpoint"` // host:port, empty if the peer never connected
	AllowedIPs                  string `json:"allowedIps"`
	LatestHandshakeEpochSeconds *int64 `json:"latestHandshakeEpochSeconds"`
	BytesReceived               *int64 `json:"bytesReceived"`
	BytesSent                   *int64 `json:"bytesSent"`
	PersistentKeepaliveSeconds  *int64 `json:"persistentKeepalive"`
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

// Value dereferences p, returning 0 for nil.
func Value(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// HasHandshake reports whether the peer has completed at least one handshake.
func (p *PeerSnapshot) HasHandshake() bool {
	return p != nil && p.LatestHandshakeEpochSeconds != nil
}
