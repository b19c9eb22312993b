package snapshot

import "github.com/wg-telemetry/pkg/types"

// ConnectionData is an immutable view of every interface and peer observed in
// one poll. Instances are only created through a Builder and must not be
// modified after Build; readers may hold on to them for as long as they like.
type ConnectionData struct {
	networksByPublicKey map[string]*types.NetworkSnapshot
	networksByInterface map[string]*types.NetworkSnapshot
	peersByPublicKey    map[string]*types.PeerSnapshot
}

// Empty returns a ConnectionData with no networks and no peers.
func Empty() *ConnectionData {
	return NewBuilder().Build()
}

// NetworkByPublicKey returns the network with the given public key, or nil.
func (d *ConnectionData) NetworkByPublicKey(publicKey string) *types.NetworkSnapshot {
	return d.networksByPublicKey[publicKey]
}

// NetworkByInterface returns the network bound to the given interface name, or nil.
func (d *ConnectionData) NetworkByInterface(name string) *types.NetworkSnapshot {
	return d.networksByInterface[name]
}

// PeerByPublicKey looks up a peer in the flat map, which also holds orphans.
func (d *ConnectionData) PeerByPublicKey(publicKey string) *types.PeerSnapshot {
	return d.peersByPublicKey[publicKey]
}

// Networks returns a copy of the networks-by-public-key map.
func (d *ConnectionData) Networks() map[string]*types.NetworkSnapshot {
	out := make(map[string]*types.NetworkSnapshot, len(d.networksByPublicKey))
	for k, v := range d.networksByPublicKey {
		out[k] = v
	}
	return out
}

// Peers returns a copy of the flat peers-by-public-key map.
func (d *ConnectionData) Peers() map[string]*types.PeerSnapshot {
	out := make(map[string]*types.PeerSnapshot, len(d.peersByPublicKey))
	for k, v := range d.peersByPublicKey {
		out[k] = v
	}
	return out
}

// NetworkCount returns the number of distinct networks.
func (d *ConnectionData) NetworkCount() int {
	return len(d.networksByPublicKey)
}

// PeerCount returns the number of peers in the flat map.
func (d *ConnectionData) PeerCount() int {
	return len(d.peersByPublicKey)
}

// OrphanPeers returns the peers that are not attached to any network.
func (d *ConnectionData) OrphanPeers() map[string]*types.PeerSnapshot {
	attached := make(map[string]struct{}, len(d.peersByPublicKey))
	for _, n := range d.networksByPublicKey {
		for k := range n.Peers {
			attached[k] = struct{}{}
		}
	}
	out := make(map[string]*types.PeerSnapshot)
	for k, v := range d.peersByPublicKey {
		if _, ok := attached[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// Builder assembles a ConnectionData. It is not safe for concurrent use.
type Builder struct {
	data  *ConnectionData
	built bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		data: &ConnectionData{
			networksByPublicKey: make(map[string]*types.NetworkSnapshot),
			networksByInterface: make(map[string]*types.NetworkSnapshot),
			peersByPublicKey:    make(map[string]*types.PeerSnapshot),
		},
	}
}

// AddNetwork inserts n into both network maps. A nil Peers map is allocated.
func (b *Builder) AddNetwork(n *types.NetworkSnapshot) {
	b.mustNotBeBuilt()
	if n.Peers == nil {
		n.Peers = make(map[string]*types.PeerSnapshot)
	}
	b.data.networksByPublicKey[n.PublicKey] = n
	b.data.networksByInterface[n.InterfaceName] = n
}

// AddPeer inserts p into the flat peer map.
func (b *Builder) AddPeer(p *types.PeerSnapshot) {
	b.mustNotBeBuilt()
	b.data.peersByPublicKey[p.PublicKey] = p
}

// AttachPeer adds p to the peer map of the network on interface iface.
// It returns false when no such network has been added yet.
func (b *Builder) AttachPeer(iface string, p *types.PeerSnapshot) bool {
	b.mustNotBeBuilt()
	n, ok := b.data.networksByInterface[iface]
	if !ok {
		return false
	}
	n.Peers[p.PublicKey] = p
	return true
}

// Build returns the assembled ConnectionData. The Builder cannot be used afterwards.
func (b *Builder) Build() *ConnectionData {
	b.mustNotBeBuilt()
	b.built = true
	return b.data
}

func (b *Builder) mustNotBeBuilt() {
	if b.built {
		panic("snapshot: builder used after Build")
	}
}
