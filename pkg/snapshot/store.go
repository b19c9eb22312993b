package snapshot

import (
	"sync/atomic"
	"time"

	"github.com/wg-telemetry/pkg/types"
)

// Store holds the current ConnectionData behind an atomic pointer.
// Reads never block; Publish is expected to be called by a single writer.
type Store struct {
	current     atomic.Pointer[ConnectionData]
	generation  atomic.Uint64
	publishedAt atomic.Int64 // unix nanos, 0 until the first Publish
}

// NewStore returns a Store holding an empty snapshot.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(Empty())
	return s
}

// Current returns the snapshot published most recently.
func (s *Store) Current() *ConnectionData {
	return s.current.Load()
}

// Publish replaces the current snapshot. A nil data is ignored.
func (s *Store) Publish(data *ConnectionData) {
	if data == nil {
		return
	}
	s.current.Store(data)
	s.publishedAt.Store(time.Now().UnixNano())
	s.generation.Add(1)
}

// Generation counts successful publishes.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// PublishedAt returns the time of the last Publish, or the zero time.
func (s *Store) PublishedAt() time.Time {
	ns := s.publishedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// NetworkByPublicKey queries the current snapshot.
func (s *Store) NetworkByPublicKey(publicKey string) *types.NetworkSnapshot {
	return s.Current().NetworkByPublicKey(publicKey)
}

// PeerByPublicKey queries the current snapshot.
func (s *Store) PeerByPublicKey(publicKey string) *types.PeerSnapshot {
	return s.Current().PeerByPublicKey(publicKey)
}

// AllNetworks returns a copy of the current networks map.
func (s *Store) AllNetworks() map[string]*types.NetworkSnapshot {
	return s.Current().Networks()
}

// AllPeers returns a copy of the current flat peers map.
func (s *Store) AllPeers() map[string]*types.PeerSnapshot {
	return s.Current().Peers()
}
