package server

import (
	"net/http"

	"github.com/wg-telemetry/pkg/stream"
)

func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.AllNetworks())
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	n := s.store.NetworkByPublicKey(r.PathValue("key"))
	if n == nil {
		writeError(w, http.StatusNotFound, stream.KindNetwork.NotFoundMessage())
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.AllPeers())
}

func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	p := s.store.PeerByPublicKey(r.PathValue("key"))
	if p == nil {
		writeError(w, http.StatusNotFound, stream.KindPeer.NotFoundMessage())
		return
	}
	writeJSON(w, http.StatusOK, p)
}
