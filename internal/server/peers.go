package server

import (
	"context"

	"github.com/advbbs/advbbs/internal/config"
)

// staticPeerChecker answers IsPeerNode from the operator-configured peer
// list, satisfying both dispatch.PeerChecker and federation.PeerChecker
// (structurally identical interfaces).
type staticPeerChecker struct {
	enabled map[string]bool
}

func newStaticPeerChecker(peers []config.PeerConfig) *staticPeerChecker {
	enabled := make(map[string]bool, len(peers))
	for _, p := range peers {
		if p.Enabled {
			enabled[p.NodeID] = true
		}
	}
	return &staticPeerChecker{enabled: enabled}
}

func (p *staticPeerChecker) IsPeerNode(ctx context.Context, node string) bool {
	return p.enabled[node]
}
