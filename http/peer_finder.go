package http

import (
	"context"

	"github.com/spacegrid/spacekeeper"
	"golang.org/x/exp/slog"
)

var _ spacekeeper.PrimaryFinder = (*PeerFinder)(nil)

// PeerFinder discovers the primary by querying the status endpoint of a fixed
// list of peers. It is used when the lease backend cannot be consulted.
type PeerFinder struct {
	Client *Client

	// Base URLs of peer nodes. The local node should not be included.
	Peers []string
}

// NewPeerFinder returns a new instance of PeerFinder.
func NewPeerFinder(client *Client, peers []string) *PeerFinder {
	return &PeerFinder{
		Client: client,
		Peers:  peers,
	}
}

// PrimaryInfo returns the info of the first peer reporting PRIMARY mode.
// Unreachable peers are skipped. Returns ErrNoPrimary if no peer is primary.
func (f *PeerFinder) PrimaryInfo(ctx context.Context) (spacekeeper.PrimaryInfo, error) {
	for _, peer := range f.Peers {
		status, err := f.Client.Status(ctx, peer)
		if err != nil {
			if ctx.Err() != nil {
				return spacekeeper.PrimaryInfo{}, ctx.Err()
			}
			slog.Debug("cannot fetch peer status", slog.String("peer", peer), slog.Any("err", err))
			continue
		} else if status.Mode != spacekeeper.ModePrimary {
			continue
		}

		advertiseURL := status.AdvertiseURL
		if advertiseURL == "" {
			advertiseURL = peer
		}
		return spacekeeper.PrimaryInfo{
			Hostname:     status.Hostname,
			AdvertiseURL: advertiseURL,
			SpaceName:    status.Space,
		}, nil
	}
	return spacekeeper.PrimaryInfo{}, spacekeeper.ErrNoPrimary
}
