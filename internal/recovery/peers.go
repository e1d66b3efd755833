package recovery

import "context"

// PeerNetwork discovers snapshots held by other devices on the local
// network. A real implementation is deployment-specific; the default finds
// no peers, so the peer tier contributes zero records and recovery moves on.
type PeerNetwork interface {
	Snapshots(ctx context.Context, deviceID string) ([]*Snapshot, error)
}

type NoPeers struct{}

func (NoPeers) Snapshots(ctx context.Context, deviceID string) ([]*Snapshot, error) {
	return nil, nil
}
