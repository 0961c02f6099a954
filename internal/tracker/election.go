package tracker

import "sort"

// electSyncSource picks the sync source for a joining storage server:
// among ACTIVE members of the group, the earliest join_time, tie-broken
// by lowest IP and then lowest storage_id. excludeID excludes the
// joiner itself. Returns nil if no ACTIVE member exists.
func (r *Registry) electSyncSource(g *Group, excludeID string) *Storage {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var best *Storage
	for id, st := range g.Members {
		if id == excludeID || st.Status != StatusActive {
			continue
		}
		if best == nil || better(st, best) {
			best = st
		}
	}
	return best
}

func better(a, b *Storage) bool {
	if !a.JoinTime.Equal(b.JoinTime) {
		return a.JoinTime.Before(b.JoinTime)
	}
	if a.IP != b.IP {
		return a.IP < b.IP
	}
	return a.StorageID < b.StorageID
}

// ElectLeader picks the tracker-cluster leader: the longest-running peer
// (earliest UpTime start instant) wins, tie-broken by lowest index in the
// configured peer list. Returns the winning peer's index, or -1 if peers
// is empty.
func ElectLeader(peers []TrackerPeer) int {
	if len(peers) == 0 {
		return -1
	}
	sorted := make([]TrackerPeer, len(peers))
	copy(sorted, peers)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].UpTime.Equal(sorted[j].UpTime) {
			return sorted[i].UpTime.Before(sorted[j].UpTime)
		}
		return sorted[i].Index < sorted[j].Index
	})
	return sorted[0].Index
}
