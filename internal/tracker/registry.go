package tracker

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/ngaut/log"

	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
)

// JoinRequest carries the fields a STORAGE_JOIN body decodes to.
type JoinRequest struct {
	GroupName       string
	StorageID       string
	IP              string
	Domain          string
	Version         string
	StoragePort     int
	StorageHTTPPort int
	StorePathCount  int
	SubdirCount     int
	JoinTime        time.Time
	UpTime          time.Time
	Init            bool
}

// Registry is the tracker's in-memory state: all known groups, keyed by
// name, plus the configured tracker peer list for leader election.
// Grounded on the teacher's heap/merge-sort coordinator shape in
// drainer/heap.go (a mutex-guarded map driving independent per-source
// state), generalized from merging binlog streams to registering
// storage servers.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*Group

	checkActiveInterval time.Duration
}

// NewRegistry returns an empty Registry.
func NewRegistry(checkActiveInterval time.Duration) *Registry {
	return &Registry{groups: make(map[string]*Group), checkActiveInterval: checkActiveInterval}
}

// Group returns the named group, or nil if unknown.
func (r *Registry) Group(name string) *Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups[name]
}

// Groups returns a snapshot slice of all known groups.
func (r *Registry) Groups() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// Join processes a STORAGE_JOIN: creates the group on first-ever join
// (fixing layout parameters) or validates the join against the
// existing group's layout. Returns the elected sync source's IP
// (empty meaning "no sync needed").
func (r *Registry) Join(req JoinRequest) (syncSourceIP string, err error) {
	r.mu.Lock()
	g, ok := r.groups[req.GroupName]
	if !ok {
		g = newGroup(req.GroupName, req.StoragePort, req.StorageHTTPPort, req.StorePathCount, req.SubdirCount)
		r.groups[req.GroupName] = g
		log.Infof("tracker: created group %s from first join by %s", req.GroupName, req.StorageID)
	}
	r.mu.Unlock()

	if g.StorePathCount != req.StorePathCount {
		return "", proto.NewError(proto.KindInvalidArgument,
			errors.Errorf("tracker: join rejected, store_path_count mismatch (group=%d, joiner=%d)", g.StorePathCount, req.StorePathCount))
	}
	if g.SubdirCount != req.SubdirCount {
		return "", proto.NewError(proto.KindInvalidArgument,
			errors.Errorf("tracker: join rejected, subdir_count mismatch (group=%d, joiner=%d)", g.SubdirCount, req.SubdirCount))
	}

	g.mu.Lock()
	existing, existed := g.Members[req.StorageID]
	st := &Storage{
		GroupName: req.GroupName,
		StorageID: req.StorageID,
		IP:        req.IP,
		Domain:    req.Domain,
		Version:   req.Version,
		Status:    StatusInit,
		JoinTime:  req.JoinTime,
		UpTime:    req.UpTime,
		LastSyncedTS: make(map[string]int64),
	}
	if existed && existing.IP != req.IP {
		st.Status = StatusIPChanged
	}
	g.Members[req.StorageID] = st
	g.ChangeCount++
	g.mu.Unlock()

	source := r.electSyncSource(g, req.StorageID)
	if source == nil {
		// no ACTIVE peer: joiner becomes the group's seed.
		r.SetStatus(req.GroupName, req.StorageID, StatusWaitSync)
		return "", nil
	}

	r.SetStatus(req.GroupName, req.StorageID, StatusWaitSync)
	st.SyncSrcServer = source.StorageID
	st.SyncUntilTimestamp = time.Now().Unix()
	return source.IP, nil
}

// SetStatus transitions a storage server's status, rejecting illegal
// transitions.
func (r *Registry) SetStatus(groupName, storageID string, to Status) error {
	g := r.Group(groupName)
	if g == nil {
		return proto.NewError(proto.KindNotFound, errors.Errorf("tracker: unknown group %s", groupName))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.Members[storageID]
	if !ok {
		return proto.NewError(proto.KindNotFound, errors.Errorf("tracker: unknown storage %s/%s", groupName, storageID))
	}
	if !CanTransition(st.Status, to) {
		return proto.NewError(proto.KindInvalidArgument,
			errors.Errorf("tracker: illegal transition %s -> %s for %s/%s", st.Status, to, groupName, storageID))
	}
	st.Status = to
	g.ChangeCount++
	return nil
}

// HeartbeatDelta is what a STORAGE_BEAT body carries: counters/timestamp
// updates only if changed since the last beat, so an empty delta is a
// legal no-op heartbeat.
type HeartbeatDelta struct {
	Counters           *Counters
	PathFreeMB         []int64
	LastSyncedTS       map[string]int64
	LastSourceUpdate   time.Time
	LastSyncUpdate     time.Time
}

// Heartbeat applies a STORAGE_BEAT's delta. When the group's change
// count differs from the caller's lastChangeCount it returns every
// member of the group (the caller included) with its current status;
// otherwise the returned list is empty.
func (r *Registry) Heartbeat(groupName, storageID string, delta HeartbeatDelta, lastChangeCount int64) (changes []PeerChange, newChangeCount int64, err error) {
	g := r.Group(groupName)
	if g == nil {
		return nil, 0, proto.NewError(proto.KindNotFound, errors.Errorf("tracker: unknown group %s", groupName))
	}

	g.mu.Lock()
	st, ok := g.Members[storageID]
	if !ok {
		g.mu.Unlock()
		return nil, 0, proto.NewError(proto.KindNotFound, errors.Errorf("tracker: unknown storage %s/%s", groupName, storageID))
	}

	st.LastHeartBeatTime = time.Now()
	if delta.Counters != nil {
		st.Counters = *delta.Counters
	}
	if delta.PathFreeMB != nil {
		st.PathFreeMB = delta.PathFreeMB
	}
	for peer, ts := range delta.LastSyncedTS {
		st.LastSyncedTS[peer] = ts
		g.lastSyncTimestampsLocked(storageID, peer, ts)
	}
	if !delta.LastSourceUpdate.IsZero() {
		st.LastSourceUpdate = delta.LastSourceUpdate
	}
	if !delta.LastSyncUpdate.IsZero() {
		st.LastSyncUpdate = delta.LastSyncUpdate
	}

	// auto-advance WAIT_SYNC/SYNCING/ONLINE chain once caught up
	if st.SyncUntilTimestamp != 0 && st.LastSourceUpdate.Unix() >= st.SyncUntilTimestamp {
		switch st.Status {
		case StatusWaitSync, StatusSyncing, StatusOnline:
			st.Status = StatusActive
			g.ChangeCount++
		}
	}

	// a resumed heartbeat from an OFFLINE member rejoins the group: if
	// its sync cursor is already caught up with its source it goes
	// straight back to ACTIVE, otherwise it re-enters as ONLINE and
	// catches up the normal way.
	if st.Status == StatusOffline {
		if st.SyncUntilTimestamp != 0 && st.LastSourceUpdate.Unix() >= st.SyncUntilTimestamp {
			st.Status = StatusActive
		} else {
			st.Status = StatusOnline
		}
		g.ChangeCount++
	}

	members := make([]PeerChange, 0, len(g.Members))
	if g.ChangeCount != lastChangeCount {
		for id, m := range g.Members {
			members = append(members, PeerChange{StorageID: id, IP: m.IP, Status: m.Status})
		}
	}
	newChangeCount = g.ChangeCount
	g.mu.Unlock()

	return members, newChangeCount, nil
}

func (g *Group) lastSyncTimestampsLocked(src, dst string, ts int64) {
	row, ok := g.lastSyncTimestamps[src]
	if !ok {
		row = make(map[string]int64)
		g.lastSyncTimestamps[src] = row
	}
	row[dst] = ts
}

// PeerChange is one entry of a heartbeat reply's peer-status diff
// (1 B status, 16 B ip).
type PeerChange struct {
	StorageID string
	IP        string
	Status    Status
}

// DetectOffline scans every group for members whose last heartbeat
// exceeds checkActiveInterval×2 and marks them OFFLINE. It never
// removes a member from the group; a later heartbeat brings it back.
func (r *Registry) DetectOffline(now time.Time) {
	threshold := r.checkActiveInterval * 2
	for _, g := range r.Groups() {
		g.mu.Lock()
		for _, st := range g.Members {
			if st.Status == StatusDeleted || st.Status == StatusOffline {
				continue
			}
			if st.LastHeartBeatTime.IsZero() {
				continue
			}
			if now.Sub(st.LastHeartBeatTime) > threshold {
				if CanTransition(st.Status, StatusOffline) {
					st.Status = StatusOffline
					g.ChangeCount++
					log.Warnf("tracker: %s/%s marked OFFLINE, missed heartbeat for %s", g.Name, st.StorageID, now.Sub(st.LastHeartBeatTime))
				}
			}
		}
		g.mu.Unlock()
	}
}
