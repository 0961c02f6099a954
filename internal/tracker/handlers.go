package tracker

import (
	"context"
	"net"
	"time"

	"github.com/juju/errors"

	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
)

// Service wires a Registry and Selector to the tracker-facing wire
// commands, exposing one conn.Handler per registered command. Kept
// free of any net/transport type beyond proto.Frame and net.Addr so it
// composes with pkg/conn.Server without a back-import.
type Service struct {
	Registry *Registry
	Selector *Selector
}

// NewService returns a Service ready to have its Handlers registered on
// a pkg/conn.Server.
func NewService(r *Registry, s *Selector) *Service {
	return &Service{Registry: r, Selector: s}
}

// HandleJoin serves STORAGE_JOIN: group_name(16) ip(16) domain(128)
// version(8) storage_port(8,BE) http_port(8,BE) store_path_count(1)
// subdir_count(1). Replies with the elected sync source's ip(16),
// NUL-filled when none.
func (svc *Service) HandleJoin(ctx context.Context, peer net.Addr, req proto.Frame) (byte, []byte, error) {
	const bodyLen = proto.GroupNameLen + proto.IPAddrLen + proto.DomainNameLen + proto.VersionLen + 8 + 8 + 1 + 1
	if len(req.Body) != bodyLen {
		return 0, nil, proto.NewError(proto.KindInvalidArgument, errors.Errorf("tracker: join body length %d, want %d", len(req.Body), bodyLen))
	}

	b := req.Body
	off := 0
	group := proto.GetFixed(b[off : off+proto.GroupNameLen])
	off += proto.GroupNameLen
	ip := proto.GetFixed(b[off : off+proto.IPAddrLen])
	off += proto.IPAddrLen
	domain := proto.GetFixed(b[off : off+proto.DomainNameLen])
	off += proto.DomainNameLen
	version := proto.GetFixed(b[off : off+proto.VersionLen])
	off += proto.VersionLen
	storagePort := int(proto.GetUint64(b[off : off+8]))
	off += 8
	httpPort := int(proto.GetUint64(b[off : off+8]))
	off += 8
	pathCount := int(b[off])
	off++
	subdirCount := int(b[off])

	now := time.Now()
	src, err := svc.Registry.Join(JoinRequest{
		GroupName: group, StorageID: ip, IP: ip, Domain: domain, Version: version,
		StoragePort: storagePort, StorageHTTPPort: httpPort,
		StorePathCount: pathCount, SubdirCount: subdirCount,
		JoinTime: now, UpTime: now,
	})
	if err != nil {
		return 0, nil, err
	}

	resp := make([]byte, proto.IPAddrLen)
	proto.PutFixed(resp, src, proto.IPAddrLen)
	return proto.StatusOK, resp, nil
}

// HandleBeat serves STORAGE_BEAT: group_name(16) ip(16)
// last_change_count(8,BE) path_count(1) path_free_mb(path_count*8,BE).
// Replies with new_change_count(8,BE) followed, when the group's change
// count moved past last_change_count, by one status(1)+ip(16) pair per
// group member.
func (svc *Service) HandleBeat(ctx context.Context, peer net.Addr, req proto.Frame) (byte, []byte, error) {
	b := req.Body
	minLen := proto.GroupNameLen + proto.IPAddrLen + 8 + 1
	if len(b) < minLen {
		return 0, nil, proto.NewError(proto.KindInvalidArgument, errors.Errorf("tracker: beat body too short (%d)", len(b)))
	}

	off := 0
	group := proto.GetFixed(b[off : off+proto.GroupNameLen])
	off += proto.GroupNameLen
	ip := proto.GetFixed(b[off : off+proto.IPAddrLen])
	off += proto.IPAddrLen
	lastChangeCount := int64(proto.GetUint64(b[off : off+8]))
	off += 8
	pathCount := int(b[off])
	off++

	if len(b) != minLen+pathCount*8 {
		return 0, nil, proto.NewError(proto.KindInvalidArgument, errors.Errorf("tracker: beat body length mismatch for %d paths", pathCount))
	}
	pathFree := make([]int64, pathCount)
	for i := 0; i < pathCount; i++ {
		pathFree[i] = int64(proto.GetUint64(b[off : off+8]))
		off += 8
	}

	delta := HeartbeatDelta{PathFreeMB: pathFree, LastSourceUpdate: time.Now()}
	changes, newCount, err := svc.Registry.Heartbeat(group, ip, delta, lastChangeCount)
	if err != nil {
		return 0, nil, err
	}

	resp := make([]byte, 8+len(changes)*(1+proto.IPAddrLen))
	proto.PutUint64(resp[:8], uint64(newCount))
	pos := 8
	for _, ch := range changes {
		resp[pos] = byte(ch.Status)
		pos++
		proto.PutFixed(resp[pos:pos+proto.IPAddrLen], ch.IP, proto.IPAddrLen)
		pos += proto.IPAddrLen
	}
	return proto.StatusOK, resp, nil
}

// HandleQueryStore serves QUERY_STORE_WITHOUT_GROUP_ONE / _WITH_GROUP_ONE:
// an optional group_name(16) request body (empty means "any group",
// honoring the tracker's configured store_lookup policy). Replies
// group_name(16) ip(16) port(8,BE) store_path_index(1).
func (svc *Service) HandleQueryStore(ctx context.Context, peer net.Addr, req proto.Frame) (byte, []byte, error) {
	if len(req.Body) >= proto.GroupNameLen {
		prev := svc.Selector.PreferredGroup
		svc.Selector.PreferredGroup = proto.GetFixed(req.Body[:proto.GroupNameLen])
		defer func() { svc.Selector.PreferredGroup = prev }()
	}

	target, err := svc.Selector.SelectStore()
	if err != nil {
		return 0, nil, err
	}

	resp := make([]byte, proto.GroupNameLen+proto.IPAddrLen+8+1)
	off := 0
	proto.PutFixed(resp[off:off+proto.GroupNameLen], target.GroupName, proto.GroupNameLen)
	off += proto.GroupNameLen
	proto.PutFixed(resp[off:off+proto.IPAddrLen], target.IP, proto.IPAddrLen)
	off += proto.IPAddrLen
	proto.PutUint64(resp[off:off+8], uint64(target.Port))
	off += 8
	resp[off] = byte(target.PathIndex)
	return proto.StatusOK, resp, nil
}

// HandleQueryFetch serves QUERY_FETCH_ONE: group_name(16) source_ip(16).
// Replies group_name(16) ip(16) port(8,BE).
func (svc *Service) HandleQueryFetch(ctx context.Context, peer net.Addr, req proto.Frame) (byte, []byte, error) {
	const bodyLen = proto.GroupNameLen + proto.IPAddrLen
	if len(req.Body) != bodyLen {
		return 0, nil, proto.NewError(proto.KindInvalidArgument, errors.Errorf("tracker: fetch body length %d, want %d", len(req.Body), bodyLen))
	}
	group := proto.GetFixed(req.Body[:proto.GroupNameLen])
	source := proto.GetFixed(req.Body[proto.GroupNameLen:bodyLen])

	target, err := svc.Selector.SelectFetch(group, source)
	if err != nil {
		return 0, nil, err
	}

	resp := make([]byte, proto.GroupNameLen+proto.IPAddrLen+8)
	proto.PutFixed(resp[:proto.GroupNameLen], target.GroupName, proto.GroupNameLen)
	proto.PutFixed(resp[proto.GroupNameLen:proto.GroupNameLen+proto.IPAddrLen], target.IP, proto.IPAddrLen)
	proto.PutUint64(resp[proto.GroupNameLen+proto.IPAddrLen:], uint64(target.Port))
	return proto.StatusOK, resp, nil
}

// HandleQueryFetchAll serves QUERY_FETCH_ALL: group_name(16). Replies
// a count(8,BE) followed by count*(ip(16)+port(8,BE)) entries.
func (svc *Service) HandleQueryFetchAll(ctx context.Context, peer net.Addr, req proto.Frame) (byte, []byte, error) {
	if len(req.Body) != proto.GroupNameLen {
		return 0, nil, proto.NewError(proto.KindInvalidArgument, errors.Errorf("tracker: fetch-all body length %d, want %d", len(req.Body), proto.GroupNameLen))
	}
	group := proto.GetFixed(req.Body)

	targets, err := svc.Selector.SelectFetchAll(group)
	if err != nil {
		return 0, nil, err
	}

	resp := make([]byte, 8+len(targets)*(proto.IPAddrLen+8))
	proto.PutUint64(resp[:8], uint64(len(targets)))
	pos := 8
	for _, t := range targets {
		proto.PutFixed(resp[pos:pos+proto.IPAddrLen], t.IP, proto.IPAddrLen)
		pos += proto.IPAddrLen
		proto.PutUint64(resp[pos:pos+8], uint64(t.Port))
		pos += 8
	}
	return proto.StatusOK, resp, nil
}

// HandleGetLeader serves TRACKER_GET_LEADER, reporting which configured
// peer index this tracker currently believes is the leader.
func (svc *Service) HandleGetLeader(peers []TrackerPeer) (byte, []byte, error) {
	idx := ElectLeader(peers)
	if idx < 0 {
		return 0, nil, proto.NewError(proto.KindNotFound, errors.New("tracker: no configured peers to elect a leader from"))
	}
	resp := make([]byte, 8)
	proto.PutUint64(resp, uint64(idx))
	return proto.StatusOK, resp, nil
}
