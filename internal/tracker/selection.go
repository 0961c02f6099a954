package tracker

import (
	"sort"

	"github.com/juju/errors"

	"github.com/happyfish100/fastdfs-sub015/pkg/config"
	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
)

// Selector implements the tracker's store/fetch selection steps against
// a Registry, parameterized by the tracker's configured policies.
type Selector struct {
	Registry *Registry

	Lookup         config.StoreLookupPolicy
	Server         config.StoreServerPolicy
	Path           config.StorePathPolicy
	PreferredGroup string

	// ReservedSpaceMB is the per-member free-space floor: a member
	// with less free space than this is never returned for a store.
	ReservedSpaceMB int64

	// roundRobinGroup is the cursor for StoreLookupRoundRobin, shared
	// across all callers of SelectStore.
	roundRobinGroup int
}

// NewSelector returns a Selector bound to r using the given policies.
func NewSelector(r *Registry, lookup config.StoreLookupPolicy, server config.StoreServerPolicy, path config.StorePathPolicy, preferredGroup string, reservedSpaceMB int64) *Selector {
	return &Selector{Registry: r, Lookup: lookup, Server: server, Path: path, PreferredGroup: preferredGroup, ReservedSpaceMB: reservedSpaceMB}
}

// StoreTarget is where an upload should land: a specific member and
// store path index within a group.
type StoreTarget struct {
	GroupName  string
	StorageID  string
	IP         string
	Port       int
	HTTPPort   int
	PathIndex  int
}

// SelectStore picks a group (store_lookup policy), then a member
// within it with enough reserved free space (store_server policy),
// then a store path on that member (store_path policy).
func (s *Selector) SelectStore() (StoreTarget, error) {
	g, err := s.selectGroup()
	if err != nil {
		return StoreTarget{}, err
	}

	st, err := s.selectServer(g)
	if err != nil {
		return StoreTarget{}, err
	}

	pathIdx := s.selectPath(g, st)

	return StoreTarget{
		GroupName: g.Name,
		StorageID: st.StorageID,
		IP:        st.IP,
		Port:      g.StoragePort,
		HTTPPort:  g.StorageHTTPPort,
		PathIndex: pathIdx,
	}, nil
}

func (s *Selector) selectGroup() (*Group, error) {
	groups := s.Registry.Groups()
	if len(groups) == 0 {
		return nil, proto.NewError(proto.KindInsufficientSpace, errors.New("tracker: no groups registered"))
	}

	// only groups with at least one ACTIVE member that still clears the
	// reserved-space floor are candidates; a group with no such member
	// is skipped for new stores.
	eligible := make([]*Group, 0, len(groups))
	for _, g := range groups {
		if s.PreferredGroup != "" && g.Name != s.PreferredGroup {
			continue
		}
		if s.hasEligibleMember(g) {
			eligible = append(eligible, g)
		}
	}
	if len(eligible) == 0 {
		return nil, proto.NewError(proto.KindInsufficientSpace, errors.New("tracker: no group has an eligible storage member"))
	}

	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Name < eligible[j].Name })

	switch s.Lookup {
	case config.StoreLookupSpecGroup:
		return eligible[0], nil
	case config.StoreLookupLoadBalance:
		best := eligible[0]
		for _, g := range eligible[1:] {
			if g.FreeSpaceMB() > best.FreeSpaceMB() {
				best = g
			}
		}
		return best, nil
	case config.StoreLookupRoundRobin, "":
		g := eligible[s.roundRobinGroup%len(eligible)]
		s.roundRobinGroup++
		return g, nil
	default:
		return nil, proto.NewError(proto.KindInvalidArgument, errors.Errorf("tracker: unknown store_lookup policy %q", s.Lookup))
	}
}

func (s *Selector) hasEligibleMember(g *Group) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, st := range g.Members {
		if st.Status == StatusActive && st.FreeSpaceMB() >= s.ReservedSpaceMB {
			return true
		}
	}
	return false
}

func (s *Selector) selectServer(g *Group) (*Storage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	active := make([]*Storage, 0, len(g.Members))
	for _, st := range g.Members {
		if st.Status == StatusActive && st.FreeSpaceMB() >= s.ReservedSpaceMB {
			active = append(active, st)
		}
	}
	if len(active) == 0 {
		return nil, proto.NewError(proto.KindInsufficientSpace, errors.Errorf("tracker: group %s has no ACTIVE member with free space >= reserved threshold", g.Name))
	}
	sort.Slice(active, func(i, j int) bool { return active[i].StorageID < active[j].StorageID })

	switch s.Server {
	case config.StoreServerFirstAlive:
		return active[0], nil
	case config.StoreServerPriority:
		best := active[0]
		for _, st := range active[1:] {
			if st.UploadPriority > best.UploadPriority {
				best = st
			}
		}
		return best, nil
	case config.StoreServerRoundRobin, "":
		st := active[g.currentWriteServer%len(active)]
		g.currentWriteServer++
		return st, nil
	default:
		return nil, proto.NewError(proto.KindInvalidArgument, errors.Errorf("tracker: unknown store_server policy %q", s.Server))
	}
}

func (s *Selector) selectPath(g *Group, st *Storage) int {
	if st.PathFreeMB == nil || len(st.PathFreeMB) == 0 {
		return 0
	}

	switch s.Path {
	case config.StorePathMostFreeSpace:
		best := 0
		for i, free := range st.PathFreeMB {
			if free > st.PathFreeMB[best] {
				best = i
			}
		}
		return best
	case config.StorePathRoundRobin, "":
		g.mu.Lock()
		idx := g.currentWritePath % len(st.PathFreeMB)
		g.currentWritePath++
		g.mu.Unlock()
		return idx
	default:
		return 0
	}
}

// SelectFetch resolves a download/fetch request to a member of the
// named group, preferring the source IP's own group member when it is
// ONLINE or ACTIVE, else falling back to any ACTIVE member. If
// preferSourceID is empty, the first ACTIVE member in storage-id order
// is used.
func (s *Selector) SelectFetch(groupName, preferSourceID string) (StoreTarget, error) {
	g := s.Registry.Group(groupName)
	if g == nil {
		return StoreTarget{}, proto.NewError(proto.KindNotFound, errors.Errorf("tracker: unknown group %s", groupName))
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if preferSourceID != "" {
		if st, ok := g.Members[preferSourceID]; ok && (st.Status == StatusOnline || st.Status == StatusActive) {
			return StoreTarget{GroupName: g.Name, StorageID: st.StorageID, IP: st.IP, Port: g.StoragePort, HTTPPort: g.StorageHTTPPort}, nil
		}
	}

	ids := make([]string, 0, len(g.Members))
	for id := range g.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		st := g.Members[id]
		if st.Status == StatusActive {
			return StoreTarget{GroupName: g.Name, StorageID: st.StorageID, IP: st.IP, Port: g.StoragePort, HTTPPort: g.StorageHTTPPort}, nil
		}
	}
	return StoreTarget{}, proto.NewError(proto.KindNotFound, errors.Errorf("tracker: group %s has no ACTIVE member to fetch from", groupName))
}

// SelectFetchAll returns every member eligible to serve a read
// (ONLINE or ACTIVE), for QUERY_FETCH_ALL.
func (s *Selector) SelectFetchAll(groupName string) ([]StoreTarget, error) {
	g := s.Registry.Group(groupName)
	if g == nil {
		return nil, proto.NewError(proto.KindNotFound, errors.Errorf("tracker: unknown group %s", groupName))
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]StoreTarget, 0, len(g.Members))
	for _, st := range g.Members {
		if st.Status == StatusOnline || st.Status == StatusActive {
			out = append(out, StoreTarget{GroupName: g.Name, StorageID: st.StorageID, IP: st.IP, Port: g.StoragePort, HTTPPort: g.StorageHTTPPort})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StorageID < out[j].StorageID })
	if len(out) == 0 {
		return nil, proto.NewError(proto.KindNotFound, errors.Errorf("tracker: group %s has no eligible member to fetch from", groupName))
	}
	return out, nil
}
