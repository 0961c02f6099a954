package tracker

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/pingcap/check"

	"github.com/happyfish100/fastdfs-sub015/pkg/config"
	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&testTrackerSuite{})

type testTrackerSuite struct{}

func (s *testTrackerSuite) tempDir(c *C) (string, func()) {
	dir, err := ioutil.TempDir(os.TempDir(), "trackertest")
	c.Assert(err, IsNil)
	return dir, func() { os.RemoveAll(dir) }
}

func (s *testTrackerSuite) TestJoinCreatesGroupOnFirstMember(c *C) {
	r := NewRegistry(30 * time.Second)
	src, err := r.Join(JoinRequest{
		GroupName: "group1", StorageID: "10.0.0.1", IP: "10.0.0.1",
		StoragePort: 23000, StorageHTTPPort: 8080, StorePathCount: 1, SubdirCount: 16,
		JoinTime: time.Now(),
	})
	c.Assert(err, IsNil)
	c.Assert(src, Equals, "")

	g := r.Group("group1")
	c.Assert(g, NotNil)
	c.Assert(g.Members["10.0.0.1"].Status, Equals, StatusWaitSync)
}

func (s *testTrackerSuite) TestJoinRejectsLayoutMismatch(c *C) {
	r := NewRegistry(30 * time.Second)
	_, err := r.Join(JoinRequest{GroupName: "group1", StorageID: "a", IP: "10.0.0.1", StorePathCount: 1, SubdirCount: 16, JoinTime: time.Now()})
	c.Assert(err, IsNil)

	_, err = r.Join(JoinRequest{GroupName: "group1", StorageID: "b", IP: "10.0.0.2", StorePathCount: 2, SubdirCount: 16, JoinTime: time.Now()})
	c.Assert(err, NotNil)
}

func (s *testTrackerSuite) TestJoinElectsActiveSyncSource(c *C) {
	r := NewRegistry(30 * time.Second)
	_, err := r.Join(JoinRequest{GroupName: "g", StorageID: "a", IP: "10.0.0.1", StorePathCount: 1, SubdirCount: 16, JoinTime: time.Now()})
	c.Assert(err, IsNil)
	c.Assert(r.SetStatus("g", "a", StatusSyncing), IsNil)
	c.Assert(r.SetStatus("g", "a", StatusOnline), IsNil)
	c.Assert(r.SetStatus("g", "a", StatusActive), IsNil)

	src, err := r.Join(JoinRequest{GroupName: "g", StorageID: "b", IP: "10.0.0.2", StorePathCount: 1, SubdirCount: 16, JoinTime: time.Now()})
	c.Assert(err, IsNil)
	c.Assert(src, Equals, "10.0.0.1")
}

func (s *testTrackerSuite) TestSetStatusRejectsIllegalTransition(c *C) {
	r := NewRegistry(30 * time.Second)
	_, err := r.Join(JoinRequest{GroupName: "g", StorageID: "a", IP: "10.0.0.1", StorePathCount: 1, SubdirCount: 16, JoinTime: time.Now()})
	c.Assert(err, IsNil)

	err = r.SetStatus("g", "a", StatusActive)
	c.Assert(err, NotNil)
}

func (s *testTrackerSuite) TestHeartbeatReturnsDiffOnlyWhenChanged(c *C) {
	r := NewRegistry(30 * time.Second)
	_, err := r.Join(JoinRequest{GroupName: "g", StorageID: "a", IP: "10.0.0.1", StorePathCount: 1, SubdirCount: 16, JoinTime: time.Now()})
	c.Assert(err, IsNil)

	g := r.Group("g")
	changes, cc, err := r.Heartbeat("g", "a", HeartbeatDelta{}, g.ChangeCount)
	c.Assert(err, IsNil)
	c.Assert(changes, HasLen, 0)
	c.Assert(cc, Equals, g.ChangeCount)

	changes, _, err = r.Heartbeat("g", "a", HeartbeatDelta{}, g.ChangeCount-1)
	c.Assert(err, IsNil)
	c.Assert(len(changes), Equals, 1)
}

func (s *testTrackerSuite) TestHeartbeatResumesOfflineToActiveWhenCursorCurrent(c *C) {
	r := NewRegistry(30 * time.Second)
	_, err := r.Join(JoinRequest{GroupName: "g", StorageID: "a", IP: "10.0.0.1", StorePathCount: 1, SubdirCount: 16, JoinTime: time.Now()})
	c.Assert(err, IsNil)

	g := r.Group("g")
	st := g.Members["a"]
	st.Status = StatusOffline
	st.SyncUntilTimestamp = 100
	st.LastSourceUpdate = time.Unix(100, 0)

	_, _, err = r.Heartbeat("g", "a", HeartbeatDelta{}, g.ChangeCount-1)
	c.Assert(err, IsNil)
	c.Assert(st.Status, Equals, StatusActive)
}

func (s *testTrackerSuite) TestHeartbeatResumesOfflineToOnlineWhenCursorBehind(c *C) {
	r := NewRegistry(30 * time.Second)
	_, err := r.Join(JoinRequest{GroupName: "g", StorageID: "a", IP: "10.0.0.1", StorePathCount: 1, SubdirCount: 16, JoinTime: time.Now()})
	c.Assert(err, IsNil)

	g := r.Group("g")
	st := g.Members["a"]
	st.Status = StatusOffline
	st.SyncUntilTimestamp = 200
	st.LastSourceUpdate = time.Unix(100, 0)

	_, _, err = r.Heartbeat("g", "a", HeartbeatDelta{}, g.ChangeCount-1)
	c.Assert(err, IsNil)
	c.Assert(st.Status, Equals, StatusOnline)
}

func (s *testTrackerSuite) TestDetectOfflineMarksStaleMembers(c *C) {
	r := NewRegistry(time.Second)
	_, err := r.Join(JoinRequest{GroupName: "g", StorageID: "a", IP: "10.0.0.1", StorePathCount: 1, SubdirCount: 16, JoinTime: time.Now()})
	c.Assert(err, IsNil)

	g := r.Group("g")
	g.Members["a"].LastHeartBeatTime = time.Now().Add(-time.Hour)

	r.DetectOffline(time.Now())
	c.Assert(g.Members["a"].Status, Equals, StatusOffline)
}

func (s *testTrackerSuite) TestElectSyncSourcePrefersEarlierJoinThenLowerIP(c *C) {
	r := NewRegistry(30 * time.Second)
	now := time.Now()

	g := newGroup("g", 0, 0, 1, 16)
	g.Members["a"] = &Storage{StorageID: "a", IP: "10.0.0.2", Status: StatusActive, JoinTime: now}
	g.Members["b"] = &Storage{StorageID: "b", IP: "10.0.0.1", Status: StatusActive, JoinTime: now}
	g.Members["c"] = &Storage{StorageID: "c", IP: "10.0.0.9", Status: StatusActive, JoinTime: now.Add(-time.Hour)}
	r.groups["g"] = g

	best := r.electSyncSource(g, "")
	c.Assert(best.StorageID, Equals, "c")

	g.Members["c"].Status = StatusOffline
	best = r.electSyncSource(g, "")
	c.Assert(best.StorageID, Equals, "b")
}

func (s *testTrackerSuite) TestElectSyncSourceTiebreaksOnStorageIDWhenJoinTimeAndIPEqual(c *C) {
	r := NewRegistry(30 * time.Second)
	now := time.Now()

	g := newGroup("g", 0, 0, 1, 16)
	g.Members["b"] = &Storage{StorageID: "b", IP: "10.0.0.1", Status: StatusActive, JoinTime: now}
	g.Members["a"] = &Storage{StorageID: "a", IP: "10.0.0.1", Status: StatusActive, JoinTime: now}
	r.groups["g"] = g

	best := r.electSyncSource(g, "")
	c.Assert(best.StorageID, Equals, "a")
}

func (s *testTrackerSuite) TestElectLeaderGreatestUpTimeThenLowestIndex(c *C) {
	now := time.Now()
	peers := []TrackerPeer{
		{IP: "10.0.0.1", Index: 0, UpTime: now.Add(-time.Hour)},
		{IP: "10.0.0.2", Index: 1, UpTime: now.Add(-2 * time.Hour)},
		{IP: "10.0.0.3", Index: 2, UpTime: now.Add(-2 * time.Hour)},
	}
	c.Assert(ElectLeader(peers), Equals, 1)
}

func (s *testTrackerSuite) TestElectLeaderEmptyPeers(c *C) {
	c.Assert(ElectLeader(nil), Equals, -1)
}

func (s *testTrackerSuite) newActiveGroup(name string, n int) *Group {
	g := newGroup(name, 23000, 8080, 1, 16)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		g.Members[id] = &Storage{
			StorageID: id, IP: "10.0.0." + string(rune('1'+i)), Status: StatusActive,
			PathFreeMB: []int64{100, 200},
		}
	}
	return g
}

func (s *testTrackerSuite) TestSelectStoreRoundRobinGroupAndServer(c *C) {
	r := NewRegistry(30 * time.Second)
	r.groups["g1"] = s.newActiveGroup("g1", 2)
	r.groups["g2"] = s.newActiveGroup("g2", 2)

	sel := NewSelector(r, config.StoreLookupRoundRobin, config.StoreServerRoundRobin, config.StorePathRoundRobin, "", 0)

	first, err := sel.SelectStore()
	c.Assert(err, IsNil)
	second, err := sel.SelectStore()
	c.Assert(err, IsNil)
	c.Assert(first.GroupName == second.GroupName && first.StorageID == second.StorageID, Equals, false)
}

func (s *testTrackerSuite) TestSelectStoreSpecGroupHonorsPreference(c *C) {
	r := NewRegistry(30 * time.Second)
	r.groups["g1"] = s.newActiveGroup("g1", 1)
	r.groups["g2"] = s.newActiveGroup("g2", 1)

	sel := NewSelector(r, config.StoreLookupSpecGroup, config.StoreServerFirstAlive, config.StorePathRoundRobin, "g2", 0)
	target, err := sel.SelectStore()
	c.Assert(err, IsNil)
	c.Assert(target.GroupName, Equals, "g2")
}

func (s *testTrackerSuite) TestSelectStoreInsufficientSpaceWhenNoActiveMember(c *C) {
	r := NewRegistry(30 * time.Second)
	g := newGroup("g", 23000, 8080, 1, 16)
	g.Members["a"] = &Storage{StorageID: "a", IP: "10.0.0.1", Status: StatusOffline}
	r.groups["g"] = g

	sel := NewSelector(r, config.StoreLookupRoundRobin, config.StoreServerRoundRobin, config.StorePathRoundRobin, "", 0)
	_, err := sel.SelectStore()
	c.Assert(err, NotNil)
}

func (s *testTrackerSuite) TestSelectStoreInsufficientSpaceBelowReservedThreshold(c *C) {
	r := NewRegistry(30 * time.Second)
	g := newGroup("g", 23000, 8080, 1, 16)
	g.Members["a"] = &Storage{StorageID: "a", IP: "10.0.0.1", Status: StatusActive, PathFreeMB: []int64{100}}
	r.groups["g"] = g

	sel := NewSelector(r, config.StoreLookupRoundRobin, config.StoreServerRoundRobin, config.StorePathRoundRobin, "", 200)
	_, err := sel.SelectStore()
	c.Assert(err, NotNil)
	c.Assert(proto.CauseKind(err), Equals, proto.KindInsufficientSpace)
}

func (s *testTrackerSuite) TestSelectStoreAllowsMemberAtOrAboveReservedThreshold(c *C) {
	r := NewRegistry(30 * time.Second)
	g := newGroup("g", 23000, 8080, 1, 16)
	g.Members["a"] = &Storage{StorageID: "a", IP: "10.0.0.1", Status: StatusActive, PathFreeMB: []int64{300}}
	r.groups["g"] = g

	sel := NewSelector(r, config.StoreLookupRoundRobin, config.StoreServerRoundRobin, config.StorePathRoundRobin, "", 200)
	target, err := sel.SelectStore()
	c.Assert(err, IsNil)
	c.Assert(target.StorageID, Equals, "a")
}

func (s *testTrackerSuite) TestSelectPathMostFreeSpace(c *C) {
	r := NewRegistry(30 * time.Second)
	g := s.newActiveGroup("g", 1)
	r.groups["g"] = g

	sel := NewSelector(r, config.StoreLookupRoundRobin, config.StoreServerRoundRobin, config.StorePathMostFreeSpace, "", 0)
	target, err := sel.SelectStore()
	c.Assert(err, IsNil)
	c.Assert(target.PathIndex, Equals, 1) // PathFreeMB {100,200}: index 1 has more
}

func (s *testTrackerSuite) TestSelectFetchPrefersSourceGroupMember(c *C) {
	r := NewRegistry(30 * time.Second)
	g := newGroup("g", 23000, 8080, 1, 16)
	g.Members["a"] = &Storage{StorageID: "a", IP: "10.0.0.1", Status: StatusOnline}
	g.Members["b"] = &Storage{StorageID: "b", IP: "10.0.0.2", Status: StatusActive}
	r.groups["g"] = g

	sel := NewSelector(r, "", "", "", "", 0)
	target, err := sel.SelectFetch("g", "a")
	c.Assert(err, IsNil)
	c.Assert(target.StorageID, Equals, "a")
}

func (s *testTrackerSuite) TestSelectFetchFallsBackWhenPreferredOffline(c *C) {
	r := NewRegistry(30 * time.Second)
	g := newGroup("g", 23000, 8080, 1, 16)
	g.Members["a"] = &Storage{StorageID: "a", IP: "10.0.0.1", Status: StatusOffline}
	g.Members["b"] = &Storage{StorageID: "b", IP: "10.0.0.2", Status: StatusActive}
	r.groups["g"] = g

	sel := NewSelector(r, "", "", "", "", 0)
	target, err := sel.SelectFetch("g", "a")
	c.Assert(err, IsNil)
	c.Assert(target.StorageID, Equals, "b")
}

func (s *testTrackerSuite) TestSelectFetchAllReturnsAllEligible(c *C) {
	r := NewRegistry(30 * time.Second)
	g := newGroup("g", 23000, 8080, 1, 16)
	g.Members["a"] = &Storage{StorageID: "a", IP: "10.0.0.1", Status: StatusOnline}
	g.Members["b"] = &Storage{StorageID: "b", IP: "10.0.0.2", Status: StatusActive}
	g.Members["c"] = &Storage{StorageID: "c", IP: "10.0.0.3", Status: StatusOffline}
	r.groups["g"] = g

	sel := NewSelector(r, "", "", "", "", 0)
	targets, err := sel.SelectFetchAll("g")
	c.Assert(err, IsNil)
	c.Assert(targets, HasLen, 2)
}

func (s *testTrackerSuite) TestPersisterRoundTrip(c *C) {
	dir, cleanup := s.tempDir(c)
	defer cleanup()

	r := NewRegistry(30 * time.Second)
	_, err := r.Join(JoinRequest{GroupName: "g", StorageID: "a", IP: "10.0.0.1", StorePathCount: 1, SubdirCount: 16, JoinTime: time.Now()})
	c.Assert(err, IsNil)
	r.Group("g").SetSyncTimestamp("a", "b", 12345)

	p, err := NewPersister(dir)
	c.Assert(err, IsNil)
	c.Assert(p.Save(r), IsNil)

	c.Assert(filepath.Join(dir, groupsFile), Not(Equals), "")

	r2, err := p.Load(30 * time.Second)
	c.Assert(err, IsNil)
	g2 := r2.Group("g")
	c.Assert(g2, NotNil)
	c.Assert(g2.Members["a"].IP, Equals, "10.0.0.1")
	c.Assert(g2.SyncTimestamp("a", "b"), Equals, int64(12345))
}
