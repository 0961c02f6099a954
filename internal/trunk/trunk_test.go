package trunk

import (
	"context"
	"io/ioutil"
	"os"
	"testing"

	. "github.com/pingcap/check"

	"github.com/happyfish100/fastdfs-sub015/pkg/binlog"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&testTrunkSuite{})

type testTrunkSuite struct{}

func (s *testTrunkSuite) tempDir(c *C) (string, func()) {
	dir, err := ioutil.TempDir(os.TempDir(), "trunktest")
	c.Assert(err, IsNil)
	return dir, func() { os.RemoveAll(dir) }
}

func (s *testTrunkSuite) TestAddSpaceThenDelSpaceRoundTrip(c *C) {
	dir, cleanup := s.tempDir(c)
	defer cleanup()

	e, err := Open(dir)
	c.Assert(err, IsNil)
	defer e.Close()

	c.Assert(e.AddSpace("t001", 0, 1024, "node1"), IsNil)
	c.Assert(e.AddSpace("t002", 1024, 2048, "node1"), IsNil)
	c.Assert(e.DelSpace("t001", "node1"), IsNil)

	var seen []string
	_, err = e.Walk(context.Background(), binlog.Pos{}, func(rec binlog.Record, at binlog.Pos) error {
		seen = append(seen, rec.Filename+":"+string(rec.Op))
		return nil
	})
	c.Assert(err, IsNil)
	c.Assert(seen, DeepEquals, []string{"t001:S", "t002:S", "t001:s"})
}

func (s *testTrunkSuite) TestApplyCoalescesAliveAllocations(c *C) {
	dir, cleanup := s.tempDir(c)
	defer cleanup()
	compactedDir, cleanup2 := s.tempDir(c)
	defer cleanup2()

	e, err := Open(dir)
	c.Assert(err, IsNil)
	defer e.Close()

	c.Assert(e.AddSpace("t001", 0, 1024, "node1"), IsNil)
	c.Assert(e.AddSpace("t002", 1024, 2048, "node1"), IsNil)
	c.Assert(e.DelSpace("t001", "node1"), IsNil)

	comp, err := e.Apply(context.Background(), compactedDir)
	c.Assert(err, IsNil)

	var survivors []string
	_, err = comp.compacted.Walk(context.Background(), binlog.Pos{}, func(rec binlog.Record, at binlog.Pos) error {
		survivors = append(survivors, rec.Filename)
		return nil
	})
	c.Assert(err, IsNil)
	c.Assert(survivors, DeepEquals, []string{"t002"})
}

func (s *testTrunkSuite) TestCommitSwapsLiveBackend(c *C) {
	dir, cleanup := s.tempDir(c)
	defer cleanup()
	compactedDir, cleanup2 := s.tempDir(c)
	defer cleanup2()

	e, err := Open(dir)
	c.Assert(err, IsNil)
	defer e.Close()

	c.Assert(e.AddSpace("t001", 0, 1024, "node1"), IsNil)

	comp, err := e.Apply(context.Background(), compactedDir)
	c.Assert(err, IsNil)
	c.Assert(comp.CatchUp(context.Background()), IsNil)
	c.Assert(comp.Pending(), Equals, false)
	c.Assert(comp.Commit(), IsNil)

	// appends now land in the compacted backend
	c.Assert(e.AddSpace("t003", 2048, 512, "node1"), IsNil)

	var names []string
	_, err = e.Walk(context.Background(), binlog.Pos{}, func(rec binlog.Record, at binlog.Pos) error {
		names = append(names, rec.Filename)
		return nil
	})
	c.Assert(err, IsNil)
	c.Assert(names, DeepEquals, []string{"t001", "t003"})
}

func (s *testTrunkSuite) TestTranslatePosMapsPreCutoffCursorToApplyEnd(c *C) {
	dir, cleanup := s.tempDir(c)
	defer cleanup()
	compactedDir, cleanup2 := s.tempDir(c)
	defer cleanup2()

	e, err := Open(dir)
	c.Assert(err, IsNil)
	defer e.Close()

	c.Assert(e.AddSpace("t001", 0, 1024, "node1"), IsNil)
	oldTail := e.Tail()

	comp, err := e.Apply(context.Background(), compactedDir)
	c.Assert(err, IsNil)

	translated := comp.TranslatePos(binlog.Pos{})
	c.Assert(translated, Equals, comp.applyEndPos)

	translated = comp.TranslatePos(oldTail)
	c.Assert(translated, Equals, comp.applyEndPos)
}

func (s *testTrunkSuite) TestCommitRejectsDoubleCommit(c *C) {
	dir, cleanup := s.tempDir(c)
	defer cleanup()
	compactedDir, cleanup2 := s.tempDir(c)
	defer cleanup2()

	e, err := Open(dir)
	c.Assert(err, IsNil)
	defer e.Close()

	comp, err := e.Apply(context.Background(), compactedDir)
	c.Assert(err, IsNil)
	c.Assert(comp.Commit(), IsNil)
	c.Assert(comp.Commit(), NotNil)
}
