package storage

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/pingcap/check"

	"github.com/happyfish100/fastdfs-sub015/pkg/binlog"
	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&testStorageSuite{})

type testStorageSuite struct{}

func (s *testStorageSuite) tempDir(c *C) (string, func()) {
	dir, err := ioutil.TempDir(os.TempDir(), "storagetest")
	c.Assert(err, IsNil)
	return dir, func() { os.RemoveAll(dir) }
}

func (s *testStorageSuite) TestMarkLoadMissingDefaultsZero(c *C) {
	dir, cleanup := s.tempDir(c)
	defer cleanup()

	m, err := OpenMark(filepath.Join(dir, "peer1.mark"), 100, time.Minute)
	c.Assert(err, IsNil)
	c.Assert(m.Pos(), Equals, binlog.Pos{})
}

func (s *testStorageSuite) TestMarkFlushAndReload(c *C) {
	dir, cleanup := s.tempDir(c)
	defer cleanup()

	path := filepath.Join(dir, "peer1.mark")
	m, err := OpenMark(path, 100, time.Minute)
	c.Assert(err, IsNil)

	c.Assert(m.Advance(binlog.Pos{Suffix: 2, Offset: 500}), IsNil)
	c.Assert(m.Flush(), IsNil)

	m2, err := OpenMark(path, 100, time.Minute)
	c.Assert(err, IsNil)
	c.Assert(m2.Pos(), Equals, binlog.Pos{Suffix: 2, Offset: 500})
}

func (s *testStorageSuite) TestMarkAdvanceFlushesAfterThreshold(c *C) {
	dir, cleanup := s.tempDir(c)
	defer cleanup()

	path := filepath.Join(dir, "peer1.mark")
	m, err := OpenMark(path, 2, time.Hour)
	c.Assert(err, IsNil)

	c.Assert(m.Advance(binlog.Pos{Offset: 1}), IsNil)
	// not yet flushed: file shouldn't exist or should still be empty
	c.Assert(m.Advance(binlog.Pos{Offset: 2}), IsNil)

	m2, err := OpenMark(path, 2, time.Hour)
	c.Assert(err, IsNil)
	c.Assert(m2.Pos().Offset, Equals, int64(2))
}

func (s *testStorageSuite) TestGenerateFilenameIsUnderPathAndExt(c *C) {
	dir, cleanup := s.tempDir(c)
	defer cleanup()

	p, err := OpenPath(0, dir, 16, "192.168.1.10")
	c.Assert(err, IsNil)
	defer p.Close()

	name, err := p.GenerateFilename(1024, "jpg")
	c.Assert(err, IsNil)
	c.Assert(name[:4], Equals, "M00/")
	c.Assert(name[len(name)-4:], Equals, ".jpg")
}

func (s *testStorageSuite) TestWriteLocalThenReadLocal(c *C) {
	dir, cleanup := s.tempDir(c)
	defer cleanup()

	p, err := OpenPath(0, dir, 16, "192.168.1.10")
	c.Assert(err, IsNil)
	defer p.Close()

	name, err := p.GenerateFilename(5, "txt")
	c.Assert(err, IsNil)

	c.Assert(p.WriteLocal(name, []byte("hello"), binlog.OpCreate, "192.168.1.10", ""), IsNil)

	got, err := p.ReadLocal(name)
	c.Assert(err, IsNil)
	c.Assert(string(got), Equals, "hello")
}

func (s *testStorageSuite) TestDeleteLocalIsIdempotent(c *C) {
	dir, cleanup := s.tempDir(c)
	defer cleanup()

	p, err := OpenPath(0, dir, 16, "192.168.1.10")
	c.Assert(err, IsNil)
	defer p.Close()

	name, err := p.GenerateFilename(5, "txt")
	c.Assert(err, IsNil)
	c.Assert(p.WriteLocal(name, []byte("hello"), binlog.OpCreate, "192.168.1.10", ""), IsNil)

	c.Assert(p.DeleteLocal(name, "192.168.1.10"), IsNil)
	c.Assert(p.DeleteLocal(name, "192.168.1.10"), IsNil)

	_, err = p.ReadLocal(name)
	c.Assert(err, NotNil)
}

func (s *testStorageSuite) TestSenderSkipsSelfSourcedRecords(c *C) {
	dir, cleanup := s.tempDir(c)
	defer cleanup()

	bl, err := binlog.OpenOrCreate(dir)
	c.Assert(err, IsNil)
	defer bl.Close()

	c.Assert(bl.Append(binlog.Record{Timestamp: 1, Op: binlog.OpCreate, SourceID: "peerA", Filename: "f1"}), IsNil)
	c.Assert(bl.Append(binlog.Record{Timestamp: 2, Op: binlog.OpCreate, SourceID: "local", Filename: "f2"}), IsNil)

	mark, err := OpenMark(filepath.Join(dir, "peerA.mark"), 100, time.Minute)
	c.Assert(err, IsNil)

	var sent []string
	send := func(peer Peer, cmd byte, body []byte) (byte, error) {
		sent = append(sent, string(body))
		return proto.StatusOK, nil
	}
	build := func(rec binlog.Record) (byte, []byte, error) {
		return proto.CmdSyncCreateFile, []byte(rec.Filename), nil
	}

	sender := NewSender(Peer{ID: "peerA", Addr: "x"}, bl, mark, send, build, func() int64 { return 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sender.Run(ctx)

	c.Assert(sent, DeepEquals, []string{"f2"})
}

func (s *testStorageSuite) TestCatchUpDoneAtCutoff(c *C) {
	cu := NewCatchUp("peerA", 100)
	c.Assert(cu.Done(), Equals, false)
	cu.Applied(50)
	c.Assert(cu.Done(), Equals, false)
	cu.Applied(100)
	c.Assert(cu.Done(), Equals, true)
}
