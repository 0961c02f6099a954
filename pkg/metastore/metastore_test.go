package metastore

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	. "github.com/pingcap/check"

	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&testMetastoreSuite{})

type testMetastoreSuite struct{}

func (s *testMetastoreSuite) openTemp(c *C) (*Store, func()) {
	dir, err := ioutil.TempDir(os.TempDir(), "metastoretest")
	c.Assert(err, IsNil)
	st, err := Open(filepath.Join(dir, "meta.bolt"), 4)
	c.Assert(err, IsNil)
	return st, func() {
		st.Close()
		os.RemoveAll(dir)
	}
}

func (s *testMetastoreSuite) TestSetGetRoundTrip(c *C) {
	st, cleanup := s.openTemp(c)
	defer cleanup()

	m := proto.Metadata{"width": "800", "height": "600"}
	c.Assert(st.Set(0, "M00/00/00/abc.jpg", m), IsNil)

	got, err := st.Get(0, "M00/00/00/abc.jpg")
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, m)
}

func (s *testMetastoreSuite) TestGetMissingIsNotFound(c *C) {
	st, cleanup := s.openTemp(c)
	defer cleanup()

	_, err := st.Get(0, "nope")
	c.Assert(err, NotNil)
	perr, ok := err.(*proto.Error)
	c.Assert(ok, Equals, true)
	c.Assert(perr.Kind, Equals, proto.KindNotFound)
}

func (s *testMetastoreSuite) TestDeleteIsIdempotent(c *C) {
	st, cleanup := s.openTemp(c)
	defer cleanup()

	c.Assert(st.Set(1, "f1", proto.Metadata{"a": "1"}), IsNil)
	c.Assert(st.Delete(1, "f1"), IsNil)
	c.Assert(st.Delete(1, "f1"), IsNil)

	_, err := st.Get(1, "f1")
	c.Assert(err, NotNil)
}

func (s *testMetastoreSuite) TestPathIndexesAreIsolated(c *C) {
	st, cleanup := s.openTemp(c)
	defer cleanup()

	c.Assert(st.Set(0, "shared", proto.Metadata{"k": "path0"}), IsNil)
	c.Assert(st.Set(1, "shared", proto.Metadata{"k": "path1"}), IsNil)

	got0, err := st.Get(0, "shared")
	c.Assert(err, IsNil)
	c.Assert(got0["k"], Equals, "path0")

	got1, err := st.Get(1, "shared")
	c.Assert(err, IsNil)
	c.Assert(got1["k"], Equals, "path1")
}

func (s *testMetastoreSuite) TestUnknownPathIndexErrors(c *C) {
	st, cleanup := s.openTemp(c)
	defer cleanup()

	err := st.Set(99, "f1", proto.Metadata{"a": "1"})
	c.Assert(err, NotNil)
}
