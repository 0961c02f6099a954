package binlog

import (
	"context"
	"io/ioutil"
	"os"
	"testing"
	"time"

	. "github.com/pingcap/check"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&testBinlogSuite{})

type testBinlogSuite struct{}

func (s *testBinlogSuite) TestRecordRoundTrip(c *C) {
	rec := Record{Timestamp: 1700000000, Op: OpCreate, SourceID: "192.168.1.10", Filename: "M00/00/00/abc.txt"}
	line := string(rec.Marshal())
	c.Assert(line[len(line)-1], Equals, byte('\n'))

	got, err := ParseRecord(line[:len(line)-1])
	c.Assert(err, IsNil)
	c.Assert(got, Equals, rec)
}

func (s *testBinlogSuite) TestRecordRoundTripWithExtra(c *C) {
	rec := Record{Timestamp: 1700000001, Op: OpAppend, SourceID: "192.168.1.10", Filename: "M00/00/00/abc.txt", Extra: "0 100"}
	got, err := ParseRecord(string(rec.Marshal()[:len(rec.Marshal())-1]))
	c.Assert(err, IsNil)
	c.Assert(got, Equals, rec)
}

func (s *testBinlogSuite) TestParseRecordMalformed(c *C) {
	_, err := ParseRecord("not enough fields")
	c.Assert(err, NotNil)
}

func (s *testBinlogSuite) TestAppendAndWalk(c *C) {
	dir, err := ioutil.TempDir(os.TempDir(), "binlogtest")
	c.Assert(err, IsNil)
	defer os.RemoveAll(dir)

	bl, err := OpenOrCreate(dir)
	c.Assert(err, IsNil)
	defer bl.Close()

	recs := []Record{
		{Timestamp: 1, Op: OpCreate, SourceID: "A", Filename: "f1"},
		{Timestamp: 2, Op: OpCreate, SourceID: "A", Filename: "f2"},
		{Timestamp: 3, Op: OpDelete, SourceID: "A", Filename: "f1"},
	}
	for _, r := range recs {
		c.Assert(bl.Append(r), IsNil)
	}

	var got []Record
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = bl.Walk(ctx, Pos{}, func(r Record, _ Pos) error {
		got = append(got, r)
		return nil
	})
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, recs)
}

func (s *testBinlogSuite) TestWalkResumesFromPos(c *C) {
	dir, err := ioutil.TempDir(os.TempDir(), "binlogtest")
	c.Assert(err, IsNil)
	defer os.RemoveAll(dir)

	bl, err := OpenOrCreate(dir)
	c.Assert(err, IsNil)
	defer bl.Close()

	r1 := Record{Timestamp: 1, Op: OpCreate, SourceID: "A", Filename: "f1"}
	r2 := Record{Timestamp: 2, Op: OpCreate, SourceID: "A", Filename: "f2"}
	c.Assert(bl.Append(r1), IsNil)

	var afterFirst Pos
	ctx := context.Background()
	afterFirst, err = bl.Walk(ctx, Pos{}, func(r Record, p Pos) error {
		afterFirst = p
		return nil
	})
	c.Assert(err, IsNil)

	c.Assert(bl.Append(r2), IsNil)

	var got []Record
	_, err = bl.Walk(ctx, afterFirst, func(r Record, _ Pos) error {
		got = append(got, r)
		return nil
	})
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, []Record{r2})
}

func (s *testBinlogSuite) TestOpenOrCreateIsIdempotent(c *C) {
	dir, err := ioutil.TempDir(os.TempDir(), "binlogtest")
	c.Assert(err, IsNil)
	defer os.RemoveAll(dir)

	bl, err := OpenOrCreate(dir)
	c.Assert(err, IsNil)
	c.Assert(bl.Append(Record{Timestamp: 1, Op: OpCreate, SourceID: "A", Filename: "f1"}), IsNil)
	bl.Close()

	bl2, err := OpenOrCreate(dir)
	c.Assert(err, IsNil)
	defer bl2.Close()
	c.Assert(bl2.Tail().Offset > 0, Equals, true)
}
