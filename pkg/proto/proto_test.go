package proto

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/gofuzz"
	. "github.com/pingcap/check"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&testProtoSuite{})

type testProtoSuite struct{}

// TestHeaderRoundTrip checks decode(encode(h)) == h for any header with
// len <= 2^63-1.
func (s *testProtoSuite) TestHeaderRoundTrip(c *C) {
	f := fuzz.New().NilChance(0)
	for i := 0; i < 1000; i++ {
		var h Header
		f.Fuzz(&h)
		h.Len &= 1<<63 - 1

		got, err := DecodeHeader(EncodeHeader(h))
		c.Assert(err, IsNil)
		c.Assert(got, Equals, h)
	}
}

func (s *testProtoSuite) TestDecodeHeaderBadLength(c *C) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	c.Assert(err, NotNil)
}

// TestFileIDRoundTrip checks split(join(group, remote)) == (group,
// remote) for any non-empty group <=16B and non-empty remote.
func (s *testProtoSuite) TestFileIDRoundTrip(c *C) {
	cases := []struct{ group, remote string }{
		{"group1", "M00/00/00/abc.txt"},
		{"g", "x"},
		{"group1234567890a", "a/b/c.ext"},
	}
	for _, tc := range cases {
		id := JoinFileID(tc.group, tc.remote)
		g, r, err := SplitFileID(id)
		c.Assert(err, IsNil)
		c.Assert(g, Equals, tc.group)
		c.Assert(r, Equals, tc.remote)
	}
}

func (s *testProtoSuite) TestSplitFileIDMalformed(c *C) {
	_, _, err := SplitFileID("no-slash-here")
	c.Assert(err, NotNil)
}

// TestMetadataRoundTrip checks decode(encode(M)) == M after truncating
// each key to 64B and value to 256B.
func (s *testProtoSuite) TestMetadataRoundTrip(c *C) {
	m := Metadata{
		"author": "Jane",
		"year":   "2025",
	}
	got, err := DecodeMetadata(EncodeMetadata(m))
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, m)
}

func (s *testProtoSuite) TestMetadataTruncation(c *C) {
	longKey := string(bytes.Repeat([]byte("k"), 100))
	longVal := string(bytes.Repeat([]byte("v"), 300))
	m := Metadata{longKey: longVal}
	got, err := DecodeMetadata(EncodeMetadata(m))
	c.Assert(err, IsNil)
	for k, v := range got {
		c.Assert(len(k) <= MetaNameLen, Equals, true)
		c.Assert(len(v) <= MetaValueLen, Equals, true)
	}
}

func (s *testProtoSuite) TestMetadataMergeAndOverwrite(c *C) {
	base := Metadata{"author": "John", "year": "2025"}
	overlay := Metadata{"author": "Jane"}

	merged := MergeMetadata(base, overlay)
	c.Assert(merged, DeepEquals, Metadata{"author": "Jane", "year": "2025"})

	// 'O' flag is a full overwrite: caller passes empty base.
	overwritten := MergeMetadata(Metadata{}, overlay)
	c.Assert(overwritten, DeepEquals, Metadata{"author": "Jane"})
}

func (s *testProtoSuite) TestFixedFieldPadding(c *C) {
	buf := make([]byte, GroupNameLen)
	PutFixed(buf, "group1", GroupNameLen)
	c.Assert(GetFixed(buf), Equals, "group1")
	c.Assert(buf[len("group1")], Equals, byte(0))
}

// TestFrameBoundaryTruncated checks that a decoder fed a header
// declaring N bytes followed by fewer than N bytes surfaces an error,
// never a partial success.
func (s *testProtoSuite) TestFrameBoundaryTruncated(c *C) {
	var buf bytes.Buffer
	buf.Write(EncodeHeader(Header{Len: 10, Cmd: CmdUploadFile}))
	buf.WriteString("short")

	fr := NewFrameReader(&buf, 0)
	_, err := fr.ReadFrame()
	c.Assert(err, NotNil)
}

// TestFrameBoundaryZeroLen checks that len=0 with a valid status does
// not attempt to read a body.
func (s *testProtoSuite) TestFrameBoundaryZeroLen(c *C) {
	var buf bytes.Buffer
	buf.Write(EncodeHeader(Header{Len: 0, Cmd: RespCmd, Status: StatusOK}))

	fr := NewFrameReader(&buf, 0)
	frame, err := fr.ReadFrame()
	c.Assert(err, IsNil)
	c.Assert(frame.Body, HasLen, 0)
}

func (s *testProtoSuite) TestFrameBodyOverCap(c *C) {
	var buf bytes.Buffer
	buf.Write(EncodeHeader(Header{Len: 100, Cmd: CmdUploadFile}))
	buf.Write(bytes.Repeat([]byte{'x'}, 100))

	fr := NewFrameReader(&buf, 10)
	_, err := fr.ReadFrame()
	c.Assert(err, NotNil)
}

func (s *testProtoSuite) TestWriteThenReadFrame(c *C) {
	var buf bytes.Buffer
	body := []byte("hello")
	c.Assert(WriteFrame(&buf, CmdUploadFile, StatusOK, body), IsNil)

	fr := NewFrameReader(&buf, 0)
	frame, err := fr.ReadFrame()
	c.Assert(err, IsNil)
	c.Assert(frame.Header.Cmd, Equals, CmdUploadFile)
	c.Assert(frame.Body, DeepEquals, body)
}

func (s *testProtoSuite) TestReadFrameEOF(c *C) {
	fr := NewFrameReader(bytes.NewReader(nil), 0)
	_, err := fr.ReadFrame()
	c.Assert(err, NotNil)
	c.Assert(err, Not(Equals), io.EOF) // wrapped by errors.Trace
}
