package conn

import (
	"context"
	"net"
	"testing"
	"time"

	. "github.com/pingcap/check"

	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&testConnSuite{})

type testConnSuite struct{}

const testCmdEcho byte = 200

func (s *testConnSuite) startServer(c *C) (addr string, stop func()) {
	srv := NewServer("127.0.0.1:0", time.Second)
	srv.Handle(testCmdEcho, func(ctx context.Context, peer net.Addr, req proto.Frame) (byte, []byte, error) {
		return proto.StatusOK, req.Body, nil
	})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, IsNil)
	srv.Addr = lis.Addr().String()
	lis.Close()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve() }()
	time.Sleep(50 * time.Millisecond)

	return srv.Addr, func() { srv.Close() }
}

func (s *testConnSuite) TestPoolCallRoundTrip(c *C) {
	addr, stop := s.startServer(c)
	defer stop()

	pool := NewPool(time.Second, time.Second, time.Minute, 4)
	defer pool.Close()

	resp, conn, err := pool.Call(addr, testCmdEcho, []byte("hello"))
	c.Assert(err, IsNil)
	c.Assert(resp.Header.Status, Equals, proto.StatusOK)
	c.Assert(string(resp.Body), Equals, "hello")
	conn.Release()
}

func (s *testConnSuite) TestPoolReusesReleasedConn(c *C) {
	addr, stop := s.startServer(c)
	defer stop()

	pool := NewPool(time.Second, time.Second, time.Minute, 4)
	defer pool.Close()

	_, conn1, err := pool.Call(addr, testCmdEcho, []byte("a"))
	c.Assert(err, IsNil)
	underlying := conn1.Conn
	conn1.Release()

	_, conn2, err := pool.Call(addr, testCmdEcho, []byte("b"))
	c.Assert(err, IsNil)
	c.Assert(conn2.Conn, Equals, underlying)
	conn2.Release()
}

func (s *testConnSuite) TestUnknownCommandReturnsError(c *C) {
	addr, stop := s.startServer(c)
	defer stop()

	pool := NewPool(time.Second, time.Second, time.Minute, 4)
	defer pool.Close()

	resp, conn, err := pool.Call(addr, 255, nil)
	c.Assert(err, IsNil)
	c.Assert(resp.Header.Status, Not(Equals), proto.StatusOK)
	conn.Release()
}
