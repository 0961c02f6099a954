package metrics

import (
	"testing"
	"time"

	. "github.com/pingcap/check"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&testMetricsSuite{})

type testMetricsSuite struct{}

func (s *testMetricsSuite) TestPeerLatencyQuantiles(c *C) {
	pl := NewPeerLatency()
	for i := 1; i <= 100; i++ {
		pl.Observe(time.Duration(i) * time.Millisecond)
	}
	p50, p95, p99 := pl.Snapshot()
	c.Assert(p50 > 0, Equals, true)
	c.Assert(p95 >= p50, Equals, true)
	c.Assert(p99 >= p95, Equals, true)
}

func (s *testMetricsSuite) TestPeerLatencyResetClears(c *C) {
	pl := NewPeerLatency()
	pl.Observe(5 * time.Second)
	pl.Reset()
	p50, _, _ := pl.Snapshot()
	c.Assert(p50, Equals, int64(0))
}
