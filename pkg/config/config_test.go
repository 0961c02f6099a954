package config

import (
	"testing"

	. "github.com/pingcap/check"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&testConfigSuite{})

type testConfigSuite struct{}

func (s *testConfigSuite) TestTrackerConfigDefaults(c *C) {
	cfg := NewTrackerConfig()
	err := cfg.Parse([]string{"-port", "22122"})
	c.Assert(err, IsNil)
	c.Assert(cfg.Port, Equals, 22122)
	c.Assert(cfg.StoreLookup, Equals, StoreLookupRoundRobin)
	c.Assert(cfg.StoreServer, Equals, StoreServerRoundRobin)
	c.Assert(cfg.StorePath, Equals, StorePathRoundRobin)
}

func (s *testConfigSuite) TestTrackerConfigRejectsBadPolicy(c *C) {
	cfg := NewTrackerConfig()
	err := cfg.Parse([]string{"-port", "22122", "-store_lookup", "bogus"})
	c.Assert(err, NotNil)
}

func (s *testConfigSuite) TestTrackerConfigRequiresPort(c *C) {
	cfg := NewTrackerConfig()
	err := cfg.Parse([]string{})
	c.Assert(err, NotNil)
}

func (s *testConfigSuite) TestStorageConfigDefaultsGroupRequired(c *C) {
	cfg := NewStorageConfig()
	err := cfg.Parse([]string{"-port", "23000"})
	c.Assert(err, NotNil)
}

func (s *testConfigSuite) TestStorageConfigDerivesPorts(c *C) {
	cfg := NewStorageConfig()
	err := cfg.Parse([]string{"-port", "23000", "-group_name", "group1"})
	c.Assert(err, IsNil)
	c.Assert(cfg.StoragePort, Equals, 23000)
	c.Assert(cfg.StorageHTTPPort, Equals, 23001)
	c.Assert(cfg.StorePaths, DeepEquals, []string{cfg.DataDir})
}

func (s *testConfigSuite) TestRepeatableTrackerServerFlag(c *C) {
	cfg := NewTrackerConfig()
	err := cfg.Parse([]string{"-port", "22122", "-tracker_server", "10.0.0.1:22122", "-tracker_server", "10.0.0.2:22122"})
	c.Assert(err, IsNil)
	c.Assert(cfg.TrackerServers, DeepEquals, []string{"10.0.0.1:22122", "10.0.0.2:22122"})
}
