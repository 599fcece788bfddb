package config_test

import (
	"testing"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/ctrigger/ctrigger/core/config"
)

func Test(t *testing.T) { gc.TestingT(t) }

type ConfigSuite struct{}

var _ = gc.Suite(&ConfigSuite{})

func valid() config.Config {
	return config.Config{
		BatchSize:            100,
		PollingInterval:      time.Second,
		LeaseInterval:        time.Minute,
		MaxLeaseRenewalCount: 5,
		MaxDequeueCount:      3,
		CleanupInterval:      time.Hour,
		LeaseUnits:           config.UnitSecond,
		CleanupUnits:         config.UnitMinute,
	}
}

func (s *ConfigSuite) TestValidateOK(c *gc.C) {
	c.Assert(valid().Validate(), jc.ErrorIsNil)
}

func (s *ConfigSuite) TestValidateFields(c *gc.C) {
	tests := []func(*config.Config){
		func(cfg *config.Config) { cfg.BatchSize = 0 },
		func(cfg *config.Config) { cfg.PollingInterval = 0 },
		func(cfg *config.Config) { cfg.LeaseInterval = -time.Second },
		func(cfg *config.Config) { cfg.MaxLeaseRenewalCount = 0 },
		func(cfg *config.Config) { cfg.MaxDequeueCount = 0 },
		func(cfg *config.Config) { cfg.CleanupInterval = 0 },
		func(cfg *config.Config) { cfg.LeaseUnits = "fortnight" },
		func(cfg *config.Config) { cfg.CleanupUnits = "" },
	}
	for i, mutate := range tests {
		cfg := valid()
		mutate(&cfg)
		c.Check(cfg.Validate(), gc.NotNil, gc.Commentf("case %d", i))
	}
}

func (s *ConfigSuite) TestRenewalInterval(c *gc.C) {
	cfg := valid()
	cfg.LeaseInterval = 10 * time.Second
	c.Assert(cfg.RenewalInterval(), gc.Equals, 5*time.Second)
}
