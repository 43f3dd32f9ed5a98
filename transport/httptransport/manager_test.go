// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package httptransport_test

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/replayrpc/transport/httptransport"
)

type managerSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&managerSuite{})

func (s *managerSuite) TestValidate(c *gc.C) {
	_, err := httptransport.NewConnectionManager(httptransport.ManagerConfig{})
	c.Check(err, gc.ErrorMatches, "nil Clock not valid")
	_, err = httptransport.NewConnectionManager(httptransport.ManagerConfig{
		Clock:    testclock.NewClock(time.Time{}),
		MaxConns: -1,
	})
	c.Check(err, gc.ErrorMatches, "negative MaxConns not valid")
}

func (s *managerSuite) TestReaperRuns(c *gc.C) {
	clk := testclock.NewClock(time.Now())
	m, err := httptransport.NewConnectionManager(httptransport.ManagerConfig{
		Clock:       clk,
		IdleTimeout: time.Minute,
	})
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, m)

	for i := 0; i < 3; i++ {
		c.Assert(clk.WaitAdvance(30*time.Second, testing.LongWait, 1), jc.ErrorIsNil)
	}
	workertest.CheckAlive(c, m)
}
