// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package acknowledger_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/juju/replayrpc/core/requestid"
	"github.com/juju/replayrpc/worker/acknowledger"
)

const delay = time.Second

type coalescerSuite struct {
	testing.IsolationSuite

	clock     *testclock.Clock
	coalescer *acknowledger.Coalescer
	generator *requestid.Generator
}

var _ = gc.Suite(&coalescerSuite{})

func (s *coalescerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s.generator = requestid.NewGenerator("instance/origin", s.clock)

	var err error
	s.coalescer, err = acknowledger.NewCoalescer(acknowledger.Config{
		Clock:  s.clock,
		Logger: loggo.GetLogger("test"),
		Delay:  delay,
		MaxAge: 10 * delay,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		c.Check(s.coalescer.Stop(), jc.ErrorIsNil)
	})
}

func (s *coalescerSuite) finishedID() requestid.ID {
	id := s.generator.Next()
	id.MarkFinished(s.clock.Now())
	return id
}

func signal(done chan<- struct{}, err error) func(context.Context, []requestid.ID) error {
	return func(context.Context, []requestid.ID) error {
		done <- struct{}{}
		return err
	}
}

func (s *coalescerSuite) waitCall(c *gc.C, done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for acknowledgment")
	}
}

func (s *coalescerSuite) TestValidate(c *gc.C) {
	_, err := acknowledger.NewCoalescer(acknowledger.Config{})
	c.Check(err, gc.ErrorMatches, "nil Clock not valid")
	_, err = acknowledger.NewCoalescer(acknowledger.Config{Clock: s.clock})
	c.Check(err, gc.ErrorMatches, "nil Logger not valid")
}

func (s *coalescerSuite) TestKey(c *gc.C) {
	c.Check(acknowledger.NewKey("a", "x=1", "y=2"), gc.Equals, acknowledger.NewKey("a", "y=2", "x=1"))
	c.Check(acknowledger.NewKey("a", "x=1"), gc.Not(gc.Equals), acknowledger.NewKey("a", "x=2"))
	c.Check(acknowledger.NewKey("a"), gc.Not(gc.Equals), acknowledger.NewKey("b"))
	c.Check(acknowledger.NewKey("a", "x=1").Endpoint(), gc.Equals, "a")
	c.Check(acknowledger.NewKey("a", "y", "x").String(), gc.Equals, "a[x;y]")
}

func (s *coalescerSuite) TestStartsLazily(c *gc.C) {
	// No worker, so no timer.
	err := s.clock.WaitAdvance(delay, testing.ShortWait, 1)
	c.Assert(err, gc.NotNil)
}

func (s *coalescerSuite) TestBatchesPerDestination(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	a, b := NewMockSender(ctrl), NewMockSender(ctrl)
	keyA, keyB := acknowledger.NewKey("server-a"), acknowledger.NewKey("server-b")
	a1, a2, b1 := s.finishedID(), s.finishedID(), s.finishedID()

	done := make(chan struct{}, 2)
	a.EXPECT().SendAcknowledgment(gomock.Any(), []requestid.ID{a1, a2}).DoAndReturn(signal(done, nil))
	b.EXPECT().SendAcknowledgment(gomock.Any(), []requestid.ID{b1}).DoAndReturn(signal(done, nil))

	s.coalescer.Enqueue(keyA, a, a1)
	s.coalescer.Enqueue(keyB, b, b1)
	s.coalescer.Enqueue(keyA, a, a2)
	c.Check(s.coalescer.Pending(), gc.Equals, 3)

	err := s.clock.WaitAdvance(delay, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.waitCall(c, done)
	s.waitCall(c, done)
	c.Check(s.coalescer.Pending(), gc.Equals, 0)
}

func (s *coalescerSuite) TestFailedBatchIsRequeued(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	sender := NewMockSender(ctrl)
	key := acknowledger.NewKey("server")
	id := s.finishedID()

	done := make(chan struct{}, 2)
	gomock.InOrder(
		sender.EXPECT().SendAcknowledgment(gomock.Any(), []requestid.ID{id}).DoAndReturn(signal(done, errors.New("connection refused"))),
		sender.EXPECT().SendAcknowledgment(gomock.Any(), []requestid.ID{id}).DoAndReturn(signal(done, nil)),
	)

	s.coalescer.Enqueue(key, sender, id)
	err := s.clock.WaitAdvance(delay, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.waitCall(c, done)

	// The retry waits for the next window.
	err = s.clock.WaitAdvance(delay, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.waitCall(c, done)
}

func (s *coalescerSuite) TestExpiredIdentitiesAreDropped(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	sender := NewMockSender(ctrl)
	key := acknowledger.NewKey("server")
	id := s.finishedID()
	s.clock.Advance(20 * delay)

	done := make(chan struct{}, 1)
	sender.EXPECT().SendAcknowledgment(gomock.Any(), []requestid.ID{id}).DoAndReturn(signal(done, errors.New("connection refused")))

	s.coalescer.Enqueue(key, sender, id)
	err := s.clock.WaitAdvance(delay, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.waitCall(c, done)

	// Nothing was requeued, so no new window opens.
	err = s.clock.WaitAdvance(delay, testing.ShortWait, 1)
	c.Assert(err, gc.NotNil)
	c.Check(s.coalescer.Pending(), gc.Equals, 0)
}

func (s *coalescerSuite) TestStopDropsPending(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	sender := NewMockSender(ctrl)
	s.coalescer.Enqueue(acknowledger.NewKey("server"), sender, s.finishedID())
	c.Assert(s.coalescer.Pending(), gc.Equals, 1)

	c.Assert(s.coalescer.Stop(), jc.ErrorIsNil)
	c.Check(s.coalescer.Pending(), gc.Equals, 0)

	// A new burst starts a new worker.
	done := make(chan struct{}, 1)
	id := s.finishedID()
	sender.EXPECT().SendAcknowledgment(gomock.Any(), []requestid.ID{id}).DoAndReturn(signal(done, nil))
	s.coalescer.Enqueue(acknowledger.NewKey("server"), sender, id)
	err := s.clock.WaitAdvance(delay, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.waitCall(c, done)
}
