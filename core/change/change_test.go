package change_test

import (
	"context"
	"testing"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/ctrigger/ctrigger/core/change"
)

func Test(t *testing.T) { gc.TestingT(t) }

type ChangeSuite struct{}

var _ = gc.Suite(&ChangeSuite{})

func (s *ChangeSuite) TestMaxVersionEmpty(c *gc.C) {
	var b change.Batch
	_, ok := b.MaxVersion()
	c.Assert(ok, jc.IsFalse)
}

func (s *ChangeSuite) TestMaxVersion(c *gc.C) {
	b := change.Batch{{Version: 3}, {Version: 7}}
	v, ok := b.MaxVersion()
	c.Assert(ok, jc.IsTrue)
	c.Assert(v, gc.Equals, int64(7))
}

func (s *ChangeSuite) TestSecondHighestVersionEmpty(c *gc.C) {
	var b change.Batch
	_, ok := b.SecondHighestVersion()
	c.Assert(ok, jc.IsFalse)
}

func (s *ChangeSuite) TestSecondHighestVersionSingleRecord(c *gc.C) {
	b := change.Batch{{Version: 5}}
	v, ok := b.SecondHighestVersion()
	c.Assert(ok, jc.IsTrue)
	c.Assert(v, gc.Equals, int64(5))
}

func (s *ChangeSuite) TestSecondHighestVersionDistinctVersions(c *gc.C) {
	b := change.Batch{{Version: 3}, {Version: 5}, {Version: 9}}
	v, ok := b.SecondHighestVersion()
	c.Assert(ok, jc.IsTrue)
	c.Assert(v, gc.Equals, int64(5))
}

func (s *ChangeSuite) TestSecondHighestVersionAllSame(c *gc.C) {
	b := change.Batch{{Version: 4}, {Version: 4}, {Version: 4}}
	v, ok := b.SecondHighestVersion()
	c.Assert(ok, jc.IsTrue)
	c.Assert(v, gc.Equals, int64(4))
}

func (s *ChangeSuite) TestSecondHighestVersionTiedAtTop(c *gc.C) {
	b := change.Batch{{Version: 2}, {Version: 5}, {Version: 5}}
	v, ok := b.SecondHighestVersion()
	c.Assert(ok, jc.IsTrue)
	c.Assert(v, gc.Equals, int64(2))
}

func (s *ChangeSuite) TestTypeString(c *gc.C) {
	c.Assert(change.Inserted.String(), gc.Equals, "inserted")
	c.Assert(change.Updated.String(), gc.Equals, "updated")
	c.Assert(change.Deleted.String(), gc.Equals, "deleted")
}

func (s *ChangeSuite) TestHandlerFunc(c *gc.C) {
	var got change.Batch
	h := change.HandlerFunc(func(ctx context.Context, batch change.Batch) error {
		got = batch
		return nil
	})
	batch := change.Batch{{Version: 1}}
	c.Assert(h.Handle(context.Background(), batch), jc.ErrorIsNil)
	c.Assert(got, gc.DeepEquals, batch)
}
