package chamt

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestGetFromList(t *testing.T) {
	c := qt.New(t)
	items := []item[string, int]{
		{key: "a", value: 1, hash: 1},
		{key: "b", value: 2, hash: 1},
	}
	val, ok := getFromList(items, "b")
	c.Assert(ok, qt.IsTrue)
	c.Assert(val, qt.Equals, 2)

	_, ok = getFromList(items, "c")
	c.Assert(ok, qt.IsFalse)
}

func TestUpdateIntoList(t *testing.T) {
	c := qt.New(t)
	var items []item[string, int]
	_, existed := updateIntoList(&items, item[string, int]{key: "a", value: 1, hash: 1})
	c.Assert(existed, qt.IsFalse)
	c.Assert(len(items), qt.Equals, 1)

	old, existed := updateIntoList(&items, item[string, int]{key: "b", value: 2, hash: 1})
	c.Assert(existed, qt.IsFalse)
	c.Assert(old, qt.Equals, 0)
	c.Assert(len(items), qt.Equals, 2)

	old, existed = updateIntoList(&items, item[string, int]{key: "a", value: 99, hash: 1})
	c.Assert(existed, qt.IsTrue)
	c.Assert(old, qt.Equals, 1)
	c.Assert(len(items), qt.Equals, 2)
	val, _ := getFromList(items, "a")
	c.Assert(val, qt.Equals, 99)
}

func TestRemoveFromList(t *testing.T) {
	c := qt.New(t)
	items := []item[string, int]{
		{key: "a", value: 1, hash: 1},
		{key: "b", value: 2, hash: 1},
		{key: "c", value: 3, hash: 1},
	}
	out, val, existed := removeFromList(items, "b")
	c.Assert(existed, qt.IsTrue)
	c.Assert(val, qt.Equals, 2)
	c.Assert(len(out), qt.Equals, 2)
	_, ok := getFromList(out, "b")
	c.Assert(ok, qt.IsFalse)

	// original slice is untouched
	c.Assert(len(items), qt.Equals, 3)

	_, _, existed = removeFromList(items, "nope")
	c.Assert(existed, qt.IsFalse)
}
