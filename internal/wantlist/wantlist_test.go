package wantlist

import (
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

func testCid(t *testing.T, data string) cid.Cid {
	t.Helper()
	return blocks.NewBlock([]byte(data)).Cid()
}

func TestAddIsIdempotentPerRef(t *testing.T) {
	wl := New()
	c := testCid(t, "a")

	if !wl.Add(c, 1, WantBlock) {
		t.Fatal("first Add should report a state change")
	}
	if wl.Add(c, 1, WantBlock) {
		t.Fatal("second Add for the same cid should not report a state change")
	}

	e, ok := wl.Contains(c)
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if e.RefCnt != 2 {
		t.Fatalf("expected refcount 2, got %d", e.RefCnt)
	}
}

func TestAddRaisesPriority(t *testing.T) {
	wl := New()
	c := testCid(t, "a")
	wl.Add(c, 1, WantBlock)
	wl.Add(c, 5, WantBlock)

	e, _ := wl.Contains(c)
	if e.Priority != 5 {
		t.Fatalf("expected priority to climb to 5, got %d", e.Priority)
	}
}

func TestRemoveOnlyDropsAtZeroRefcount(t *testing.T) {
	wl := New()
	c := testCid(t, "a")
	wl.Add(c, 1, WantBlock)
	wl.Add(c, 1, WantBlock)

	if wl.Remove(c) {
		t.Fatal("removing one of two refs should not report full removal")
	}
	if _, ok := wl.Contains(c); !ok {
		t.Fatal("entry should still be present with one ref remaining")
	}
	if !wl.Remove(c) {
		t.Fatal("removing the last ref should report full removal")
	}
	if _, ok := wl.Contains(c); ok {
		t.Fatal("entry should be gone once refcount hits zero")
	}
}

func TestRemoveForceIgnoresRefcount(t *testing.T) {
	wl := New()
	c := testCid(t, "a")
	wl.Add(c, 1, WantBlock)
	wl.Add(c, 1, WantBlock)

	if !wl.RemoveForce(c) {
		t.Fatal("expected RemoveForce to report the entry existed")
	}
	if _, ok := wl.Contains(c); ok {
		t.Fatal("entry should be fully gone after RemoveForce")
	}
}

func TestLenAndEntries(t *testing.T) {
	wl := New()
	wl.Add(testCid(t, "a"), 1, WantBlock)
	wl.Add(testCid(t, "b"), 1, WantHave)

	if wl.Len() != 2 {
		t.Fatalf("expected len 2, got %d", wl.Len())
	}
	if len(wl.Entries()) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(wl.Entries()))
	}
}
