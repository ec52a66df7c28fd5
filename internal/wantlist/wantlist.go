// Package wantlist tracks the set of CIDs a peer (or this node) currently
// wants, with advisory priority and want-type (§3 "Wantlist Entry").
package wantlist

import (
	"sync"

	"github.com/ipfs/go-cid"
)

// WantType distinguishes a full-block request from a cheap presence probe.
type WantType int

const (
	WantBlock WantType = iota
	WantHave
)

// Entry is a single wantlist record. RefCnt lets multiple sessions share
// one outstanding want for the same CID without the underlying network
// request being cancelled until every interested session has dropped it.
type Entry struct {
	Cid          cid.Cid
	Priority     int32
	WantType     WantType
	SendDontHave bool
	RefCnt       int
}

// Wantlist is a thread-safe set of Entry keyed by CID.
type Wantlist struct {
	mu      sync.RWMutex
	entries map[cid.Cid]Entry
}

func New() *Wantlist {
	return &Wantlist{entries: make(map[cid.Cid]Entry)}
}

// Add inserts or updates an entry. Returns true if this call changed the
// wantlist's observable state: a new CID, or an existing want-have
// upgraded to a want-block. A repeated Add of the same want type only
// raises the refcount (and priority) and returns false.
func (w *Wantlist) Add(c cid.Cid, priority int32, wantType WantType) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[c]
	if ok {
		e.RefCnt++
		if priority > e.Priority {
			e.Priority = priority
		}
		upgraded := e.WantType == WantHave && wantType == WantBlock
		if upgraded {
			e.WantType = WantBlock
		}
		w.entries[c] = e
		return upgraded
	}
	w.entries[c] = Entry{Cid: c, Priority: priority, WantType: wantType, RefCnt: 1}
	return true
}

// Remove decrements the refcount for c, deleting the entry once it drops
// to zero. Returns true if the entry was fully removed.
func (w *Wantlist) Remove(c cid.Cid) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[c]
	if !ok {
		return false
	}
	e.RefCnt--
	if e.RefCnt > 0 {
		w.entries[c] = e
		return false
	}
	delete(w.entries, c)
	return true
}

// RemoveForce deletes the entry regardless of refcount, e.g. on cancel.
func (w *Wantlist) RemoveForce(c cid.Cid) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[c]
	delete(w.entries, c)
	return ok
}

func (w *Wantlist) Contains(c cid.Cid) (Entry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entries[c]
	return e, ok
}

func (w *Wantlist) Entries() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Entry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e)
	}
	return out
}

func (w *Wantlist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}
