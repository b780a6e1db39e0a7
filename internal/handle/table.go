package handle

import (
	"sort"

	"code.hybscloud.com/atomix"
	"github.com/puzpuzpuz/xsync/v2"
)

// Table maps integer ids to shared references. It holds one reference to
// every entry; Remove hands that reference to the caller.
//
// Lookups never take a lock on the stored values, so a handle's own mutex
// is never acquired while a table bucket is locked.
type Table[T any] struct {
	m    *xsync.MapOf[int, *Ref[T]]
	next atomix.Uint32
}

func NewTable[T any]() *Table[T] {
	return &Table[T]{m: xsync.NewIntegerMapOf[int, *Ref[T]]()}
}

// Add stores r under a fresh non-zero id and returns the id. The table
// takes its own reference.
func (t *Table[T]) Add(r *Ref[T]) int {
	for {
		id := int(t.next.Add(1) & 0x7fffffff)
		if id == 0 {
			continue
		}
		inserted := false
		t.m.Compute(id, func(old *Ref[T], loaded bool) (*Ref[T], bool) {
			if loaded {
				return old, false
			}
			inserted = true
			return r.Acquire(), false
		})
		if inserted {
			return id
		}
	}
}

// Find returns a new strong reference to the entry for id. The caller
// must Release it.
func (t *Table[T]) Find(id int) (*Ref[T], bool) {
	var found *Ref[T]
	t.m.Compute(id, func(old *Ref[T], loaded bool) (*Ref[T], bool) {
		if !loaded {
			return nil, true
		}
		found = old.Acquire()
		return old, false
	})
	return found, found != nil
}

// Remove deletes id and returns the table's reference to its entry. Once
// Remove returns, Find no longer sees id; references obtained earlier stay
// valid until released.
func (t *Table[T]) Remove(id int) (*Ref[T], bool) {
	return t.m.LoadAndDelete(id)
}

// RemoveAll empties the table and returns the table's references. No
// release happens inside the table, so no deleter runs while it is being
// drained.
func (t *Table[T]) RemoveAll() []*Ref[T] {
	var drained []*Ref[T]
	for _, id := range t.Snapshot() {
		if r, ok := t.m.LoadAndDelete(id); ok {
			drained = append(drained, r)
		}
	}
	return drained
}

// Snapshot returns the ids present at the time of the call, in ascending
// order.
func (t *Table[T]) Snapshot() []int {
	ids := make([]int, 0, t.m.Size())
	t.m.Range(func(id int, _ *Ref[T]) bool {
		ids = append(ids, id)
		return true
	})
	sort.Ints(ids)
	return ids
}

// Len returns the number of entries.
func (t *Table[T]) Len() int {
	return t.m.Size()
}
