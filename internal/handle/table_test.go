package handle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type record struct{ name string }

func TestRefReleaseRunsOnLastOnce(t *testing.T) {
	calls := 0
	r := NewRef(&record{"a"}, func(*record) { calls++ })
	r.Acquire()

	assert.False(t, r.Release())
	assert.Equal(t, 0, calls)
	assert.True(t, r.Release())
	assert.Equal(t, 1, calls)
}

func TestRefCount(t *testing.T) {
	r := NewRef(1, nil)
	assert.EqualValues(t, 1, r.Count())
	r.Acquire().Acquire()
	assert.EqualValues(t, 3, r.Count())
	r.Release()
	assert.EqualValues(t, 2, r.Count())
}

func TestTableAddFindRemove(t *testing.T) {
	tbl := NewTable[*record]()
	r := NewRef(&record{"a"}, nil)

	id := tbl.Add(r)
	require.NotZero(t, id)
	assert.EqualValues(t, 2, r.Count(), "table should hold its own reference")
	assert.Equal(t, 1, tbl.Len())

	found, ok := tbl.Find(id)
	require.True(t, ok)
	assert.Same(t, r, found)
	assert.EqualValues(t, 3, r.Count())
	found.Release()

	removed, ok := tbl.Remove(id)
	require.True(t, ok)
	assert.Same(t, r, removed)
	assert.EqualValues(t, 2, r.Count(), "remove transfers the table's reference")

	_, ok = tbl.Find(id)
	assert.False(t, ok)
	_, ok = tbl.Remove(id)
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())
}

func TestTableFindMissDoesNotInsert(t *testing.T) {
	tbl := NewTable[int]()
	_, ok := tbl.Find(42)
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())
}

func TestTableIDsAreUnique(t *testing.T) {
	tbl := NewTable[int]()
	seen := map[int]bool{}
	for i := 0; i < 100; i++ {
		id := tbl.Add(NewRef(i, nil))
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Equal(t, 100, tbl.Len())
}

func TestTableRemoveAllDrainsWithoutReleasing(t *testing.T) {
	tbl := NewTable[int]()
	released := 0
	var refs []*Ref[int]
	for i := 0; i < 5; i++ {
		r := NewRef(i, func(int) { released++ })
		tbl.Add(r)
		r.Release() // drop the creator reference; the table keeps the entry alive
		refs = append(refs, r)
	}

	drained := tbl.RemoveAll()
	assert.Len(t, drained, 5)
	assert.Equal(t, 0, tbl.Len())
	assert.Equal(t, 0, released, "draining must not run deleters")

	for _, r := range drained {
		r.Release()
	}
	assert.Equal(t, 5, released)
}

func TestTableSnapshotIsACopy(t *testing.T) {
	tbl := NewTable[int]()
	a := tbl.Add(NewRef(1, nil))
	b := tbl.Add(NewRef(2, nil))

	snap := tbl.Snapshot()
	tbl.Remove(a)
	assert.Equal(t, []int{a, b}, snap)
	assert.Equal(t, []int{b}, tbl.Snapshot())
}

func TestTableConcurrentFindRemove(t *testing.T) {
	tbl := NewTable[int]()
	var mu sync.Mutex
	deleted := 0

	const n = 200
	ids := make([]int, n)
	for i := range ids {
		r := NewRef(i, func(int) {
			mu.Lock()
			deleted++
			mu.Unlock()
		})
		ids[i] = tbl.Add(r)
		r.Release()
	}

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			for j := 0; j < 10; j++ {
				if r, ok := tbl.Find(id); ok {
					_ = r.Value()
					r.Release()
				}
			}
			return nil
		})
		g.Go(func() error {
			if r, ok := tbl.Remove(id); ok {
				r.Release()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 0, tbl.Len())
	assert.Equal(t, n, deleted)
}
