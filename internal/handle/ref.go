// Package handle provides reference-counted records and the concurrent
// table that maps integer ids to them.
package handle

import (
	"sync"

	"code.hybscloud.com/atomix"
)

// Ref is a strong, reference-counted pointer to a value. The function
// passed to NewRef runs exactly once, on the goroutine that drops the last
// reference.
type Ref[T any] struct {
	refs   atomix.Uint32
	value  T
	onLast func(T)
	once   sync.Once
}

// NewRef returns a Ref holding the creator's reference.
func NewRef[T any](v T, onLast func(T)) *Ref[T] {
	r := &Ref[T]{value: v, onLast: onLast}
	r.refs.Add(1)
	return r
}

// Value returns the referenced value. Valid while the caller holds a
// reference.
func (r *Ref[T]) Value() T {
	return r.value
}

// Acquire adds a reference. The caller must already hold one, directly or
// through the table.
func (r *Ref[T]) Acquire() *Ref[T] {
	r.refs.Add(1)
	return r
}

// Release drops a reference and reports whether it was the last one.
func (r *Ref[T]) Release() bool {
	if r.refs.Add(^uint32(0)) != 0 {
		return false
	}
	r.once.Do(func() {
		if r.onLast != nil {
			r.onLast(r.value)
		}
	})
	return true
}

// Count returns the current number of references.
func (r *Ref[T]) Count() uint32 {
	return r.refs.Load()
}
