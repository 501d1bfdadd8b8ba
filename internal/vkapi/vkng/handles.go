package vkng

import (
	"sync/atomic"

	"github.com/vkngwrapper/rendercore/internal/vkapi"
)

var handleCounter atomic.Uint64

func nextHandle() vkapi.Handle {
	return vkapi.Handle(handleCounter.Add(1))
}

// table maps renderer handles to binding objects. Tables are owned by one
// instance or device and are only touched from the rendering thread.
type table[T any] struct {
	items map[vkapi.Handle]T
}

func newTable[T any]() table[T] {
	return table[T]{items: make(map[vkapi.Handle]T)}
}

func (t *table[T]) add(v T) vkapi.Handle {
	h := nextHandle()
	t.items[h] = v
	return h
}

func (t *table[T]) get(h vkapi.Handle) T {
	return t.items[h]
}

func (t *table[T]) take(h vkapi.Handle) (T, bool) {
	v, ok := t.items[h]
	if ok {
		delete(t.items, h)
	}
	return v, ok
}
