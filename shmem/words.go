package shmem

import (
	"sync/atomic"
	"unsafe"
)

// word returns the 64-bit header word at off. Offsets are 8-byte aligned and
// mappings are page aligned.
func word(b []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[off]))
}

func load(b []byte, off int) uint64 { return atomic.LoadUint64(word(b, off)) }

func store(b []byte, off int, v uint64) { atomic.StoreUint64(word(b, off), v) }

func add(b []byte, off int, v uint64) uint64 { return atomic.AddUint64(word(b, off), v) }
