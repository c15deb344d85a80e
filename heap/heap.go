// Package heap implements the M-VM's allocation list and mark-and-sweep
// garbage collector: ALLOC/NEWARR append nodes, FREE unlinks one, and GC
// sweeps whatever the roots (value stack, locals, saved frames, globals)
// can no longer reach.
//
// Raw ALLOC blocks are carved out of a single reserved memory-mapped
// arena rather than individual Go allocations — the home this module
// gives edsrzf/mmap-go, a dependency the teacher (go-interpreter/wagon)
// declares but never imports. Reserving the arena as a real OS mapping
// gives Destroy a genuine unmap-on-release story instead of relying on
// the host GC to eventually notice a byte slice is garbage (FREE only
// unlinks a node; the arena is unmapped as a whole by Destroy),
// consistent with bounds-checked-access style in exec/memory.go.
package heap

import (
	"errors"

	"github.com/MYJ-GOD/M-Language-Core/fault"
	"github.com/MYJ-GOD/M-Language-Core/value"
	"github.com/edsrzf/mmap-go"
)

// DefaultArenaSize is the reserved size of the raw-allocation arena.
const DefaultArenaSize = 4 << 20 // 4 MiB

// MaxAllocSize is the largest single ALLOC/NEWARR request the heap will
// honor, per the data model's "size ... must be positive and ≤ 1_000_000".
const MaxAllocSize = 1_000_000

type kind uint8

const (
	kindRaw kind = iota
	kindArray
)

type node struct {
	id       int
	kind     kind
	rawOff   int
	rawLen   int
	arr      *value.ArrayRef
	next     *node
	marked   bool
}

// Heap owns the allocation-list and its backing arena for one VM
// instance. It is not safe for concurrent use, matching the VM's
// single-threaded execution model.
type Heap struct {
	arena    mmap.MMap
	used     int
	head     *node
	byID     map[int]*node
	nextID   int
	autoGC   bool
	gcThresh int
	sinceGC  int
}

// ErrArenaExhausted is returned when the raw-allocation arena has no
// remaining space for a requested ALLOC.
var ErrArenaExhausted = errors.New("heap: raw allocation arena exhausted")

// New reserves a fresh arena and returns an empty heap.
func New(arenaSize int) (*Heap, error) {
	if arenaSize <= 0 {
		arenaSize = DefaultArenaSize
	}
	m, err := mmap.MapRegion(nil, arenaSize, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, err
	}
	return &Heap{arena: m, byID: make(map[int]*node), gcThresh: 100}, nil
}

// SetAutoGC enables or disables the allocation-counter-triggered
// automatic collection policy; threshold is the count at which it fires.
func (h *Heap) SetAutoGC(enabled bool, threshold int) {
	h.autoGC = enabled
	if threshold > 0 {
		h.gcThresh = threshold
	}
}

// link appends n to the allocation list and assigns it an id.
func (h *Heap) link(n *node) {
	n.id = h.nextID
	h.nextID++
	n.next = h.head
	h.head = n
	h.byID[n.id] = n
}

// Alloc carves size bytes out of the arena and returns the id of the new
// allocation-list node, to be wrapped in a Ref value by the caller.
func (h *Heap) Alloc(size int64) (int, error) {
	if size <= 0 || size > MaxAllocSize {
		return 0, fault.BadArg
	}
	if h.used+int(size) > len(h.arena) {
		return 0, ErrArenaExhausted
	}
	n := &node{kind: kindRaw, rawOff: h.used, rawLen: int(size)}
	h.used += int(size)
	h.link(n)
	h.noteAlloc()
	return n.id, nil
}

// RawBytes returns the backing bytes for a raw allocation id, for host
// hooks or opcodes that read/write through a Ref (not otherwise exercised
// by the core opcode set, which treats Ref as opaque).
func (h *Heap) RawBytes(id int) ([]byte, bool) {
	n, ok := h.byID[id]
	if !ok || n.kind != kindRaw {
		return nil, false
	}
	return h.arena[n.rawOff : n.rawOff+n.rawLen], true
}

// NewArray allocates an array record of size Value slots, zero-initialized
// to Int(0), and returns it wrapped for a Value of tag Array.
func (h *Heap) NewArray(size int64) (*value.ArrayRef, error) {
	if size < 0 || size > MaxAllocSize {
		return nil, fault.BadArg
	}
	data := make([]value.Value, size)
	for i := range data {
		data[i] = value.IntV(0)
	}
	arr := &value.ArrayRef{Data: data}
	n := &node{kind: kindArray, arr: arr}
	h.link(n)
	arr.ID = n.id
	h.noteAlloc()
	return arr, nil
}

func (h *Heap) noteAlloc() {
	if !h.autoGC {
		return
	}
	h.sinceGC++
}

// ShouldAutoCollect reports whether the auto-GC allocation counter has
// reached its threshold; the VM checks this after every ALLOC/NEWARR.
func (h *Heap) ShouldAutoCollect() bool {
	return h.autoGC && h.sinceGC >= h.gcThresh
}

// Free unlinks the raw allocation id and releases its arena space for
// bookkeeping purposes (the arena itself remains bump-allocated: freed
// ranges are never reused, a documented simplification of a true
// freelist allocator). It faults TypeMismatch
// if id does not name a live raw allocation.
func (h *Heap) Free(id int) error {
	n, ok := h.byID[id]
	if !ok || n.kind != kindRaw {
		return fault.TypeMismatch
	}
	h.unlink(id)
	return nil
}

func (h *Heap) unlink(id int) {
	delete(h.byID, id)
	if h.head != nil && h.head.id == id {
		h.head = h.head.next
		return
	}
	for cur := h.head; cur != nil; cur = cur.next {
		if cur.next != nil && cur.next.id == id {
			cur.next = cur.next.next
			return
		}
	}
}

// Collect runs one mark-and-sweep cycle over roots (typically the value
// stack, current locals, every saved locals frame, and globals) and
// returns the number of allocation-list nodes it freed.
func (h *Heap) Collect(roots [][]value.Value) int {
	for _, n := range h.byID {
		n.marked = false
	}
	visited := make(map[int]bool)
	for _, slice := range roots {
		for _, v := range slice {
			h.markValue(v, visited)
		}
	}
	freed := 0
	var kept *node
	for cur := h.head; cur != nil; {
		next := cur.next
		if !cur.marked {
			delete(h.byID, cur.id)
			freed++
		} else {
			cur.next = kept
			kept = cur
		}
		cur = next
	}
	// kept is built in reverse of traversal order; that's fine, the
	// allocation list has no order requirement beyond membership.
	h.head = kept
	h.sinceGC = 0
	return freed
}

func (h *Heap) markValue(v value.Value, visited map[int]bool) {
	switch v.Tag {
	case value.Ref:
		if n, ok := h.byID[int(v.I)]; ok {
			n.marked = true
		}
	case value.Array:
		if v.Arr == nil || visited[v.Arr.ID] {
			return
		}
		visited[v.Arr.ID] = true
		if n, ok := h.byID[v.Arr.ID]; ok {
			n.marked = true
		}
		for _, elem := range v.Arr.Data {
			h.markValue(elem, visited)
		}
	}
}

// Len returns the number of live allocation-list nodes.
func (h *Heap) Len() int {
	return len(h.byID)
}

// Destroy frees every allocation and releases the backing arena. After
// Destroy, the Heap must not be used again.
func (h *Heap) Destroy() error {
	h.head = nil
	h.byID = make(map[int]*node)
	if h.arena == nil {
		return nil
	}
	err := h.arena.Unmap()
	h.arena = nil
	return err
}
