// Package mapops tracks host-visible mappings of memory objects.
package mapops

import (
	"sync"

	"github.com/google/uuid"
)

// MapFlags are the access flags of a mapping
type MapFlags uint64

const (
	MapRead                  MapFlags = 1 << 0
	MapWrite                 MapFlags = 1 << 1
	MapWriteInvalidateRegion MapFlags = 1 << 2
)

// MapInfo describes one active mapping.
type MapInfo struct {
	Ptr      uintptr
	Length   uint64
	Size     [3]uint64
	Offset   [3]uint64
	MipLevel uint32
	ReadOnly bool
}

// End returns one past the last mapped host byte.
func (m MapInfo) End() uintptr {
	return m.Ptr + uintptr(m.Length)
}

func (m MapInfo) overlaps(o MapInfo) bool {
	return m.Ptr < o.End() && o.Ptr < m.End()
}

// regionLength is the byte length of a size triple. Unused dimensions are
// zero.
func regionLength(size [3]uint64) uint64 {
	n := size[0]
	for _, d := range size[1:] {
		if d != 0 {
			n *= d
		}
	}
	return n
}

// Handler tracks the mappings of one memory object. Every operation takes
// the same mutex.
type Handler struct {
	mu        sync.Mutex
	mappings  []MapInfo
	maxLength uint64
}

// Add registers a mapping of length bytes at ptr. When length is zero the
// length is taken from size. Add fails, leaving the handler unchanged, if
// the range intersects an existing mapping. Read-only mappings never
// conflict, since several readers may share a region.
func (h *Handler) Add(ptr uintptr, length uint64, flags MapFlags, size, offset [3]uint64, mipLevel uint32) bool {
	if length == 0 {
		length = regionLength(size)
	}
	info := MapInfo{
		Ptr:      ptr,
		Length:   length,
		Size:     size,
		Offset:   offset,
		MipLevel: mipLevel,
		ReadOnly: flags == MapRead,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !info.ReadOnly {
		for _, m := range h.mappings {
			if info.overlaps(m) {
				return false
			}
		}
	}
	h.mappings = append(h.mappings, info)
	if length > h.maxLength {
		h.maxLength = length
	}
	return true
}

// Remove drops the mapping registered at exactly ptr.
func (h *Handler) Remove(ptr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, m := range h.mappings {
		if m.Ptr == ptr {
			h.mappings = append(h.mappings[:i], h.mappings[i+1:]...)
			return
		}
	}
}

// Find returns the mapping registered at exactly ptr.
func (h *Handler) Find(ptr uintptr) (MapInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.mappings {
		if m.Ptr == ptr {
			return m, true
		}
	}
	return MapInfo{}, false
}

// FindInfoForHostPtr returns the mapping that fully contains [ptr, ptr+size).
func (h *Handler) FindInfoForHostPtr(ptr uintptr, size uint64) (MapInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if size > h.maxLength {
		return MapInfo{}, false
	}
	for _, m := range h.mappings {
		if m.Ptr <= ptr && ptr+uintptr(size) <= m.End() {
			return m, true
		}
	}
	return MapInfo{}, false
}

// Size returns the number of active mappings.
func (h *Handler) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mappings)
}

// Storage holds the handlers of every memory object in a context.
type Storage struct {
	mu       sync.Mutex
	handlers map[uuid.UUID]*Handler
}

func NewStorage() *Storage {
	return &Storage{handlers: make(map[uuid.UUID]*Handler)}
}

// GetHandler returns the handler for memObj, creating it on first use.
func (s *Storage) GetHandler(memObj uuid.UUID) *Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[memObj]
	if !ok {
		h = &Handler{}
		s.handlers[memObj] = h
	}
	return h
}

// GetHandlerIfExists returns the handler for memObj or nil.
func (s *Storage) GetHandlerIfExists(memObj uuid.UUID) *Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[memObj]
}

// GetInfoForHostPtr searches every handler for a mapping containing
// [ptr, ptr+size).
func (s *Storage) GetInfoForHostPtr(ptr uintptr, size uint64) (MapInfo, bool) {
	s.mu.Lock()
	handlers := make([]*Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		if info, ok := h.FindInfoForHostPtr(ptr, size); ok {
			return info, true
		}
	}
	return MapInfo{}, false
}

// RemoveHandler forgets memObj.
func (s *Storage) RemoveHandler(memObj uuid.UUID) {
	s.mu.Lock()
	delete(s.handlers, memObj)
	s.mu.Unlock()
}
