package mapops

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

var noDims [3]uint64

func TestAddNonOverlapping(t *testing.T) {
	var h Handler
	if !h.Add(0x1000, 16, MapWrite, noDims, noDims, 0) {
		t.Fatal("first add failed")
	}
	if !h.Add(0x1010, 16, MapWrite, noDims, noDims, 0) {
		t.Fatal("adjacent add failed")
	}
	if h.Size() != 2 {
		t.Errorf("size = %d, want 2", h.Size())
	}
}

func TestAddOverlappingFails(t *testing.T) {
	var h Handler
	if !h.Add(0, 16, MapWrite, noDims, noDims, 0) {
		t.Fatal("first add failed")
	}
	if h.Add(8, 16, MapWrite, noDims, noDims, 0) {
		t.Fatal("overlapping add succeeded")
	}
	if h.Size() != 1 {
		t.Errorf("size = %d, want 1", h.Size())
	}
	if _, ok := h.Find(8); ok {
		t.Error("rejected mapping was recorded")
	}
}

func TestOverlapCases(t *testing.T) {
	tests := []struct {
		name        string
		ptr, length uint64
		want        bool
	}{
		{"before", 0x0F00, 0x100, true},
		{"touching start", 0x0F00, 0x101, false},
		{"inside", 0x1010, 0x10, false},
		{"covering", 0x0F00, 0x300, false},
		{"touching end", 0x10FF, 0x10, false},
		{"after", 0x1100, 0x10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h Handler
			h.Add(0x1000, 0x100, MapWrite, noDims, noDims, 0)
			if got := h.Add(uintptr(tt.ptr), tt.length, MapWrite, noDims, noDims, 0); got != tt.want {
				t.Errorf("Add = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadOnlyMappingsMayShare(t *testing.T) {
	var h Handler
	h.Add(0x1000, 64, MapWrite, noDims, noDims, 0)
	if !h.Add(0x1000+8, 8, MapRead, noDims, noDims, 0) {
		t.Error("read-only mapping rejected")
	}
	if h.Add(0x1000+8, 8, MapRead|MapWrite, noDims, noDims, 0) {
		t.Error("read-write mapping over a mapped region accepted")
	}
}

func TestLengthFromSize(t *testing.T) {
	var h Handler
	size := [3]uint64{16, 4, 0}
	if !h.Add(0x2000, 0, MapWrite, size, [3]uint64{1, 2, 0}, 3) {
		t.Fatal("add failed")
	}
	info, ok := h.Find(0x2000)
	if !ok {
		t.Fatal("mapping not found")
	}
	if info.Length != 64 || info.MipLevel != 3 || info.Offset != [3]uint64{1, 2, 0} {
		t.Errorf("info = %+v", info)
	}
	if h.Add(0x2000+63, 1, MapWrite, noDims, noDims, 0) {
		t.Error("derived length not used for overlap")
	}
}

func TestRemoveAndFind(t *testing.T) {
	var h Handler
	h.Add(0x1000, 16, MapWrite, noDims, noDims, 0)
	h.Add(0x2000, 16, MapRead, noDims, noDims, 0)

	if _, ok := h.Find(0x1008); ok {
		t.Error("Find must match the exact pointer")
	}
	h.Remove(0x1008)
	if h.Size() != 2 {
		t.Error("removing an unknown pointer changed the set")
	}

	info, ok := h.Find(0x2000)
	if !ok || !info.ReadOnly {
		t.Errorf("find = %+v, %v", info, ok)
	}
	h.Remove(0x1000)
	if h.Size() != 1 {
		t.Errorf("size = %d", h.Size())
	}
	if !h.Add(0x1000, 16, MapWrite, noDims, noDims, 0) {
		t.Error("region not free after remove")
	}
}

func TestFindInfoForHostPtr(t *testing.T) {
	var h Handler
	h.Add(0x1000, 0x100, MapWrite, noDims, noDims, 0)

	if info, ok := h.FindInfoForHostPtr(0x1010, 0x10); !ok || info.Ptr != 0x1000 {
		t.Errorf("contained range: %+v %v", info, ok)
	}
	if _, ok := h.FindInfoForHostPtr(0x10F8, 0x10); ok {
		t.Error("range crossing the end matched")
	}
	if _, ok := h.FindInfoForHostPtr(0x1000, 0x200); ok {
		t.Error("range larger than any mapping matched")
	}
}

func TestConcurrentAddRemove(t *testing.T) {
	var h Handler
	const workers = 16
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := uintptr(w) * 0x100000
			for i := 0; i < perWorker; i++ {
				ptr := base + uintptr(i)*0x100
				if !h.Add(ptr, 0x100, MapWrite, noDims, noDims, 0) {
					t.Errorf("disjoint add failed at %#x", ptr)
					return
				}
				if i%2 == 1 {
					h.Remove(ptr)
				}
			}
		}(w)
	}
	wg.Wait()
	if got, want := h.Size(), workers*perWorker/2; got != want {
		t.Errorf("size = %d, want %d", got, want)
	}
}

func TestConcurrentConflictingAddsAdmitOne(t *testing.T) {
	var h Handler
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if h.Add(0x1000+uintptr(i), 64, MapWrite, noDims, noDims, 0) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || h.Size() != 1 {
		t.Errorf("wins = %d, size = %d", wins, h.Size())
	}
}

func TestStorage(t *testing.T) {
	s := NewStorage()
	a, b := uuid.New(), uuid.New()

	if s.GetHandlerIfExists(a) != nil {
		t.Error("handler exists before first use")
	}
	ha := s.GetHandler(a)
	if s.GetHandler(a) != ha {
		t.Error("GetHandler returned a different handler")
	}
	ha.Add(0x1000, 64, MapWrite, noDims, noDims, 0)
	s.GetHandler(b).Add(0x9000, 64, MapWrite, noDims, noDims, 0)

	if info, ok := s.GetInfoForHostPtr(0x9010, 4); !ok || info.Ptr != 0x9000 {
		t.Errorf("lookup = %+v %v", info, ok)
	}
	s.RemoveHandler(b)
	if _, ok := s.GetInfoForHostPtr(0x9010, 4); ok {
		t.Error("removed handler still searched")
	}
}
