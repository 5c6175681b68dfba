package gpu

import (
	"testing"
)

func TestBufferPool(t *testing.T) {
	dev := NewSimDevice("sim", 0, 0)
	defer dev.Free()

	pool := NewBufferPool(dev, 10*1024*1024)
	defer pool.Clear()

	buf1, err := pool.Allocate(1024)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if buf1.Size() != 1024 {
		t.Errorf("Expected requested size 1024, got %d", buf1.Size())
	}
	if len(buf1.HostView()) != 1024 {
		t.Errorf("Host view should be trimmed to requested size, got %d", len(buf1.HostView()))
	}
	addr := buf1.GPUAddress()

	if err := pool.Release(buf1); err != nil {
		t.Errorf("Release failed: %v", err)
	}

	stats := pool.Stats()
	if stats.Allocations != 1 {
		t.Errorf("Expected 1 allocation, got %d", stats.Allocations)
	}

	buf2, err := pool.Allocate(2048)
	if err != nil {
		t.Fatalf("Second allocate failed: %v", err)
	}
	if buf2.GPUAddress() != addr {
		t.Errorf("Expected reuse of %#x, got %#x", addr, buf2.GPUAddress())
	}

	stats = pool.Stats()
	if stats.Reuses != 1 {
		t.Errorf("Expected 1 reuse, got %d", stats.Reuses)
	}
	if stats.PoolHits != 1 {
		t.Errorf("Expected 1 pool hit, got %d", stats.PoolHits)
	}

	pool.Release(buf2)
}

func TestBufferPoolFreeRoutesThroughPool(t *testing.T) {
	dev := NewSimDevice("sim", 0, 0)
	pool := NewBufferPool(dev, 0)

	buf, _ := pool.Allocate(8192)
	buf.Free()

	pooled, active, _ := pool.MemoryUsage()
	if pooled != 8192 || active != 0 {
		t.Errorf("Expected 8192 pooled / 0 active, got %d / %d", pooled, active)
	}
}

func TestBufferPoolEviction(t *testing.T) {
	dev := NewSimDevice("sim", 0, 0)
	defer dev.Free()

	pool := NewBufferPool(dev, 1*1024*1024)
	defer pool.Clear()

	var bufs []Buffer
	for i := 0; i < 5; i++ {
		buf, err := pool.Allocate(256 * 1024)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		bufs = append(bufs, buf)
	}
	for _, buf := range bufs {
		pool.Release(buf)
	}

	stats := pool.Stats()
	if stats.Evictions != 1 {
		t.Errorf("Expected 1 eviction with 1MB limit, got %d", stats.Evictions)
	}

	pooled, _, _ := pool.MemoryUsage()
	if pooled > 1*1024*1024 {
		t.Errorf("Pool exceeded limit: %d > %d", pooled, 1*1024*1024)
	}
}

func TestBufferPoolClear(t *testing.T) {
	dev := NewSimDevice("sim", 0, 0)
	defer dev.Free()

	pool := NewBufferPool(dev, 10*1024*1024)
	for i := 0; i < 10; i++ {
		buf, _ := pool.Allocate(1024)
		pool.Release(buf)
	}

	pooled1, _, _ := pool.MemoryUsage()
	if pooled1 == 0 {
		t.Error("Expected pooled memory > 0 before clear")
	}

	if err := pool.Clear(); err != nil {
		t.Errorf("Clear failed: %v", err)
	}

	pooled2, _, _ := pool.MemoryUsage()
	if pooled2 != 0 {
		t.Errorf("Expected pooled memory = 0 after clear, got %d", pooled2)
	}
	if used, _ := dev.MemoryUsage(); used != 0 {
		t.Errorf("Expected device memory returned, %d still used", used)
	}
}

func TestSizeClassOf(t *testing.T) {
	tests := []struct {
		in, want int64
	}{
		{1, 4096},
		{4096, 4096},
		{4097, 8192},
		{100000, 131072},
		{1 << 20, 1 << 20},
	}
	for _, tt := range tests {
		if got := sizeClassOf(tt.in); got != tt.want {
			t.Errorf("sizeClassOf(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func BenchmarkBufferPoolAllocate(b *testing.B) {
	dev := NewSimDevice("sim", 0, 0)
	defer dev.Free()

	pool := NewBufferPool(dev, 100*1024*1024)
	defer pool.Clear()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf, _ := pool.Allocate(4096)
		pool.Release(buf)
	}
}
