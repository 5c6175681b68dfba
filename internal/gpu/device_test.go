package gpu

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestSimDeviceAllocate(t *testing.T) {
	dev := NewSimDevice("sim", 64*1024*1024, 0)
	defer dev.Free()

	sizes := []int64{1024, 1024 * 1024, 16 * 1024 * 1024}

	var last uint64
	for _, size := range sizes {
		buf, err := dev.Allocate(size)
		if err != nil {
			t.Fatalf("Allocate(%d) failed: %v", size, err)
		}
		defer buf.Free()

		if buf.Size() != size {
			t.Errorf("Buffer size mismatch: expected %d, got %d", size, buf.Size())
		}
		if buf.GPUAddress() == 0 {
			t.Error("Buffer GPU address is null")
		}
		if buf.GPUAddress()%PageSize4K != 0 {
			t.Errorf("GPU address %#x not page aligned", buf.GPUAddress())
		}
		if buf.GPUAddress() <= last {
			t.Errorf("GPU addresses not increasing: %#x after %#x", buf.GPUAddress(), last)
		}
		last = buf.GPUAddress()
	}

	used, total := dev.MemoryUsage()
	if used != 1024+1024*1024+16*1024*1024 {
		t.Errorf("Unexpected used bytes: %d", used)
	}
	if total != 64*1024*1024 {
		t.Errorf("Unexpected total bytes: %d", total)
	}
}

func TestSimDevice64KPages(t *testing.T) {
	dev := NewSimDevice("sim", 0, PageSize64K)
	defer dev.Free()

	a, _ := dev.Allocate(100)
	b, _ := dev.Allocate(100)
	if b.GPUAddress()-a.GPUAddress() != PageSize64K {
		t.Errorf("Expected 64KB spacing, got %#x", b.GPUAddress()-a.GPUAddress())
	}
}

func TestSimDeviceOutOfMemory(t *testing.T) {
	dev := NewSimDevice("sim", 8192, 0)
	defer dev.Free()

	if _, err := dev.Allocate(8192); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	_, err := dev.Allocate(1)
	if !errors.Is(err, ErrOutOfDeviceMemory) {
		t.Fatalf("Expected ErrOutOfDeviceMemory, got %v", err)
	}
}

func TestSimDeviceInvalidSize(t *testing.T) {
	dev := NewSimDevice("sim", 0, 0)
	if _, err := dev.Allocate(0); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Expected ErrInvalidSize, got %v", err)
	}
	if _, err := dev.WrapHostMemory(nil); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Expected ErrInvalidSize, got %v", err)
	}
}

func TestSimDeviceFreeReturnsCapacity(t *testing.T) {
	dev := NewSimDevice("sim", 4096, 0)
	buf, err := dev.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	buf.Free()
	if used, _ := dev.MemoryUsage(); used != 0 {
		t.Errorf("Expected 0 used after free, got %d", used)
	}
	if _, err := dev.Allocate(4096); err != nil {
		t.Errorf("Allocate after free failed: %v", err)
	}
}

func TestWrapHostMemorySharesBytes(t *testing.T) {
	dev := NewSimDevice("sim", 16, 0)
	defer dev.Free()

	host := make([]byte, 64)
	buf, err := dev.WrapHostMemory(host)
	if err != nil {
		t.Fatalf("WrapHostMemory failed: %v", err)
	}

	buf.HostView()[3] = 0xAB
	if host[3] != 0xAB {
		t.Error("Wrapped buffer does not alias host memory")
	}
	if used, _ := dev.MemoryUsage(); used != 0 {
		t.Errorf("Wrapped memory should not consume capacity, used %d", used)
	}
}

func TestSimBufferCopy(t *testing.T) {
	dev := NewSimDevice("sim", 0, 0)
	defer dev.Free()

	size := int64(1024)
	buf1, err := dev.Allocate(size)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	buf2, err := dev.Allocate(size)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	testData := make([]byte, size)
	for i := range testData {
		testData[i] = byte(i % 256)
	}
	if err := buf1.CopyFromHost(testData); err != nil {
		t.Fatalf("CopyFromHost failed: %v", err)
	}
	if err := dev.Copy(buf2, buf1, size); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	result := make([]byte, size)
	if err := buf2.CopyToHost(result); err != nil {
		t.Fatalf("CopyToHost failed: %v", err)
	}
	if !bytes.Equal(result, testData) {
		t.Error("Data mismatch after device copy")
	}

	if err := dev.Copy(buf2, buf1, size+1); err == nil {
		t.Error("Expected out of bounds copy to fail")
	}
}

func TestClosedDeviceRejectsAllocation(t *testing.T) {
	dev := NewSimDevice("sim", 0, 0)
	dev.Free()
	if _, err := dev.Allocate(16); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("Expected ErrDeviceClosed, got %v", err)
	}
}

func TestDeviceTypeString(t *testing.T) {
	tests := []struct {
		dt   DeviceType
		want string
	}{
		{DeviceTypeCPU, "CPU"},
		{DeviceTypeGPU, "GPU"},
		{DeviceType(7), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.dt.String(); got != tt.want {
			t.Errorf("DeviceType(%d).String() = %q, want %q", tt.dt, got, tt.want)
		}
	}
}
