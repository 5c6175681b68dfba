package osinterface

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/viper"
	"golang.org/x/sys/cpu"
)

func TestViperSettings(t *testing.T) {
	v := viper.New()
	v.Set("csr.backend", "aub")
	v.Set("ftr_ftrsvm", true)
	v.Set("debug.level", 3)
	s := NewViperSettings(v, "CLRUN")

	if got := s.GetString("CSR.Backend", "hw"); got != "aub" {
		t.Errorf("GetString = %q", got)
	}
	if !s.GetBool("FTR_FTRSVM", false) {
		t.Error("GetBool ignored the set value")
	}
	if got := s.GetInt("debug.level", 0); got != 3 {
		t.Errorf("GetInt = %d", got)
	}
	if got := s.GetInt("missing", 42); got != 42 {
		t.Errorf("default not used: %d", got)
	}
}

func TestViperSettingsFromEnvironment(t *testing.T) {
	t.Setenv("CLRUNTEST_WA_WASENDMIFLUSHBEFOREVFE", "false")
	s := NewViperSettings(nil, "CLRUNTEST")
	if s.GetBool("WA_WASENDMIFLUSHBEFOREVFE", true) {
		t.Error("environment override not applied")
	}
	if !s.GetBool("WA_UNSET", true) {
		t.Error("unset name did not return the default")
	}
}

func TestStaticAndLayeredSettings(t *testing.T) {
	cli := NewStaticSettings(map[string]string{"CSR_BACKEND": "tbx", "bad": "notabool"})
	file := NewStaticSettings(map[string]string{"csr_backend": "aub", "limit": "7"})
	l := Layered{cli, file}

	if got := l.GetString("csr_backend", "hw"); got != "tbx" {
		t.Errorf("first layer not preferred: %q", got)
	}
	if got := l.GetInt("LIMIT", 0); got != 7 {
		t.Errorf("second layer not consulted: %d", got)
	}
	if !l.GetBool("bad", true) {
		t.Error("unparsable value should fall back to the default")
	}
	cli.Set("limit", "9")
	if got := l.GetInt("limit", 0); got != 9 {
		t.Errorf("Set not visible: %d", got)
	}
}

func TestLibraryLoader(t *testing.T) {
	l := NewLibraryLoader()
	fn := func() int { return 7 }
	if err := l.Register("libfoo.so", map[string]any{"foo": fn}); err != nil {
		t.Fatal(err)
	}
	if err := l.Register("libfoo.so", nil); err == nil {
		t.Error("duplicate registration accepted")
	}

	if lib := l.Load("libmissing.so"); lib != nil {
		t.Error("unknown library loaded")
	}
	lib := l.Load("libfoo.so")
	if lib == nil {
		t.Fatal("registered library not loaded")
	}
	f, ok := lib.GetProcAddress("foo").(func() int)
	if !ok || f() != 7 {
		t.Error("symbol lookup failed")
	}
	if lib.GetProcAddress("bar") != nil {
		t.Error("unknown symbol returned")
	}
	if l.LoadCount("libfoo.so") != 1 {
		t.Errorf("load count = %d", l.LoadCount("libfoo.so"))
	}
}

func TestTimerIsMonotonic(t *testing.T) {
	timer := NewTimer(83.333)
	a := timer.GPUCPUTimestamps()
	b := timer.GPUCPUTimestamps()
	if b.CPU < a.CPU || b.GPU < a.GPU {
		t.Errorf("timestamps went backwards: %+v then %+v", a, b)
	}
	if a.GPU >= a.CPU {
		t.Errorf("device ticks %d should be fewer than host ns %d", a.GPU, a.CPU)
	}
	if timer.HostResolution() <= 0 {
		t.Error("non-positive resolution")
	}
	if _, err := Uptime(); err != nil {
		t.Errorf("Uptime: %v", err)
	}
}

func TestPowerSourceFromSysfs(t *testing.T) {
	root := t.TempDir()
	old := powerSupplyRoot
	powerSupplyRoot = root
	defer func() { powerSupplyRoot = old }()

	if got := CurrentPowerSource(); got != PowerUnknown {
		t.Errorf("empty class: %s", got)
	}

	ac := filepath.Join(root, "AC")
	if err := os.MkdirAll(ac, 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(ac, "type"), []byte("Mains\n"), 0644)
	os.WriteFile(filepath.Join(ac, "online"), []byte("0\n"), 0644)
	if got := CurrentPowerSource(); got != PowerBattery {
		t.Errorf("offline mains: %s", got)
	}
	os.WriteFile(filepath.Join(ac, "online"), []byte("1\n"), 0644)
	if got := CurrentPowerSource(); got != PowerAC {
		t.Errorf("online mains: %s", got)
	}
}

func TestQueryHostMemory(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("host memory is only read on linux")
	}
	info, err := QueryHostMemory()
	if err != nil {
		t.Fatalf("QueryHostMemory failed: %v", err)
	}
	if info.TotalBytes <= 0 {
		t.Errorf("Expected positive total bytes, got %d", info.TotalBytes)
	}
	if info.AvailableBytes > info.TotalBytes {
		t.Errorf("Available bytes (%d) cannot exceed total bytes (%d)", info.AvailableBytes, info.TotalBytes)
	}
	if budget := DeviceMemoryBudget(1 << 20); budget > 1<<20 {
		t.Errorf("budget %d exceeds limit", budget)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCPUFeaturesMatchDetection(t *testing.T) {
	got := map[string]bool{}
	for _, f := range CPUFeatures() {
		if got[f] {
			t.Errorf("feature %q listed twice", f)
		}
		got[f] = true
	}
	switch runtime.GOARCH {
	case "amd64":
		if got["avx2"] != cpu.X86.HasAVX2 {
			t.Errorf("avx2 = %v, cpu reports %v", got["avx2"], cpu.X86.HasAVX2)
		}
	case "arm64":
		if got["asimd"] != cpu.ARM64.HasASIMD {
			t.Errorf("asimd = %v, cpu reports %v", got["asimd"], cpu.ARM64.HasASIMD)
		}
	}
}
