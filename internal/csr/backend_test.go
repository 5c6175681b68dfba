package csr

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/xupit3r/clrun/internal/hwinfo"
	"github.com/xupit3r/clrun/internal/memory"
)

func TestParseBackend(t *testing.T) {
	tests := []struct {
		name    string
		kind    BackendKind
		withAUB bool
		wantErr bool
	}{
		{"", BackendHardware, false, false},
		{"hw", BackendHardware, false, false},
		{"HW_WITH_AUB", BackendHardware, true, false},
		{"aub", BackendAUB, false, false},
		{"aub_with_aub", BackendAUB, false, false},
		{"tbx", BackendTBX, false, false},
		{" tbx_with_aub ", BackendTBX, true, false},
		{"vulkan", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, withAUB, err := ParseBackend(tt.name)
			if tt.wantErr {
				require.True(t, errors.Is(err, ErrUnknownBackend))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.kind, kind)
			require.Equal(t, tt.withAUB, withAUB)
		})
	}
}

func TestParseEngine(t *testing.T) {
	for name, want := range map[string]EngineType{"rcs": EngineRender, "compute": EngineCompute, "BCS": EngineCopy, "video": EngineVideo} {
		got, err := ParseEngine(name)
		require.NoError(t, err)
		require.Equal(t, want, got, name)
	}
	_, err := ParseEngine("npu")
	require.True(t, errors.Is(err, ErrUnknownEngine))
}

func TestNewBackendWritesAUBFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Backend = "aub"
	cfg.AUBFile = filepath.Join(dir, "dumps", "run-%s.aub")

	mm := newTestManager(t)
	c, err := Create(cfg, nil, mm)
	require.NoError(t, err)
	require.Equal(t, BackendAUB, c.Backend().Kind())
	_, err = c.Flush(BatchBuffer{ContextID: 1}, EngineRender, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "dumps", "run-*.aub"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()
	r, err := NewAUBReader(f)
	require.NoError(t, err)
	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, AUBMemoryWrite, rec.Type)
}

func TestNewBackendRejectsUnknownName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "opengl"
	_, err := NewBackend(cfg)
	require.True(t, errors.Is(err, ErrUnknownBackend))
}

func TestAUBReaderRejectsBadMagic(t *testing.T) {
	_, err := NewAUBReader(&fixedReader{data: []byte("NOPE\x01\x00\x00\x00")})
	require.True(t, errors.Is(err, ErrBadAUB))
}

type fixedReader struct{ data []byte }

func (r *fixedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

// fakeTBXServer accepts one connection, decodes its records and answers
// every exec record with status.
func fakeTBXServer(t *testing.T, status uint32) (addr string, records <-chan AUBRecord) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan AUBRecord, 64)
	go func() {
		defer close(out)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r, err := NewAUBReader(conn)
		if err != nil {
			return
		}
		for {
			rec, err := r.Next()
			if err != nil {
				return
			}
			out <- rec
			if rec.Type == AUBExec {
				var ack [4]byte
				binary.LittleEndian.PutUint32(ack[:], status)
				if _, err := conn.Write(ack[:]); err != nil {
					return
				}
			}
		}
	}()
	return ln.Addr().String(), out
}

func TestTBXBackendSubmitsToRemote(t *testing.T) {
	addr, records := fakeTBXServer(t, TBXAckOK)
	backend, err := DialTBX(addr, time.Second)
	require.NoError(t, err)
	require.Equal(t, BackendTBX, backend.Kind())

	c, mm := newTestCSR(t, backend, nil)
	buf := allocate(t, mm, memory.AllocationTypeBuffer, 128)
	tc, err := c.Flush(BatchBuffer{ContextID: 1}, EngineRender, memory.ResidencyContainer{buf})
	require.NoError(t, err)
	require.Equal(t, tc, c.CompletedTaskCount())
	require.NoError(t, c.Close())

	var sawBuffer, sawExec bool
	for rec := range records {
		switch {
		case rec.Type == AUBMemoryWrite && rec.Address == buf.GPUAddress():
			sawBuffer = true
			require.Len(t, rec.Payload, 128)
		case rec.Type == AUBExec:
			sawExec = true
		}
	}
	require.True(t, sawBuffer)
	require.True(t, sawExec)
}

func TestTBXBackendRejectedSubmission(t *testing.T) {
	addr, _ := fakeTBXServer(t, TBXAckFault)
	backend, err := DialTBX(addr, time.Second)
	require.NoError(t, err)

	c, _ := newTestCSR(t, backend, nil)
	_, err = c.Flush(BatchBuffer{ContextID: 1}, EngineRender, nil)
	require.True(t, errors.Is(err, ErrSubmissionRejected), "got %v", err)
	require.True(t, backend.Hung(1))

	_, err = c.Flush(BatchBuffer{ContextID: 1}, EngineRender, nil)
	require.True(t, errors.Is(err, ErrGPUHang), "got %v", err)
}

func TestDialTBXRequiresAddress(t *testing.T) {
	_, err := DialTBX("", time.Second)
	require.Error(t, err)
}

func TestHelperRegistryFreezesOnLookup(t *testing.T) {
	_, err := LookupHelper(hwinfo.Gen9)
	require.NoError(t, err)

	err = RegisterFactory("gen99", func() HWHelper { return gen9Helper{} })
	require.True(t, errors.Is(err, ErrRegistryFrozen))

	_, err = LookupHelper("gen3")
	require.True(t, errors.Is(err, ErrNoHelper))

	require.Equal(t, []hwinfo.Generation{hwinfo.Gen11, hwinfo.Gen12LP, hwinfo.Gen9}, RegisteredGenerations())
}
