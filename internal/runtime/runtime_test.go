package runtime

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/xupit3r/clrun/internal/csr"
	"github.com/xupit3r/clrun/internal/mapops"
	"github.com/xupit3r/clrun/internal/memory"
	"github.com/xupit3r/clrun/internal/osinterface"
	"github.com/xupit3r/clrun/internal/program"
)

const kernels = `
__kernel void scale(__global float *data, float factor) {}
__kernel void blend(__global const float *a, __global float *out, __local float *tile, int n) {}
`

type fixture struct {
	dev *Device
	ctx *Context
	q   *CommandQueue
}

func newFixture(t *testing.T, mutate func(*DeviceConfig)) *fixture {
	t.Helper()
	cfg := DeviceConfig{
		CSR:    csr.DefaultConfig(),
		Memory: memory.Config{PoolMaxBytes: 8 << 20},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	dev, err := NewDevice(cfg)
	require.NoError(t, err)
	ctx, err := NewContext(dev)
	require.NoError(t, err)
	q, err := NewCommandQueue(ctx, dev.Engines()[0])
	require.NoError(t, err)

	f := &fixture{dev: dev, ctx: ctx, q: q}
	t.Cleanup(func() {
		f.q.Close(context.Background())
		f.ctx.ReleaseApi()
		f.dev.Close()
	})
	return f
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWriteThenReadBuffer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := waitCtx(t)

	buf, err := f.ctx.CreateBuffer(MemReadWrite, 256, nil)
	require.NoError(t, err)
	defer buf.ReleaseApi()

	data := bytes.Repeat([]byte{0xAB, 0xCD}, 32)
	_, err = f.q.EnqueueWriteBuffer(ctx, buf, true, 64, data, nil)
	require.NoError(t, err)

	out := make([]byte, len(data))
	ev, err := f.q.EnqueueReadBuffer(ctx, buf, true, 64, out, nil)
	require.NoError(t, err)
	require.Equal(t, data, out)
	require.Equal(t, ExecComplete, ev.Status())

	queued, end := ev.ProfilingInfo()
	require.NotZero(t, end)
	require.GreaterOrEqual(t, end, queued)
}

func TestCopyHostPtrAndUseHostPtr(t *testing.T) {
	f := newFixture(t, nil)
	ctx := waitCtx(t)

	initial := []byte("initial contents")
	src, err := f.ctx.CreateBuffer(MemCopyHostPtr, int64(len(initial)), initial)
	require.NoError(t, err)
	defer src.ReleaseApi()

	host := make([]byte, len(initial))
	alias, err := f.ctx.CreateBuffer(MemUseHostPtr, int64(len(host)), host)
	require.NoError(t, err)
	defer alias.ReleaseApi()
	require.Equal(t, memory.AllocationTypeExternalHostPtr, alias.Allocation().Type())

	tmp := make([]byte, len(initial))
	_, err = f.q.EnqueueReadBuffer(ctx, src, true, 0, tmp, nil)
	require.NoError(t, err)
	require.Equal(t, initial, tmp)

	_, err = f.q.EnqueueWriteBuffer(ctx, alias, true, 0, tmp, nil)
	require.NoError(t, err)
	require.Equal(t, initial, host, "use-host-ptr buffer writes land in the caller's memory")
}

func TestCreateBufferValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.ctx.CreateBuffer(MemReadWrite, 0, nil)
	require.ErrorIs(t, err, ErrInvalidValue)
	_, err = f.ctx.CreateBuffer(MemUseHostPtr, 16, nil)
	require.ErrorIs(t, err, ErrInvalidValue)
	_, err = f.ctx.CreateBuffer(MemUseHostPtr|MemCopyHostPtr, 16, make([]byte, 16))
	require.ErrorIs(t, err, ErrInvalidValue)
	_, err = f.ctx.CreateBuffer(MemCopyHostPtr, 32, make([]byte, 16))
	require.ErrorIs(t, err, ErrInvalidValue)
	require.Equal(t, InvalidValue, StatusOf(err))
}

func TestEventHoldsMemObjectUntilComplete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := waitCtx(t)

	buf, err := f.ctx.CreateBuffer(MemReadWrite, 128, nil)
	require.NoError(t, err)

	ev, err := f.q.EnqueueWriteBuffer(ctx, buf, false, 0, make([]byte, 128), nil)
	require.NoError(t, err)

	require.False(t, buf.ReleaseApi(), "the pending write keeps the buffer alive")
	require.Equal(t, int32(1), buf.RefInternal())
	require.Equal(t, int32(0), buf.RefApi())

	require.NoError(t, ev.Wait(ctx))
	require.Equal(t, int32(0), buf.RefInternal())
	require.False(t, f.dev.mm.IsStillInUse(buf.Allocation()))
	require.False(t, ev.ReleaseApi(), "the queue still tracks the event")
}

func TestContextReferenceCountIsApiOnly(t *testing.T) {
	f := newFixture(t, nil)

	buf, err := f.ctx.CreateBuffer(MemReadWrite, 64, nil)
	require.NoError(t, err)

	require.Equal(t, int32(1), f.ctx.ReferenceCount())
	require.Equal(t, int32(3), f.ctx.RefInternal(), "creator, queue and buffer")

	f.ctx.IncRefApi()
	require.Equal(t, int32(2), f.ctx.ReferenceCount())
	f.ctx.ReleaseApi()

	require.True(t, buf.ReleaseApi())
	require.Equal(t, int32(2), f.ctx.RefInternal())
}

func TestMapOverlapRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := waitCtx(t)

	buf, err := f.ctx.CreateBuffer(MemReadWrite, 256, nil)
	require.NoError(t, err)
	defer buf.ReleaseApi()

	view, _, err := f.q.EnqueueMapBuffer(ctx, buf, true, mapops.MapWrite, 0, 64, nil)
	require.NoError(t, err)
	require.Len(t, view, 64)

	_, _, err = f.q.EnqueueMapBuffer(ctx, buf, true, mapops.MapWrite, 32, 64, nil)
	require.ErrorIs(t, err, ErrMapFailure)
	require.Equal(t, MapFailure, StatusOf(err))
	require.Equal(t, 1, buf.MapCount(), "a rejected map leaves the mappings unchanged")

	adjacent, _, err := f.q.EnqueueMapBuffer(ctx, buf, true, mapops.MapRead, 64, 64, nil)
	require.NoError(t, err)
	require.Equal(t, 2, buf.MapCount())

	copy(view, bytes.Repeat([]byte{7}, 64))
	before := buf.Allocation().ContentVersion()
	_, err = f.q.EnqueueUnmap(ctx, buf, view, nil)
	require.NoError(t, err)
	require.Greater(t, buf.Allocation().ContentVersion(), before)

	_, err = f.q.EnqueueUnmap(ctx, buf, view, nil)
	require.ErrorIs(t, err, ErrInvalidValue, "unmapping twice")

	unchanged := buf.Allocation().ContentVersion()
	_, err = f.q.EnqueueUnmap(ctx, buf, adjacent, nil)
	require.NoError(t, err)
	require.Equal(t, unchanged, buf.Allocation().ContentVersion(), "read-only unmap does not dirty the buffer")
	require.Zero(t, buf.MapCount())

	out := make([]byte, 64)
	_, err = f.q.EnqueueReadBuffer(ctx, buf, true, 0, out, nil)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{7}, 64), out)
}

func TestFailedUnmapKeepsMapping(t *testing.T) {
	f := newFixture(t, nil)
	ctx := waitCtx(t)

	buf, err := f.ctx.CreateBuffer(MemReadWrite, 128, nil)
	require.NoError(t, err)
	defer buf.ReleaseApi()

	view, _, err := f.q.EnqueueMapBuffer(ctx, buf, true, mapops.MapWrite, 0, 64, nil)
	require.NoError(t, err)
	require.Equal(t, 1, buf.MapCount())

	require.NoError(t, f.q.Receiver().Close())
	_, err = f.q.EnqueueUnmap(ctx, buf, view, nil)
	require.ErrorIs(t, err, csr.ErrClosed)
	require.Equal(t, 1, buf.MapCount(), "a failed unmap leaves the mapping in place")

	_, _, err = f.q.EnqueueMapBuffer(ctx, buf, true, mapops.MapWrite, 32, 64, nil)
	require.ErrorIs(t, err, ErrMapFailure, "the kept mapping still guards its range")
}

func TestReadOnlyMapsMayOverlap(t *testing.T) {
	f := newFixture(t, nil)
	ctx := waitCtx(t)

	buf, err := f.ctx.CreateBuffer(MemReadOnly, 128, nil)
	require.NoError(t, err)
	defer buf.ReleaseApi()

	a, _, err := f.q.EnqueueMapBuffer(ctx, buf, true, mapops.MapRead, 0, 128, nil)
	require.NoError(t, err)
	b, _, err := f.q.EnqueueMapBuffer(ctx, buf, true, mapops.MapRead, 0, 64, nil)
	require.NoError(t, err)
	require.Equal(t, 2, buf.MapCount())

	_, err = f.q.EnqueueUnmap(ctx, buf, b, nil)
	require.NoError(t, err)
	_, err = f.q.EnqueueUnmap(ctx, buf, a, nil)
	require.NoError(t, err)
}

func TestKernelArgumentsAndDispatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := waitCtx(t)

	prog, err := f.ctx.CreateProgramWithSource(kernels)
	require.NoError(t, err)
	defer prog.ReleaseApi()

	_, err = CreateKernel(prog, "scale")
	require.ErrorIs(t, err, ErrInvalidProgram)

	require.Equal(t, program.Success, prog.Build(ctx, "", nil))

	_, err = CreateKernel(prog, "missing")
	require.ErrorIs(t, err, ErrInvalidKernelName)
	require.Equal(t, InvalidKernelName, StatusOf(err))

	k, err := CreateKernel(prog, "blend")
	require.NoError(t, err)
	require.Equal(t, int32(2), prog.RefInternal())
	require.Equal(t, 4, k.NumArgs())

	a, err := f.ctx.CreateBuffer(MemReadOnly, 64, nil)
	require.NoError(t, err)
	defer a.ReleaseApi()
	out, err := f.ctx.CreateBuffer(MemWriteOnly, 64, nil)
	require.NoError(t, err)
	defer out.ReleaseApi()

	require.ErrorIs(t, k.SetArg(4, a), ErrInvalidArgIndex)
	require.ErrorIs(t, k.SetArg(0, int32(1)), ErrInvalidArgValue)
	require.ErrorIs(t, k.SetArg(2, LocalSize(0)), ErrInvalidArgValue)
	require.ErrorIs(t, k.SetArg(3, int64(1)), ErrInvalidArgValue)

	require.NoError(t, k.SetArg(0, a))
	require.NoError(t, k.SetArg(1, out))
	_, err = f.q.EnqueueKernel(ctx, k, 4, nil)
	require.ErrorIs(t, err, ErrInvalidKernelArgs)

	require.NoError(t, k.SetArg(2, LocalSize(256)))
	require.NoError(t, k.SetArg(3, int32(16)))
	ev, err := f.q.EnqueueKernel(ctx, k, 4, nil)
	require.NoError(t, err)
	require.NoError(t, ev.Wait(ctx))
	require.Equal(t, CommandNDRangeKernel, ev.CommandType())

	require.True(t, k.ReleaseApi())
	require.Equal(t, int32(1), prog.RefInternal())
}

func TestKernelArgumentsReachWalker(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, func(cfg *DeviceConfig) {
		cfg.CSR.Backend = "aub"
		cfg.CSR.AUBFile = filepath.Join(dir, "run-%s.aub")
	})
	ctx := waitCtx(t)

	prog, err := f.ctx.CreateProgramWithSource(kernels)
	require.NoError(t, err)
	require.Equal(t, program.Success, prog.Build(ctx, "", nil))

	k, err := CreateKernel(prog, "blend")
	require.NoError(t, err)
	a, err := f.ctx.CreateBuffer(MemReadOnly, 64, nil)
	require.NoError(t, err)
	out, err := f.ctx.CreateBuffer(MemWriteOnly, 64, nil)
	require.NoError(t, err)
	surfaces := []uint64{a.Allocation().GPUAddress(), out.Allocation().GPUAddress()}

	require.NoError(t, k.SetArg(0, a))
	require.NoError(t, k.SetArg(1, out))
	require.NoError(t, k.SetArg(2, LocalSize(256)))
	require.NoError(t, k.SetArg(3, int32(16)))

	want := []byte{0x00, 0x01, 0, 0, 0x10, 0, 0, 0}
	bufs, inline, err := k.bindings()
	require.NoError(t, err)
	require.Equal(t, []*MemObj{a, out}, bufs)
	require.Equal(t, want, inline)

	ev, err := f.q.EnqueueKernel(ctx, k, 4, nil)
	require.NoError(t, err)
	require.NoError(t, ev.Wait(ctx))
	k.ReleaseApi()
	prog.ReleaseApi()
	a.ReleaseApi()
	out.ReleaseApi()
	require.NoError(t, f.q.Finish(ctx))
	require.NoError(t, f.dev.Close())

	files, err := filepath.Glob(filepath.Join(dir, "run-*.aub"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	file, err := os.Open(files[0])
	require.NoError(t, err)
	defer file.Close()
	r, err := csr.NewAUBReader(file)
	require.NoError(t, err)

	// command buffers are dumped as memory writes; other contents may not
	// decode, so only the commands before the first decode error count
	var walkers []csr.Walker
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if rec.Type != csr.AUBMemoryWrite {
			continue
		}
		cmds, _ := csr.DecodeAll(rec.Payload)
		for _, c := range cmds {
			if c.Op != csr.OpWalker {
				continue
			}
			if w, err := csr.DecodeWalker(c); err == nil {
				walkers = append(walkers, w)
			}
		}
	}
	require.Contains(t, walkers, csr.Walker{
		KernelID: 1,
		Groups:   4,
		Surfaces: surfaces,
		Inline:   want,
	})
}

func TestFinishRetiresPendingEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := waitCtx(t)

	buf, err := f.ctx.CreateBuffer(MemReadWrite, 64, nil)
	require.NoError(t, err)
	defer buf.ReleaseApi()

	var events []*Event
	for i := 0; i < 3; i++ {
		ev, err := f.q.EnqueueWriteBuffer(ctx, buf, false, int64(i*8), make([]byte, 8), nil)
		require.NoError(t, err)
		events = append(events, ev)
	}
	marker, err := f.q.EnqueueMarker(ctx)
	require.NoError(t, err)
	require.Equal(t, events[2].TaskCount()+1, marker.TaskCount())

	require.NoError(t, f.q.Finish(ctx))
	require.Zero(t, f.q.Pending())
	for _, ev := range events {
		require.Equal(t, ExecComplete, ev.Status())
		ev.ReleaseApi()
	}
	require.Equal(t, int32(1), buf.RefInternal())
	require.Zero(t, f.dev.mm.WaitingForCompletion())
}

func TestMemObjFromOtherContextRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := waitCtx(t)

	other, err := NewContext(f.dev)
	require.NoError(t, err)
	defer other.ReleaseApi()
	foreign, err := other.CreateBuffer(MemReadWrite, 16, nil)
	require.NoError(t, err)
	defer foreign.ReleaseApi()

	_, err = f.q.EnqueueWriteBuffer(ctx, foreign, true, 0, make([]byte, 16), nil)
	require.ErrorIs(t, err, ErrInvalidMemObject)
	require.Equal(t, InvalidMemObject, StatusOf(err))
}

func TestDeferredDeletion(t *testing.T) {
	f := newFixture(t, func(cfg *DeviceConfig) { cfg.Memory.DeferredDeletion = true })

	before := f.dev.mm.Allocations()
	buf, err := f.ctx.CreateBuffer(MemReadWrite, 64, nil)
	require.NoError(t, err)
	require.Equal(t, before+1, f.dev.mm.Allocations())

	require.True(t, buf.ReleaseApi())
	f.dev.mm.DeferredDeleter().Drain()
	require.Equal(t, before, f.dev.mm.Allocations())
	deleted, failures := f.dev.mm.DeferredDeleter().Stats()
	require.Equal(t, uint64(1), deleted)
	require.Zero(t, failures)
}

func TestSettingsOverrideFeatures(t *testing.T) {
	settings := osinterface.NewStaticSettings(map[string]string{"FTR_FTR64KBPAGES": "false"})
	f := newFixture(t, func(cfg *DeviceConfig) { cfg.Settings = settings })
	require.False(t, f.dev.HardwareInfo().Features.Ftr64KBPages)
	require.NotNil(t, f.dev.Compiler())
}

func TestMultipleEnginesWaitAcrossQueues(t *testing.T) {
	f := newFixture(t, func(cfg *DeviceConfig) {
		cfg.Engines = []csr.EngineType{csr.EngineRender, csr.EngineCopy}
	})
	ctx := waitCtx(t)
	require.Equal(t, uint32(1), f.dev.CSR(csr.EngineCopy).Config().OsContext)

	copyQ, err := NewCommandQueue(f.ctx, csr.EngineCopy)
	require.NoError(t, err)
	defer copyQ.Close(context.Background())

	buf, err := f.ctx.CreateBuffer(MemReadWrite, 32, nil)
	require.NoError(t, err)
	defer buf.ReleaseApi()

	data := bytes.Repeat([]byte{3}, 32)
	w, err := copyQ.EnqueueWriteBuffer(ctx, buf, false, 0, data, nil)
	require.NoError(t, err)

	out := make([]byte, 32)
	_, err = f.q.EnqueueReadBuffer(ctx, buf, true, 0, out, []*Event{w})
	require.NoError(t, err)
	require.Equal(t, data, out)

	_, err = NewCommandQueue(f.ctx, csr.EngineVideo)
	require.ErrorIs(t, err, ErrInvalidValue)
}

func TestAUBDeviceWritesDump(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, func(cfg *DeviceConfig) {
		cfg.CSR.Backend = "aub"
		cfg.CSR.AUBFile = filepath.Join(dir, "run-%s.aub")
	})
	ctx := waitCtx(t)

	buf, err := f.ctx.CreateBuffer(MemReadWrite, 64, nil)
	require.NoError(t, err)
	_, err = f.q.EnqueueWriteBuffer(ctx, buf, true, 0, bytes.Repeat([]byte{1}, 64), nil)
	require.NoError(t, err)
	buf.ReleaseApi()
	require.NoError(t, f.q.Finish(ctx))
	require.NoError(t, f.dev.Close())

	files, err := filepath.Glob(filepath.Join(dir, "run-*.aub"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	file, err := os.Open(files[0])
	require.NoError(t, err)
	defer file.Close()
	r, err := csr.NewAUBReader(file)
	require.NoError(t, err)

	counts := map[csr.AUBRecordType]int{}
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		counts[rec.Type]++
	}
	require.Equal(t, 1, counts[csr.AUBExec])
	require.GreaterOrEqual(t, counts[csr.AUBMemoryWrite], 4)
	require.Positive(t, counts[csr.AUBMemoryFree])
}
