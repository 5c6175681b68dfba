package commands

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/spf13/cobra"

	"github.com/xupit3r/clrun/internal/csr"
	"github.com/xupit3r/clrun/internal/osinterface"
	"github.com/xupit3r/clrun/internal/program"
	"github.com/xupit3r/clrun/internal/runtime"
)

const sampleKernel = `__kernel void scale(__global const float *src, __global float *dst, float factor, uint n)
{
    uint i = get_global_id(0);
    if (i < n)
        dst[i] = src[i] * factor;
}
`

var (
	submitSource   string
	submitKernel   string
	submitOptions  string
	submitElements uint32
	submitGroups   uint32
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Run a kernel through the configured backend",
	Long: `Build a program, bind buffers to every argument of one kernel, and
submit write, dispatch and read commands through the command stream
receiver. Buffer arguments get zero-based ramps, scalar arguments get the
element count, and local arguments get a 64 byte scratch area.

With the aub backends the submissions are also captured to aub.file.`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitSource, "source", "s", "", "OpenCL C source file (default: built-in scale kernel)")
	submitCmd.Flags().StringVarP(&submitKernel, "kernel", "k", "", "kernel to dispatch (default: first kernel)")
	submitCmd.Flags().StringVar(&submitOptions, "options", "", "build options")
	submitCmd.Flags().Uint32VarP(&submitElements, "elements", "n", 1024, "elements per buffer")
	submitCmd.Flags().Uint32Var(&submitGroups, "groups", 16, "work groups to dispatch")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	source := sampleKernel
	if submitSource != "" {
		data, err := os.ReadFile(submitSource)
		if err != nil {
			return fmt.Errorf("reading source: %w", err)
		}
		source = string(data)
	}

	dc, err := cfg.DeviceConfig()
	if err != nil {
		return err
	}
	dev, err := runtime.NewDevice(dc)
	if err != nil {
		return fmt.Errorf("creating device: %w", err)
	}
	defer dev.Close()

	clctx, err := runtime.NewContext(dev)
	if err != nil {
		return err
	}
	defer clctx.ReleaseApi()

	queue, err := runtime.NewCommandQueue(clctx, dev.Engines()[0])
	if err != nil {
		return err
	}
	defer queue.Close(context.Background())

	prog, err := clctx.CreateProgramWithSource(source)
	if err != nil {
		return runtimeError(err)
	}
	defer prog.ReleaseApi()

	if status := prog.Build(ctx, submitOptions, nil); status != program.Success {
		fmt.Fprintln(cmd.ErrOrStderr(), prog.BuildLog())
		return withExitCode(status.ExitCode(), fmt.Errorf("build failed: %s", status))
	}

	name := submitKernel
	if name == "" {
		name = prog.Kernels()[0].Name
	}
	kernel, err := runtime.CreateKernel(prog, name)
	if err != nil {
		return runtimeError(err)
	}
	defer kernel.ReleaseApi()

	size := int64(submitElements) * 4
	var buffers []*runtime.MemObj
	defer func() {
		for _, b := range buffers {
			b.ReleaseApi()
		}
	}()

	var events []*runtime.Event
	for i, arg := range kernel.Info().Args {
		switch {
		case arg.IsBuffer():
			mem, err := clctx.CreateBuffer(runtime.MemReadWrite, size, nil)
			if err != nil {
				return runtimeError(err)
			}
			buffers = append(buffers, mem)
			ev, err := queue.EnqueueWriteBuffer(ctx, mem, false, 0, ramp(submitElements), nil)
			if err != nil {
				return runtimeError(err)
			}
			events = append(events, ev)
			err = kernel.SetArg(i, mem)
			if err != nil {
				return runtimeError(err)
			}
		case arg.Qualifier == program.AddressLocal:
			if err := kernel.SetArg(i, runtime.LocalSize(64)); err != nil {
				return runtimeError(err)
			}
		default:
			v, err := scalarArg(arg, submitElements)
			if err != nil {
				return err
			}
			if err := kernel.SetArg(i, v); err != nil {
				return runtimeError(err)
			}
		}
	}

	dispatch, err := queue.EnqueueKernel(ctx, kernel, submitGroups, events)
	if err != nil {
		return runtimeError(err)
	}
	for _, ev := range events {
		ev.ReleaseApi()
	}
	defer dispatch.ReleaseApi()

	result := make([]byte, size)
	if len(buffers) > 0 {
		ev, err := queue.EnqueueReadBuffer(ctx, buffers[len(buffers)-1], true, 0, result, []*runtime.Event{dispatch})
		if err != nil {
			return runtimeError(err)
		}
		ev.ReleaseApi()
	}
	if err := queue.Finish(ctx); err != nil {
		return runtimeError(err)
	}

	receiver := queue.Receiver()
	stats := receiver.Stats()
	queued, ended := dispatch.ProfilingInfo()

	fmt.Fprintln(out, title("Submission"))
	fmt.Fprintln(out, row("Kernel:", fmt.Sprintf("%s (%d args)", kernel.Name(), kernel.NumArgs())))
	fmt.Fprintln(out, row("Engine:", queue.Engine()))
	fmt.Fprintln(out, row("Backend:", receiver.Backend().Kind()))
	fmt.Fprintln(out, row("Dispatch status:", statusName(dispatch.Status())))
	fmt.Fprintln(out, row("Task count:", fmt.Sprintf("%d completed / %d sent", receiver.CompletedTaskCount(), receiver.LatestSentTaskCount())))
	fmt.Fprintln(out, row("Flushes:", stats.Flushes))
	fmt.Fprintln(out, row("Preambles:", stats.Preambles))
	fmt.Fprintln(out, row("Residency calls:", stats.MakeResidentCalls))
	if ended > queued {
		fmt.Fprintln(out, row("Dispatch latency:", fmt.Sprintf("%d ns", ended-queued)))
	}
	used, _ := dev.MemoryUsage()
	fmt.Fprintln(out, row("Device memory:", osinterface.FormatBytes(used)))
	if len(buffers) > 0 {
		fmt.Fprintln(out, row("Result crc32:", fmt.Sprintf("%08x", crc32.ChecksumIEEE(result))))
	}
	if _, withAUB, _ := csr.ParseBackend(cfg.CSR.Backend); withAUB || receiver.Backend().Kind() == csr.BackendAUB {
		fmt.Fprintln(out, row("Capture:", cfg.AUB.File))
	}
	return nil
}

// ramp returns n little-endian uint32 values 0..n-1.
func ramp(n uint32) []byte {
	buf := make([]byte, 4*int(n))
	for i := uint32(0); i < n; i++ {
		binary.LittleEndian.PutUint32(buf[4*i:], i)
	}
	return buf
}

func scalarArg(arg program.ArgInfo, n uint32) (any, error) {
	switch arg.Size {
	case 1:
		return uint8(n), nil
	case 2:
		return uint16(n), nil
	case 4:
		return n, nil
	case 8:
		return uint64(n), nil
	}
	return nil, fmt.Errorf("argument %s: no default for %d byte %s", arg.Name, arg.Size, arg.TypeName)
}

func statusName(s runtime.ExecutionStatus) string {
	switch s {
	case runtime.ExecComplete:
		return render(okStyle, "complete")
	case runtime.ExecFailed:
		return render(errorStyle, "failed")
	default:
		return fmt.Sprintf("%d", s)
	}
}

// runtimeError attaches the runtime status as the exit code.
func runtimeError(err error) error {
	code := int(runtime.StatusOf(err))
	if code < 0 {
		code = -code
	}
	return withExitCode(code, err)
}
