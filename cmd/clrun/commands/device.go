package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xupit3r/clrun/internal/hwinfo"
	"github.com/xupit3r/clrun/internal/osinterface"
	"github.com/xupit3r/clrun/internal/runtime"
)

var deviceInfoCmd = &cobra.Command{
	Use:   "device",
	Short: "Show device information",
	Long: `Display the simulated device the configuration selects: its
product, the feature and workaround tables after setting overrides
(CLRUN_FTR_* and CLRUN_WA_*), its engines and memory, and the host it
runs on.`,
	RunE: runDeviceInfo,
}

func init() {
	rootCmd.AddCommand(deviceInfoCmd)
}

func runDeviceInfo(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	dc, err := cfg.DeviceConfig()
	if err != nil {
		return err
	}
	// Inspection never opens capture files or remote targets.
	dc.CSR.Backend = "hw"

	dev, err := runtime.NewDevice(dc)
	if err != nil {
		return fmt.Errorf("creating device: %w", err)
	}
	defer dev.Close()

	hw := dev.HardwareInfo()
	fmt.Fprintln(out, title("Device"))
	fmt.Fprintln(out, row("Name:", dev.Name()))
	fmt.Fprintln(out, row("Generation:", hw.Platform.Generation))
	fmt.Fprintln(out, row("Device ID:", fmt.Sprintf("0x%04X rev %d", hw.Platform.DeviceID, hw.Platform.Revision)))
	fmt.Fprintln(out, row("Slices / EUs:", fmt.Sprintf("%d / %d", hw.System.SliceCount, hw.System.EUCount)))
	fmt.Fprintln(out, row("HW threads:", hw.MaxHWThreads()))
	fmt.Fprintln(out, row("Address bits:", hw.Capabilities.GPUAddressBits))
	fmt.Fprintln(out, row("Max alloc:", osinterface.FormatBytes(int64(hw.Capabilities.MaxMemAllocSize))))

	engines := make([]string, 0, len(dev.Engines()))
	for _, e := range dev.Engines() {
		engines = append(engines, e.String())
	}
	fmt.Fprintln(out, row("Engines:", strings.Join(engines, ", ")))
	fmt.Fprintln(out, row("Backend:", cfg.CSR.Backend))

	used, capacity := dev.MemoryUsage()
	if capacity > 0 {
		fmt.Fprintln(out, row("Device memory:", fmt.Sprintf("%s / %s", osinterface.FormatBytes(used), osinterface.FormatBytes(capacity))))
	} else {
		fmt.Fprintln(out, row("Device memory:", "unlimited"))
	}
	fmt.Fprintln(out, row("Compiler:", yesNo(dev.Compiler() != nil)))
	fmt.Fprintln(out)

	fmt.Fprintln(out, title("Features"))
	for _, f := range hwinfo.FeatureFields() {
		fmt.Fprintln(out, row(f.Name, yesNo(f.Get(&hw.Features))))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, title("Workarounds"))
	for _, w := range hwinfo.WorkaroundFields() {
		fmt.Fprintln(out, row(w.Name, yesNo(w.Get(&hw.Workarounds))))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, title("Host"))
	fmt.Fprintln(out, row("Platform:", osinterface.Platform()))
	if mem, err := osinterface.QueryHostMemory(); err == nil {
		fmt.Fprintln(out, row("Memory:", fmt.Sprintf("%s available of %s", osinterface.FormatBytes(mem.AvailableBytes), osinterface.FormatBytes(mem.TotalBytes))))
	} else {
		fmt.Fprintln(out, row("Memory:", render(errorStyle, err.Error())))
	}
	fmt.Fprintln(out, row("Power:", osinterface.CurrentPowerSource()))
	if up, err := osinterface.Uptime(); err == nil {
		fmt.Fprintln(out, row("Uptime:", up.Truncate(time.Second)))
	}
	if feats := osinterface.CPUFeatures(); len(feats) > 0 {
		fmt.Fprintln(out, row("CPU features:", strings.Join(feats, " ")))
	}
	fmt.Fprintln(out, row("Timer resolution:", fmt.Sprintf("%.3f ns", dev.Timer().HostResolution())))

	return nil
}
