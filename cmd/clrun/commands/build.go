package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xupit3r/clrun/internal/osinterface"
	"github.com/xupit3r/clrun/internal/program"
)

var (
	buildOutput   string
	buildOptions  string
	buildListing  bool
	buildInternal string
)

var buildCmd = &cobra.Command{
	Use:   "build <source.cl>",
	Short: "Compile OpenCL C source offline",
	Long: `Compile an OpenCL C source file into a program binary without
creating a device. The build log is printed and the binary is written next
to the source unless -o is given. On failure the exit code is the absolute
value of the build status.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuild,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <program.clb>",
	Short: "List the kernels in a program binary",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(inspectCmd)

	buildCmd.Flags().StringVarP(&buildOutput, "output", "o", "", "output binary path")
	buildCmd.Flags().StringVar(&buildOptions, "options", "", "build options, e.g. \"-cl-fast-relaxed-math -D N=4\"")
	buildCmd.Flags().StringVar(&buildInternal, "internal-options", "", "internal build options")
	buildCmd.Flags().BoolVar(&buildListing, "listing", false, "print the source listing before building")
}

func runBuild(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := args[0]

	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}

	if buildListing {
		listing := string(source)
		if cfg == nil || cfg.CLI.SyntaxHighlight {
			listing = highlightSource(listing)
		}
		fmt.Fprintln(out, title(filepath.Base(path)))
		fmt.Fprintln(out, numberLines(listing))
	}

	compiler, err := program.LoadCompiler(osinterface.DefaultLoader())
	if err != nil {
		return withExitCode(program.CompilerNotAvailable.ExitCode(), err)
	}

	p, status := program.NewWithSource(compiler, string(source))
	if status != program.Success {
		return withExitCode(status.ExitCode(), fmt.Errorf("creating program: %s", status))
	}
	defer p.ReleaseApi()
	if buildInternal != "" {
		p.SetInternalOptions(buildInternal)
	}

	status = p.Build(cmd.Context(), buildOptions, nil)
	if status != program.Success || cfg == nil || cfg.Debug.PrintBuildLog {
		if log := p.BuildLog(); log != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), render(dimStyle, strings.TrimRight(log, "\n")))
		}
	}
	if status != program.Success {
		return withExitCode(status.ExitCode(), fmt.Errorf("build failed: %s", status))
	}

	output := buildOutput
	if output == "" {
		output = strings.TrimSuffix(path, filepath.Ext(path)) + ".clb"
	}
	if err := os.WriteFile(output, p.Binary(), 0644); err != nil {
		return fmt.Errorf("writing binary: %w", err)
	}

	if !quiet {
		printKernels(out, p.Kernels())
		fmt.Fprintf(out, "%s %s\n", render(okStyle, "wrote"), output)
	}
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	bin, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading binary: %w", err)
	}

	p, status := program.NewWithBinary(bin)
	if status != program.Success {
		return withExitCode(status.ExitCode(), fmt.Errorf("loading binary: %s", status))
	}
	defer p.ReleaseApi()

	if status := p.Build(cmd.Context(), "", nil); status != program.Success {
		return withExitCode(status.ExitCode(), fmt.Errorf("loading binary: %s", status))
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, row("Binary type:", p.BinaryType()))
	if img, err := program.ParseBinary(bin); err == nil && img.Options != "" {
		fmt.Fprintln(out, row("Options:", img.Options))
	}
	printKernels(out, p.Kernels())
	return nil
}

func printKernels(w io.Writer, kernels []program.KernelInfo) {
	fmt.Fprintln(w, title(fmt.Sprintf("%d kernel(s)", len(kernels))))
	for _, k := range kernels {
		params := make([]string, len(k.Args))
		for i, a := range k.Args {
			params[i] = fmt.Sprintf("%s %s %s", a.Qualifier, a.TypeName, a.Name)
		}
		fmt.Fprintf(w, "  %s(%s)\n", k.Name, strings.Join(params, ", "))
	}
}
