package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xupit3r/clrun/internal/config"
	"github.com/xupit3r/clrun/internal/logging"
	"github.com/xupit3r/clrun/internal/refcount"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	noColor bool

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "clrun",
	Short: "A simulated GPU compute runtime",
	Long: `clrun drives a simulated GPU through the same path a compute driver
uses: programs are built offline or at runtime, buffers live in tracked
graphics allocations, and command buffers are flushed by a command stream
receiver to hardware simulation, an AUB capture file or a TBX server.`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.clrun/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().String("backend", "", "command stream receiver backend (hw, aub, tbx, hw_with_aub, tbx_with_aub)")
	rootCmd.PersistentFlags().String("gen", "", "hardware generation")

	registerFlagCompletions(rootCmd)
}

// initConfig loads configuration and sets up logging before any command runs
func initConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if b, _ := cmd.Flags().GetString("backend"); b != "" {
		c.CSR.Backend = b
	}
	if g, _ := cmd.Flags().GetString("gen"); g != "" {
		c.CSR.HardwareGeneration = g
	}
	if noColor {
		c.CLI.Color = false
		c.CLI.SyntaxHighlight = false
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	level := c.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := logging.Init(level, c.Logging.File, c.Logging.Console || verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
	}
	refcount.SetDebug(c.Debug.Assertions)

	if verbose {
		logging.Debugf("backend %s, generation %s, engines %v", c.CSR.Backend, c.CSR.HardwareGeneration, c.CSR.Engines)
	}

	cfg = c
	return nil
}
