package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/powerlab/protorec/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	recDir       string
	simulate     bool
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "protorec",
	Short: "Synchronized multi-sensor recording controller",
	Long: `protorec captures synchronized video and IMU data from experimental
hardware and persists it to local storage, one timestamped directory per
session.

Recording is controlled either headless (protorec record) or from a remote
browser through the built-in web server (protorec serve).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		if cfgFile == "" {
			if def := os.ExpandEnv("$HOME/.config/protorec.yaml"); fileExists(def) {
				cfgFile = def
			}
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if recDir != "" {
			cfg.Recording.Directory = recDir
		}

		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/protorec.yaml)")
	rootCmd.PersistentFlags().StringVar(&recDir, "recdir", "", "recording directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "use synthetic devices instead of hardware")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=gstreamer debug")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(devicesCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch {
	case level <= 0:
		slogLevel = slog.LevelInfo
	default:
		slogLevel = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))

	if level >= 2 {
		os.Setenv("GST_DEBUG", "3")
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
