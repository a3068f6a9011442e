package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/powerlab/protorec/internal/config"
	"github.com/powerlab/protorec/internal/device"
	"github.com/powerlab/protorec/internal/preview"
	"github.com/powerlab/protorec/internal/server"
	"github.com/powerlab/protorec/internal/session"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the protorec web server so sessions can be started, stopped and
monitored from a browser on the same network. The preview image works
whether or not a session is recording.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		if err := os.MkdirAll(cfg.Recording.Directory, 0755); err != nil {
			return fmt.Errorf("failed to create recording directory: %w", err)
		}

		handles, err := device.FromConfig(cfg, simulate)
		if err != nil {
			return err
		}

		controller := session.New(cfg.Recording, handles)
		if err := controller.StartWorkers(); err != nil {
			return fmt.Errorf("failed to start device workers: %w", err)
		}
		defer controller.Shutdown()

		tap, err := previewTap(controller, cfg)
		if err != nil {
			slog.Warn("Preview disabled", "error", err)
		}

		srv := server.New(controller, tap, cfg, port)

		// Stop cleanly on SIGINT/SIGTERM so an in-flight session is
		// finalized rather than truncated.
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigChan
			slog.Info("Shutting down")
			controller.Shutdown()
			os.Exit(0)
		}()

		if err := srv.Start(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "5000", "port for the web server")
}

// previewTap subscribes to the configured preview camera, or returns an
// error when none is configured or the device is missing.
func previewTap(controller *session.Controller, cfg *config.Config) (*preview.Tap, error) {
	if cfg.Preview.Device == "" {
		return nil, fmt.Errorf("no preview device configured")
	}
	w := controller.Worker(cfg.Preview.Device)
	if w == nil {
		return nil, fmt.Errorf("preview device %q not found", cfg.Preview.Device)
	}
	return preview.NewTap(w)
}
