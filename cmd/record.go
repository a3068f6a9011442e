package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/powerlab/protorec/internal/device"
	"github.com/powerlab/protorec/internal/session"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a session without the web server",
	Long: `Record from all configured devices into a timestamped session directory.
Recording runs until the given duration elapses or Ctrl+C is pressed,
whichever comes first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("duration")

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

		snap, err := controller.Start()
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		slog.Info("Recording", "session_id", snap.Session.SessionID, "dir", snap.Session.Dir)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		if duration > 0 {
			select {
			case <-sigChan:
				slog.Info("Interrupted, stopping recording")
			case <-time.After(duration):
				slog.Info("Duration elapsed, stopping recording")
			}
		} else {
			slog.Info("Recording until interrupted - press Ctrl+C to stop")
			<-sigChan
		}

		snap, err = controller.Stop()
		if err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}
		if snap.LastFault != "" {
			slog.Warn("Session ended with fault", "fault", snap.LastFault)
		}

		return nil
	},
}

func init() {
	recordCmd.Flags().DurationP("duration", "d", 0, "recording duration (0 records until Ctrl+C)")
}
