package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/turntable360/internal/config"
	"github.com/cjeanneret/turntable360/internal/debug"
	"github.com/cjeanneret/turntable360/internal/logic/capture"
)

func newCaptureCommand(ctx *commandContext) *cobra.Command {
	var overrides config.Overrides

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Shoot a full 360° turn",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Zero means "use config default"; only non-zero values are checked.
			if err := config.ValidateOverrides(overrides); err != nil {
				return fmt.Errorf("invalid override: %w", err)
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			resolvePort(sigCtx, cfg, newScanner(cfg))
			r, err := openRig(cfg)
			if err != nil {
				return err
			}
			defer r.Close()

			res, err := executeCapture(sigCtx, cfg, r, overrides)
			writeSession(cmd.OutOrStdout(), res)
			return err
		},
	}
	cmd.Flags().Float64Var(&overrides.StepDegrees, "step-degrees", 0, "Override the rotation step in degrees (0-360)")
	cmd.Flags().Float64Var(&overrides.CalibratedSpeed, "speed", 0, "Override the calibrated speed in degrees per second")
	cmd.Flags().Float64Var(&overrides.FocalLengthMm, "focal-length-mm", 0, "Override the focal length in mm (1-500)")
	return cmd
}

// writeSession prints the session summary; from the verbose debug level on,
// every photo path follows it.
func writeSession(out io.Writer, res capture.Result) {
	if res.SessionID == "" {
		return
	}
	fmt.Fprintf(out, "Session %s: %d/%d photos in %s (%v)\n",
		res.SessionID, len(res.Photos), res.Planned, res.Dir, res.Elapsed.Round(time.Second))
	if debug.IsEnabled(debug.LevelVerbose) {
		for _, p := range res.Photos {
			fmt.Fprintf(out, "  %s\n", p)
		}
	}
}
