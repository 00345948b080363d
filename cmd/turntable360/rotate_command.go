package main

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/turntable360/internal/logic/capture"
)

func newRotateCommand(ctx *commandContext) *cobra.Command {
	var shoot bool

	cmd := &cobra.Command{
		Use:   "rotate DEGREES",
		Short: "Turn the table once, optionally taking a photo",
		Long: "Turn the table by DEGREES using the calibrated relay pulse.\n" +
			"The relay turns in one direction only; the sign is ignored.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			degrees, err := parseDegrees(args[0])
			if err != nil {
				return err
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

			ctrl := r.controller(cfg)
			out := cmd.OutOrStdout()
			if !shoot {
				if err := ctrl.Rotate(degrees); err != nil {
					return err
				}
				fmt.Fprintf(out, "Rotated %.2f° (pulse %v)\n", degrees, ctrl.Duration(degrees))
				return nil
			}
			seq := capture.NewSequence(ctrl, r.cam, cfg.Camera.PhotoDir)
			photo, err := seq.RotateAndShoot(sigCtx, degrees, sessionParams(cfg, ctrl))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Rotated %.2f°, photo %s\n", degrees, photo)
			return nil
		},
	}
	cmd.Flags().BoolVar(&shoot, "shoot", false, "Take a photo after the rotation")
	return cmd
}

func parseDegrees(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid angle %q: %w", s, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > 360 {
		return 0, fmt.Errorf("angle must be between -360 and 360, got %s", s)
	}
	return v, nil
}
