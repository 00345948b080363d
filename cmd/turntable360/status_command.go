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
	"github.com/cjeanneret/turntable360/internal/hw/relay"
	"github.com/cjeanneret/turntable360/internal/logic/geometry"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the relay board and show the capture plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			var st *relay.Status
			if r.link != nil {
				s := r.link.Status()
				st = &s
			}
			out := cmd.OutOrStdout()
			writeStatus(out, cfg, st, geometry.CalculateTurntablePlan(cfg, r.controller(cfg).Duration), isTerminal(out))
			return nil
		},
	}
}

func writeStatus(out io.Writer, cfg *config.Config, st *relay.Status, plan *geometry.TurntablePlan, styled bool) {
	rows := [][]string{}
	if st == nil {
		rows = append(rows, []string{"Relay", "simulated"})
	} else {
		rows = append(rows,
			[]string{"Relay", st.State.String()},
			[]string{"Port", st.Port},
			[]string{"Baud rate", fmt.Sprint(st.BaudRate)},
		)
		if !st.LastErrorAt.IsZero() {
			rows = append(rows, []string{"Last error", st.LastErrorAt.Format(time.RFC3339)})
		}
		if st.CooldownRemaining > 0 {
			rows = append(rows, []string{"Cooldown", st.CooldownRemaining.Round(100 * time.Millisecond).String()})
		}
	}
	rows = append(rows,
		[]string{"Camera", cfg.Camera.Type},
		[]string{"Lens", orDash(cfg.Lens.Name)},
		[]string{"Speed", fmt.Sprintf("%.2f °/s", cfg.Rotation.CalibratedSpeedDps)},
		[]string{"Plan", fmt.Sprintf("%d × %.2f° (pulse %v)", plan.Steps, plan.StepDegrees, plan.PulseDuration)},
		[]string{"Photos", cfg.Camera.PhotoDir},
		[]string{"Debug level", fmt.Sprint(debug.Level())},
	)
	fmt.Fprintln(out, renderTable([]string{"Item", "Value"}, rows, styled))
}
