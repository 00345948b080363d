package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/turntable360/internal/config"
	"github.com/cjeanneret/turntable360/internal/debug"
	"github.com/cjeanneret/turntable360/internal/logic/capture"
	"github.com/cjeanneret/turntable360/internal/logic/geometry"
	"github.com/cjeanneret/turntable360/internal/web"
)

const defaultWebPort = 8080

func newServeCommand(ctx *commandContext) *cobra.Command {
	webPort := &webPortFlag{val: defaultWebPort, defaultPort: defaultWebPort}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web control page and the device scanner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(sigCtx, cfg, ctx.persistPath(), webPort.port())
		},
	}
	cmd.Flags().Var(webPort, "web", "HTTP port; --web alone uses 8080")
	cmd.Flags().Lookup("web").NoOptDefVal = strconv.Itoa(defaultWebPort)
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, persistPath string, port int) error {
	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

	scanner := newScanner(cfg)
	resolvePort(ctx, cfg, scanner)

	r, err := openRig(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			debug.Error(err)
		}
	}()

	go scanner.Run(ctx)

	ctrl := r.controller(cfg)
	plan := geometry.CalculateTurntablePlan(cfg, ctrl.Duration)
	debug.Plan(plan.Steps, plan.StepDegrees, plan.PulseDuration)

	deps := web.Deps{
		Broadcaster: broadcaster,
		Rotate: func(reqCtx context.Context, degrees float64) (string, error) {
			seq := capture.NewSequence(ctrl, r.cam, cfg.Camera.PhotoDir)
			return seq.RotateAndShoot(reqCtx, degrees, sessionParams(cfg, ctrl))
		},
		RunCapture: func(runCtx context.Context, overrides config.Overrides) error {
			// Sessions outlive the request but stop with the server.
			runCtx, cancel := context.WithCancel(runCtx)
			defer cancel()
			unlink := context.AfterFunc(ctx, cancel)
			defer unlink()

			res, err := executeCapture(runCtx, cfg, r, overrides)
			if err != nil {
				return err
			}
			broadcaster.BroadcastMsg(fmt.Sprintf("Session %s: %d photos in %s", res.SessionID, len(res.Photos), res.Dir))
			return nil
		},
		Devices: scanner,
		Config:  config.NewStore(cfg, persistPath),
		FormDefaults: web.FormConfig{
			StepDegrees:     plan.StepDegrees,
			CalibratedSpeed: ctrl.CalibratedSpeed(),
			FocalLengthMm:   cfg.Lens.FocalLengthMm,
			Steps:           plan.Steps,
			Simulator:       cfg.Simulator(),
			CameraType:      cfg.Camera.Type,
		},
	}
	if r.link != nil {
		deps.Link = r.link
	}

	srv, err := web.NewServer(fmt.Sprintf(":%d", port), cfg.Camera.PhotoDir, deps)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// webPortFlag implements pflag.Value for --web: --web alone or --web= gives
// the default port, --web 8980 a custom one.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) Type() string { return "port" }

func (w *webPortFlag) port() int { return w.val }
