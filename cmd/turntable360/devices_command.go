package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/turntable360/internal/discovery"
)

func newDevicesCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Scan for relay boards, webcams and gphoto2 cameras",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			snap := newScanner(cfg).Scan(cmd.Context())
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			writeSnapshot(out, snap, isTerminal(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the snapshot as JSON")
	return cmd
}

func writeSnapshot(out io.Writer, snap discovery.Snapshot, styled bool) {
	serial := make([][]string, 0, len(snap.SerialCandidates))
	for _, c := range snap.SerialCandidates {
		serial = append(serial, []string{c.Port, c.Description, c.VID, c.PID, yesNo(c.USB)})
	}
	fmt.Fprintln(out, "Relay boards")
	if len(serial) == 0 {
		fmt.Fprintln(out, "  none found")
	} else {
		fmt.Fprintln(out, renderTable([]string{"Port", "Description", "VID", "PID", "USB"}, serial, styled))
	}

	cams := make([][]string, 0, len(snap.Webcams)+len(snap.Gphoto2Cameras))
	for _, dev := range snap.Webcams {
		cams = append(cams, []string{"webcam", dev, ""})
	}
	for _, c := range snap.Gphoto2Cameras {
		cams = append(cams, []string{"gphoto2", c.Port, c.Model})
	}
	fmt.Fprintln(out, "\nCameras")
	if len(cams) == 0 {
		fmt.Fprintln(out, "  none found")
	} else {
		fmt.Fprintln(out, renderTable([]string{"Type", "Device", "Model"}, cams, styled))
	}
	fmt.Fprintf(out, "\nScanned at %s\n", snap.ScannedAt.Format("15:04:05"))
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
